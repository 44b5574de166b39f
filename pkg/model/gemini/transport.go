package gemini

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"strings"
)

// LevelTrace enables dumps of the HTTP traffic to the Gemini API.
const LevelTrace = slog.Level(-8)

const apiKeyHeader = "x-goog-api-key"

// tracingTransport logs requests and responses when the default logger is
// enabled at LevelTrace.
type tracingTransport struct {
	base http.RoundTripper
}

func (t *tracingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !slog.Default().Enabled(req.Context(), LevelTrace) {
		return t.base.RoundTrip(req)
	}

	logged := req.Clone(req.Context())
	if logged.Header.Get(apiKeyHeader) != "" {
		logged.Header.Set(apiKeyHeader, "REDACTED")
	}
	if dump, err := httputil.DumpRequestOut(logged, false); err != nil {
		slog.Debug("Failed to dump Gemini request", "error", err)
	} else {
		slog.Log(req.Context(), LevelTrace, "Gemini request", "url", req.URL.Redacted(), "dump", string(dump))
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	// Streaming bodies are left unread.
	isStream := strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") ||
		strings.Contains(req.URL.Query().Get("alt"), "sse")

	if dump, err := httputil.DumpResponse(resp, !isStream); err != nil {
		slog.Debug("Failed to dump Gemini response", "error", err)
	} else {
		slog.Log(req.Context(), LevelTrace, "Gemini response", "status", resp.StatusCode, "isStream", isStream, "dump", string(dump))
	}
	return resp, nil
}
