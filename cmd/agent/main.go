// Command agent runs the coding agent.
//
// Usage:
//
//	export GEMINI_API_KEY="your-api-key"
//	agent chat                 # terminal chat UI
//	agent serve                # HTTP/WebSocket API
//	agent sandbox status       # inspect the sandbox container
//	agent sandbox teardown     # remove it
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nstogner/codeagent/pkg/config"
)

func main() {
	if err := newRootCmd(&options{v: viper.New()}).Execute(); err != nil {
		os.Exit(1)
	}
}

// options is shared by all subcommands. cfg is populated before any RunE.
type options struct {
	v          *viper.Viper
	configFile string
	cfg        *config.Config
}

func newRootCmd(opts *options) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "agent",
		Short:        "A conversational coding agent with a persistent sandbox",
		Long:         "agent drives a model through a coding task in a Docker sandbox, keeping long conversations within the context window by folding older turns into a running summary.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.v, opts.configFile)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "config file (YAML, TOML or JSON); defaults to ./agent.* when present")
	flags.String("log-level", "info", "log level: debug, info, warn or error")
	flags.String("store", config.DefaultStorePath, "path of the SQLite database")
	flags.String("workspace", ".", "host directory mounted into the sandbox")
	flags.String("model", config.DefaultModel, "model used for turns")

	for key, flag := range map[string]string{
		"log.level":         "log-level",
		"store.path":        "store",
		"sandbox.workspace": "workspace",
		"model.name":        "model",
	} {
		if err := opts.v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("binding flag %s: %v", flag, err))
		}
	}

	rootCmd.AddCommand(
		newServeCmd(opts),
		newChatCmd(opts),
		newSandboxCmd(opts),
	)
	return rootCmd
}

// setupLogging installs the default slog logger writing to w.
func setupLogging(cfg *config.Config, w io.Writer) {
	level, err := cfg.Log.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
	slog.Debug("Logging initialized", "level", level)
}
