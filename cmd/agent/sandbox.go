package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nstogner/codeagent/pkg/sandbox/docker"
)

func newSandboxCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Manage the sandbox container",
	}

	withManager := func(fn func(cmd *cobra.Command, m *docker.Manager) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			setupLogging(opts.cfg, os.Stderr)
			m, err := docker.New(opts.cfg.SandboxConfig())
			if err != nil {
				return err
			}
			defer m.Close()
			return fn(cmd, m)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Print the sandbox state",
			RunE: withManager(func(cmd *cobra.Command, m *docker.Manager) error {
				state, err := m.Status(cmd.Context())
				if err != nil {
					return err
				}
				cfg := m.Config()
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", cfg.Name, cfg.Image, state)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "teardown",
			Short: "Stop and remove the sandbox; the workspace is kept",
			RunE: withManager(func(cmd *cobra.Command, m *docker.Manager) error {
				if err := m.Teardown(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", m.Config().Name)
				return nil
			}),
		},
	)
	return cmd
}
