// Package main provides the agentloop binary: the daemon that runs agent
// sessions and the control commands that talk to it over its socket.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/msageha/agentloop/internal/daemon"
	"github.com/msageha/agentloop/internal/setup"
	"github.com/msageha/agentloop/internal/status"
	"github.com/msageha/agentloop/internal/uds"
)

const (
	Version = "0.1.0"
	appName = "agentloop"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// cli carries the persistent flags shared by every subcommand.
type cli struct {
	dataDir string
	out     io.Writer
}

func rootCmd() *cobra.Command {
	c := &cli{out: os.Stdout}
	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Human-in-the-loop agent runtime",
		Long:          "agentloop runs goal-driven agent sessions with checkpoints, snapshots and human takeover.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			c.out = cmd.OutOrStdout()
		},
	}
	cmd.PersistentFlags().StringVar(&c.dataDir, "data-dir", "", "data directory (default: nearest .agentloop above the working directory)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", appName, Version)
			},
		},
		c.setupCmd(),
		c.daemonCmd(),
		c.shutdownCmd(),
		c.statusCmd(),
		c.sessionCmd(),
		c.checkpointCmd(),
		c.controlCmd(),
		c.actionCmd(),
		c.snapshotCmd(),
		c.eventsCmd(),
		c.rulesCmd(),
	)
	return cmd
}

// resolveDataDir honors --data-dir and otherwise walks up from the
// working directory.
func (c *cli) resolveDataDir() (string, error) {
	if c.dataDir != "" {
		return filepath.Abs(c.dataDir)
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return setup.FindDataDir(wd)
}

func (c *cli) client() (*uds.Client, error) {
	dir, err := c.resolveDataDir()
	if err != nil {
		return nil, err
	}
	return uds.NewClient(filepath.Join(dir, uds.DefaultSocketName)), nil
}

// call sends one command and prints the decoded result as indented JSON.
func (c *cli) call(command string, params any) error {
	client, err := c.client()
	if err != nil {
		return err
	}
	var out json.RawMessage
	if err := client.Call(command, params, &out); err != nil {
		return fmt.Errorf("%s: %w", command, err)
	}
	return c.print(out)
}

func (c *cli) print(raw json.RawMessage) error {
	if len(raw) == 0 || string(raw) == "null" {
		fmt.Fprintln(c.out, "ok")
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) setupCmd() *cobra.Command {
	var opts setup.Options
	cmd := &cobra.Command{
		Use:   "setup [project-dir]",
		Short: "Create the .agentloop data directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			base, err := setup.Run(dir, opts)
			if err != nil {
				return fmt.Errorf("setup: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "initialized %s\n", base)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.ProjectName, "name", "", "project name (default: directory name)")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "overwrite an existing data directory")
	return cmd
}

func (c *cli) daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the agentloop daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			dir, err := c.resolveDataDir()
			if err != nil {
				return err
			}
			cfg, err := setup.LoadConfig(dir, nil)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			d, err := daemon.New(dir, cfg)
			if err != nil {
				return fmt.Errorf("create daemon: %w", err)
			}
			if err := d.Run(); err != nil {
				return fmt.Errorf("daemon: %w", err)
			}
			return nil
		},
	}
}

func (c *cli) statusCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether the daemon runs and what its sessions are doing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, err := c.resolveDataDir()
			if err != nil {
				return err
			}
			return status.Run(dir, cmd.OutOrStdout(), jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON")
	return cmd
}

func (c *cli) shutdownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Ask a running daemon to stop",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return c.call(uds.CmdShutdown, nil)
		},
	}
}

func (c *cli) eventsCmd() *cobra.Command {
	var after int64
	cmd := &cobra.Command{
		Use:   "events <session-id>",
		Short: "Replay the journaled events of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return c.call(uds.CmdEvents, daemon.EventsParams{SessionID: args[0], AfterSeq: after})
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "only events with a sequence number above this")
	return cmd
}

func (c *cli) rulesCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rules", Short: "Manage checkpoint rules"}
	cmd.AddCommand(&cobra.Command{
		Use:   "reload",
		Short: "Reload the checkpoint rules file",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return c.call(uds.CmdRules, nil)
		},
	})
	return cmd
}
