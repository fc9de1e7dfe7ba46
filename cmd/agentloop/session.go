package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/msageha/agentloop/internal/daemon"
	"github.com/msageha/agentloop/internal/model"
	"github.com/msageha/agentloop/internal/uds"
)

func (c *cli) sessionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "session", Short: "Start and steer agent sessions"}

	var mode string
	start := &cobra.Command{
		Use:   "start <goal>",
		Short: "Start a session for a goal",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return c.call(uds.CmdStart, daemon.StartParams{
				Goal: strings.Join(args, " "),
				Mode: model.Mode(mode),
			})
		},
	}
	start.Flags().StringVar(&mode, "mode", "", "automatic, supervised or manual (default from config)")

	var params string
	var option string
	recoverCmd := &cobra.Command{
		Use:   "recover <session-id>",
		Short: "Choose how a failed session recovers",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			p, err := parseParams(params)
			if err != nil {
				return err
			}
			return c.call(uds.CmdRecover, daemon.RecoverParams{
				SessionID: args[0],
				Option:    model.RecoveryOption(option),
				Params:    p,
			})
		},
	}
	recoverCmd.Flags().StringVar(&option, "option", "", "skip, replan, retry_modified or rollback")
	recoverCmd.Flags().StringVar(&params, "params", "", "option parameters as a JSON object")
	_ = recoverCmd.MarkFlagRequired("option")

	cmd.AddCommand(
		start,
		c.sessionIDCmd("status", "Show a session with its plan and pending checkpoint", uds.CmdStatus),
		c.sessionIDCmd("stop", "Halt a session", uds.CmdStop),
		c.sessionIDCmd("resume", "Resume a halted or interrupted session", uds.CmdResume),
		c.sessionIDCmd("continue", "Let a session waiting for input proceed", uds.CmdContinue),
		&cobra.Command{
			Use:   "list",
			Short: "List sessions",
			Args:  cobra.NoArgs,
			RunE: func(*cobra.Command, []string) error {
				return c.call(uds.CmdList, nil)
			},
		},
		&cobra.Command{
			Use:   "redirect <session-id> <goal>",
			Short: "Replace the goal of a session and replan",
			Args:  cobra.MinimumNArgs(2),
			RunE: func(_ *cobra.Command, args []string) error {
				return c.call(uds.CmdRedirect, daemon.RedirectParams{
					SessionID: args[0],
					Goal:      strings.Join(args[1:], " "),
				})
			},
		},
		recoverCmd,
	)
	return cmd
}

func (c *cli) sessionIDCmd(use, short, command string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <session-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return c.call(command, daemon.SessionParams{SessionID: args[0]})
		},
	}
}

func (c *cli) checkpointCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "checkpoint", Short: "Answer pending checkpoints"}

	var option, params, reason string
	respond := &cobra.Command{
		Use:   "respond <checkpoint-id>",
		Short: "Approve, modify, reject or take over at a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			p, err := parseParams(params)
			if err != nil {
				return err
			}
			return c.call(uds.CmdRespond, daemon.RespondParams{
				CheckpointID: args[0],
				Option:       model.ResponseOption(option),
				Params:       p,
				Reason:       reason,
			})
		},
	}
	respond.Flags().StringVar(&option, "option", string(model.RespondApprove), "approve, modify, takeover or reject")
	respond.Flags().StringVar(&params, "params", "", "modified operation parameters as a JSON object")
	respond.Flags().StringVar(&reason, "reason", "", "free-text reason recorded with the response")
	cmd.AddCommand(respond)
	return cmd
}

func (c *cli) controlCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "control", Short: "Move control of a session between human and agent"}
	var reason string
	for _, sub := range []struct {
		use, short, command string
	}{
		{"takeover", "Take control of a session", uds.CmdTakeover},
		{"handback", "Return control of a session to the agent", uds.CmdHandback},
	} {
		command := sub.command
		cmd.AddCommand(&cobra.Command{
			Use:   sub.use + " <session-id>",
			Short: sub.short,
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return c.call(command, daemon.ControlParams{SessionID: args[0], Reason: reason})
			},
		})
	}
	cmd.PersistentFlags().StringVar(&reason, "reason", "", "reason recorded with the transfer")
	return cmd
}

func (c *cli) actionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "action", Short: "Report actions a human performed"}

	var a model.TrackedAction
	var kind, source string
	record := &cobra.Command{
		Use:   "record <session-id>",
		Short: "Record one human action for reconciliation",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			a.SessionID = args[0]
			a.Kind = model.ActionKind(kind)
			a.Source = model.ActionSource(source)
			if !model.ValidActionKind(a.Kind) {
				return fmt.Errorf("invalid --kind %q", kind)
			}
			return c.call(uds.CmdAction, a)
		},
	}
	f := record.Flags()
	f.StringVar(&kind, "kind", "", "click, input, select, submit or navigate")
	f.StringVar(&source, "source", string(model.SourceHuman), "human or agent_ui")
	f.StringVar(&a.Value, "value", "", "entered or selected value")
	f.StringVar(&a.Target.ResourceType, "resource-type", "", "resource type the element maps to")
	f.StringVar(&a.Target.ResourceID, "resource-id", "", "resource id the element maps to")
	f.StringVar(&a.Target.Label, "label", "", "element label")
	f.StringVar(&a.Target.URL, "url", "", "page URL")
	f.StringToStringVar(&a.Target.Attributes, "attr", nil, "extra element attributes (key=value)")
	_ = record.MarkFlagRequired("kind")
	cmd.AddCommand(record)
	return cmd
}

func (c *cli) snapshotCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "snapshot", Short: "Inspect and restore session snapshots"}
	cmd.AddCommand(
		c.sessionIDCmd("list", "List the snapshots of a session", uds.CmdSnapshots),
		&cobra.Command{
			Use:   "restore <session-id> <snapshot-id>",
			Short: "Roll a session back to a snapshot",
			Args:  cobra.ExactArgs(2),
			RunE: func(_ *cobra.Command, args []string) error {
				return c.call(uds.CmdRestore, daemon.RestoreParams{SessionID: args[0], SnapshotID: args[1]})
			},
		},
	)
	return cmd
}

// parseParams decodes a --params JSON object. An empty string means none.
func parseParams(s string) (map[string]any, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("invalid --params: %w", err)
	}
	return m, nil
}
