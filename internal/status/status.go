// Package status reports whether the daemon is up and what its sessions are doing.
package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"time"

	"github.com/msageha/agentloop/internal/lock"
	"github.com/msageha/agentloop/internal/model"
	"github.com/msageha/agentloop/internal/uds"
)

type Overview struct {
	Daemon   DaemonStatus     `json:"daemon"`
	Sessions []SessionSummary `json:"sessions,omitempty"`
}

type DaemonStatus struct {
	Running bool `json:"running"`
	PID     int  `json:"pid,omitempty"`
}

type SessionSummary struct {
	ID        string           `json:"id"`
	Goal      string           `json:"goal"`
	Mode      model.Mode       `json:"mode"`
	State     model.LoopState  `json:"state"`
	Control   model.Controller `json:"control"`
	Awaiting  bool             `json:"awaiting_input,omitempty"`
	Loaded    bool             `json:"loaded"`
	UpdatedAt time.Time        `json:"updated_at"`
}

type pingResult struct {
	Status   string   `json:"status"`
	Sessions []string `json:"sessions"`
}

// Collect asks the daemon in dataDir for its sessions. A daemon that is not
// listening is reported as stopped, not as an error.
func Collect(dataDir string) (Overview, error) {
	var o Overview
	client := uds.NewClient(filepath.Join(dataDir, uds.DefaultSocketName))
	client.SetTimeout(5 * time.Second)

	var ping pingResult
	if err := client.Call(uds.CmdPing, nil, &ping); err != nil {
		if errors.Is(err, uds.ErrDaemonUnavailable) {
			return o, nil
		}
		return o, fmt.Errorf("ping daemon: %w", err)
	}
	o.Daemon.Running = true
	if pid, err := lock.ReadPID(filepath.Join(dataDir, "locks", "daemon.lock")); err == nil {
		o.Daemon.PID = pid
	}

	var sessions []*model.Session
	if err := client.Call(uds.CmdList, nil, &sessions); err != nil {
		return o, fmt.Errorf("list sessions: %w", err)
	}
	for _, s := range sessions {
		o.Sessions = append(o.Sessions, Summarize(s, slices.Contains(ping.Sessions, s.ID)))
	}
	return o, nil
}

func Summarize(s *model.Session, loaded bool) SessionSummary {
	return SessionSummary{
		ID:        s.ID,
		Goal:      s.Goal,
		Mode:      s.Mode,
		State:     s.LoopState,
		Control:   s.Control.Holder,
		Awaiting:  s.AwaitingInput,
		Loaded:    loaded,
		UpdatedAt: s.UpdatedAt,
	}
}

// Run collects the overview and prints it to w.
func Run(dataDir string, w io.Writer, jsonOutput bool) error {
	o, err := Collect(dataDir)
	if err != nil {
		return err
	}
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(o)
	}
	Print(w, o)
	return nil
}

func Print(w io.Writer, o Overview) {
	switch {
	case o.Daemon.Running && o.Daemon.PID > 0:
		fmt.Fprintf(w, "Daemon: running (pid %d)\n", o.Daemon.PID)
	case o.Daemon.Running:
		fmt.Fprintln(w, "Daemon: running")
	default:
		fmt.Fprintln(w, "Daemon: stopped")
		return
	}

	if len(o.Sessions) == 0 {
		fmt.Fprintln(w, "\nSessions: none")
		return
	}
	fmt.Fprintln(w, "\nSessions:")
	fmt.Fprintf(w, "  %-28s  %-10s  %-10s  %-7s  %s\n", "ID", "MODE", "STATE", "CONTROL", "GOAL")
	for _, s := range o.Sessions {
		state := string(s.State)
		if s.Awaiting {
			state += "*"
		}
		fmt.Fprintf(w, "  %-28s  %-10s  %-10s  %-7s  %s\n", s.ID, s.Mode, state, s.Control, truncate(s.Goal, 60))
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
