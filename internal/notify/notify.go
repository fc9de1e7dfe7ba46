// Package notify raises desktop notifications when a session needs a human.
package notify

import (
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"strings"

	"github.com/msageha/agentloop/internal/events"
)

// ErrUnsupported is returned by Send on platforms without a notifier.
var ErrUnsupported = errors.New("desktop notifications are not supported on " + runtime.GOOS)

// Send shows a desktop notification: osascript on macOS, notify-send on Linux.
func Send(title, message string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		script := fmt.Sprintf(
			`display notification %q with title %q sound name "default"`,
			escapeAppleScript(message), escapeAppleScript(title),
		)
		cmd = exec.Command("osascript", "-e", script)
	case "linux":
		cmd = exec.Command("notify-send", "--app-name=agentloop", title, message)
	default:
		return ErrUnsupported
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w: %s", cmd.Args[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

// Types are the events a Notifier reacts to.
var Types = []events.EventType{
	events.CheckpointOpened,
	events.AgentFailed,
	events.AgentCompleted,
}

// Notifier turns bus events into desktop notifications.
type Notifier struct {
	send   func(title, message string) error
	logger *slog.Logger
}

// New returns a Notifier that delivers through send, or Send when nil.
func New(send func(title, message string) error, logger *slog.Logger) *Notifier {
	if send == nil {
		send = Send
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{send: send, logger: logger}
}

// Sink returns a bus subscriber. Delivery failures are logged, never retried.
func (n *Notifier) Sink() events.Subscriber {
	return func(e events.Event) {
		title, message, ok := Format(e)
		if !ok {
			return
		}
		if err := n.send(title, message); err != nil {
			n.logger.Warn("desktop notification failed", "type", e.Type, "session", e.SessionID, "error", err)
		}
	}
}

// Format renders an event as a notification. ok is false for events that
// do not warrant one.
func Format(e events.Event) (title, message string, ok bool) {
	str := func(k string) string {
		s, _ := e.Data[k].(string)
		return s
	}
	switch e.Type {
	case events.CheckpointOpened:
		title = strings.TrimSpace("agentloop: " + str("type") + " checkpoint")
		message = str("message")
		if id := str("checkpoint_id"); id != "" {
			message = strings.TrimSpace(message + " (" + id + ")")
		}
	case events.AgentFailed:
		title = "agentloop: session failed"
		message = str("reason")
	case events.AgentCompleted:
		title = "agentloop: session completed"
		message = e.SessionID
	default:
		return "", "", false
	}
	if message == "" {
		message = e.SessionID
	}
	return title, message, true
}
