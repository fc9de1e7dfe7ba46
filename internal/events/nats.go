package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"
)

// Publisher is the subset of *nats.Conn the forwarder needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSForwarder republishes bus events to NATS on
// "<prefix>.<sessionID>.<EVENT_TYPE>" so out-of-process consumers can follow
// sessions. The event ID travels in the payload for consumer-side dedupe.
type NATSForwarder struct {
	pub    Publisher
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// DialNATS connects to url and returns a forwarder that owns the connection.
func DialNATS(url, prefix string, logger *slog.Logger) (*NATSForwarder, error) {
	conn, err := nats.Connect(url, nats.Name("agentloop"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	f := NewNATSForwarder(conn, prefix, logger)
	f.conn = conn
	return f, nil
}

func NewNATSForwarder(pub Publisher, prefix string, logger *slog.Logger) *NATSForwarder {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = "agentloop.events"
	}
	return &NATSForwarder{pub: pub, prefix: strings.TrimSuffix(prefix, "."), logger: logger}
}

func (f *NATSForwarder) Subject(e Event) string {
	session := e.SessionID
	if session == "" {
		session = "_"
	}
	return fmt.Sprintf("%s.%s.%s", f.prefix, session, e.Type)
}

func (f *NATSForwarder) Forward(e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", e.ID, err)
	}
	return f.pub.Publish(f.Subject(e), data)
}

// Sink adapts the forwarder to a bus subscriber.
func (f *NATSForwarder) Sink() Subscriber {
	return func(e Event) {
		if err := f.Forward(e); err != nil {
			f.logger.Warn("nats forward failed", "event", e.ID, "type", e.Type, "error", err)
		}
	}
}

// Close drains the connection when the forwarder owns one.
func (f *NATSForwarder) Close() error {
	if f.conn == nil {
		return nil
	}
	err := f.conn.Drain()
	f.conn.Close()
	return err
}
