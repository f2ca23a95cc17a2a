package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "credbroker.lease"

// NATSSink publishes events as JSON to <prefix>.<kind>.
type NATSSink struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSSink connects to url. Reconnects are unlimited so a restarting
// server does not drop the sink.
func NewNATSSink(url, prefix, credsFile string) (*NATSSink, error) {
	if url == "" {
		return nil, fmt.Errorf("nats url is required")
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}

	opts := []nats.Option{
		nats.Name("credbroker"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
	}
	if credsFile != "" {
		opts = append(opts, nats.UserCredentials(credsFile))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	return &NATSSink{nc: nc, prefix: strings.TrimSuffix(prefix, ".")}, nil
}

// Subject returns the subject events of kind are published to.
func (s *NATSSink) Subject(kind string) string {
	return s.prefix + "." + kind
}

func (s *NATSSink) Emit(_ context.Context, ev LeaseIssued) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding lease event: %w", err)
	}
	if err := s.nc.Publish(s.Subject(string(ev.Kind)), data); err != nil {
		return fmt.Errorf("publishing lease event: %w", err)
	}
	return nil
}

// Ping flushes the connection, confirming the server is reachable.
func (s *NATSSink) Ping(ctx context.Context) error {
	return s.nc.FlushWithContext(ctx)
}

// Close drains pending messages and closes the connection.
func (s *NATSSink) Close() error {
	return s.nc.Drain()
}
