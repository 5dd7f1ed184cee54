package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

const defaultSubjectPrefix = "authgate"

// publisher is the subset of *nats.Conn the sink needs.
type publisher interface {
	Publish(subject string, data []byte) error
}

// NATS publishes alerts to <prefix>.alert.<tag>. Core NATS publishes are
// buffered by the client, so Notify does not wait on the server.
type NATS struct {
	conn          publisher
	subjectPrefix string
}

var _ Notifier = (*NATS)(nil)

// NewNATS returns a sink publishing on conn.
func NewNATS(conn *nats.Conn, subjectPrefix string) *NATS {
	return newNATS(conn, subjectPrefix)
}

func newNATS(conn publisher, subjectPrefix string) *NATS {
	if subjectPrefix == "" {
		subjectPrefix = defaultSubjectPrefix
	}
	return &NATS{conn: conn, subjectPrefix: subjectPrefix}
}

func (n *NATS) Notify(_ context.Context, a Alert) error {
	data, err := json.Marshal(alertEnvelope{
		Type:       "alert",
		OccurredAt: a.Timestamp.Unix(),
		Payload:    a,
	})
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	if err := n.conn.Publish(n.subject(a.Tag), data); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}

func (n *NATS) subject(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if tag == "" {
		tag = "general"
	}
	return fmt.Sprintf("%s.alert.%s", n.subjectPrefix, tag)
}

type alertEnvelope struct {
	Type       string `json:"type"`
	OccurredAt int64  `json:"occurred_at"`
	Payload    Alert  `json:"payload"`
}

// DialNATS connects to a NATS server with reconnect logging.
func DialNATS(url string, logger *slog.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("authgate"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	return conn, nil
}
