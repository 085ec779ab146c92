package events

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const DefaultSubjectPrefix = "netdump"

// NATSRecorder publishes every event as JSON on "<prefix>.<event type>".
type NATSRecorder struct {
	conn   *nats.Conn
	prefix string
}

func NewNATSRecorder(url, prefix string) (*NATSRecorder, error) {
	conn, err := nats.Connect(url,
		nats.Name("netdump"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logrus.WithError(err).Warn("Disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logrus.Infof("Reconnected to NATS at %v", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to NATS at %v", url)
	}
	logrus.Infof("Publishing session events to NATS at %v", url)
	return newNATSRecorder(conn, prefix), nil
}

func newNATSRecorder(conn *nats.Conn, prefix string) *NATSRecorder {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSRecorder{conn: conn, prefix: prefix}
}

func (r *NATSRecorder) Subject(t Type) string {
	return r.prefix + "." + string(t)
}

func (r *NATSRecorder) Record(ctx context.Context, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrapf(err, "failed to encode %v event", event.Type)
	}
	subject := r.Subject(event.Type)
	if err := r.conn.Publish(subject, data); err != nil {
		return errors.Wrapf(err, "failed to publish to %v", subject)
	}
	return nil
}

func (r *NATSRecorder) Close() error {
	if r.conn == nil {
		return nil
	}
	return r.conn.Drain()
}
