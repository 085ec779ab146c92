package events

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/netdump/netdump/pkg/types"
)

type Type string

const (
	TypeSessionStarted  = Type("session.started")
	TypeSessionFinished = Type("session.finished")
)

type Event struct {
	Type          Type            `json:"type"`
	SessionID     string          `json:"sessionID"`
	Remote        string          `json:"remote"`
	Command       string          `json:"command,omitempty"`
	Answer        string          `json:"answer,omitempty"`
	BytesDeclared int64           `json:"bytesDeclared,omitempty"`
	BytesSent     int64           `json:"bytesSent,omitempty"`
	DurationMS    int64           `json:"durationMS,omitempty"`
	Error         string          `json:"error,omitempty"`
	DiscInfo      *types.DiscInfo `json:"discInfo,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Recorder publishes session events. Recording is best effort, a failing recorder
// never changes what a client sees.
type Recorder interface {
	Record(ctx context.Context, event *Event) error
	Close() error
}

type Nop struct{}

func (Nop) Record(ctx context.Context, event *Event) error {
	return nil
}

func (Nop) Close() error {
	return nil
}

// Multi fans an event out to every recorder and combines their errors.
type Multi []Recorder

func (m Multi) Record(ctx context.Context, event *Event) error {
	var err error
	for _, r := range m {
		err = multierr.Append(err, r.Record(ctx, event))
	}
	return err
}

func (m Multi) Close() error {
	var err error
	for _, r := range m {
		err = multierr.Append(err, r.Close())
	}
	return err
}

// NewMulti drops nil recorders. It returns Nop if nothing is left.
func NewMulti(recorders ...Recorder) Recorder {
	var m Multi
	for _, r := range recorders {
		if r != nil {
			m = append(m, r)
		}
	}
	switch len(m) {
	case 0:
		return Nop{}
	case 1:
		return m[0]
	}
	return m
}

// RecordAndLog records event and only logs a failure.
func RecordAndLog(ctx context.Context, r Recorder, event *Event) {
	if err := r.Record(ctx, event); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"session": event.SessionID,
			"event":   event.Type,
		}).Warn("Failed to record session event")
	}
}
