// Package notify sends the transactional confirmation email of a submission.
package notify

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Message is one rendered confirmation email
type Message struct {
	To       string
	Subject  string
	HTMLBody string
	Data     map[string]interface{}
}

// Dispatcher delivers a message or fails as a whole
type Dispatcher interface {
	Send(ctx context.Context, msg Message) error
}

// LogDispatcher logs messages instead of delivering them. Used when no
// SMTP server is configured.
type LogDispatcher struct {
	log *zap.Logger
}

func NewLogDispatcher(log *zap.Logger) *LogDispatcher {
	return &LogDispatcher{log: log}
}

func (d *LogDispatcher) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.To == "" {
		return errors.New("message has no recipient")
	}
	d.log.Info("Email not delivered (log dispatcher)",
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.Int("body_bytes", len(msg.HTMLBody)),
	)
	return nil
}
