// Package delivery sends one-time codes to phones and mailboxes.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"account-security/internal/models"
	"account-security/internal/util"
)

// Message is one code bound for one destination.
type Message struct {
	Channel     models.OTPChannel
	Destination string
	Code        string
	TTL         time.Duration
}

// Transport delivers a message or reports why it could not.
type Transport interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Receipt tells the caller how a message left the process.
type Receipt struct {
	Transport string
	Delivered bool
	Err       error
}

// Fallback tries its transports in order. When all fail, or none are
// configured, the code is written to the log for manual delivery and the
// receipt carries ErrTransportFailure. Send never fails the request.
type Fallback struct {
	transports []Transport
	logger     *zap.Logger
}

func NewFallback(logger *zap.Logger, transports ...Transport) *Fallback {
	var configured []Transport
	for _, t := range transports {
		if t != nil {
			configured = append(configured, t)
		}
	}
	return &Fallback{transports: configured, logger: logger}
}

func (f *Fallback) Send(ctx context.Context, msg Message) Receipt {
	var errs []error
	for _, t := range f.transports {
		err := t.Send(ctx, msg)
		if err == nil {
			return Receipt{Transport: t.Name(), Delivered: true}
		}
		f.logger.Warn("Code delivery failed",
			zap.String("transport", t.Name()),
			zap.String("destination", util.MaskDestination(msg.Destination)),
			zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
	}

	f.logger.Warn("Code delivery fallback",
		zap.String("channel", string(msg.Channel)),
		zap.String("destination", msg.Destination),
		zap.String("code", msg.Code),
		zap.Duration("valid_for", msg.TTL))

	cause := errors.Join(errs...)
	if cause == nil {
		cause = errors.New("no transport configured")
	}
	return Receipt{Transport: "log", Err: fmt.Errorf("%w: %v", models.ErrTransportFailure, cause)}
}
