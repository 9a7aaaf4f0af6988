package dispatch

import (
	"context"
	"io"
	"log/slog"
	"time"
)

// Sender delivers a single message over an established transport.
type Sender interface {
	Send(ctx context.Context, msg *Message) error
}

// Progress is invoked after every dispatched message with the number of
// messages processed so far and the total queue size.
type Progress func(done, total int)

// Default engine settings.
const (
	DefaultRatePerHour = 300
	DefaultMaxAttempts = 3
	DefaultBackoffBase = time.Second
)

// Config contains delivery engine settings.
type Config struct {
	// RatePerHour is the outbound ceiling in messages per hour. The engine
	// paces dispatches with a fixed inter-message delay of 3600/rate
	// seconds rather than allowing bursts; relays and spam filters
	// penalize bursty sends.
	RatePerHour int

	// MaxAttempts is the total number of tries per message, first attempt
	// included.
	MaxAttempts int

	// BackoffBase scales the retry delay: base * 2^attempt after the
	// attempt-th failure. With the 1s default that is 2s then 4s.
	BackoffBase time.Duration

	// PacingInterval overrides the delay derived from RatePerHour when set.
	PacingInterval time.Duration
}

// Engine drains a queue of personalized messages through a Sender under a
// fixed pacing delay, retrying failed sends with exponential backoff.
type Engine struct {
	sender Sender
	cfg    Config
	logger *slog.Logger
}

// NewEngine creates a delivery engine.
func NewEngine(sender Sender, cfg Config, logger *slog.Logger) *Engine {
	if cfg.RatePerHour <= 0 {
		cfg.RatePerHour = DefaultRatePerHour
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Engine{
		sender: sender,
		cfg:    cfg,
		logger: logger.With("component", "dispatch"),
	}
}

// Pacing returns the fixed delay applied between dispatches.
func (e *Engine) Pacing() time.Duration {
	if e.cfg.PacingInterval > 0 {
		return e.cfg.PacingInterval
	}
	return time.Duration(float64(time.Hour) / float64(e.cfg.RatePerHour))
}

// Run processes the queue serially in input order and returns the run
// summary. A single recipient's failure never aborts the run; the engine
// records the outcome and moves on.
//
// Cancelling ctx stops the run between messages and inside any pacing or
// backoff sleep. The returned summary then carries the partial results
// with Cancelled set.
func (e *Engine) Run(ctx context.Context, msgs []*Message, onProgress Progress) *Summary {
	total := len(msgs)
	pacing := e.Pacing()
	summary := &Summary{Results: make([]Outcome, 0, total)}

	e.logger.Info("run started", "total", total, "pacing", pacing, "rate_per_hour", e.cfg.RatePerHour)

	for i, msg := range msgs {
		if ctx.Err() != nil {
			summary.Cancelled = true
			e.logger.Info("run cancelled", "done", i, "total", total)
			return summary
		}

		outcome := e.dispatch(ctx, msg)
		if outcome.Success {
			summary.Sent++
		} else {
			summary.Failed++
		}
		summary.Results = append(summary.Results, outcome)

		if onProgress != nil {
			onProgress(i+1, total)
		}

		// Pacing delay between dispatches, skipped after the final message.
		if i < total-1 {
			if err := sleep(ctx, pacing); err != nil {
				summary.Cancelled = true
				e.logger.Info("run cancelled", "done", i+1, "total", total)
				return summary
			}
		}
	}

	e.logger.Info("run completed", "sent", summary.Sent, "failed", summary.Failed)
	return summary
}

// dispatch tries one message with bounded retries. Every failure is
// retried up to MaxAttempts total tries; classifying permanent SMTP
// rejections to skip retries is left to the transport's error text.
func (e *Engine) dispatch(ctx context.Context, msg *Message) Outcome {
	var lastErr error
	attempts := 0

	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		attempts = attempt

		err := e.sender.Send(ctx, msg)
		if err == nil {
			e.logger.Debug("message sent", "id", msg.ID, "to", msg.To, "attempt", attempt)
			return Outcome{Email: msg.To, ContactID: msg.ContactID, Success: true, Attempts: attempt}
		}

		lastErr = err
		e.logger.Warn("send attempt failed",
			"id", msg.ID,
			"to", msg.To,
			"attempt", attempt,
			"max_attempts", e.cfg.MaxAttempts,
			"error", err,
		)

		if attempt < e.cfg.MaxAttempts {
			backoff := e.cfg.BackoffBase * time.Duration(1<<attempt)
			if err := sleep(ctx, backoff); err != nil {
				break
			}
		}
	}

	e.logger.Error("message failed", "id", msg.ID, "to", msg.To, "attempts", attempts, "error", lastErr)

	return Outcome{
		Email:     msg.To,
		ContactID: msg.ContactID,
		Success:   false,
		Error:     lastErr.Error(),
		Attempts:  attempts,
	}
}

// sleep blocks for d or until ctx is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
