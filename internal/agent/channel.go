package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/EpicMandM/vmsnap/internal/logger"
)

var (
	// ErrUnreachable means the host agent could not be contacted.
	ErrUnreachable = errors.New("host agent unreachable")
	// ErrTimedOut means no answer arrived before the channel timeout.
	ErrTimedOut = errors.New("host agent timed out")
)

// DefaultTimeout bounds a dispatch when no timeout is configured.
const DefaultTimeout = 10 * time.Minute

// Transport delivers a command to a host and blocks for the answer.
type Transport interface {
	Dispatch(ctx context.Context, hostID string, cmd Command) (*Answer, error)
}

// Observer receives dispatch timings.
type Observer interface {
	ObserveDispatch(command string, outcome string, d time.Duration)
}

// Channel sends commands with a bounded wait. It never retries.
type Channel struct {
	transport Transport
	timeout   time.Duration
	observer  Observer
	logger    *logger.Logger
}

// NewChannel creates a channel over transport. observer may be nil.
func NewChannel(transport Transport, timeout time.Duration, observer Observer, log *logger.Logger) *Channel {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Channel{transport: transport, timeout: timeout, observer: observer, logger: log}
}

// Send dispatches cmd to hostID. A transport fault is returned as an error
// wrapping ErrUnreachable or ErrTimedOut; an agent-reported failure is a
// non-nil Answer with Result false.
func (c *Channel) Send(ctx context.Context, hostID string, cmd Command) (*Answer, error) {
	if hostID == "" {
		return nil, fmt.Errorf("%w: no host given for %s", ErrUnreachable, cmd.Name())
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.logger.Info("Dispatching command",
		logger.Action("dispatch"),
		logger.Status("sending"),
		logger.Command(cmd.Name()),
		logger.Host(hostID),
		logger.F("COMMAND_ID", cmd.CommandID()))

	start := time.Now()
	answer, err := c.transport.Dispatch(ctx, hostID, cmd)
	elapsed := time.Since(start)

	if err == nil && answer == nil {
		err = fmt.Errorf("%w: empty answer", ErrUnreachable)
	}
	if err != nil && !errors.Is(err, ErrUnreachable) && !errors.Is(err, ErrTimedOut) {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			err = fmt.Errorf("%w after %s: %w", ErrTimedOut, c.timeout, err)
		} else {
			err = fmt.Errorf("%w: %w", ErrUnreachable, err)
		}
	}

	outcome := "success"
	switch {
	case errors.Is(err, ErrTimedOut):
		outcome = "timeout"
	case err != nil:
		outcome = "unreachable"
	case !answer.Result:
		outcome = "failed"
	}
	if c.observer != nil {
		c.observer.ObserveDispatch(cmd.Name(), outcome, elapsed)
	}

	if err != nil {
		c.logger.Error("Command dispatch failed",
			logger.Action("dispatch"),
			logger.Status(outcome),
			logger.Command(cmd.Name()),
			logger.Host(hostID),
			logger.Error(err))
		return nil, err
	}

	if answer.CommandID == "" {
		answer.CommandID = cmd.CommandID()
	}
	c.logger.Info("Command answered",
		logger.Action("dispatch"),
		logger.Status(outcome),
		logger.Command(cmd.Name()),
		logger.Host(hostID),
		logger.F("ELAPSED", elapsed.Round(time.Millisecond)))
	return answer, nil
}
