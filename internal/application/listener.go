package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	DefaultInitialBackoff        = 500 * time.Millisecond
	DefaultMaxBackoff            = 30 * time.Second
	DefaultForcedRestartInterval = 5 * time.Minute
)

var errForcedRestart = errors.New("forced recognizer restart")

// Recognizer yields one transcript per call to Next. A nil error means the
// utterance ended normally and listening can continue right away.
type Recognizer interface {
	Next(ctx context.Context) (string, error)
	Close() error
}

type RecognizerFactory func(ctx context.Context) (Recognizer, error)

type ListenerConfig struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// ForcedRestartInterval recreates the recognizer even when healthy.
	// Zero disables it.
	ForcedRestartInterval time.Duration
}

func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		InitialBackoff:        DefaultInitialBackoff,
		MaxBackoff:            DefaultMaxBackoff,
		ForcedRestartInterval: DefaultForcedRestartInterval,
	}
}

// Listener keeps a recognizer running while listening is enabled and hands
// every transcript to the command callback.
type Listener struct {
	factory   RecognizerFactory
	onCommand func(ctx context.Context, text string)
	cfg       ListenerConfig
	logger    *slog.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	restarts int
}

func NewListener(factory RecognizerFactory, onCommand func(ctx context.Context, text string), cfg ListenerConfig, logger *slog.Logger) *Listener {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	return &Listener{
		factory:   factory,
		onCommand: onCommand,
		cfg:       cfg,
		logger:    logger,
	}
}

// StartListening starts the supervisor. It is a no-op when already active.
func (l *Listener) StartListening(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cancel != nil {
		return nil
	}
	if l.factory == nil {
		return fmt.Errorf("starting listener: no recognizer configured")
	}

	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(runCtx, l.done)

	l.logger.Info("voice listening started")
	return nil
}

// StopListening stops the supervisor and waits for the recognizer to close.
func (l *Listener) StopListening() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	l.logger.Info("voice listening stopped")
}

func (l *Listener) IsListening() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancel != nil
}

// Restarts reports how many times the recognizer was recreated.
func (l *Listener) Restarts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.restarts
}

func (l *Listener) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	backoff := l.cfg.InitialBackoff
	first := true

	for ctx.Err() == nil {
		if !first {
			l.mu.Lock()
			l.restarts++
			l.mu.Unlock()
		}
		first = false

		rec, err := l.factory(ctx)
		if err != nil {
			l.logger.Error("creating recognizer", "error", err, "retry_in", backoff)
			if !sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, l.cfg.MaxBackoff)
			continue
		}

		err = l.listen(ctx, rec, &backoff)
		if cerr := rec.Close(); cerr != nil {
			l.logger.Warn("closing recognizer", "error", cerr)
		}

		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, errForcedRestart):
			l.logger.Debug("recycling recognizer")
		default:
			l.logger.Warn("recognizer failed", "error", err, "retry_in", backoff)
			if !sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, l.cfg.MaxBackoff)
		}
	}
}

// listen pulls transcripts until the recognizer fails or the forced restart
// interval elapses.
func (l *Listener) listen(ctx context.Context, rec Recognizer, backoff *time.Duration) error {
	var (
		sessionCtx context.Context
		cancel     context.CancelFunc
	)
	if l.cfg.ForcedRestartInterval > 0 {
		sessionCtx, cancel = context.WithTimeoutCause(ctx, l.cfg.ForcedRestartInterval, errForcedRestart)
	} else {
		sessionCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	for {
		text, err := rec.Next(sessionCtx)
		if err != nil {
			if errors.Is(context.Cause(sessionCtx), errForcedRestart) {
				return errForcedRestart
			}
			return err
		}
		*backoff = l.cfg.InitialBackoff

		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		if l.onCommand != nil {
			l.onCommand(ctx, text)
		}
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
