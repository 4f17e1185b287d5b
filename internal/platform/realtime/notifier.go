package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Source delivers change events until ctx is done or the transport fails.
type Source interface {
	Listen(ctx context.Context, out chan<- ChangeEvent) error
}

// Recomputer performs a full refetch and recompute for the scope of ev.
type Recomputer interface {
	Recompute(ctx context.Context, ev ChangeEvent) error
}

const (
	defaultRetryMin = time.Second
	defaultRetryMax = 30 * time.Second
)

// Notifier reads events from a Source and dispatches each distinct event to
// a Recomputer. Events are handled one at a time, in arrival order.
type Notifier struct {
	source Source
	dedup  *Deduper
	target Recomputer
	logger zerolog.Logger

	retryMin, retryMax time.Duration
}

func NewNotifier(source Source, dedup *Deduper, target Recomputer, logger zerolog.Logger) *Notifier {
	return &Notifier{
		source:   source,
		dedup:    dedup,
		target:   target,
		logger:   logger.With().Str("component", "realtime").Logger(),
		retryMin: defaultRetryMin,
		retryMax: defaultRetryMax,
	}
}

// Run blocks until ctx is cancelled. A failed source is reconnected with
// exponential backoff.
func (n *Notifier) Run(ctx context.Context) error {
	events := make(chan ChangeEvent, 64)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(events)
		return n.listen(gctx, events)
	})
	g.Go(func() error {
		for ev := range events {
			n.Handle(gctx, ev)
		}
		return nil
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (n *Notifier) listen(ctx context.Context, out chan<- ChangeEvent) error {
	delay := n.retryMin
	for {
		started := time.Now()
		err := n.source.Listen(ctx, out)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// A connection that stayed up past the backoff ceiling was healthy.
		if time.Since(started) > n.retryMax {
			delay = n.retryMin
		}
		n.logger.Warn().Err(err).Dur("retry_in", delay).Msg("change source disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, n.retryMax)
	}
}

// Handle dispatches one event. It reports whether the event triggered a
// recompute.
func (n *Notifier) Handle(ctx context.Context, ev ChangeEvent) bool {
	if n.dedup != nil && !n.dedup.Admit(ev) {
		n.logger.Debug().Str("event_key", ev.Key()).Msg("duplicate change event dropped")
		return false
	}
	n.logger.Debug().
		Str("table", ev.Table).
		Str("operation", string(ev.Operation)).
		Str("clinician_id", ev.ClinicianID).
		Msg("change event received")
	if err := n.target.Recompute(ctx, ev); err != nil {
		n.logger.Warn().Err(err).Str("event_key", ev.Key()).Msg("recompute after change event failed")
	}
	return true
}

// NopSource never delivers events.
type NopSource struct{}

func (NopSource) Listen(ctx context.Context, _ chan<- ChangeEvent) error {
	<-ctx.Done()
	return ctx.Err()
}

// SourceConfig selects and configures the change transport.
type SourceConfig struct {
	Kind     string // postgres, amqp or none
	Channel  string
	AMQPURL  string
	Exchange string
	Queue    string
	Binding  string
}

// NewSource builds the Source named by cfg.Kind.
func NewSource(cfg SourceConfig, pool *pgxpool.Pool, logger zerolog.Logger) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "", "none":
		return NopSource{}, nil
	case "postgres":
		if pool == nil {
			return nil, errors.New("realtime: postgres source requires a database pool")
		}
		return NewPGSource(pool, cfg.Channel, logger), nil
	case "amqp":
		if cfg.AMQPURL == "" {
			return nil, errors.New("realtime: amqp source requires AMQP_URL")
		}
		return NewAMQPSource(cfg.AMQPURL, cfg.Exchange, cfg.Queue, cfg.Binding, logger), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownSource, cfg.Kind)
}
