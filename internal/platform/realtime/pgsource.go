package realtime

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PGSource receives events through PostgreSQL LISTEN/NOTIFY. Payloads are
// the JSON documents emitted by the notify_weekview_change trigger.
type PGSource struct {
	pool    *pgxpool.Pool
	channel string
	logger  zerolog.Logger
}

func NewPGSource(pool *pgxpool.Pool, channel string, logger zerolog.Logger) *PGSource {
	if channel == "" {
		channel = "weekview_changes"
	}
	return &PGSource{pool: pool, channel: channel, logger: logger.With().Str("source", "postgres").Logger()}
}

func (s *PGSource) Listen(ctx context.Context, out chan<- ChangeEvent) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	ident := pgx.Identifier{s.channel}.Sanitize()
	if _, err := conn.Exec(ctx, "LISTEN "+ident); err != nil {
		return fmt.Errorf("listen %s: %w", s.channel, err)
	}
	defer func() {
		_, _ = conn.Exec(context.Background(), "UNLISTEN "+ident)
	}()
	s.logger.Info().Str("channel", s.channel).Msg("listening for change notifications")

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		ev, err := DecodeChangeEvent([]byte(n.Payload))
		if err != nil {
			s.logger.Warn().Err(err).Str("channel", n.Channel).Msg("discarding malformed notification")
			continue
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
