package weekview

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// NameCache is a shared read-through store for client display names.
type NameCache interface {
	GetMany(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error)
	SetMany(ctx context.Context, names map[uuid.UUID]string) error
}

// CachedClientDirectory serves names from cache and falls back to next for
// misses. Cache failures degrade to direct lookups.
type CachedClientDirectory struct {
	next   ClientDirectory
	cache  NameCache
	logger zerolog.Logger
}

func NewCachedClientDirectory(next ClientDirectory, cache NameCache, logger zerolog.Logger) *CachedClientDirectory {
	return &CachedClientDirectory{next: next, cache: cache, logger: logger.With().Str("component", "client_names").Logger()}
}

func (d *CachedClientDirectory) ClientName(ctx context.Context, clientID uuid.UUID) (string, error) {
	names, err := d.ClientNames(ctx, []uuid.UUID{clientID})
	if err != nil {
		return "", err
	}
	name, ok := names[clientID]
	if !ok {
		return "", fmt.Errorf("client %s has no display name", clientID)
	}
	return name, nil
}

func (d *CachedClientDirectory) ClientNames(ctx context.Context, clientIDs []uuid.UUID) (map[uuid.UUID]string, error) {
	out, err := d.cache.GetMany(ctx, clientIDs)
	if err != nil {
		d.logger.Warn().Err(err).Msg("name cache read failed")
		out = nil
	}
	if out == nil {
		out = make(map[uuid.UUID]string, len(clientIDs))
	}

	var missing []uuid.UUID
	for _, id := range clientIDs {
		if _, ok := out[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	fetched, err := d.next.ClientNames(ctx, missing)
	if err != nil {
		if len(out) > 0 {
			d.logger.Warn().Err(err).Int("missing", len(missing)).Msg("client name lookup failed, serving cached names only")
			return out, nil
		}
		return nil, err
	}
	for id, name := range fetched {
		out[id] = name
	}
	if err := d.cache.SetMany(ctx, fetched); err != nil {
		d.logger.Warn().Err(err).Msg("name cache write failed")
	}
	return out, nil
}
