package weekview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/clinicportal/portal/internal/platform/auth"
	"github.com/clinicportal/portal/internal/platform/db"
	"github.com/clinicportal/portal/internal/platform/realtime"
	"github.com/clinicportal/portal/internal/platform/websocket"
)

// ErrStaleCycle is returned by a refresh whose result was superseded by a
// newer cycle and therefore discarded.
var ErrStaleCycle = errors.New("weekview: stale recompute cycle discarded")

// EventWeekUpdated is pushed to websocket subscribers after a recompute.
const EventWeekUpdated = "week.updated"

// ClinicianTopic is the websocket topic carrying a clinician's week updates.
func ClinicianTopic(clinicianID string) string {
	return clinicianTopicPrefix + clinicianID
}

const clinicianTopicPrefix = "clinician/"

// CanViewClinician lets staff see any clinician's week and a clinician only
// their own.
func CanViewClinician(ctx context.Context, clinicianID string) bool {
	if auth.HasRole(ctx, "staff") {
		return true
	}
	return auth.HasRole(ctx, "clinician") && auth.UserIDFromContext(ctx) == clinicianID
}

// AuthorizeTopic applies CanViewClinician to websocket subscriptions.
func AuthorizeTopic(ctx context.Context, topic string) bool {
	id, ok := strings.CutPrefix(topic, clinicianTopicPrefix)
	if !ok {
		return false
	}
	if _, err := uuid.Parse(id); err != nil {
		return false
	}
	return CanViewClinician(ctx, id)
}

// WeekBuilder produces a fresh WeekView. *Service implements it.
type WeekBuilder interface {
	BuildWeek(ctx context.Context, req WeekRequest) (*WeekView, error)
}

// LiveWeek holds the latest published snapshot of one week. Each refresh
// takes a new generation and cancels the cycle it supersedes; results from
// superseded cycles are never published.
type LiveWeek struct {
	req     WeekRequest
	builder WeekBuilder
	// viewer scopes every rebuild, including those triggered by change
	// events that carry no request context.
	viewer string

	gen     atomic.Uint64
	current atomic.Pointer[WeekView]

	mu     sync.Mutex
	cancel context.CancelFunc
	latest *cycle
}

// cycle is one refresh attempt. done closes once view and err are set.
type cycle struct {
	done chan struct{}
	view *WeekView
	err  error
}

func NewLiveWeek(req WeekRequest, builder WeekBuilder) *LiveWeek {
	return &LiveWeek{req: req, builder: builder}
}

// Snapshot returns the latest published view, or nil before the first
// successful refresh.
func (l *LiveWeek) Snapshot() *WeekView {
	return l.current.Load()
}

// Generation returns the most recently started cycle number.
func (l *LiveWeek) Generation() uint64 {
	return l.gen.Load()
}

// Refresh runs one full recompute cycle. A failed cycle leaves the previous
// snapshot in place.
func (l *LiveWeek) Refresh(ctx context.Context) (*WeekView, error) {
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if l.viewer != "" {
		cctx = db.WithViewer(cctx, l.viewer)
	}

	c := &cycle{done: make(chan struct{})}
	l.mu.Lock()
	gen := l.gen.Add(1)
	if l.cancel != nil {
		l.cancel()
	}
	l.cancel = cancel
	l.latest = c
	l.mu.Unlock()

	c.view, c.err = l.run(cctx, gen)
	close(c.done)
	return c.view, c.err
}

func (l *LiveWeek) run(ctx context.Context, gen uint64) (*WeekView, error) {
	view, err := l.builder.BuildWeek(ctx, l.req)
	if l.gen.Load() != gen {
		return nil, ErrStaleCycle
	}
	if err != nil {
		return nil, err
	}

	view.Generation = gen
	for {
		old := l.current.Load()
		if old != nil && old.Generation >= gen {
			return nil, ErrStaleCycle
		}
		if l.current.CompareAndSwap(old, view) {
			return view, nil
		}
	}
}

// Await waits for the newest cycle to finish and returns its outcome. A
// caller whose own cycle was superseded uses it to take the newer result.
func (l *LiveWeek) Await(ctx context.Context) (*WeekView, error) {
	for {
		l.mu.Lock()
		c := l.latest
		l.mu.Unlock()
		if c == nil {
			return nil, ErrStaleCycle
		}

		select {
		case <-c.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if !errors.Is(c.err, ErrStaleCycle) {
			return c.view, c.err
		}
		if snap := l.Snapshot(); snap != nil {
			return snap, nil
		}
	}
}

// liveKey identifies a held week. Snapshots are row-level scoped, so the
// viewer is part of the identity.
type liveKey struct {
	req    WeekRequest
	viewer string
}

// startPinner resolves an open-ended start to a concrete day.
type startPinner interface {
	PinStart(ctx context.Context, req WeekRequest) (WeekRequest, error)
}

// Registry keeps a bounded set of live weeks, keyed by request and viewer,
// and recomputes them when change events arrive.
type Registry struct {
	builder   WeekBuilder
	weeks     *lru.Cache[liveKey, *LiveWeek]
	publisher websocket.EventPublisher
	live      bool
	logger    zerolog.Logger

	mu sync.Mutex
}

// NewRegistry creates a Registry. When live is false no change events are
// expected, so every Get recomputes instead of serving the held snapshot.
func NewRegistry(builder WeekBuilder, capacity int, publisher websocket.EventPublisher, live bool, logger zerolog.Logger) (*Registry, error) {
	weeks, err := lru.New[liveKey, *LiveWeek](capacity)
	if err != nil {
		return nil, fmt.Errorf("live week cache: %w", err)
	}
	return &Registry{
		builder:   builder,
		weeks:     weeks,
		publisher: publisher,
		live:      live,
		logger:    logger.With().Str("component", "weekview_registry").Logger(),
	}, nil
}

// key normalizes req, pins an open-ended start so a held week never
// outlives the calendar week it was built for, and adds the viewer.
func (r *Registry) key(ctx context.Context, req WeekRequest) (liveKey, error) {
	req, err := req.normalized()
	if err != nil {
		return liveKey{}, err
	}
	if p, ok := r.builder.(startPinner); ok {
		if req, err = p.PinStart(ctx, req); err != nil {
			return liveKey{}, err
		}
	}
	return liveKey{req: req, viewer: db.ViewerFromContext(ctx)}, nil
}

func (r *Registry) week(key liveKey) *LiveWeek {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.weeks.Get(key); ok {
		return w
	}
	w := NewLiveWeek(key.req, r.builder)
	w.viewer = key.viewer
	r.weeks.Add(key, w)
	return w
}

// Get returns the week for req, computing it if no snapshot is held.
func (r *Registry) Get(ctx context.Context, req WeekRequest) (*WeekView, error) {
	key, err := r.key(ctx, req)
	if err != nil {
		return nil, err
	}
	w := r.week(key)
	if r.live {
		if snap := w.Snapshot(); snap != nil {
			return snap, nil
		}
	}
	return r.refresh(ctx, w)
}

// Refresh forces a recompute of the week for req.
func (r *Registry) Refresh(ctx context.Context, req WeekRequest) (*WeekView, error) {
	key, err := r.key(ctx, req)
	if err != nil {
		return nil, err
	}
	return r.refresh(ctx, r.week(key))
}

func (r *Registry) refresh(ctx context.Context, w *LiveWeek) (*WeekView, error) {
	view, err := w.Refresh(ctx)
	if errors.Is(err, ErrStaleCycle) {
		if snap := w.Snapshot(); snap != nil {
			return snap, nil
		}
		return w.Await(ctx)
	}
	return view, err
}

// Len returns the number of live weeks held.
func (r *Registry) Len() int {
	return r.weeks.Len()
}

// Recompute refreshes every held week in the event's scope and notifies
// subscribers. It implements realtime.Recomputer.
func (r *Registry) Recompute(ctx context.Context, ev realtime.ChangeEvent) error {
	var errs []error
	for _, key := range r.weeks.Keys() {
		if ev.ClinicianID != "" && key.req.ClinicianID.String() != ev.ClinicianID {
			continue
		}
		w, ok := r.weeks.Peek(key)
		if !ok {
			continue
		}
		view, err := w.Refresh(ctx)
		if errors.Is(err, ErrStaleCycle) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("recompute %s %s: %w", key.req.ClinicianID, key.req.Start, err))
			continue
		}
		r.publish(ctx, view, ev)
	}
	return errors.Join(errs...)
}

func (r *Registry) publish(ctx context.Context, view *WeekView, ev realtime.ChangeEvent) {
	if r.publisher == nil {
		return
	}
	data, err := json.Marshal(map[string]interface{}{
		"generation": view.Generation,
		"days":       view.Days,
		"time_zone":  view.TimeZone,
		"partial":    view.Partial,
		"cause":      ev.Table,
	})
	if err != nil {
		r.logger.Warn().Err(err).Msg("encode week update")
		return
	}
	err = r.publisher.Publish(ctx, websocket.Event{
		Type:         EventWeekUpdated,
		Topic:        ClinicianTopic(view.ClinicianID),
		ResourceType: "WeekView",
		ResourceID:   view.ClinicianID,
		Timestamp:    time.Now().UTC(),
		Data:         data,
	})
	if err != nil {
		r.logger.Warn().Err(err).Str("clinician_id", view.ClinicianID).Msg("publish week update")
	}
}
