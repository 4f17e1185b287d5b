// Package realtime consumes row change notifications, drops duplicates
// inside a short window and asks the week builder to recompute.
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnknownSource is returned for an unsupported change source name.
var ErrUnknownSource = errors.New("realtime: unknown change source")

type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

func (o Operation) Valid() bool {
	switch o {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// ChangeEvent is an opaque notification that a row affecting some week view
// changed. ClinicianID and ConnectionID scope the recompute; both empty means
// every live week is refreshed.
type ChangeEvent struct {
	ID           string    `json:"id,omitempty"`
	Table        string    `json:"table"`
	Operation    Operation `json:"operation"`
	AffectedIDs  []string  `json:"affected_ids,omitempty"`
	ClinicianID  string    `json:"clinician_id,omitempty"`
	ConnectionID string    `json:"connection_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Key is the identity used for deduplication. Events without an explicit id
// are identified by their table, operation and affected rows.
func (e ChangeEvent) Key() string {
	if e.ID != "" {
		return e.ID
	}
	return fmt.Sprintf("%s:%s:%s", e.Table, e.Operation, strings.Join(e.AffectedIDs, ","))
}

// DecodeChangeEvent parses a JSON notification payload.
func DecodeChangeEvent(payload []byte) (ChangeEvent, error) {
	var ev ChangeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return ChangeEvent{}, fmt.Errorf("decode change event: %w", err)
	}
	ev.Table = strings.TrimSpace(ev.Table)
	ev.Operation = Operation(strings.ToLower(string(ev.Operation)))
	if ev.Table == "" {
		return ChangeEvent{}, errors.New("decode change event: table is required")
	}
	if !ev.Operation.Valid() {
		return ChangeEvent{}, fmt.Errorf("decode change event: invalid operation %q", ev.Operation)
	}
	return ev, nil
}
