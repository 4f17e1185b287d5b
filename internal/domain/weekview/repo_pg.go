package weekview

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicportal/portal/internal/platform/db"
	"github.com/clinicportal/portal/internal/platform/tz"
)

type pgBase struct{ pool *pgxpool.Pool }

// scoped runs fn under the viewer scope carried by ctx.
func (r pgBase) scoped(ctx context.Context, fn func(q db.Querier) error) error {
	return db.Scoped(ctx, r.pool, fn)
}

// utcText renders a timestamptz column as an RFC 3339 string so rows are
// parsed one at a time by the builders.
func utcText(col string) string {
	return fmt.Sprintf(`to_char(%s AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS.US"Z"')`, col)
}

// =========== Availability Repository ===========

type availabilityRepoPG struct{ pgBase }

func NewAvailabilityRepoPG(pool *pgxpool.Pool) AvailabilityRepository {
	return &availabilityRepoPG{pgBase{pool}}
}

func (r *availabilityRepoPG) ListByClinician(ctx context.Context, clinicianID uuid.UUID) ([]RecurringAvailabilitySlot, error) {
	var items []RecurringAvailabilitySlot
	err := r.scoped(ctx, func(q db.Querier) error {
		rows, err := q.Query(ctx, `
			SELECT clinician_id, day_of_week, slot_number,
				to_char(start_time, 'HH24:MI:SS'), to_char(end_time, 'HH24:MI:SS'),
				COALESCE(time_zone, '')
			FROM clinician_availability
			WHERE clinician_id = $1
			ORDER BY day_of_week, slot_number`, clinicianID)
		if err != nil {
			return fmt.Errorf("list availability: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var s RecurringAvailabilitySlot
			var dow int
			if err := rows.Scan(&s.ClinicianID, &dow, &s.SlotNumber, &s.Start, &s.End, &s.TimeZone); err != nil {
				return fmt.Errorf("scan availability: %w", err)
			}
			s.Weekday = time.Weekday(dow)
			items = append(items, s)
		}
		return rows.Err()
	})
	return items, err
}

// =========== Appointment Repository ===========

type appointmentRepoPG struct{ pgBase }

func NewAppointmentRepoPG(pool *pgxpool.Pool) AppointmentRepository {
	return &appointmentRepoPG{pgBase{pool}}
}

func (r *appointmentRepoPG) ListInRange(ctx context.Context, clinicianID uuid.UUID, start, end time.Time) ([]AppointmentRecord, error) {
	var items []AppointmentRecord
	err := r.scoped(ctx, func(q db.Querier) error {
		rows, err := q.Query(ctx, `
			SELECT a.id, a.clinician_id, a.client_id, a.client_name, c.id, c.display_name,
				`+utcText("a.start_at")+`, `+utcText("a.end_at")+`, a.category, a.status
			FROM appointment a
			LEFT JOIN client c ON c.id = a.client_id
			WHERE a.clinician_id = $1
				AND a.status <> 'cancelled'
				AND a.start_at < $3 AND a.end_at > $2
			ORDER BY a.start_at`, clinicianID, start.UTC(), end.UTC())
		if err != nil {
			return fmt.Errorf("list appointments: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var a AppointmentRecord
			var clientRefID *uuid.UUID
			var clientRefName, startAt, endAt *string
			if err := rows.Scan(&a.ID, &a.ClinicianID, &a.ClientID, &a.ClientName, &clientRefID, &clientRefName,
				&startAt, &endAt, &a.Category, &a.Status); err != nil {
				return fmt.Errorf("scan appointment: %w", err)
			}
			if clientRefID != nil {
				a.Client = &ClientRef{ID: *clientRefID}
				if clientRefName != nil {
					a.Client.Name = *clientRefName
				}
			}
			a.StartAt = derefString(startAt)
			a.EndAt = derefString(endAt)
			items = append(items, a)
		}
		return rows.Err()
	})
	return items, err
}

// =========== External Event Repository ===========

type externalEventRepoPG struct{ pgBase }

func NewExternalEventRepoPG(pool *pgxpool.Pool) ExternalEventRepository {
	return &externalEventRepoPG{pgBase{pool}}
}

func (r *externalEventRepoPG) ConnectionIDs(ctx context.Context, clinicianID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.scoped(ctx, func(q db.Querier) error {
		rows, err := q.Query(ctx, `
			SELECT id FROM calendar_connection
			WHERE clinician_id = $1 AND active`, clinicianID)
		if err != nil {
			return fmt.Errorf("list calendar connections: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var id uuid.UUID
			if err := rows.Scan(&id); err != nil {
				return fmt.Errorf("scan calendar connection: %w", err)
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	return ids, err
}

func (r *externalEventRepoPG) ListInRange(ctx context.Context, connectionIDs []uuid.UUID, start, end time.Time) ([]ExternalEventRecord, error) {
	if len(connectionIDs) == 0 {
		return nil, nil
	}
	var items []ExternalEventRecord
	err := r.scoped(ctx, func(q db.Querier) error {
		rows, err := q.Query(ctx, `
			SELECT id, connection_id, external_id, summary, description, location,
				`+utcText("start_at")+`, `+utcText("end_at")+`, appointment_id, sync_status
			FROM synced_event
			WHERE connection_id = ANY($1)
				AND start_at < $3 AND end_at > $2
			ORDER BY start_at`, connectionIDs, start.UTC(), end.UTC())
		if err != nil {
			return fmt.Errorf("list synced events: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var e ExternalEventRecord
			var startAt, endAt *string
			if err := rows.Scan(&e.ID, &e.ConnectionID, &e.ExternalID, &e.Summary, &e.Description, &e.Location,
				&startAt, &endAt, &e.AppointmentID, &e.SyncStatus); err != nil {
				return fmt.Errorf("scan synced event: %w", err)
			}
			e.StartAt = derefString(startAt)
			e.EndAt = derefString(endAt)
			items = append(items, e)
		}
		return rows.Err()
	})
	return items, err
}

// =========== Client Directory ===========

type clientDirectoryPG struct{ pgBase }

func NewClientDirectoryPG(pool *pgxpool.Pool) ClientDirectory {
	return &clientDirectoryPG{pgBase{pool}}
}

func (r *clientDirectoryPG) ClientName(ctx context.Context, clientID uuid.UUID) (string, error) {
	var name string
	err := r.scoped(ctx, func(q db.Querier) error {
		return q.QueryRow(ctx, `SELECT display_name FROM client WHERE id = $1`, clientID).Scan(&name)
	})
	if err != nil {
		return "", fmt.Errorf("client name %s: %w", clientID, err)
	}
	return name, nil
}

func (r *clientDirectoryPG) ClientNames(ctx context.Context, clientIDs []uuid.UUID) (map[uuid.UUID]string, error) {
	out := make(map[uuid.UUID]string, len(clientIDs))
	if len(clientIDs) == 0 {
		return out, nil
	}
	err := r.scoped(ctx, func(q db.Querier) error {
		rows, err := q.Query(ctx, `
			SELECT id, display_name FROM client
			WHERE id = ANY($1) AND display_name <> ''`, clientIDs)
		if err != nil {
			return fmt.Errorf("list client names: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var id uuid.UUID
			var name string
			if err := rows.Scan(&id, &name); err != nil {
				return fmt.Errorf("scan client name: %w", err)
			}
			out[id] = name
		}
		return rows.Err()
	})
	return out, err
}

// =========== Zone Store ===========

type zoneStorePG struct{ pgBase }

// NewZoneStorePG returns the PostgreSQL-backed tz.ZoneStore.
func NewZoneStorePG(pool *pgxpool.Pool) tz.ZoneStore {
	return &zoneStorePG{pgBase{pool}}
}

func (r *zoneStorePG) ClinicianZone(ctx context.Context, clinicianID uuid.UUID) (tz.ZoneRecord, error) {
	var rec tz.ZoneRecord
	var zone *string
	err := r.scoped(ctx, func(q db.Querier) error {
		return q.QueryRow(ctx, `
			SELECT time_zone, COALESCE(time_zone_legacy, '{}')
			FROM clinician WHERE id = $1`, clinicianID).Scan(&zone, &rec.Legacy)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return rec, nil
	}
	if err != nil {
		return rec, fmt.Errorf("clinician zone: %w", err)
	}
	rec.Zone = strings.TrimSpace(derefString(zone))
	return rec, nil
}

func (r *zoneStorePG) ClientZone(ctx context.Context, clientID uuid.UUID) (string, error) {
	var zone *string
	err := r.scoped(ctx, func(q db.Querier) error {
		return q.QueryRow(ctx, `SELECT time_zone FROM client WHERE id = $1`, clientID).Scan(&zone)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("client zone: %w", err)
	}
	return derefString(zone), nil
}

func (r *zoneStorePG) RepairClinicianZone(ctx context.Context, clinicianID uuid.UUID, zone string) error {
	return r.scoped(ctx, func(q db.Querier) error {
		_, err := q.Exec(ctx, `
			UPDATE clinician SET time_zone = $2, updated_at = NOW()
			WHERE id = $1 AND (time_zone IS NULL OR time_zone = '')`, clinicianID, zone)
		return err
	})
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
