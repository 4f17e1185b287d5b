package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/labstack/echo/v4"
)

type contextKey string

const ViewerIDKey contextKey = "db_viewer_id"

// ViewerSetting is the setting read by the row-level security policies in
// the portal schema.
const ViewerSetting = "app.current_user"

// ViewerFunc extracts the authenticated viewer from a request context.
type ViewerFunc func(ctx context.Context) string

// Querier is the query surface shared by pools and transactions.
type Querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// DB is a Querier that can open transactions. *pgxpool.Pool implements it.
type DB interface {
	Querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ScopeMiddleware records the authenticated viewer on the request context.
// Repositories read it through Scoped.
func ScopeMiddleware(viewer ViewerFunc) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := viewer(c.Request().Context())
			if id == "" {
				return next(c)
			}
			c.SetRequest(c.Request().WithContext(WithViewer(c.Request().Context(), id)))
			return next(c)
		}
	}
}

// WithViewer returns a context whose queries are scoped to viewerID.
func WithViewer(ctx context.Context, viewerID string) context.Context {
	return context.WithValue(ctx, ViewerIDKey, viewerID)
}

// ViewerFromContext retrieves the viewer queries are scoped to.
func ViewerFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ViewerIDKey).(string)
	return id
}

// Scoped runs fn against db. When ctx carries a viewer, fn runs in its own
// transaction with the viewer setting applied transaction-locally, so the
// setting never outlives the call and concurrent callers never share a
// connection.
func Scoped(ctx context.Context, db DB, fn func(q Querier) error) error {
	viewerID := ViewerFromContext(ctx)
	if viewerID == "" {
		return fn(db)
	}

	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin scoped tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT set_config($1, $2, true)", ViewerSetting, viewerID); err != nil {
		return fmt.Errorf("apply viewer scope: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
