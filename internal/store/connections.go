package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const connectionColumns = `id, user_id, integration_id, auth_config_id, connection_request_id,
        connection_id, status, redirect_url, error_message, created_at, updated_at`

// UpsertPendingConnection records a new authorization request for the
// (owner, integration) pair. The latest request wins. A completed pair keeps
// its status so that a grant is never downgraded back to pending, but loses
// its connection id until the new request is verified.
func (s *SQLiteStore) UpsertPendingConnection(ctx context.Context, c *Connection) error {
	now := s.now()
	c.IntegrationID = strings.ToLower(c.IntegrationID)

	_, err := s.db.ExecContext(ctx, `
        INSERT INTO composio_connections (`+connectionColumns+`)
        VALUES (?, ?, ?, ?, ?, NULL, 'pending', ?, NULL, ?, ?)
        ON CONFLICT (user_id, integration_id) DO UPDATE SET
            auth_config_id = excluded.auth_config_id,
            connection_request_id = excluded.connection_request_id,
            redirect_url = excluded.redirect_url,
            connection_id = NULL,
            error_message = NULL,
            status = CASE WHEN composio_connections.status = 'completed' THEN 'completed' ELSE 'pending' END,
            updated_at = excluded.updated_at
    `, uuid.NewString(), c.UserID, c.IntegrationID, c.AuthConfigID, c.ConnectionRequestID, c.RedirectURL, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert connection: %w", err)
	}

	stored, err := s.GetConnection(ctx, c.UserID, c.IntegrationID)
	if err != nil {
		return err
	}
	if stored == nil {
		return fmt.Errorf("connection for %s/%s vanished after upsert", c.UserID, c.IntegrationID)
	}
	*c = *stored
	return nil
}

func scanConnection(row interface{ Scan(...any) error }) (*Connection, error) {
	var c Connection
	var connectionID, errorMessage sql.NullString
	err := row.Scan(&c.ID, &c.UserID, &c.IntegrationID, &c.AuthConfigID, &c.ConnectionRequestID,
		&connectionID, &c.Status, &c.RedirectURL, &errorMessage, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if connectionID.Valid {
		c.ConnectionID = &connectionID.String
	}
	if errorMessage.Valid {
		c.ErrorMessage = &errorMessage.String
	}
	return &c, nil
}

func (s *SQLiteStore) queryConnection(ctx context.Context, where string, args ...any) (*Connection, error) {
	c, err := scanConnection(s.db.QueryRowContext(ctx,
		"SELECT "+connectionColumns+" FROM composio_connections WHERE "+where, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query connection: %w", err)
	}
	return c, nil
}

// GetConnection returns nil when the pair has never been initiated.
func (s *SQLiteStore) GetConnection(ctx context.Context, ownerID, integrationID string) (*Connection, error) {
	return s.queryConnection(ctx, "user_id = ? AND integration_id = ?", ownerID, strings.ToLower(integrationID))
}

// GetConnectionByRequestID looks a connection up by its external request id.
// An empty ownerID matches any owner.
func (s *SQLiteStore) GetConnectionByRequestID(ctx context.Context, requestID, ownerID string) (*Connection, error) {
	if ownerID == "" {
		return s.queryConnection(ctx, "connection_request_id = ?", requestID)
	}
	return s.queryConnection(ctx, "connection_request_id = ? AND user_id = ?", requestID, ownerID)
}

// MarkConnectionCompleted stores the external connection id for the row
// holding requestID. It reports whether a row changed.
func (s *SQLiteStore) MarkConnectionCompleted(ctx context.Context, requestID, ownerID, connectionID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
        UPDATE composio_connections
        SET status = 'completed', connection_id = ?, error_message = NULL, updated_at = ?
        WHERE connection_request_id = ? AND user_id = ?
    `, connectionID, s.now(), requestID, ownerID)
	if err != nil {
		return false, fmt.Errorf("failed to mark connection completed: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// MarkConnectionError moves a pending row to error. Completed rows are left
// untouched.
func (s *SQLiteStore) MarkConnectionError(ctx context.Context, requestID, message string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
        UPDATE composio_connections
        SET status = 'error', error_message = ?, updated_at = ?
        WHERE connection_request_id = ? AND status = 'pending'
    `, message, s.now(), requestID)
	if err != nil {
		return false, fmt.Errorf("failed to mark connection error: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (s *SQLiteStore) ListConnections(ctx context.Context, ownerID string) ([]Connection, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+connectionColumns+" FROM composio_connections WHERE user_id = ? ORDER BY integration_id", ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query connections: %w", err)
	}
	defer rows.Close()

	connections := []Connection{}
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection row: %w", err)
		}
		connections = append(connections, *c)
	}
	return connections, rows.Err()
}

// ListCompletedIntegrations returns the integration ids the owner has an
// active grant for.
func (s *SQLiteStore) ListCompletedIntegrations(ctx context.Context, ownerID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT integration_id FROM composio_connections WHERE user_id = ? AND status = 'completed' ORDER BY integration_id",
		ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query completed connections: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan integration id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
