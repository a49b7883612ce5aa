package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"asv8/pkg/types"
)

// ClaimNextCommand atomically claims the oldest NEW command, marking it
// PROCESSED in the same statement. SKIP LOCKED keeps concurrent consumers off
// each other's rows. If the semantic effect later fails, the consumer records
// ERROR via FailCommand. Returns nil when the queue is empty.
func (s *Store) ClaimNextCommand(ctx context.Context) (*types.ControlCommand, error) {
	var cmd types.ControlCommand
	err := s.db.GetContext(ctx, &cmd, `
		UPDATE control_commands
		SET status = $1, processed_at = now()
		WHERE id = (
			SELECT id FROM control_commands
			WHERE status = $2
			ORDER BY id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING *`, types.CommandProcessed, types.CommandNew)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim command: %w", err)
	}
	return &cmd, nil
}

// FailCommand downgrades a claimed command to ERROR after its effect failed.
func (s *Store) FailCommand(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE control_commands SET status = $1 WHERE id = $2`,
		types.CommandError, id)
	if err != nil {
		return fmt.Errorf("fail command %d: %w", id, err)
	}
	return nil
}

// EnqueueCommand inserts an operator directive. The engine itself uses this
// for breaker-initiated halts so they flow through the same audit path.
func (s *Store) EnqueueCommand(ctx context.Context, cmd *types.ControlCommand) (int64, error) {
	if len(cmd.PayloadJSON) == 0 {
		cmd.PayloadJSON = []byte(`{}`)
	}
	var id int64
	err := s.db.GetContext(ctx, &id, `
		INSERT INTO control_commands (command, payload_json, trace_id, actor, reason_code, reason, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING id`,
		cmd.Command, cmd.PayloadJSON, cmd.TraceID, cmd.Actor, cmd.ReasonCode, cmd.Reason, types.CommandNew)
	if err != nil {
		return 0, fmt.Errorf("enqueue command %s: %w", cmd.Command, err)
	}
	return id, nil
}

// GetSystemConfig reads one config value. Missing keys return ("", false).
func (s *Store) GetSystemConfig(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.GetContext(ctx, &value, `
		SELECT config_value FROM system_config WHERE config_key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get system config %s: %w", key, err)
	}
	return value, true, nil
}

// AllSystemConfig returns the whole key space for the control snapshot.
func (s *Store) AllSystemConfig(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT config_key, config_value FROM system_config`)
	if err != nil {
		return nil, fmt.Errorf("all system config: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("all system config scan: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// WriteSystemConfig upserts one key and appends the audit row in the same
// transaction. Every mutation carries actor, trace, and reason.
func (s *Store) WriteSystemConfig(ctx context.Context, key, value, actor, traceID string, reasonCode types.ReasonCode, reason string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write system config: begin: %w", err)
	}
	defer tx.Rollback()

	var old sql.NullString
	err = tx.GetContext(ctx, &old, `
		SELECT config_value FROM system_config WHERE config_key = $1 FOR UPDATE`, key)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("write system config: read old: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO system_config (config_key, config_value, updated_by, updated_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (config_key) DO UPDATE
		SET config_value = EXCLUDED.config_value,
		    updated_by   = EXCLUDED.updated_by,
		    updated_at   = now()`, key, value, actor); err != nil {
		return fmt.Errorf("write system config: upsert: %w", err)
	}

	action := "UPDATE_CONFIG"
	if !old.Valid {
		action = "CREATE_CONFIG"
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO config_audit (actor, action, config_key, old_value, new_value, trace_id, reason_code, reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		actor, action, key, old, value, traceID, reasonCode, reason); err != nil {
		return fmt.Errorf("write system config: audit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write system config: commit: %w", err)
	}
	return nil
}

// UpsertServiceStatus refreshes this instance's heartbeat row.
func (s *Store) UpsertServiceStatus(ctx context.Context, st *types.ServiceStatus) error {
	if len(st.StatusJSON) == 0 {
		st.StatusJSON = []byte(`{}`)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_status (service_name, instance_id, status_json, updated_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (service_name, instance_id) DO UPDATE
		SET status_json = EXCLUDED.status_json, updated_at = now()`,
		st.ServiceName, st.InstanceID, st.StatusJSON)
	if err != nil {
		return fmt.Errorf("upsert service status %s: %w", st.ServiceName, err)
	}
	return nil
}
