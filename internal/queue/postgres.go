package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/notification-dispatcher/internal/model"
)

const messageColumns = `id, seq, channel, recipient, template, params, group_key, dedupe_key,
		       state, attempts, last_error, enqueued_at, available_at, updated_at`

// Postgres is a Store backed by the notifications table (see Migrate).
// Claims use FOR UPDATE SKIP LOCKED so concurrent dispatchers never pick the
// same row.
type Postgres struct {
	db  *sql.DB
	cfg config
}

var _ Store = (*Postgres)(nil)

func NewPostgres(db *sql.DB, opts ...Option) *Postgres {
	return &Postgres{db: db, cfg: newConfig(opts)}
}

func (r *Postgres) Enqueue(ctx context.Context, msg model.Message) (string, error) {
	if msg.ID == "" || !msg.Channel.Valid() {
		return "", ErrInvalidMessage
	}

	params, err := json.Marshal(msg.Params)
	if err != nil {
		return "", fmt.Errorf("encoding params: %w", err)
	}
	if msg.Params == nil {
		params = []byte("{}")
	}

	now := r.cfg.now()
	if msg.GroupKey == "" {
		msg.GroupKey = model.GroupKeyFor(msg.Channel, msg.Template)
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = now
	}
	if msg.AvailableAt.IsZero() {
		msg.AvailableAt = msg.EnqueuedAt
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO notifications (
			id, channel, recipient, template, params, group_key, dedupe_key,
			state, attempts, enqueued_at, available_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', $8, $9, $10, $11)
		ON CONFLICT DO NOTHING
	`, msg.ID, string(msg.Channel), msg.Recipient, msg.Template, params, msg.GroupKey, nullIfEmpty(msg.DedupeKey),
		msg.Attempts, msg.EnqueuedAt, msg.AvailableAt, now)
	if err != nil {
		return "", err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", ErrDuplicate
	}
	return msg.ID, nil
}

func (r *Postgres) DequeueBatch(ctx context.Context, ch model.Channel, maxCount int) ([]model.Message, error) {
	if maxCount <= 0 {
		return nil, ErrInvalidBatchSize
	}

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	now := r.cfg.now()
	rows, err := tx.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM notifications
		WHERE channel = $1
		  AND ((state = 'pending' AND available_at <= $2)
		       OR (state = 'in_flight' AND lease_expires_at <= $2))
		ORDER BY seq ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $3
	`, string(ch), now, maxCount)
	if err != nil {
		return nil, err
	}

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	if len(msgs) == 0 {
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return nil, nil
	}

	leaseExpiresAt := now.Add(r.cfg.leaseTimeout)
	claimed := msgs[:0]
	for _, m := range msgs {
		if m.State == model.InFlight {
			m.Attempts++
			if m.Attempts >= r.cfg.maxAttempts {
				r.cfg.logger.Warn("lease expired at max attempts, dead-lettering message",
					"id", m.ID, "attempts", m.Attempts)
				if _, err := tx.ExecContext(ctx, `
					UPDATE notifications
					SET state = 'dead_lettered',
					    attempts = $2,
					    last_error = $3,
					    lease_token = NULL,
					    lease_expires_at = NULL,
					    updated_at = $4
					WHERE id = $1
				`, m.ID, m.Attempts, leaseExpiredReason, now); err != nil {
					return nil, err
				}
				continue
			}
			r.cfg.logger.Debug("lease expired, reclaiming message", "id", m.ID, "attempts", m.Attempts)
		}

		token := uuid.NewString()
		if _, err := tx.ExecContext(ctx, `
			UPDATE notifications
			SET state = 'in_flight',
			    lease_token = $2,
			    lease_expires_at = $3,
			    updated_at = $4,
			    attempts = $5
			WHERE id = $1
		`, m.ID, token, leaseExpiresAt, now, m.Attempts); err != nil {
			return nil, err
		}

		m.State = model.InFlight
		m.LeaseToken = token
		m.LeaseExpiresAt = leaseExpiresAt
		m.UpdatedAt = now
		claimed = append(claimed, m)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *Postgres) Ack(ctx context.Context, id, leaseToken string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE notifications
		SET state = 'delivered',
		    attempts = attempts + 1,
		    last_error = NULL,
		    lease_token = NULL,
		    lease_expires_at = NULL,
		    updated_at = $3
		WHERE id = $1 AND state = 'in_flight' AND lease_token = $2
	`, id, leaseToken, r.cfg.now())
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return r.missOrMismatch(ctx, id)
	}
	return nil
}

func (r *Postgres) Nack(ctx context.Context, id, leaseToken, reason string, d Disposition) (model.State, error) {
	now := r.cfg.now()

	var state string
	err := r.db.QueryRowContext(ctx, `
		UPDATE notifications
		SET attempts = attempts + 1,
		    state = CASE WHEN $3 OR attempts + 1 >= $4 THEN 'dead_lettered' ELSE 'pending' END,
		    available_at = $5,
		    last_error = $6,
		    lease_token = NULL,
		    lease_expires_at = NULL,
		    updated_at = $7
		WHERE id = $1 AND state = 'in_flight' AND lease_token = $2
		RETURNING state
	`, id, leaseToken, d.DeadLetter, r.cfg.maxAttempts, now.Add(d.RetryAfter), truncateReason(reason), now).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", r.missOrMismatch(ctx, id)
	}
	if err != nil {
		return "", err
	}
	return model.State(state), nil
}

func (r *Postgres) Release(ctx context.Context, id, leaseToken string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE notifications
		SET state = 'pending',
		    lease_token = NULL,
		    lease_expires_at = NULL,
		    updated_at = $3
		WHERE id = $1 AND state = 'in_flight' AND lease_token = $2
	`, id, leaseToken, r.cfg.now())
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return r.missOrMismatch(ctx, id)
	}
	return nil
}

func (r *Postgres) missOrMismatch(ctx context.Context, id string) error {
	var exists bool
	if err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM notifications WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrLeaseMismatch
}

func (r *Postgres) Get(ctx context.Context, id string) (model.Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM notifications
		WHERE id = $1
	`, id)
	if err != nil {
		return model.Message{}, err
	}

	msgs, err := scanMessages(rows)
	if err != nil {
		return model.Message{}, err
	}
	if len(msgs) == 0 {
		return model.Message{}, ErrNotFound
	}
	return msgs[0], nil
}

func (r *Postgres) ListDeadLettered(ctx context.Context, limit, offset int) ([]model.Message, error) {
	limit, offset = clampPage(limit, offset)

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM notifications
		WHERE state = 'dead_lettered'
		ORDER BY updated_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

func (r *Postgres) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM notifications
		WHERE state IN ('delivered', 'dead_lettered') AND updated_at < $1
	`, olderThan)
	if err != nil {
		return 0, err
	}

	n, err := res.RowsAffected()
	return int(n), err
}

func scanMessages(rows *sql.Rows) ([]model.Message, error) {
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		var (
			m       model.Message
			channel string
			state   string
			params  []byte
			lastErr sql.NullString
			dedupe  sql.NullString
		)
		if err := rows.Scan(
			&m.ID,
			&m.Seq,
			&channel,
			&m.Recipient,
			&m.Template,
			&params,
			&m.GroupKey,
			&dedupe,
			&state,
			&m.Attempts,
			&lastErr,
			&m.EnqueuedAt,
			&m.AvailableAt,
			&m.UpdatedAt,
		); err != nil {
			return nil, err
		}

		m.Channel = model.Channel(channel)
		m.State = model.State(state)
		if lastErr.Valid {
			m.LastError = lastErr.String
		}
		m.DedupeKey = dedupe.String
		if len(params) > 0 {
			if err := json.Unmarshal(params, &m.Params); err != nil {
				return nil, fmt.Errorf("decoding params of %s: %w", m.ID, err)
			}
		}

		out = append(out, m)
	}
	return out, rows.Err()
}

// nullIfEmpty stores a missing dedupe key as NULL so the partial unique index
// ignores it.
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
