package queue

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/notification-dispatcher/internal/model"
)

// Memory is a process-local Store. It keeps the same state machine as the
// Postgres store and is used for single-instance deployments and tests.
type Memory struct {
	cfg config

	mu     sync.Mutex
	seq    int64
	byID   map[string]*model.Message
	order  map[model.Channel][]string
	active map[string]string
	dead   []string
}

var _ Store = (*Memory)(nil)

func NewMemory(opts ...Option) *Memory {
	return &Memory{
		cfg:    newConfig(opts),
		byID:   make(map[string]*model.Message),
		order:  make(map[model.Channel][]string),
		active: make(map[string]string),
	}
}

func (q *Memory) Enqueue(ctx context.Context, msg model.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if msg.ID == "" || !msg.Channel.Valid() {
		return "", ErrInvalidMessage
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.byID[msg.ID]; ok {
		return "", fmt.Errorf("%w: id %s already enqueued", ErrDuplicate, msg.ID)
	}
	if msg.DedupeKey != "" {
		if owner, ok := q.active[msg.DedupeKey]; ok {
			return "", fmt.Errorf("%w: held by %s", ErrDuplicate, owner)
		}
	}

	now := q.cfg.now()
	m := msg.Clone()
	q.seq++
	m.Seq = q.seq
	m.State = model.Pending
	m.LeaseToken = ""
	m.LeaseExpiresAt = time.Time{}
	if m.GroupKey == "" {
		m.GroupKey = model.GroupKeyFor(m.Channel, m.Template)
	}
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = now
	}
	if m.AvailableAt.IsZero() {
		m.AvailableAt = m.EnqueuedAt
	}
	m.UpdatedAt = now

	q.byID[m.ID] = &m
	q.order[m.Channel] = append(q.order[m.Channel], m.ID)
	if m.DedupeKey != "" {
		q.active[m.DedupeKey] = m.ID
	}
	return m.ID, nil
}

func (q *Memory) DequeueBatch(ctx context.Context, ch model.Channel, maxCount int) ([]model.Message, error) {
	if maxCount <= 0 {
		return nil, ErrInvalidBatchSize
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.cfg.now()
	ids := q.order[ch]
	kept := ids[:0]
	var out []model.Message

	for _, id := range ids {
		m, ok := q.byID[id]
		if !ok || m.State.Terminal() {
			continue
		}
		kept = append(kept, id)

		if len(out) >= maxCount || !claimable(m, now) {
			continue
		}
		if m.State == model.InFlight {
			// An expired lease counts as an attempt so a message that keeps
			// hanging its sender still reaches the dead-letter state.
			m.Attempts++
			if m.Attempts >= q.cfg.maxAttempts {
				q.cfg.logger.Warn("lease expired at max attempts, dead-lettering message",
					"id", m.ID, "attempts", m.Attempts)
				m.State = model.DeadLettered
				m.LastError = leaseExpiredReason
				q.dead = append(q.dead, m.ID)
				q.release(m)
				continue
			}
			q.cfg.logger.Debug("lease expired, reclaiming message",
				"id", m.ID, "lease_expired_at", m.LeaseExpiresAt, "attempts", m.Attempts)
		}

		m.State = model.InFlight
		m.LeaseToken = uuid.NewString()
		m.LeaseExpiresAt = now.Add(q.cfg.leaseTimeout)
		m.UpdatedAt = now
		out = append(out, m.Clone())
	}
	q.order[ch] = kept

	return out, nil
}

func claimable(m *model.Message, now time.Time) bool {
	switch m.State {
	case model.Pending:
		return !m.AvailableAt.After(now)
	case model.InFlight:
		return !now.Before(m.LeaseExpiresAt)
	default:
		return false
	}
}

func (q *Memory) Ack(ctx context.Context, id, leaseToken string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	m, err := q.leased(id, leaseToken)
	if err != nil {
		return err
	}

	m.Attempts++
	m.State = model.Delivered
	m.LastError = ""
	q.release(m)
	return nil
}

func (q *Memory) Nack(ctx context.Context, id, leaseToken, reason string, d Disposition) (model.State, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	m, err := q.leased(id, leaseToken)
	if err != nil {
		return "", err
	}

	now := q.cfg.now()
	m.Attempts++
	m.LastError = truncateReason(reason)

	if d.DeadLetter || m.Attempts >= q.cfg.maxAttempts {
		// Failed and DeadLettered happen under the same lock, so Failed is
		// never observable here.
		m.State = model.DeadLettered
		q.dead = append(q.dead, m.ID)
		q.release(m)
		return m.State, nil
	}

	m.State = model.Pending
	m.AvailableAt = now.Add(d.RetryAfter)
	m.LeaseToken = ""
	m.LeaseExpiresAt = time.Time{}
	m.UpdatedAt = now
	return m.State, nil
}

func (q *Memory) Release(ctx context.Context, id, leaseToken string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	m, err := q.leased(id, leaseToken)
	if err != nil {
		return err
	}

	m.State = model.Pending
	m.LeaseToken = ""
	m.LeaseExpiresAt = time.Time{}
	m.UpdatedAt = q.cfg.now()
	return nil
}

func (q *Memory) leased(id, leaseToken string) (*model.Message, error) {
	m, ok := q.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if m.State != model.InFlight || m.LeaseToken != leaseToken {
		return nil, ErrLeaseMismatch
	}
	return m, nil
}

// release finalizes a terminal transition: the lease is dropped and the
// dedupe key becomes reusable.
func (q *Memory) release(m *model.Message) {
	m.LeaseToken = ""
	m.LeaseExpiresAt = time.Time{}
	m.UpdatedAt = q.cfg.now()
	if owner, ok := q.active[m.DedupeKey]; ok && owner == m.ID {
		delete(q.active, m.DedupeKey)
	}
}

func (q *Memory) Get(ctx context.Context, id string) (model.Message, error) {
	if err := ctx.Err(); err != nil {
		return model.Message{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.byID[id]
	if !ok {
		return model.Message{}, ErrNotFound
	}
	return m.Clone(), nil
}

// ListDeadLettered returns dead-lettered messages, most recent first.
func (q *Memory) ListDeadLettered(ctx context.Context, limit, offset int) ([]model.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit, offset = clampPage(limit, offset)

	q.mu.Lock()
	defer q.mu.Unlock()

	var out []model.Message
	for i := len(q.dead) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		if m, ok := q.byID[q.dead[i]]; ok {
			out = append(out, m.Clone())
		}
	}
	return out, nil
}

func (q *Memory) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	purged := 0
	for id, m := range q.byID {
		if m.State.Terminal() && m.UpdatedAt.Before(olderThan) {
			delete(q.byID, id)
			purged++
		}
	}
	if purged > 0 {
		q.dead = slices.DeleteFunc(q.dead, func(id string) bool {
			_, ok := q.byID[id]
			return !ok
		})
	}
	return purged, nil
}
