// Package ledger is the durable record of queues, participants and queue
// entries. It is the fallback of record for waiting order and the source of
// historical service durations.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"stand-queue/internal/status"
	"stand-queue/models"

	"github.com/lib/pq"
	"github.com/pocketbase/dbx"
)

const defaultTimeout = 3 * time.Second

const entryColumns = "id, queue_id, participant_id, status, created_at, called_at, served_at, updated_at"

type Ledger struct {
	db      *dbx.DB
	timeout time.Duration
	now     func() time.Time
}

type Option func(*Ledger)

// WithTimeout bounds every ledger call.
func WithTimeout(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithClock replaces time.Now, mostly for tests that need equal timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

func New(db *dbx.DB, opts ...Option) *Ledger {
	l := &Ledger{
		db:      db,
		timeout: defaultTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) DB() *dbx.DB {
	return l.db
}

func (l *Ledger) Ping(ctx context.Context) error {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	return l.db.DB().PingContext(ctx)
}

// Queues

func (l *Ledger) CreateQueue(ctx context.Context, name string, priorMinutes float64) (models.Queue, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	now := l.now()
	q := models.Queue{Name: name, PriorMinutes: priorMinutes, CreatedAt: now.UTC().Truncate(time.Microsecond)}
	err := l.db.NewQuery(
		"INSERT INTO queues (name, prior_minutes, created_at) VALUES ({:name}, {:prior}, {:now}) RETURNING id",
	).Bind(dbx.Params{
		"name":  name,
		"prior": priorMinutes,
		"now":   now.UnixMicro(),
	}).WithContext(ctx).Row(&q.ID)
	if err != nil {
		return models.Queue{}, fmt.Errorf("ledger: create queue: %w", err)
	}
	return q, nil
}

func (l *Ledger) GetQueue(ctx context.Context, queueID int64) (models.Queue, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	var (
		q       models.Queue
		created int64
	)
	err := l.db.NewQuery(
		"SELECT id, name, prior_minutes, created_at FROM queues WHERE id = {:id}",
	).Bind(dbx.Params{"id": queueID}).WithContext(ctx).Row(&q.ID, &q.Name, &q.PriorMinutes, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Queue{}, fmt.Errorf("%w: %d", status.ErrQueueNotFound, queueID)
	}
	if err != nil {
		return models.Queue{}, fmt.Errorf("ledger: get queue %d: %w", queueID, err)
	}
	q.CreatedAt = fromMicros(created)
	return q, nil
}

func (l *Ledger) ListQueues(ctx context.Context) ([]models.Queue, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	rows, err := l.db.NewQuery(
		"SELECT id, name, prior_minutes, created_at FROM queues ORDER BY id",
	).WithContext(ctx).Rows()
	if err != nil {
		return nil, fmt.Errorf("ledger: list queues: %w", err)
	}
	defer rows.Close()

	queues := []models.Queue{}
	for rows.Next() {
		var (
			q       models.Queue
			created int64
		)
		if err := rows.Scan(&q.ID, &q.Name, &q.PriorMinutes, &created); err != nil {
			return nil, fmt.Errorf("ledger: scan queue: %w", err)
		}
		q.CreatedAt = fromMicros(created)
		queues = append(queues, q)
	}
	return queues, rows.Err()
}

// Participants

// GetOrCreateParticipant returns the participant with externalID, creating it
// on first sight. A non-empty displayName replaces the stored one.
func (l *Ledger) GetOrCreateParticipant(ctx context.Context, externalID int64, displayName string) (models.Participant, error) {
	if externalID <= 0 {
		return models.Participant{}, status.ErrParticipantIDRequired
	}

	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	var p models.Participant
	err := l.db.TransactionalContext(ctx, nil, func(tx *dbx.Tx) error {
		found, err := findParticipant(ctx, tx, externalID)
		if err == nil {
			p = found
			if displayName != "" && displayName != found.DisplayName {
				_, err = tx.NewQuery(
					"UPDATE participants SET display_name = {:name} WHERE id = {:id}",
				).Bind(dbx.Params{"name": displayName, "id": found.ID}).WithContext(ctx).Execute()
				p.DisplayName = displayName
			}
			return err
		}
		if !errors.Is(err, status.ErrParticipantNotFound) {
			return err
		}

		p = models.Participant{ExternalID: externalID, DisplayName: displayName}
		return tx.NewQuery(
			"INSERT INTO participants (external_id, display_name, created_at) VALUES ({:ext}, {:name}, {:now}) RETURNING id",
		).Bind(dbx.Params{
			"ext":  externalID,
			"name": displayName,
			"now":  l.now().UnixMicro(),
		}).WithContext(ctx).Row(&p.ID)
	})
	if isUniqueViolation(err) {
		// A concurrent first join created the row.
		return l.FindParticipantByExternalID(ctx, externalID)
	}
	if err != nil {
		return models.Participant{}, fmt.Errorf("ledger: get or create participant %d: %w", externalID, err)
	}
	return p, nil
}

func (l *Ledger) FindParticipantByExternalID(ctx context.Context, externalID int64) (models.Participant, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	p, err := findParticipant(ctx, l.db, externalID)
	if err != nil && !errors.Is(err, status.ErrParticipantNotFound) {
		return p, fmt.Errorf("ledger: find participant %d: %w", externalID, err)
	}
	return p, err
}

func (l *Ledger) GetParticipant(ctx context.Context, participantID int64) (models.Participant, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	p := models.Participant{ID: participantID}
	err := l.db.NewQuery(
		"SELECT external_id, display_name FROM participants WHERE id = {:id}",
	).Bind(dbx.Params{"id": participantID}).WithContext(ctx).Row(&p.ExternalID, &p.DisplayName)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Participant{}, fmt.Errorf("%w: id %d", status.ErrParticipantNotFound, participantID)
	}
	if err != nil {
		return models.Participant{}, fmt.Errorf("ledger: get participant %d: %w", participantID, err)
	}
	return p, nil
}

// GetParticipants loads participants by ledger id. Unknown ids are skipped.
func (l *Ledger) GetParticipants(ctx context.Context, ids []int64) (map[int64]models.Participant, error) {
	out := make(map[int64]models.Participant, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := l.db.Select("id", "external_id", "display_name").
		From("participants").
		Where(dbx.In("id", args...)).
		Build().
		WithContext(ctx).
		Rows()
	if err != nil {
		return nil, fmt.Errorf("ledger: get participants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p models.Participant
		if err := rows.Scan(&p.ID, &p.ExternalID, &p.DisplayName); err != nil {
			return nil, fmt.Errorf("ledger: scan participant: %w", err)
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

func findParticipant(ctx context.Context, b dbx.Builder, externalID int64) (models.Participant, error) {
	p := models.Participant{ExternalID: externalID}
	err := b.NewQuery(
		"SELECT id, display_name FROM participants WHERE external_id = {:ext}",
	).Bind(dbx.Params{"ext": externalID}).WithContext(ctx).Row(&p.ID, &p.DisplayName)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Participant{}, fmt.Errorf("%w: external id %d", status.ErrParticipantNotFound, externalID)
	}
	return p, err
}

// Entries

// GetOrCreateWaitingEntry returns the participant's waiting entry in the
// queue, creating one when none exists. created reports which happened.
func (l *Ledger) GetOrCreateWaitingEntry(ctx context.Context, queueID, participantID int64) (models.QueueEntry, bool, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	var (
		entry   models.QueueEntry
		created bool
	)
	err := l.db.TransactionalContext(ctx, nil, func(tx *dbx.Tx) error {
		found, err := earliestWaiting(ctx, tx, queueID, participantID)
		if err == nil {
			entry = found
			return nil
		}
		if !errors.Is(err, status.ErrEntryNotFound) {
			return err
		}

		entry, err = l.insertEntry(ctx, tx, queueID, participantID, models.StatusWaiting)
		created = err == nil
		return err
	})
	if isUniqueViolation(err) {
		// Lost the race against a concurrent join for the same participant.
		entry, err = l.EarliestWaitingEntry(ctx, queueID, participantID)
		return entry, false, err
	}
	if err != nil {
		return models.QueueEntry{}, false, fmt.Errorf("ledger: get or create waiting entry: %w", err)
	}
	return entry, created, nil
}

// CreateEntry inserts an entry directly in the given status. Only waiting
// and called are accepted; called entries get called_at = now.
func (l *Ledger) CreateEntry(ctx context.Context, queueID, participantID int64, st models.EntryStatus) (models.QueueEntry, error) {
	if st != models.StatusWaiting && st != models.StatusCalled {
		return models.QueueEntry{}, fmt.Errorf("%w: cannot create entry in status %s", status.ErrInvalidTransition, st)
	}

	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	entry, err := l.insertEntry(ctx, l.db, queueID, participantID, st)
	if err != nil {
		return models.QueueEntry{}, fmt.Errorf("ledger: create entry: %w", err)
	}
	return entry, nil
}

func (l *Ledger) insertEntry(ctx context.Context, b dbx.Builder, queueID, participantID int64, st models.EntryStatus) (models.QueueEntry, error) {
	now := l.now()
	entry := models.QueueEntry{
		QueueID:       queueID,
		ParticipantID: participantID,
		Status:        st,
		CreatedAt:     fromMicros(now.UnixMicro()),
		UpdatedAt:     fromMicros(now.UnixMicro()),
	}

	params := dbx.Params{
		"queue":       queueID,
		"participant": participantID,
		"status":      string(st),
		"now":         now.UnixMicro(),
		"called":      nil,
	}
	if st == models.StatusCalled {
		params["called"] = now.UnixMicro()
		calledAt := entry.CreatedAt
		entry.CalledAt = &calledAt
	}

	err := b.NewQuery(
		"INSERT INTO queue_entries (queue_id, participant_id, status, created_at, called_at, updated_at) " +
			"VALUES ({:queue}, {:participant}, {:status}, {:now}, {:called}, {:now}) RETURNING id",
	).Bind(params).WithContext(ctx).Row(&entry.ID)
	return entry, err
}

func (l *Ledger) GetEntry(ctx context.Context, entryID int64) (models.QueueEntry, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	entry, err := getEntry(ctx, l.db, entryID)
	if err != nil && !errors.Is(err, status.ErrEntryNotFound) {
		return entry, fmt.Errorf("ledger: get entry %d: %w", entryID, err)
	}
	return entry, err
}

// EarliestWaitingEntry returns the participant's oldest waiting entry, or an
// error wrapping status.ErrEntryNotFound.
func (l *Ledger) EarliestWaitingEntry(ctx context.Context, queueID, participantID int64) (models.QueueEntry, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	entry, err := earliestWaiting(ctx, l.db, queueID, participantID)
	if err != nil && !errors.Is(err, status.ErrEntryNotFound) {
		return entry, fmt.Errorf("ledger: earliest waiting entry: %w", err)
	}
	return entry, err
}

// WaitingEntries lists the queue's waiting entries in line order.
func (l *Ledger) WaitingEntries(ctx context.Context, queueID int64) ([]models.QueueEntry, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	rows, err := l.db.NewQuery(
		"SELECT " + entryColumns + " FROM queue_entries " +
			"WHERE queue_id = {:queue} AND status = 'waiting' ORDER BY created_at, id",
	).Bind(dbx.Params{"queue": queueID}).WithContext(ctx).Rows()
	if err != nil {
		return nil, fmt.Errorf("ledger: waiting entries: %w", err)
	}
	defer rows.Close()

	entries := []models.QueueEntry{}
	for rows.Next() {
		entry, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// CountWaitingAtOrBefore counts waiting entries created at or before at.
// With tieBreakID > 0, entries created exactly at `at` only count when their
// id is <= tieBreakID, which turns the count into a strict 1-based rank.
func (l *Ledger) CountWaitingAtOrBefore(ctx context.Context, queueID int64, at time.Time, tieBreakID int64) (int, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	cond := "created_at <= {:at}"
	if tieBreakID > 0 {
		cond = "(created_at < {:at} OR (created_at = {:at} AND id <= {:id}))"
	}

	var n int
	err := l.db.NewQuery(
		"SELECT COUNT(*) FROM queue_entries WHERE queue_id = {:queue} AND status = 'waiting' AND " + cond,
	).Bind(dbx.Params{
		"queue": queueID,
		"at":    at.UnixMicro(),
		"id":    tieBreakID,
	}).WithContext(ctx).Row(&n)
	if err != nil {
		return 0, fmt.Errorf("ledger: count waiting: %w", err)
	}
	return n, nil
}

func (l *Ledger) MarkCalled(ctx context.Context, entryID int64) (models.QueueEntry, error) {
	return l.transition(ctx, entryID, models.StatusCalled)
}

func (l *Ledger) MarkServed(ctx context.Context, entryID int64) (models.QueueEntry, error) {
	return l.transition(ctx, entryID, models.StatusServed)
}

func (l *Ledger) MarkCancelled(ctx context.Context, entryID int64) (models.QueueEntry, error) {
	return l.transition(ctx, entryID, models.StatusCancelled)
}

func (l *Ledger) MarkSkipped(ctx context.Context, entryID int64) (models.QueueEntry, error) {
	return l.transition(ctx, entryID, models.StatusSkipped)
}

// transition applies from -> to when the table allows it. The UPDATE is
// conditional on the status read, so a concurrent change makes it fail with
// status.ErrInvalidTransition instead of overwriting.
func (l *Ledger) transition(ctx context.Context, entryID int64, to models.EntryStatus) (models.QueueEntry, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	var entry models.QueueEntry
	err := l.db.TransactionalContext(ctx, nil, func(tx *dbx.Tx) error {
		var err error
		entry, err = getEntry(ctx, tx, entryID)
		if err != nil {
			return err
		}
		from := entry.Status
		if err := models.CheckTransition(from, to); err != nil {
			return err
		}

		now := l.now()
		set := "status = {:to}, updated_at = {:now}"
		switch to {
		case models.StatusCalled:
			set += ", called_at = {:now}"
		case models.StatusServed:
			set += ", served_at = {:now}"
		}

		res, err := tx.NewQuery(
			"UPDATE queue_entries SET " + set + " WHERE id = {:id} AND status = {:from}",
		).Bind(dbx.Params{
			"to":   string(to),
			"now":  now.UnixMicro(),
			"id":   entryID,
			"from": string(from),
		}).WithContext(ctx).Execute()
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("%w: entry %d changed concurrently", status.ErrInvalidTransition, entryID)
		}

		stamp := fromMicros(now.UnixMicro())
		entry.Status = to
		entry.UpdatedAt = stamp
		switch to {
		case models.StatusCalled:
			entry.CalledAt = &stamp
		case models.StatusServed:
			entry.ServedAt = &stamp
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, status.ErrInvalidTransition) || errors.Is(err, status.ErrEntryNotFound) {
			return entry, err
		}
		return entry, fmt.Errorf("ledger: mark %s: %w", to, err)
	}
	return entry, nil
}

// RecentServiceSamples returns up to limit positive service durations of the
// most recently served entries, newest first.
func (l *Ledger) RecentServiceSamples(ctx context.Context, queueID int64, limit int) ([]models.ServiceSample, error) {
	if limit <= 0 {
		return []models.ServiceSample{}, nil
	}

	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	rows, err := l.db.NewQuery(
		"SELECT id, called_at, served_at FROM queue_entries " +
			"WHERE queue_id = {:queue} AND status = 'served' " +
			"AND called_at IS NOT NULL AND served_at IS NOT NULL AND served_at > called_at " +
			"ORDER BY served_at DESC, id DESC LIMIT {:limit}",
	).Bind(dbx.Params{"queue": queueID, "limit": limit}).WithContext(ctx).Rows()
	if err != nil {
		return nil, fmt.Errorf("ledger: recent service samples: %w", err)
	}
	defer rows.Close()

	samples := []models.ServiceSample{}
	for rows.Next() {
		var id, called, served int64
		if err := rows.Scan(&id, &called, &served); err != nil {
			return nil, fmt.Errorf("ledger: scan sample: %w", err)
		}
		samples = append(samples, models.ServiceSample{
			EntryID: id,
			Minutes: time.Duration((served - called) * int64(time.Microsecond)).Minutes(),
		})
	}
	return samples, rows.Err()
}

func getEntry(ctx context.Context, b dbx.Builder, entryID int64) (models.QueueEntry, error) {
	entry, err := queryEntry(b.NewQuery(
		"SELECT " + entryColumns + " FROM queue_entries WHERE id = {:id}",
	).Bind(dbx.Params{"id": entryID}).WithContext(ctx))
	if errors.Is(err, sql.ErrNoRows) {
		return models.QueueEntry{}, fmt.Errorf("%w: %d", status.ErrEntryNotFound, entryID)
	}
	return entry, err
}

func earliestWaiting(ctx context.Context, b dbx.Builder, queueID, participantID int64) (models.QueueEntry, error) {
	entry, err := queryEntry(b.NewQuery(
		"SELECT " + entryColumns + " FROM queue_entries " +
			"WHERE queue_id = {:queue} AND participant_id = {:participant} AND status = 'waiting' " +
			"ORDER BY created_at, id LIMIT 1",
	).Bind(dbx.Params{"queue": queueID, "participant": participantID}).WithContext(ctx))
	if errors.Is(err, sql.ErrNoRows) {
		return models.QueueEntry{}, fmt.Errorf("%w: no waiting entry for participant %d in queue %d",
			status.ErrEntryNotFound, participantID, queueID)
	}
	return entry, err
}

// queryEntry reads the first row of q, returning sql.ErrNoRows when empty.
func queryEntry(q *dbx.Query) (models.QueueEntry, error) {
	rows, err := q.Rows()
	if err != nil {
		return models.QueueEntry{}, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return models.QueueEntry{}, err
		}
		return models.QueueEntry{}, sql.ErrNoRows
	}
	return scanEntry(rows.Scan)
}

func scanEntry(scan func(dest ...any) error) (models.QueueEntry, error) {
	var (
		entry            models.QueueEntry
		st               string
		created, updated int64
		called, served   sql.NullInt64
	)
	if err := scan(&entry.ID, &entry.QueueID, &entry.ParticipantID, &st,
		&created, &called, &served, &updated); err != nil {
		return models.QueueEntry{}, err
	}

	parsed, err := models.ParseEntryStatus(st)
	if err != nil {
		return models.QueueEntry{}, err
	}
	entry.Status = parsed
	entry.CreatedAt = fromMicros(created)
	entry.UpdatedAt = fromMicros(updated)
	entry.CalledAt = nullableTime(called)
	entry.ServedAt = nullableTime(served)
	return entry, nil
}

func nullableTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMicros(v.Int64)
	return &t
}

func fromMicros(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (l *Ledger) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, l.timeout)
}
