// Package repository is the durable append store for the security log chain,
// implemented on pgx with queries built by entgo.io/ent/dialect/sql.
//
// Import Path: seclog.io/chain/internal/repository
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"seclog.io/chain/internal/domain"
)

const (
	TableSecurityLogs = "security_logs"
	TableCleanupRuns  = "security_log_cleanup_runs"
)

// ChainLockKey is the pg_advisory_xact_lock key serializing appends.
const ChainLockKey int64 = 0x5ec1_0c4a_1f

var entryColumns = []string{
	"id", "event_id", "sequence_number", "previous_hash", "current_hash",
	"hash_algorithm", "event_type", "user_id", "ip_address", "user_agent",
	"session_id", "metadata", "severity", "hashed_at", "created_at",
}

// DBTX is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Queries runs single statements against db.
type Queries struct {
	db DBTX
}

// New creates Queries over db.
func New(db DBTX) *Queries {
	return &Queries{db: db}
}

func builder() *entsql.DialectBuilder {
	return entsql.Dialect(dialect.Postgres)
}

// LockTail takes the chain advisory lock for the rest of the transaction,
// then reads the tail row FOR UPDATE. Returns nil on an empty chain.
// Must run inside a transaction.
func (q *Queries) LockTail(ctx context.Context) (*domain.ChainTail, error) {
	if _, err := q.db.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", ChainLockKey); err != nil {
		return nil, fmt.Errorf("advisory lock: %w", err)
	}

	b := builder()
	query, args := b.Select("sequence_number", "current_hash").
		From(b.Table(TableSecurityLogs)).
		OrderBy(entsql.Desc("sequence_number")).
		Limit(1).
		ForUpdate().
		Query()

	var tail domain.ChainTail
	err := q.db.QueryRow(ctx, query, args...).Scan(&tail.SequenceNumber, &tail.CurrentHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tail: %w", err)
	}
	return &tail, nil
}

// EntryByEventID returns the entry recorded for eventID, or nil.
func (q *Queries) EntryByEventID(ctx context.Context, eventID string) (*domain.SecurityLogEntry, error) {
	b := builder()
	query, args := b.Select(entryColumns...).
		From(b.Table(TableSecurityLogs)).
		Where(entsql.EQ("event_id", eventID)).
		Query()

	e, err := scanEntry(q.db.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// InsertEntry writes e with a new UUIDv7 id and fills CreatedAt from the store.
func (q *Queries) InsertEntry(ctx context.Context, e *domain.SecurityLogEntry) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate id: %w", err)
	}

	var severity *string
	if e.Severity != "" {
		s := string(e.Severity)
		severity = &s
	}

	query, args := builder().Insert(TableSecurityLogs).
		Columns(
			"id", "event_id", "sequence_number", "previous_hash", "current_hash",
			"hash_algorithm", "event_type", "user_id", "ip_address", "user_agent",
			"session_id", "metadata", "severity", "hashed_at",
		).
		Values(
			id, domain.StringPtr(e.EventID), e.SequenceNumber, e.PreviousHash, e.CurrentHash,
			e.HashAlgorithm, string(e.EventType), e.UserID, e.IPAddress, e.UserAgent,
			e.SessionID, rawJSON(e.Metadata), severity, e.HashedAt,
		).
		Returning("created_at").
		Query()

	var createdAt time.Time
	if err := q.db.QueryRow(ctx, query, args...).Scan(&createdAt); err != nil {
		return fmt.Errorf("insert security log: %w", err)
	}
	e.ID = id.String()
	e.CreatedAt = createdAt
	return nil
}

// ListFromSequence returns up to limit entries with sequence_number > after, ascending.
func (q *Queries) ListFromSequence(ctx context.Context, after int64, limit int) ([]domain.SecurityLogEntry, error) {
	b := builder()
	query, args := b.Select(entryColumns...).
		From(b.Table(TableSecurityLogs)).
		Where(entsql.GT("sequence_number", after)).
		OrderBy(entsql.Asc("sequence_number")).
		Limit(limit).
		Query()
	return q.listEntries(ctx, query, args)
}

// ListOlderThan pages through entries created before cutoff, ascending by
// sequence. Unlike FindIDsOlderThan it includes the tail, so an archive
// taken before a prune still covers a tail that stops being the tail
// before the delete runs.
func (q *Queries) ListOlderThan(ctx context.Context, cutoff time.Time, after int64, limit int) ([]domain.SecurityLogEntry, error) {
	b := builder()
	query, args := b.Select(entryColumns...).
		From(b.Table(TableSecurityLogs)).
		Where(entsql.And(
			entsql.LT("created_at", cutoff),
			entsql.GT("sequence_number", after),
		)).
		OrderBy(entsql.Asc("sequence_number")).
		Limit(limit).
		Query()
	return q.listEntries(ctx, query, args)
}

// FindIDsOlderThan returns up to limit ids of entries created before cutoff,
// oldest first. The current tail is never returned.
func (q *Queries) FindIDsOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	b := builder()
	query, args := b.Select("id").
		From(b.Table(TableSecurityLogs)).
		Where(entsql.And(
			entsql.LT("created_at", cutoff),
			notTail(),
		)).
		OrderBy(entsql.Asc("sequence_number")).
		Limit(limit).
		Query()

	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find expired ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan expired ids: %w", err)
	}
	return ids, nil
}

// DeleteByIDs deletes exactly the given rows and returns how many went.
func (q *Queries) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	parsed := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		u, err := uuid.Parse(id)
		if err != nil {
			return 0, fmt.Errorf("parse id %q: %w", id, err)
		}
		parsed = append(parsed, u)
	}

	query, args := builder().Delete(TableSecurityLogs).
		Where(entsql.P(func(b *entsql.Builder) {
			b.Ident("id").WriteString(" = ANY(").Arg(parsed).WriteString(")")
		})).
		Query()

	tag, err := q.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete security logs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Count returns the number of surviving entries.
func (q *Queries) Count(ctx context.Context) (int64, error) {
	b := builder()
	query, args := b.Select(entsql.Count("*")).From(b.Table(TableSecurityLogs)).Query()

	var n int64
	if err := q.db.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count security logs: %w", err)
	}
	return n, nil
}

// ChainStats summarizes the surviving chain.
type ChainStats struct {
	Count            int64
	EarliestSequence int64
	LatestSequence   int64
}

// Stats returns count and sequence bounds. Bounds are zero on an empty chain.
func (q *Queries) Stats(ctx context.Context) (ChainStats, error) {
	b := builder()
	query, args := b.Select(
		entsql.Count("*"),
		"COALESCE("+entsql.Min("sequence_number")+", 0)",
		"COALESCE("+entsql.Max("sequence_number")+", 0)",
	).From(b.Table(TableSecurityLogs)).Query()

	var s ChainStats
	if err := q.db.QueryRow(ctx, query, args...).Scan(&s.Count, &s.EarliestSequence, &s.LatestSequence); err != nil {
		return ChainStats{}, fmt.Errorf("chain stats: %w", err)
	}
	return s, nil
}

// CleanupRun is one row of security_log_cleanup_runs.
type CleanupRun struct {
	Trigger          string
	Cutoff           time.Time
	DeletedCount     int64
	Batches          int
	Duration         time.Duration
	RemainingCount   int64
	EarliestSequence int64
	RetentionDays    int
	BatchSize        int
	ArchiveLocation  string
}

// InsertCleanupRun records a finished retention run.
func (q *Queries) InsertCleanupRun(ctx context.Context, run CleanupRun) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate id: %w", err)
	}

	var earliest *int64
	if run.EarliestSequence > 0 {
		earliest = &run.EarliestSequence
	}

	query, args := builder().Insert(TableCleanupRuns).
		Columns(
			"id", "trigger", "cutoff", "deleted_count", "batches", "duration_ms",
			"remaining_count", "earliest_sequence", "retention_days", "batch_size", "archive_location",
		).
		Values(
			id, run.Trigger, run.Cutoff, run.DeletedCount, run.Batches, run.Duration.Milliseconds(),
			run.RemainingCount, earliest, run.RetentionDays, run.BatchSize, domain.StringPtr(run.ArchiveLocation),
		).
		Query()

	if _, err := q.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert cleanup run: %w", err)
	}
	return nil
}

// notTail excludes the current chain tail so retention never empties the chain.
func notTail() *entsql.Predicate {
	return entsql.ExprP(`"sequence_number" < (SELECT MAX("sequence_number") FROM "` + TableSecurityLogs + `")`)
}

func (q *Queries) listEntries(ctx context.Context, query string, args []any) ([]domain.SecurityLogEntry, error) {
	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list security logs: %w", err)
	}
	defer rows.Close()

	var out []domain.SecurityLogEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list security logs: %w", err)
	}
	return out, nil
}

func scanEntry(row pgx.Row) (*domain.SecurityLogEntry, error) {
	var (
		e         domain.SecurityLogEntry
		eventID   *string
		eventType string
		metadata  []byte
		severity  *string
	)
	err := row.Scan(
		&e.ID, &eventID, &e.SequenceNumber, &e.PreviousHash, &e.CurrentHash,
		&e.HashAlgorithm, &eventType, &e.UserID, &e.IPAddress, &e.UserAgent,
		&e.SessionID, &metadata, &severity, &e.HashedAt, &e.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan security log: %w", err)
	}
	if eventID != nil {
		e.EventID = *eventID
	}
	e.EventType = domain.EventType(eventType)
	if len(metadata) > 0 {
		e.Metadata = metadata
	}
	if severity != nil {
		e.Severity = domain.Severity(*severity)
	}
	e.HashedAt = e.HashedAt.UTC()
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

// rawJSON maps absent metadata to SQL NULL.
func rawJSON(m []byte) any {
	if len(m) == 0 {
		return nil
	}
	return string(m)
}
