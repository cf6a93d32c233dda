package modellog

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// advisoryLockKey serialises appends across server replicas.
const advisoryLockKey = int64(7_302_114_871)

// PostgresLog persists the chain to the model_log table created by
// migrations/002_model_log.up.sql, which also inserts the genesis row.
type PostgresLog struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresLog creates a PostgresLog backed by the given connection pool.
func NewPostgresLog(pool *pgxpool.Pool, logger *zap.Logger) *PostgresLog {
	return &PostgresLog{pool: pool, logger: logger}
}

const selectEntry = `SELECT idx, ts, model_id, action, actor, detail, prev_hash, hash FROM model_log`

// Append implements Log. The tail is read and the entry inserted under a
// transaction-scoped advisory lock.
func (l *PostgresLog) Append(ctx context.Context, modelID, action, actor, detail string) (*Entry, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	var (
		prevIdx  int
		prevHash string
	)
	if err := tx.QueryRow(ctx,
		"SELECT idx, hash FROM model_log ORDER BY idx DESC LIMIT 1",
	).Scan(&prevIdx, &prevHash); err != nil {
		return nil, fmt.Errorf("read model log tail: %w", err)
	}

	e := &Entry{
		Index:     prevIdx + 1,
		Timestamp: time.Now().UTC().Truncate(time.Microsecond),
		ModelID:   modelID,
		Action:    action,
		Actor:     actor,
		Detail:    detail,
		PrevHash:  prevHash,
	}
	e.Hash = hashEntry(e)

	if _, err := tx.Exec(ctx,
		`INSERT INTO model_log (idx, ts, model_id, action, actor, detail, prev_hash, hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.Index, e.Timestamp, e.ModelID, e.Action, e.Actor, e.Detail, e.PrevHash, e.Hash,
	); err != nil {
		return nil, fmt.Errorf("insert model log entry: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit model log tx: %w", err)
	}

	l.logger.Debug("model log entry appended",
		zap.Int("idx", e.Index),
		zap.String("action", e.Action),
		zap.String("model_id", e.ModelID),
	)
	return e, nil
}

// Recent implements Log.
func (l *PostgresLog) Recent(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	return l.query(ctx, selectEntry+" ORDER BY idx DESC LIMIT $1", limit)
}

// Verify implements Log. It reads the whole chain.
func (l *PostgresLog) Verify(ctx context.Context) error {
	entries, err := l.query(ctx, selectEntry+" ORDER BY idx ASC")
	if err != nil {
		return err
	}
	return verifyChain(entries)
}

// Root implements Log.
func (l *PostgresLog) Root(ctx context.Context) (string, error) {
	var hash string
	if err := l.pool.QueryRow(ctx,
		"SELECT hash FROM model_log ORDER BY idx DESC LIMIT 1",
	).Scan(&hash); err != nil {
		return "", fmt.Errorf("get model log root: %w", err)
	}
	return hash, nil
}

func (l *PostgresLog) query(ctx context.Context, sql string, args ...any) ([]*Entry, error) {
	rows, err := l.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query model log: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.Index, &e.Timestamp, &e.ModelID, &e.Action,
			&e.Actor, &e.Detail, &e.PrevHash, &e.Hash); err != nil {
			return nil, fmt.Errorf("scan model log row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
