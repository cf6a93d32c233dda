package detections

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jmerrifield20/ddosguard/internal/risk"
)

// PostgresStore persists detections to the detections table created by
// migrations/001_detections.up.sql. It implements the Store interface.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// Record implements Store.
func (s *PostgresStore) Record(ctx context.Context, d *Detection) error {
	prepare(d)
	features, err := json.Marshal(d.Features)
	if err != nil {
		return fmt.Errorf("marshal features: %w", err)
	}

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO detections (id, ts, ip, features, is_ddos, confidence, risk_level, blocked, model_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		d.ID, d.Timestamp, d.IP, features, d.IsDDoS,
		d.Confidence, d.RiskLevel.String(), d.Blocked, d.ModelID,
	); err != nil {
		return fmt.Errorf("insert detection: %w", err)
	}

	s.logger.Debug("detection recorded",
		zap.String("id", d.ID.String()),
		zap.String("ip", d.IP),
		zap.Bool("is_ddos", d.IsDDoS),
	)
	return nil
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context, f Filter) ([]*Detection, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if !f.Since.IsZero() {
		add("ts >= $%d", f.Since)
	}
	if f.DDoSOnly {
		add("is_ddos = $%d", true)
	}
	if f.IP != "" {
		add("ip = $%d", f.IP)
	}

	q := `SELECT id, ts, ip, features, is_ddos, confidence, risk_level, blocked, model_id FROM detections`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, f.limit(), max(f.Offset, 0))
	q += fmt.Sprintf(" ORDER BY ts DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query detections: %w", err)
	}
	defer rows.Close()

	var out []*Detection
	for rows.Next() {
		var (
			d        Detection
			features []byte
			tier     string
		)
		if err := rows.Scan(&d.ID, &d.Timestamp, &d.IP, &features, &d.IsDDoS,
			&d.Confidence, &tier, &d.Blocked, &d.ModelID); err != nil {
			return nil, fmt.Errorf("scan detection: %w", err)
		}
		if len(features) > 0 {
			if err := json.Unmarshal(features, &d.Features); err != nil {
				return nil, fmt.Errorf("decode features of %s: %w", d.ID, err)
			}
		}
		if d.RiskLevel, err = risk.ParseTier(tier); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// Stats implements Store.
func (s *PostgresStore) Stats(ctx context.Context, since time.Time) (*Stats, error) {
	st := newStats(since)

	rows, err := s.pool.Query(ctx,
		`SELECT risk_level, COUNT(*), COUNT(*) FILTER (WHERE is_ddos), COUNT(*) FILTER (WHERE blocked)
		 FROM detections WHERE ts >= $1 GROUP BY risk_level`, since)
	if err != nil {
		return nil, fmt.Errorf("query detection stats: %w", err)
	}
	for rows.Next() {
		var (
			tier                string
			total, ddos, blocks int
		)
		if err := rows.Scan(&tier, &total, &ddos, &blocks); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan detection stats: %w", err)
		}
		st.ByTier[tier] += total
		st.Total += total
		st.DDoS += ddos
		st.Blocked += blocks
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	top, err := s.pool.Query(ctx,
		`SELECT ip, COUNT(*) AS n FROM detections
		 WHERE ts >= $1 AND is_ddos GROUP BY ip ORDER BY n DESC, ip ASC LIMIT $2`,
		since, TopIPLimit)
	if err != nil {
		return nil, fmt.Errorf("query top sources: %w", err)
	}
	defer top.Close()
	for top.Next() {
		var c IPCount
		if err := top.Scan(&c.IP, &c.Count); err != nil {
			return nil, fmt.Errorf("scan top sources: %w", err)
		}
		st.TopIPs = append(st.TopIPs, c)
	}
	return st, top.Err()
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
