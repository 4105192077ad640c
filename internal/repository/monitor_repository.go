package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// MonitorRepository provides data access for the live exam roster.
// It combines PostgreSQL (session state) and Redis (live answer counts).
type MonitorRepository struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
}

// NewMonitorRepository creates a new MonitorRepository.
func NewMonitorRepository(pool *pgxpool.Pool, rdb *redis.Client) *MonitorRepository {
	return &MonitorRepository{pool: pool, rdb: rdb}
}

// ListOpenSessions returns the exam's active and paused sessions, oldest first.
func (r *MonitorRepository) ListOpenSessions(ctx context.Context, examID uuid.UUID) ([]model.RosterEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, status, started_at
		 FROM exam_sessions
		 WHERE exam_id = $1 AND status IN ('active', 'paused')
		 ORDER BY started_at NULLS LAST`,
		examID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.RosterEntry
	for rows.Next() {
		var e model.RosterEntry
		if err := rows.Scan(&e.SessionID, &e.UserID, &e.Status, &e.StartedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetAnsweredCounts returns how many answers each session holds in the live
// cache. Sessions without a cache entry are omitted.
func (r *MonitorRepository) GetAnsweredCounts(ctx context.Context, sessionIDs []uuid.UUID) (map[uuid.UUID]int64, error) {
	counts := make(map[uuid.UUID]int64, len(sessionIDs))
	if len(sessionIDs) == 0 {
		return counts, nil
	}

	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.IntCmd, len(sessionIDs))
	for i, id := range sessionIDs {
		cmds[i] = pipe.HLen(ctx, config.CacheKey.SessionAnswersKey(id.String()))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	for i, cmd := range cmds {
		if n := cmd.Val(); n > 0 {
			counts[sessionIDs[i]] = n
		}
	}
	return counts, nil
}

// GetSecurityEventCounts returns the number of persisted security events per
// user for the given exam.
func (r *MonitorRepository) GetSecurityEventCounts(ctx context.Context, examID uuid.UUID) (map[int]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT user_id, COUNT(*)
		 FROM security_events
		 WHERE exam_id = $1
		 GROUP BY user_id`,
		examID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[int]int64)
	for rows.Next() {
		var uid int
		var count int64
		if err := rows.Scan(&uid, &count); err != nil {
			return nil, err
		}
		counts[uid] = count
	}

	return counts, rows.Err()
}
