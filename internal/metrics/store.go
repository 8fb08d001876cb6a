package metrics

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Thinh-nguyen-03/gatekeep/internal/database"
	"github.com/Thinh-nguyen-03/gatekeep/internal/dispatch"
)

// timeLayout is fixed width so stored timestamps order lexically.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// Store persists snapshots to SQLite.
type Store struct {
	db *database.DB
}

func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// StoredSnapshot is a snapshot read back from the store.
type StoredSnapshot struct {
	ID int64
	dispatch.Snapshot
}

func (s *Store) Name() string { return "sqlite" }

func (s *Store) Report(ctx context.Context, snap dispatch.Snapshot) error {
	_, err := s.Save(ctx, snap)
	return err
}

// Save writes snap with its status and route counts in one transaction.
func (s *Store) Save(ctx context.Context, snap dispatch.Snapshot) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO metric_snapshots (taken_at, uptime_ms, requests, abandoned, allowed, degraded, rejected)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, snap.TakenAt.UTC().Format(timeLayout), snap.Uptime.Milliseconds(),
		snap.Requests, snap.Abandoned, snap.Allowed, snap.Degraded, snap.Rejected)
	if err != nil {
		return 0, fmt.Errorf("inserting snapshot: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("getting snapshot id: %w", err)
	}

	if len(snap.ByStatus) > 0 {
		var placeholders []string
		var args []any
		for code, n := range snap.ByStatus {
			placeholders = append(placeholders, "(?, ?, ?)")
			args = append(args, id, code, n)
		}
		query := fmt.Sprintf(`
			INSERT INTO snapshot_status_counts (snapshot_id, status, count)
			VALUES %s
		`, strings.Join(placeholders, ", "))
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return 0, fmt.Errorf("inserting status counts: %w", err)
		}
	}

	const batchSize = 200
	for i := 0; i < len(snap.Routes); i += batchSize {
		end := i + batchSize
		if end > len(snap.Routes) {
			end = len(snap.Routes)
		}

		var placeholders []string
		var args []any
		for _, rs := range snap.Routes[i:end] {
			placeholders = append(placeholders, "(?, ?, ?, ?, ?)")
			args = append(args, id, rs.Route, rs.Requests, rs.Degraded, rs.Rejected)
		}
		query := fmt.Sprintf(`
			INSERT INTO snapshot_route_counts (snapshot_id, route, requests, degraded, rejected)
			VALUES %s
		`, strings.Join(placeholders, ", "))
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return 0, fmt.Errorf("inserting route counts batch: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing transaction: %w", err)
	}
	return id, nil
}

// Latest returns up to limit snapshots, newest first.
func (s *Store) Latest(ctx context.Context, limit int) ([]StoredSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, taken_at, uptime_ms, requests, abandoned, allowed, degraded, rejected
		FROM metric_snapshots
		ORDER BY taken_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying snapshots: %w", err)
	}
	defer rows.Close()

	var out []StoredSnapshot
	for rows.Next() {
		var (
			ss       StoredSnapshot
			takenAt  string
			uptimeMS int64
		)
		if err := rows.Scan(&ss.ID, &takenAt, &uptimeMS, &ss.Requests, &ss.Abandoned,
			&ss.Allowed, &ss.Degraded, &ss.Rejected); err != nil {
			return nil, fmt.Errorf("scanning snapshot: %w", err)
		}
		ss.TakenAt, err = time.Parse(timeLayout, takenAt)
		if err != nil {
			return nil, fmt.Errorf("parsing taken_at %q: %w", takenAt, err)
		}
		ss.Uptime = time.Duration(uptimeMS) * time.Millisecond
		out = append(out, ss)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	for i := range out {
		if err := s.loadChildren(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Store) loadChildren(ctx context.Context, ss *StoredSnapshot) error {
	statusRows, err := s.db.QueryContext(ctx,
		`SELECT status, count FROM snapshot_status_counts WHERE snapshot_id = ?`, ss.ID)
	if err != nil {
		return fmt.Errorf("querying status counts: %w", err)
	}
	defer statusRows.Close()

	ss.ByStatus = make(map[int]int64)
	for statusRows.Next() {
		var code int
		var n int64
		if err := statusRows.Scan(&code, &n); err != nil {
			return fmt.Errorf("scanning status count: %w", err)
		}
		ss.ByStatus[code] = n
	}
	if err := statusRows.Err(); err != nil {
		return err
	}
	statusRows.Close()

	routeRows, err := s.db.QueryContext(ctx,
		`SELECT route, requests, degraded, rejected FROM snapshot_route_counts WHERE snapshot_id = ?`, ss.ID)
	if err != nil {
		return fmt.Errorf("querying route counts: %w", err)
	}
	defer routeRows.Close()

	for routeRows.Next() {
		var rs dispatch.RouteStats
		if err := routeRows.Scan(&rs.Route, &rs.Requests, &rs.Degraded, &rs.Rejected); err != nil {
			return fmt.Errorf("scanning route count: %w", err)
		}
		ss.Routes = append(ss.Routes, rs)
	}
	sort.Slice(ss.Routes, func(i, j int) bool { return ss.Routes[i].Route < ss.Routes[j].Route })
	return routeRows.Err()
}

// Prune deletes snapshots taken before the cutoff and returns how many went.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM metric_snapshots WHERE taken_at < ?`, before.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("pruning snapshots: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting pruned snapshots: %w", err)
	}
	return n, nil
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	if err := s.db.Checkpoint(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}
