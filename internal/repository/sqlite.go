package repository

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/dpaulsen/sessionrunner/internal/ids"
	"github.com/dpaulsen/sessionrunner/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteRepository persists SessionGroups and CommandQueues to a SQLite
// database, one row per entity storing the full JSON-marshaled value
// alongside indexed status/timestamp columns. It satisfies both
// GroupRepository and QueueRepository.
type SQLiteRepository struct {
	db    *sql.DB
	clock ids.Clock
}

// OpenSQLiteRepository opens (creating if absent) a SQLite database at
// dsn and migrates it to the latest schema before returning.
func OpenSQLiteRepository(dsn string, clock ids.Clock) (*SQLiteRepository, error) {
	if clock == nil {
		clock = ids.SystemClock{}
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := migrateSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteRepository{db: db, clock: clock}, nil
}

func migrateSchema(db *sql.DB) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}
	dbDriver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("build migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("build migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepository) CreateGroup(ctx context.Context, group *model.SessionGroup) error {
	now := r.clock.Now()
	group.CreatedAt = now
	group.UpdatedAt = now
	payload, err := json.Marshal(group)
	if err != nil {
		return fmt.Errorf("marshal group: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO groups (id, status, created_at, updated_at, data) VALUES (?, ?, ?, ?, ?)`,
		group.ID, string(group.Status), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), payload)
	if err != nil {
		return fmt.Errorf("insert group %s: %w", group.ID, err)
	}
	return nil
}

func (r *SQLiteRepository) GetGroup(ctx context.Context, id string) (*model.SessionGroup, error) {
	var payload []byte
	err := r.db.QueryRowContext(ctx, `SELECT data FROM groups WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan group %s: %w", id, err)
	}
	var group model.SessionGroup
	if err := json.Unmarshal(payload, &group); err != nil {
		return nil, fmt.Errorf("unmarshal group %s: %w", id, err)
	}
	return &group, nil
}

func (r *SQLiteRepository) ListGroups(ctx context.Context, filter GroupFilter) ([]model.SessionGroup, error) {
	query := `SELECT data FROM groups`
	var args []any
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var out []model.SessionGroup
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan group row: %w", err)
		}
		var group model.SessionGroup
		if err := json.Unmarshal(payload, &group); err != nil {
			return nil, fmt.Errorf("unmarshal group row: %w", err)
		}
		out = append(out, group)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) saveGroup(ctx context.Context, group *model.SessionGroup) error {
	group.UpdatedAt = r.clock.Now()
	payload, err := json.Marshal(group)
	if err != nil {
		return fmt.Errorf("marshal group: %w", err)
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE groups SET status = ?, updated_at = ?, data = ? WHERE id = ?`,
		string(group.Status), group.UpdatedAt.Format(time.RFC3339Nano), payload, group.ID)
	if err != nil {
		return fmt.Errorf("update group %s: %w", group.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLiteRepository) UpdateGroup(ctx context.Context, id string, mutate func(*model.SessionGroup)) error {
	group, err := r.GetGroup(ctx, id)
	if err != nil {
		return err
	}
	mutate(group)
	return r.saveGroup(ctx, group)
}

func (r *SQLiteRepository) DeleteGroup(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM groups WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete group %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLiteRepository) UpdateSession(ctx context.Context, groupID, sessionID string, mutate func(*model.Session)) error {
	group, err := r.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	found := false
	for i := range group.Sessions {
		if group.Sessions[i].ID == sessionID {
			mutate(&group.Sessions[i])
			found = true
			break
		}
	}
	if !found {
		return ErrNotFound
	}
	return r.saveGroup(ctx, group)
}

func (r *SQLiteRepository) MarkStaleRunningAsPaused(ctx context.Context) error {
	running, err := r.ListGroups(ctx, GroupFilter{Status: model.GroupRunning})
	if err != nil {
		return err
	}
	for i := range running {
		g := running[i]
		g.Status = model.GroupPaused
		if err := r.saveGroup(ctx, &g); err != nil {
			return err
		}
	}

	stale, err := r.ListQueues(ctx, QueueFilter{Status: model.QueueRunning})
	if err != nil {
		return err
	}
	for i := range stale {
		q := stale[i]
		q.Status = model.QueuePaused
		if err := r.saveQueue(ctx, &q); err != nil {
			return err
		}
	}
	return nil
}

func (r *SQLiteRepository) CreateQueue(ctx context.Context, queue *model.CommandQueue) error {
	now := r.clock.Now()
	queue.CreatedAt = now
	queue.UpdatedAt = now
	payload, err := json.Marshal(queue)
	if err != nil {
		return fmt.Errorf("marshal queue: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO queues (id, status, created_at, updated_at, data) VALUES (?, ?, ?, ?, ?)`,
		queue.ID, string(queue.Status), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), payload)
	if err != nil {
		return fmt.Errorf("insert queue %s: %w", queue.ID, err)
	}
	return nil
}

func (r *SQLiteRepository) GetQueue(ctx context.Context, id string) (*model.CommandQueue, error) {
	var payload []byte
	err := r.db.QueryRowContext(ctx, `SELECT data FROM queues WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan queue %s: %w", id, err)
	}
	var queue model.CommandQueue
	if err := json.Unmarshal(payload, &queue); err != nil {
		return nil, fmt.Errorf("unmarshal queue %s: %w", id, err)
	}
	return &queue, nil
}

func (r *SQLiteRepository) ListQueues(ctx context.Context, filter QueueFilter) ([]model.CommandQueue, error) {
	query := `SELECT data FROM queues`
	var args []any
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	defer rows.Close()

	var out []model.CommandQueue
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan queue row: %w", err)
		}
		var queue model.CommandQueue
		if err := json.Unmarshal(payload, &queue); err != nil {
			return nil, fmt.Errorf("unmarshal queue row: %w", err)
		}
		out = append(out, queue)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) saveQueue(ctx context.Context, queue *model.CommandQueue) error {
	queue.UpdatedAt = r.clock.Now()
	payload, err := json.Marshal(queue)
	if err != nil {
		return fmt.Errorf("marshal queue: %w", err)
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE queues SET status = ?, updated_at = ?, data = ? WHERE id = ?`,
		string(queue.Status), queue.UpdatedAt.Format(time.RFC3339Nano), payload, queue.ID)
	if err != nil {
		return fmt.Errorf("update queue %s: %w", queue.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLiteRepository) UpdateQueue(ctx context.Context, id string, mutate func(*model.CommandQueue)) error {
	queue, err := r.GetQueue(ctx, id)
	if err != nil {
		return err
	}
	mutate(queue)
	return r.saveQueue(ctx, queue)
}

func (r *SQLiteRepository) DeleteQueue(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM queues WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete queue %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLiteRepository) UpdateCommand(ctx context.Context, queueID string, index int, mutate func(*model.QueueCommand)) error {
	queue, err := r.GetQueue(ctx, queueID)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(queue.Commands) {
		return fmt.Errorf("repository: command index %d out of range for queue %s", index, queueID)
	}
	mutate(&queue.Commands[index])
	return r.saveQueue(ctx, queue)
}
