package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/datallboy/newsflow/internal/engine"
)

var ErrNotFound = errors.New("store: task not found")

// SaveTask inserts or replaces the snapshot under its task key.
func (s *PersistentStore) SaveTask(snap engine.Snapshot) error {
	var dbo taskDBO
	if err := dbo.FromSnapshot(snap); err != nil {
		return err
	}
	query := `INSERT INTO tasks (` + taskColumns + `)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
              ON CONFLICT(task_key) DO UPDATE SET
                description = excluded.description, path = excluded.path, account = excluded.account,
                state = excluded.state, flags = excluded.flags, articles = excluded.articles,
                ready = excluded.ready, size = excluded.size, received = excluded.received,
                download = excluded.download, done = excluded.done, files = excluded.files,
                error = excluded.error, updated_at = CURRENT_TIMESTAMP`
	_, err := s.db.Exec(query,
		dbo.Key, dbo.Desc, dbo.Path, dbo.Account, dbo.State, dbo.Flags, dbo.Articles, dbo.Ready,
		dbo.Size, dbo.Received, dbo.Download, dbo.Done, dbo.Files, dbo.Error)
	if err != nil {
		return fmt.Errorf("failed to save task %s: %w", snap.Info.Key, err)
	}
	return nil
}

// GetTask returns the snapshot stored under key.
func (s *PersistentStore) GetTask(key string) (engine.Snapshot, error) {
	var dbo taskDBO
	err := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE task_key = ? LIMIT 1`, key).Scan(dbo.fields()...)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return engine.Snapshot{}, fmt.Errorf("failed to fetch task: %w", err)
	}
	return dbo.ToSnapshot()
}

// GetTasks returns every stored task in key order, which is the order they
// were created in.
func (s *PersistentStore) GetTasks() ([]engine.Snapshot, error) {
	return s.query(`SELECT ` + taskColumns + ` FROM tasks ORDER BY task_key ASC`)
}

// GetActiveTasks returns the tasks that did not complete or fail.
func (s *PersistentStore) GetActiveTasks() ([]engine.Snapshot, error) {
	return s.query(`SELECT ` + taskColumns + ` FROM tasks WHERE state NOT IN ('complete', 'error') ORDER BY task_key ASC`)
}

func (s *PersistentStore) DeleteTask(key string) error {
	_, err := s.db.Exec(`DELETE FROM tasks WHERE task_key = ?`, key)
	return err
}

func (s *PersistentStore) query(q string, args ...any) ([]engine.Snapshot, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tasks: %w", err)
	}
	defer rows.Close()

	var snaps []engine.Snapshot
	for rows.Next() {
		var dbo taskDBO
		if err := rows.Scan(dbo.fields()...); err != nil {
			return nil, err
		}
		snap, err := dbo.ToSnapshot()
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}
