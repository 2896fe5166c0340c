package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/datallboy/newsflow/internal/engine"
)

// taskDBO maps to the tasks table
type taskDBO struct {
	Key      string         `db:"task_key"`
	Desc     string         `db:"description"`
	Path     string         `db:"path"`
	Account  int            `db:"account"`
	State    string         `db:"state"`
	Flags    string         `db:"flags"`
	Articles int            `db:"articles"`
	Ready    int            `db:"ready"`
	Size     int64          `db:"size"`
	Received int64          `db:"received"`
	Download string         `db:"download"`
	Done     []byte         `db:"done"`
	Files    sql.NullString `db:"files"`
	Error    sql.NullString `db:"error"`
}

const taskColumns = `task_key, description, path, account, state, flags, articles, ready, size, received, download, done, files, error`

func (t *taskDBO) fields() []any {
	return []any{&t.Key, &t.Desc, &t.Path, &t.Account, &t.State, &t.Flags, &t.Articles, &t.Ready,
		&t.Size, &t.Received, &t.Download, &t.Done, &t.Files, &t.Error}
}

// Mapper: Snapshot to DBO
func (t *taskDBO) FromSnapshot(s engine.Snapshot) error {
	download, err := json.Marshal(s.Download)
	if err != nil {
		return fmt.Errorf("failed to encode download: %w", err)
	}
	flags, _ := s.Info.Flags.MarshalText()

	t.Key = s.Info.Key
	t.Desc = s.Info.Desc
	t.Path = s.Info.Path
	t.Account = s.Info.Account
	t.State = s.Info.State.String()
	t.Flags = string(flags)
	t.Articles = s.Info.Articles
	t.Ready = s.Info.Ready
	t.Size = s.Info.Size
	t.Received = int64(s.Info.Received)
	t.Download = string(download)
	t.Done = s.Done
	t.Files = sql.NullString{}
	if len(s.Info.Files) > 0 {
		files, err := json.Marshal(s.Info.Files)
		if err != nil {
			return fmt.Errorf("failed to encode files: %w", err)
		}
		t.Files = sql.NullString{String: string(files), Valid: true}
	}
	t.Error = sql.NullString{String: s.Info.Error, Valid: s.Info.Error != ""}
	return nil
}

// Mapper: DBO to Snapshot
func (t *taskDBO) ToSnapshot() (engine.Snapshot, error) {
	s := engine.Snapshot{
		Info: engine.TaskInfo{
			Key:      t.Key,
			Desc:     t.Desc,
			Path:     t.Path,
			Account:  t.Account,
			State:    engine.ParseState(t.State),
			Articles: t.Articles,
			Ready:    t.Ready,
			Size:     t.Size,
			Received: uint64(t.Received),
			Error:    t.Error.String,
		},
		Done: t.Done,
	}
	if err := s.Info.Flags.UnmarshalText([]byte(t.Flags)); err != nil {
		return s, err
	}
	if err := json.Unmarshal([]byte(t.Download), &s.Download); err != nil {
		return s, fmt.Errorf("failed to decode download of %s: %w", t.Key, err)
	}
	if t.Files.Valid {
		if err := json.Unmarshal([]byte(t.Files.String), &s.Info.Files); err != nil {
			return s, fmt.Errorf("failed to decode files of %s: %w", t.Key, err)
		}
	}
	return s, nil
}
