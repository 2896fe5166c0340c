package store

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

type PersistentStore struct {
	db      *sql.DB
	blobDir string
}

// NewPersistentStore opens the sqlite database at dbPath and migrates it.
// Uploaded NZB files are kept under blobDir.
func NewPersistentStore(dbPath, blobDir string) (*PersistentStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	if err := os.MkdirAll(blobDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite: %w", err)
	}

	store := &PersistentStore{db: db, blobDir: blobDir}
	if err := store.RunMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not migrate database: %w", err)
	}
	return store, nil
}

func (s *PersistentStore) GetNZBReader(key string) (io.ReadCloser, error) {
	return os.Open(s.blobPath(key))
}

func (s *PersistentStore) CreateNZBWriter(key string) (io.WriteCloser, error) {
	return os.Create(s.blobPath(key))
}

func (s *PersistentStore) Exists(key string) bool {
	_, err := os.Stat(s.blobPath(key))
	return err == nil
}

func (s *PersistentStore) blobPath(key string) string {
	return filepath.Join(s.blobDir, filepath.Base(key)+".nzb")
}

func (s *PersistentStore) Close() error {
	return s.db.Close()
}
