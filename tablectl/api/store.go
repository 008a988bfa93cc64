package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/exp/maps"

	"github.com/betachi/dailyupdate/tablesync"
)

const storeVersion = "1"

const idField = "id"

var ErrNotFound = errors.New("Not found")

// a row is kept as decoded json so fields the backend does not know survive
type Row = map[string]any

type storeData struct {
	Tables   map[string][]Row `json:"tables"`
	Metadata metadata         `json:"metadata"`
}

type metadata struct {
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newStoreData() *storeData {
	now := time.Now().UTC()
	return &storeData{
		Tables: map[string][]Row{},
		Metadata: metadata{
			Version:   storeVersion,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
}

// TableStore is the backend's durable copy of every table, one json file.
// The file is guarded by a lock file so several backends can share it.
// Rows keep insertion order, which is the order queries return.
type TableStore struct {
	filePath string
	fileLock *flock.Flock

	mu sync.RWMutex
	// set for memory only stores
	memory *storeData
}

func NewTableStore(filePath string) *TableStore {
	lockPath := filePath + ".lock"
	return &TableStore{
		filePath: filePath,
		fileLock: flock.New(lockPath),
	}
}

func NewMemoryTableStore() *TableStore {
	return &TableStore{
		memory: newStoreData(),
	}
}

func (s *TableStore) read(fn func(data *storeData) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.memory != nil {
		return fn(s.memory)
	}

	unlock, err := s.lockFile()
	if err != nil {
		return err
	}
	defer unlock()

	data, err := s.load()
	if err != nil {
		return err
	}
	return fn(data)
}

func (s *TableStore) write(fn func(data *storeData) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.memory != nil {
		if err := fn(s.memory); err != nil {
			return err
		}
		s.memory.Metadata.UpdatedAt = time.Now().UTC()
		return nil
	}

	unlock, err := s.lockFile()
	if err != nil {
		return err
	}
	defer unlock()

	data, err := s.load()
	if err != nil {
		return err
	}
	if err := fn(data); err != nil {
		return err
	}
	data.Metadata.UpdatedAt = time.Now().UTC()
	return s.save(data)
}

func (s *TableStore) lockFile() (func(), error) {
	// the lock file lives next to the data, so the directory must exist first
	if dir := filepath.Dir(s.filePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	locked, err := s.fileLock.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("could not acquire file lock")
	}
	return func() { _ = s.fileLock.Unlock() }, nil
}

// must hold the file lock
func (s *TableStore) load() (*storeData, error) {
	b, err := os.ReadFile(s.filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return newStoreData(), nil
		}
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	if len(b) == 0 {
		return newStoreData(), nil
	}
	data := &storeData{}
	if err := json.Unmarshal(b, data); err != nil {
		return nil, fmt.Errorf("failed to parse store: %w", err)
	}
	if data.Tables == nil {
		data.Tables = map[string][]Row{}
	}
	return data, nil
}

// must hold the file lock
func (s *TableStore) save(data *storeData) error {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode store: %w", err)
	}
	tmpPath := s.filePath + ".tmp"
	if err := os.WriteFile(tmpPath, b, 0o644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("failed to replace store: %w", err)
	}
	return nil
}

func rowId(row Row) string {
	id, _ := row[idField].(string)
	return id
}

func rowDate(row Row, field string) (time.Time, bool) {
	dateStr, ok := row[field].(string)
	if !ok {
		return time.Time{}, false
	}
	date, err := time.Parse(time.RFC3339Nano, dateStr)
	if err != nil {
		return time.Time{}, false
	}
	return date, true
}

// Insert assigns a new id, ignoring any id the client sent
func (s *TableStore) Insert(table string, row Row) (Row, error) {
	inserted := maps.Clone(row)
	inserted[idField] = tablesync.NewId().String()
	err := s.write(func(data *storeData) error {
		data.Tables[table] = append(data.Tables[table], inserted)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return maps.Clone(inserted), nil
}

// Update merges the given fields into the row. The id cannot change.
func (s *TableStore) Update(table string, id string, patch Row) (Row, error) {
	var updated Row
	err := s.write(func(data *storeData) error {
		for i, row := range data.Tables[table] {
			if rowId(row) != id {
				continue
			}
			next := maps.Clone(row)
			for key, value := range patch {
				if key == idField {
					continue
				}
				next[key] = value
			}
			data.Tables[table][i] = next
			updated = maps.Clone(next)
			return nil
		}
		return ErrNotFound
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *TableStore) Delete(table string, id string) error {
	return s.write(func(data *storeData) error {
		rows := data.Tables[table]
		for i, row := range rows {
			if rowId(row) == id {
				data.Tables[table] = append(rows[:i:i], rows[i+1:]...)
				return nil
			}
		}
		return ErrNotFound
	})
}

// Query returns the rows of a table that match the predicate, all rows for a nil predicate.
// Rows without a parseable date never match a predicate.
func (s *TableStore) Query(table string, predicate *tablesync.Predicate) ([]Row, error) {
	rows := []Row{}
	err := s.read(func(data *storeData) error {
		for _, row := range data.Tables[table] {
			if predicate != nil {
				date, ok := rowDate(row, predicate.Field)
				if !ok || !predicate.Match(date) {
					continue
				}
			}
			rows = append(rows, maps.Clone(row))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}
