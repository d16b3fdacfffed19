// Copyright (c) 2024 Netstore Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"
)

// Journal persists transfer history and file states for operator inspection.
// It is advisory only: admission decisions never consult it, and a disabled
// journal (empty path) turns every method into a no-op.
type Journal struct {
	db     *badger.DB
	logger *zap.Logger
}

// JournalConfig defines journal configuration.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// Transfer event types recorded in the journal.
const (
	EventUploadAdmitted  = "upload_admitted"
	EventUploadCompleted = "upload_completed"
	EventUploadFailed    = "upload_failed"
	EventFetchCompleted  = "fetch_completed"
	EventFetchFailed     = "fetch_failed"
	EventFileRemoved     = "file_removed"
)

// TransferEvent is one journal record.
type TransferEvent struct {
	Type      string    `json:"type"`
	Name      string    `json:"name"`
	Size      uint64    `json:"size"`
	Client    string    `json:"client,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// FileState is the persisted view of one catalog entry.
type FileState struct {
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	Size     uint64    `json:"size"`
	Modified time.Time `json:"modified"`
}

// NewJournal opens the journal database. An empty path disables the journal
// and returns nil, which all methods accept.
func NewJournal(config JournalConfig, logger *zap.Logger) (*Journal, error) {
	if config.Path == "" {
		return nil, nil
	}

	if err := os.MkdirAll(config.Path, 0755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	opts := badger.DefaultOptions(config.Path)
	opts.Logger = &badgerLogger{logger: logger}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	return &Journal{
		db:     db,
		logger: logger,
	}, nil
}

// Close closes the journal.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	return j.db.Close()
}

// RecordEvent appends a transfer event.
func (j *Journal) RecordEvent(ev TransferEvent) error {
	if j == nil {
		return nil
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	key := fmt.Sprintf("event:%d:%s", ev.Timestamp.UnixNano(), ev.Name)
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal transfer event: %w", err)
	}

	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

// SaveFileState upserts the persisted state of a file.
func (j *Journal) SaveFileState(state FileState) error {
	if j == nil {
		return nil
	}
	key := fmt.Sprintf("file:%s", state.Name)
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal file state: %w", err)
	}

	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

// DeleteFileState removes the persisted state of a file.
func (j *Journal) DeleteFileState(name string) error {
	if j == nil {
		return nil
	}
	key := fmt.Sprintf("file:%s", name)
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// ListFileStates returns all persisted file states.
func (j *Journal) ListFileStates() ([]FileState, error) {
	if j == nil {
		return nil, nil
	}
	var states []FileState

	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 10
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte("file:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var state FileState
				if err := json.Unmarshal(val, &state); err != nil {
					return err
				}
				states = append(states, state)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})

	return states, err
}

// ListEvents returns all transfer events in key (timestamp) order.
func (j *Journal) ListEvents() ([]TransferEvent, error) {
	if j == nil {
		return nil, nil
	}
	var events []TransferEvent

	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 10
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte("event:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var ev TransferEvent
				if err := json.Unmarshal(val, &ev); err != nil {
					return err
				}
				events = append(events, ev)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})

	return events, err
}

// RunGC runs value-log garbage collection.
func (j *Journal) RunGC() error {
	if j == nil {
		return nil
	}
	return j.db.RunValueLogGC(0.5)
}

// badgerLogger implements badger.Logger interface.
type badgerLogger struct {
	logger *zap.Logger
}

func (bl *badgerLogger) Errorf(format string, args ...interface{}) {
	bl.logger.Error(fmt.Sprintf(format, args...))
}

func (bl *badgerLogger) Warningf(format string, args ...interface{}) {
	bl.logger.Warn(fmt.Sprintf(format, args...))
}

func (bl *badgerLogger) Infof(format string, args ...interface{}) {
	bl.logger.Debug(fmt.Sprintf(format, args...))
}

func (bl *badgerLogger) Debugf(format string, args ...interface{}) {
	bl.logger.Debug(fmt.Sprintf(format, args...))
}
