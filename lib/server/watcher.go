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
package server

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// FolderEventType distinguishes external creations from removals.
type FolderEventType int

const (
	FileCreated FolderEventType = iota
	FileRemoved
)

// FolderEvent describes an out-of-band change in the shared folder.
type FolderEvent struct {
	Type FolderEventType
	Name string
	Path string
	Size uint64
}

// FolderWatcher monitors the shared folder for changes made outside the
// protocol (an operator copying or deleting files) and emits events that the
// dispatch loop folds into the catalog and ledger.
type FolderWatcher struct {
	dir     string
	logger  *zap.Logger
	watcher *fsnotify.Watcher

	events   chan FolderEvent
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewFolderWatcher creates a watcher for the shared folder.
func NewFolderWatcher(dir string, logger *zap.Logger) (*FolderWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %s", err)
	}

	return &FolderWatcher{
		dir:      dir,
		logger:   logger,
		watcher:  watcher,
		events:   make(chan FolderEvent, 100),
		stopChan: make(chan struct{}),
	}, nil
}

// Start starts watching the shared folder.
func (w *FolderWatcher) Start() error {
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %s", w.dir, err)
	}

	w.wg.Add(1)
	go w.watchLoop()

	w.logger.Info("Watching shared folder", zap.String("dir", w.dir))
	return nil
}

// Stop stops the watcher.
func (w *FolderWatcher) Stop() {
	close(w.stopChan)
	w.watcher.Close()
	w.wg.Wait()
}

// Events returns the channel of folder events.
func (w *FolderWatcher) Events() <-chan FolderEvent {
	return w.events
}

func (w *FolderWatcher) watchLoop() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Folder watcher error", zap.Error(err))
		case <-w.stopChan:
			return
		}
	}
}

func (w *FolderWatcher) handleEvent(event fsnotify.Event) {
	name := filepath.Base(event.Name)

	switch {
	case event.Op&fsnotify.Create != 0:
		fi, err := os.Stat(event.Name)
		if err != nil || !fi.Mode().IsRegular() {
			return
		}
		w.emit(FolderEvent{
			Type: FileCreated,
			Name: name,
			Path: event.Name,
			Size: uint64(fi.Size()),
		})
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.emit(FolderEvent{
			Type: FileRemoved,
			Name: name,
			Path: event.Name,
		})
	}
}

func (w *FolderWatcher) emit(ev FolderEvent) {
	select {
	case w.events <- ev:
	default:
		w.logger.Warn("Folder event channel full, dropping event",
			zap.String("name", ev.Name))
	}
}
