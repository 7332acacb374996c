// Package watcher provides file system watching for the shedsync daemon.
//
// Practice records live as JSON files under per-kind subdirectories of the
// data directory (sessions/, practice-logs/, goals/, logbook/). The watcher
// turns fsnotify events on those files into typed change notifications the
// daemon feeds into the sync manager.
package watcher

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/woodshed-app/shedsync/internal/entity"
)

// EventOp represents the type of file system operation.
type EventOp int

const (
	// OpCreate indicates a new record file was created.
	OpCreate EventOp = iota
	// OpModify indicates an existing record file was modified.
	OpModify
	// OpDelete indicates a record file was deleted.
	OpDelete
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// KindDir returns the data subdirectory holding records of the given kind.
func KindDir(k entity.Kind) string {
	switch k {
	case entity.KindSession:
		return "sessions"
	case entity.KindPracticeLog:
		return "practice-logs"
	case entity.KindGoal:
		return "goals"
	case entity.KindLogbook:
		return "logbook"
	default:
		return string(k)
	}
}

// FileEvent represents a file system event for one record file.
type FileEvent struct {
	// Path is the path to the file that changed.
	Path string
	// Kind is the record kind derived from the parent directory.
	Kind entity.Kind
	// Op is the operation that occurred (create, modify, delete).
	Op EventOp
}

// LocalID derives the record's local id from the file name.
func (ev FileEvent) LocalID() string {
	return strings.TrimSuffix(filepath.Base(ev.Path), ".json")
}

// FileWatcher watches the per-kind record directories for changes.
// It uses fsnotify for cross-platform file system event monitoring.
type FileWatcher struct {
	watcher *fsnotify.Watcher
	events  chan FileEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	dirs    map[string]entity.Kind // absolute dir -> kind
}

// NewFileWatcher creates a new FileWatcher instance.
// The watcher must be started with Start() before it will emit events.
func NewFileWatcher() (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &FileWatcher{
		watcher: watcher,
		events:  make(chan FileEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
		dirs:    make(map[string]entity.Kind),
	}, nil
}

// Start begins watching the kind subdirectories of dataDir for *.json
// events. Missing subdirectories are skipped; at least one must exist.
func (fw *FileWatcher) Start(dataDir string) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.running {
		return fmt.Errorf("watcher already running")
	}

	kinds := []entity.Kind{entity.KindSession, entity.KindPracticeLog, entity.KindGoal, entity.KindLogbook}
	watched := 0
	for _, k := range kinds {
		dir := filepath.Join(dataDir, KindDir(k))
		if err := fw.watcher.Add(dir); err != nil {
			continue
		}
		abs, err := filepath.Abs(dir)
		if err != nil {
			abs = dir
		}
		fw.dirs[abs] = k
		watched++
	}
	if watched == 0 {
		return fmt.Errorf("no record directories to watch under %s", dataDir)
	}

	fw.running = true
	fw.wg.Add(1)
	go fw.processEvents()

	return nil
}

// Stop stops watching for file system events and cleans up resources.
// It blocks until the event processing goroutine has exited.
func (fw *FileWatcher) Stop() error {
	fw.mu.Lock()
	if !fw.running {
		fw.mu.Unlock()
		return nil
	}
	fw.running = false
	fw.mu.Unlock()

	close(fw.done)

	// Closing the underlying watcher unblocks the event loop.
	if err := fw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	fw.wg.Wait()

	close(fw.events)
	close(fw.errors)

	return nil
}

// Events returns the channel that emits FileEvent notifications.
// This channel is closed when the watcher is stopped.
func (fw *FileWatcher) Events() <-chan FileEvent {
	return fw.events
}

// Errors returns the channel that emits error notifications.
// This channel is closed when the watcher is stopped.
func (fw *FileWatcher) Errors() <-chan error {
	return fw.errors
}

// IsRunning returns true if the watcher is currently running.
func (fw *FileWatcher) IsRunning() bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.running
}

// processEvents is the main event loop that converts fsnotify events into
// FileEvent notifications.
func (fw *FileWatcher) processEvents() {
	defer fw.wg.Done()

	for {
		select {
		case <-fw.done:
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}

			if fileEvent, ok := fw.convertEvent(event); ok {
				select {
				case fw.events <- fileEvent:
				case <-fw.done:
					return
				}
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}

			select {
			case fw.errors <- err:
			case <-fw.done:
				return
			}
		}
	}
}

// convertEvent converts an fsnotify event to a FileEvent.
// Returns (FileEvent, true) if the event should be processed,
// or (FileEvent{}, false) if the event should be ignored.
func (fw *FileWatcher) convertEvent(event fsnotify.Event) (FileEvent, bool) {
	if !strings.HasSuffix(event.Name, ".json") {
		return FileEvent{}, false
	}

	kind, ok := fw.kindFor(event.Name)
	if !ok {
		return FileEvent{}, false
	}

	var op EventOp
	switch {
	case event.Has(fsnotify.Create):
		op = OpCreate
	case event.Has(fsnotify.Write):
		op = OpModify
	case event.Has(fsnotify.Remove):
		op = OpDelete
	case event.Has(fsnotify.Rename):
		// Treat rename as delete (the new name will trigger a create)
		op = OpDelete
	default:
		// Ignore chmod and other events
		return FileEvent{}, false
	}

	return FileEvent{
		Path: event.Name,
		Kind: kind,
		Op:   op,
	}, true
}

// kindFor maps the file's parent directory to a record kind.
func (fw *FileWatcher) kindFor(path string) (entity.Kind, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()
	k, ok := fw.dirs[filepath.Dir(abs)]
	return k, ok
}
