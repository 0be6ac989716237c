// Package store owns all durable crewd state: the task, sprint, and backlog
// collections plus the task archive. It is the single writer of persistent
// state; every other component observes and requests mutations through it.
// Mutations on one entity are serialized through a keyed mutex, persisted
// atomically, and announced on the event bus.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/crewd/crewd/internal/events"
	"github.com/crewd/crewd/internal/lock"
	"github.com/crewd/crewd/internal/model"
	"github.com/crewd/crewd/internal/yamlfile"
)

const (
	tasksFile   = "tasks.yaml"
	sprintsFile = "sprints.yaml"
	backlogFile = "backlog.yaml"
	archiveFile = "archive/tasks.yaml"

	schemaVersion = 1
)

// Store is the authoritative holder of tasks, sprints, and backlog items.
type Store struct {
	dir   string
	keyed *lock.KeyedMutex

	mu      sync.RWMutex
	tasks   model.TaskCollection
	sprints model.SprintCollection
	backlog model.BacklogCollection
	archive model.TaskCollection

	bus   *events.Bus
	audit *events.AuditLog

	now func() time.Time
}

// Open loads the collections from dir, quarantining any corrupt file and
// starting that collection fresh rather than refusing to start.
func Open(dir string, bus *events.Bus, audit *events.AuditLog) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, "archive"), 0755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	s := &Store{
		dir:   dir,
		keyed: lock.NewKeyedMutex(),
		bus:   bus,
		audit: audit,
		now:   time.Now,
	}

	if err := s.loadCollection(tasksFile, "tasks", &s.tasks); err != nil {
		return nil, err
	}
	if err := s.loadCollection(sprintsFile, "sprints", &s.sprints); err != nil {
		return nil, err
	}
	if err := s.loadCollection(backlogFile, "backlog", &s.backlog); err != nil {
		return nil, err
	}
	if err := s.loadCollection(archiveFile, "archive_tasks", &s.archive); err != nil {
		return nil, err
	}
	return s, nil
}

// loadCollection reads one YAML collection, initializing it when absent and
// quarantining it when unparsable.
func (s *Store) loadCollection(file, fileType string, out any) error {
	path := filepath.Join(s.dir, file)
	err := yamlfile.Read(path, out)
	if os.IsNotExist(err) {
		initCollection(out, fileType)
		return nil
	}
	if err != nil {
		if _, qerr := yamlfile.Quarantine(s.dir, path); qerr != nil {
			return fmt.Errorf("quarantine %s: %w", file, qerr)
		}
		s.auditAppend("system", "collection_quarantined", map[string]any{"file": file, "error": err.Error()})
		initCollection(out, fileType)
		return nil
	}
	return nil
}

func initCollection(out any, fileType string) {
	switch c := out.(type) {
	case *model.TaskCollection:
		*c = model.TaskCollection{SchemaVersion: schemaVersion, FileType: fileType, NextSeq: 1}
	case *model.SprintCollection:
		*c = model.SprintCollection{SchemaVersion: schemaVersion, FileType: fileType, NextSeq: 1}
	case *model.BacklogCollection:
		*c = model.BacklogCollection{SchemaVersion: schemaVersion, FileType: fileType, NextSeq: 1}
	}
}

func (s *Store) persistTasksLocked() error {
	return yamlfile.Write(filepath.Join(s.dir, tasksFile), s.tasks)
}

func (s *Store) persistSprintsLocked() error {
	return yamlfile.Write(filepath.Join(s.dir, sprintsFile), s.sprints)
}

func (s *Store) persistBacklogLocked() error {
	return yamlfile.Write(filepath.Join(s.dir, backlogFile), s.backlog)
}

func (s *Store) persistArchiveLocked() error {
	return yamlfile.Write(filepath.Join(s.dir, archiveFile), s.archive)
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

// auditAppend records a store-level action; audit is optional in tests.
func (s *Store) auditAppend(actor, action string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	_, _ = s.audit.Append(actor, action, detail)
}

func (s *Store) publish(t events.EventType, data map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(t, data)
}

func (s *Store) taskIndexLocked(id string) int {
	for i := range s.tasks.Tasks {
		if s.tasks.Tasks[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) sprintIndexLocked(id string) int {
	for i := range s.sprints.Sprints {
		if s.sprints.Sprints[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) backlogIndexLocked(id string) int {
	for i := range s.backlog.Items {
		if s.backlog.Items[i].ID == id {
			return i
		}
	}
	return -1
}
