package store

import (
	"sort"

	"github.com/crewd/crewd/internal/events"
	"github.com/crewd/crewd/internal/model"
)

// TaskDraft carries the caller-supplied fields for a new task.
type TaskDraft struct {
	Title        string
	Description  string
	AuthorRole   string
	ExecutorRole string
	SprintID     *string
	DependsOn    []string
	AutoClose    bool
	BacklogID    *string
}

// Filter narrows ListTasks results. Zero values match everything.
type Filter struct {
	Status          model.Status
	SprintID        string
	ExecutorRole    string
	IncludeArchived bool
}

// CreateTask validates the draft, issues the next task ID, registers sprint
// membership, and persists. Dependencies must name existing tasks; a task can
// never depend on itself. Cycles cannot form at creation because the new task
// has no dependents yet, but AddDependency guards the edge case after that.
func (s *Store) CreateTask(draft TaskDraft) (*model.Task, error) {
	if draft.Title == "" {
		return nil, &model.ValidationError{Msg: "task title is required"}
	}
	if draft.ExecutorRole == "" {
		return nil, &model.ValidationError{Msg: "task executor role is required"}
	}

	s.mu.Lock()
	task, err := s.createTaskLocked(draft)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s.auditAppend(draft.AuthorRole, "task_created", map[string]any{
		"task_id":       task.ID,
		"executor_role": task.ExecutorRole,
		"sprint_id":     derefOr(task.SprintID, ""),
		"depends_on":    task.DependsOn,
	})
	return task, nil
}

func (s *Store) createTaskLocked(draft TaskDraft) (*model.Task, error) {
	for _, dep := range draft.DependsOn {
		if s.taskIndexLocked(dep) < 0 && s.archiveIndexLocked(dep) < 0 {
			return nil, &model.NotFoundError{Kind: "task", ID: dep}
		}
	}

	var sprintIdx = -1
	if draft.SprintID != nil {
		sprintIdx = s.sprintIndexLocked(*draft.SprintID)
		if sprintIdx < 0 {
			return nil, &model.NotFoundError{Kind: "sprint", ID: *draft.SprintID}
		}
	}

	now := s.timestamp()
	task := model.Task{
		ID:             model.FormatID(model.IDKindTask, s.tasks.NextSeq),
		Title:          draft.Title,
		Description:    draft.Description,
		Status:         model.StatusPending,
		AuthorRole:     draft.AuthorRole,
		ExecutorRole:   draft.ExecutorRole,
		SprintID:       draft.SprintID,
		DependsOn:      append([]string(nil), draft.DependsOn...),
		AutoClose:      draft.AutoClose,
		BacklogID:      draft.BacklogID,
		CreatedAt:      now,
		TransitionedAt: now,
	}

	s.tasks.NextSeq++
	s.tasks.Tasks = append(s.tasks.Tasks, task)
	if err := s.persistTasksLocked(); err != nil {
		s.tasks.Tasks = s.tasks.Tasks[:len(s.tasks.Tasks)-1]
		s.tasks.NextSeq--
		return nil, err
	}

	if sprintIdx >= 0 {
		s.sprints.Sprints[sprintIdx].TaskIDs = append(s.sprints.Sprints[sprintIdx].TaskIDs, task.ID)
		if err := s.persistSprintsLocked(); err != nil {
			ids := s.sprints.Sprints[sprintIdx].TaskIDs
			s.sprints.Sprints[sprintIdx].TaskIDs = ids[:len(ids)-1]
			return nil, err
		}
	}

	return task.Clone(), nil
}

// AddDependency records that taskID depends on depID. Adding an edge that
// would close a cycle fails with CycleError and leaves the graph unchanged.
// Only pending tasks can gain dependencies.
func (s *Store) AddDependency(taskID, depID string) (*model.Task, error) {
	var out *model.Task
	err := s.keyed.Do("task:"+taskID, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		i := s.taskIndexLocked(taskID)
		if i < 0 {
			return &model.NotFoundError{Kind: "task", ID: taskID}
		}
		// Archived tasks are valid dependencies, same as at creation: they
		// are terminal and satisfy the done-gate immediately.
		if s.taskIndexLocked(depID) < 0 && s.archiveIndexLocked(depID) < 0 {
			return &model.NotFoundError{Kind: "task", ID: depID}
		}
		t := &s.tasks.Tasks[i]
		if t.Status != model.StatusPending {
			return &model.ConflictError{Kind: "task", ID: taskID, Expected: string(model.StatusPending), Actual: string(t.Status)}
		}
		for _, d := range t.DependsOn {
			if d == depID {
				out = t.Clone()
				return nil // already present, idempotent
			}
		}
		if path := s.findCycleLocked(taskID, depID); path != nil {
			return &model.CycleError{ID: taskID, Path: path}
		}

		t.DependsOn = append(t.DependsOn, depID)
		if err := s.persistTasksLocked(); err != nil {
			t.DependsOn = t.DependsOn[:len(t.DependsOn)-1]
			return err
		}
		out = t.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.auditAppend("system", "dependency_added", map[string]any{"task_id": taskID, "depends_on": depID})
	return out, nil
}

// findCycleLocked walks the dependency graph from depID; reaching taskID
// means the new edge taskID→depID would close a cycle. Returns the cycle
// path taskID→depID→…→taskID, or nil.
func (s *Store) findCycleLocked(taskID, depID string) []string {
	type frame struct {
		id   string
		path []string
	}
	stack := []frame{{id: depID, path: []string{taskID, depID}}}
	visited := map[string]bool{}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if f.id == taskID {
			return f.path
		}
		if visited[f.id] {
			continue
		}
		visited[f.id] = true

		if i := s.taskIndexLocked(f.id); i >= 0 {
			for _, next := range s.tasks.Tasks[i].DependsOn {
				stack = append(stack, frame{id: next, path: append(append([]string(nil), f.path...), next)})
			}
		}
	}
	return nil
}

// GetTask returns a copy of the task, consulting the archive as fallback so
// archived tasks stay queryable.
func (s *Store) GetTask(id string) (*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i := s.taskIndexLocked(id); i >= 0 {
		return s.tasks.Tasks[i].Clone(), nil
	}
	if i := s.archiveIndexLocked(id); i >= 0 {
		return s.archive.Tasks[i].Clone(), nil
	}
	return nil, &model.NotFoundError{Kind: "task", ID: id}
}

// ListTasks returns a consistent snapshot matching the filter, ordered by
// ascending ID (creation order).
func (s *Store) ListTasks(f Filter) []model.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Task
	collect := func(tasks []model.Task) {
		for i := range tasks {
			t := &tasks[i]
			if f.Status != "" && t.Status != f.Status {
				continue
			}
			if f.SprintID != "" && derefOr(t.SprintID, "") != f.SprintID {
				continue
			}
			if f.ExecutorRole != "" && t.ExecutorRole != f.ExecutorRole {
				continue
			}
			out = append(out, *t.Clone())
		}
	}
	collect(s.tasks.Tasks)
	if f.IncludeArchived {
		collect(s.archive.Tasks)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ApplyTransition atomically moves a task from fromExpected to to, merging
// the patch and stamping the transition time. It fails with ConflictError on
// a status mismatch and NotFoundError for unknown tasks. Transitions on one
// task are totally ordered by the per-task exclusive section.
func (s *Store) ApplyTransition(id string, fromExpected, to model.Status, patch model.TaskPatch) (*model.Task, error) {
	var out *model.Task
	err := s.keyed.Do("task:"+id, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		i := s.taskIndexLocked(id)
		if i < 0 {
			return &model.NotFoundError{Kind: "task", ID: id}
		}
		t := &s.tasks.Tasks[i]
		if t.Status != fromExpected {
			return &model.ConflictError{Kind: "task", ID: id, Expected: string(fromExpected), Actual: string(t.Status)}
		}
		if err := model.ValidateTaskTransition(t.Status, to); err != nil {
			return err
		}
		if to == model.StatusDone {
			if unmet := s.unmetDependenciesLocked(t); len(unmet) > 0 {
				return &model.DependencyNotSatisfiedError{ID: id, Unmet: unmet}
			}
		}

		updated := t.Clone()
		patch.Apply(updated)
		updated.Status = to
		updated.TransitionedAt = s.timestamp()

		prev := *t
		s.tasks.Tasks[i] = *updated
		if err := s.persistTasksLocked(); err != nil {
			s.tasks.Tasks[i] = prev
			return err
		}
		out = updated.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.auditAppend("system", "task_transition", map[string]any{
		"task_id": id,
		"from":    string(fromExpected),
		"to":      string(to),
	})
	s.publish(events.EventTaskTransition, map[string]any{
		"task_id": id,
		"from":    string(fromExpected),
		"to":      string(to),
	})
	return out, nil
}

// unmetDependenciesLocked returns dependencies that are not done/cancelled.
func (s *Store) unmetDependenciesLocked(t *model.Task) []string {
	var unmet []string
	for _, dep := range t.DependsOn {
		st, ok := s.taskStatusLocked(dep)
		if !ok || !model.IsTerminal(st) {
			unmet = append(unmet, dep)
		}
	}
	return unmet
}

func (s *Store) taskStatusLocked(id string) (model.Status, bool) {
	if i := s.taskIndexLocked(id); i >= 0 {
		return s.tasks.Tasks[i].Status, true
	}
	if i := s.archiveIndexLocked(id); i >= 0 {
		return s.archive.Tasks[i].Status, true
	}
	return "", false
}

func (s *Store) archiveIndexLocked(id string) int {
	for i := range s.archive.Tasks {
		if s.archive.Tasks[i].ID == id {
			return i
		}
	}
	return -1
}

// ArchiveSprintTasks moves the terminal tasks of a released or cancelled
// sprint out of the hot working set. Archived tasks remain readable through
// GetTask and ListTasks(IncludeArchived).
func (s *Store) ArchiveSprintTasks(sprintID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	si := s.sprintIndexLocked(sprintID)
	if si < 0 {
		return 0, &model.NotFoundError{Kind: "sprint", ID: sprintID}
	}
	st := s.sprints.Sprints[si].Status
	if st != model.SprintReleased && st != model.SprintCancelled {
		return 0, &model.ConflictError{Kind: "sprint", ID: sprintID, Expected: "released or cancelled", Actual: string(st)}
	}

	member := make(map[string]bool, len(s.sprints.Sprints[si].TaskIDs))
	for _, id := range s.sprints.Sprints[si].TaskIDs {
		member[id] = true
	}

	prevTasks := append([]model.Task(nil), s.tasks.Tasks...)
	prevArchive := append([]model.Task(nil), s.archive.Tasks...)

	var kept []model.Task
	moved := 0
	for i := range s.tasks.Tasks {
		t := s.tasks.Tasks[i]
		if member[t.ID] && model.IsTerminal(t.Status) {
			s.archive.Tasks = append(s.archive.Tasks, t)
			moved++
			continue
		}
		kept = append(kept, t)
	}
	if moved == 0 {
		return 0, nil
	}
	s.tasks.Tasks = kept

	if err := s.persistArchiveLocked(); err != nil {
		s.tasks.Tasks = prevTasks
		s.archive.Tasks = prevArchive
		return 0, err
	}
	if err := s.persistTasksLocked(); err != nil {
		s.tasks.Tasks = prevTasks
		s.archive.Tasks = prevArchive
		_ = s.persistArchiveLocked() // roll the archive file back too
		return 0, err
	}

	s.auditAppend("system", "sprint_archived", map[string]any{"sprint_id": sprintID, "task_count": moved})
	return moved, nil
}

func derefOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}
