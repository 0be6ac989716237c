package store

import (
	"sort"

	"github.com/crewd/crewd/internal/events"
	"github.com/crewd/crewd/internal/model"
)

// CreateSprint issues the next sprint ID and persists a new active sprint.
func (s *Store) CreateSprint(name, goal string) (*model.Sprint, error) {
	if name == "" {
		return nil, &model.ValidationError{Msg: "sprint name is required"}
	}

	s.mu.Lock()
	now := s.timestamp()
	sprint := model.Sprint{
		ID:        model.FormatID(model.IDKindSprint, s.sprints.NextSeq),
		Name:      name,
		Goal:      goal,
		Status:    model.SprintActive,
		CreatedAt: now,
	}
	s.sprints.NextSeq++
	s.sprints.Sprints = append(s.sprints.Sprints, sprint)
	if err := s.persistSprintsLocked(); err != nil {
		s.sprints.Sprints = s.sprints.Sprints[:len(s.sprints.Sprints)-1]
		s.sprints.NextSeq--
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	s.auditAppend("system", "sprint_created", map[string]any{"sprint_id": sprint.ID, "name": name})
	return sprint.Clone(), nil
}

// GetSprint returns a copy of the sprint.
func (s *Store) GetSprint(id string) (*model.Sprint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i := s.sprintIndexLocked(id); i >= 0 {
		return s.sprints.Sprints[i].Clone(), nil
	}
	return nil, &model.NotFoundError{Kind: "sprint", ID: id}
}

// ListSprints returns a snapshot of all sprints ordered by ID.
func (s *Store) ListSprints() []model.Sprint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Sprint, 0, len(s.sprints.Sprints))
	for i := range s.sprints.Sprints {
		out = append(out, *s.sprints.Sprints[i].Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ApplySprintTransition atomically moves a sprint between lifecycle states
// with the same optimistic-concurrency contract as task transitions. Gate
// conditions (member task states) are the sprint manager's responsibility.
func (s *Store) ApplySprintTransition(id string, fromExpected, to model.SprintStatus) (*model.Sprint, error) {
	var out *model.Sprint
	err := s.keyed.Do("sprint:"+id, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		i := s.sprintIndexLocked(id)
		if i < 0 {
			return &model.NotFoundError{Kind: "sprint", ID: id}
		}
		sp := &s.sprints.Sprints[i]
		if sp.Status != fromExpected {
			return &model.ConflictError{Kind: "sprint", ID: id, Expected: string(fromExpected), Actual: string(sp.Status)}
		}
		if err := model.ValidateSprintTransition(sp.Status, to); err != nil {
			return err
		}

		prev := *sp
		sp.Status = to
		switch to {
		case model.SprintCompleted, model.SprintCancelled, model.SprintReleased:
			ts := s.timestamp()
			sp.ClosedAt = &ts
		case model.SprintActive:
			sp.ClosedAt = nil
		}
		if err := s.persistSprintsLocked(); err != nil {
			s.sprints.Sprints[i] = prev
			return err
		}
		out = sp.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.auditAppend("system", "sprint_transition", map[string]any{
		"sprint_id": id,
		"from":      string(fromExpected),
		"to":        string(to),
	})
	s.publish(events.EventSprintTransition, map[string]any{
		"sprint_id": id,
		"from":      string(fromExpected),
		"to":        string(to),
	})
	return out, nil
}

// SprintTaskIDs returns the ordered member task IDs of a sprint.
func (s *Store) SprintTaskIDs(id string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := s.sprintIndexLocked(id)
	if i < 0 {
		return nil, &model.NotFoundError{Kind: "sprint", ID: id}
	}
	return append([]string(nil), s.sprints.Sprints[i].TaskIDs...), nil
}
