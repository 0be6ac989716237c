package store

import (
	"sort"

	"github.com/crewd/crewd/internal/model"
)

// AddBacklogItem appends a new unscheduled work item.
func (s *Store) AddBacklogItem(description string, priority int) (*model.BacklogItem, error) {
	if description == "" {
		return nil, &model.ValidationError{Msg: "backlog description is required"}
	}

	s.mu.Lock()
	item := model.BacklogItem{
		ID:          model.FormatID(model.IDKindBacklog, s.backlog.NextSeq),
		Description: description,
		Priority:    priority,
		CreatedAt:   s.timestamp(),
	}
	s.backlog.NextSeq++
	s.backlog.Items = append(s.backlog.Items, item)
	if err := s.persistBacklogLocked(); err != nil {
		s.backlog.Items = s.backlog.Items[:len(s.backlog.Items)-1]
		s.backlog.NextSeq--
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	s.auditAppend("system", "backlog_added", map[string]any{"backlog_id": item.ID, "priority": priority})
	return item.Clone(), nil
}

// GetBacklogItem returns a copy of the item.
func (s *Store) GetBacklogItem(id string) (*model.BacklogItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i := s.backlogIndexLocked(id); i >= 0 {
		return s.backlog.Items[i].Clone(), nil
	}
	return nil, &model.NotFoundError{Kind: "backlog", ID: id}
}

// ListBacklog returns items ordered by descending priority, then ID.
func (s *Store) ListBacklog() []model.BacklogItem {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.BacklogItem, 0, len(s.backlog.Items))
	for i := range s.backlog.Items {
		out = append(out, *s.backlog.Items[i].Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SetBacklogPromotion flips the promotion flag and the back-reference to the
// promoted task. The item itself is never deleted.
func (s *Store) SetBacklogPromotion(id string, promoted bool, taskID *string) (*model.BacklogItem, error) {
	var out *model.BacklogItem
	err := s.keyed.Do("backlog:"+id, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		i := s.backlogIndexLocked(id)
		if i < 0 {
			return &model.NotFoundError{Kind: "backlog", ID: id}
		}
		item := &s.backlog.Items[i]
		prev := *item
		item.Promoted = promoted
		item.TaskID = taskID
		if err := s.persistBacklogLocked(); err != nil {
			s.backlog.Items[i] = prev
			return err
		}
		out = item.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
