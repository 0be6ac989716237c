package daemon

import (
	"log"

	"github.com/crewd/crewd/internal/events"
	"github.com/crewd/crewd/internal/model"
	"github.com/crewd/crewd/internal/store"
)

// SprintManager drives sprint lifecycle transitions and the backlog
// promotion/demotion flow, and reconciles dependent tasks when a sprint
// closes.
type SprintManager struct {
	store      *store.Store
	resolver   *DependencyResolver
	dispatcher *Dispatcher // nil in tests that do not exercise auto-dispatch
	bus        *events.Bus
	audit      *events.AuditLog
	logger     *log.Logger
	logLevel   LogLevel
}

func NewSprintManager(st *store.Store, resolver *DependencyResolver, dispatcher *Dispatcher,
	bus *events.Bus, audit *events.AuditLog, logger *log.Logger, logLevel LogLevel) *SprintManager {
	return &SprintManager{
		store:      st,
		resolver:   resolver,
		dispatcher: dispatcher,
		bus:        bus,
		audit:      audit,
		logger:     logger,
		logLevel:   logLevel,
	}
}

// Transition moves a sprint to a new status, enforcing the member-task gates:
// completed requires every member terminal, released requires every member
// done or cancelled. Entering completed or cancelled triggers a
// reconciliation pass; entering released archives the member tasks.
func (m *SprintManager) Transition(sprintID string, to model.SprintStatus) (*model.Sprint, error) {
	sprint, err := m.store.GetSprint(sprintID)
	if err != nil {
		return nil, err
	}

	switch to {
	case model.SprintCompleted, model.SprintReleased:
		if blocking := m.nonTerminalMembers(sprint); len(blocking) > 0 {
			return nil, &model.SprintGateError{SprintID: sprintID, To: to, Blocking: blocking}
		}
	}

	updated, err := m.store.ApplySprintTransition(sprintID, sprint.Status, to)
	if err != nil {
		return nil, err
	}
	m.log(LogLevelInfo, "sprint_transition sprint=%s from=%s to=%s", sprintID, sprint.Status, to)

	switch to {
	case model.SprintCompleted, model.SprintCancelled:
		m.reconcile(updated)
	case model.SprintReleased:
		if _, err := m.store.ArchiveSprintTasks(sprintID); err != nil {
			m.log(LogLevelWarn, "archive_failed sprint=%s error=%v", sprintID, err)
		}
	}
	return updated, nil
}

// nonTerminalMembers lists member tasks that are not yet done or cancelled.
func (m *SprintManager) nonTerminalMembers(sprint *model.Sprint) []string {
	var blocking []string
	for _, id := range sprint.TaskIDs {
		task, err := m.store.GetTask(id)
		if err != nil {
			blocking = append(blocking, id)
			continue
		}
		if !model.IsTerminal(task.Status) {
			blocking = append(blocking, id)
		}
	}
	return blocking
}

// reconcile re-evaluates eligibility for tasks outside the closed sprint that
// depended on its members, announcing (and optionally dispatching) the newly
// unblocked ones.
func (m *SprintManager) reconcile(sprint *model.Sprint) {
	seen := make(map[string]bool)
	for _, memberID := range sprint.TaskIDs {
		for _, depID := range m.resolver.TransitiveDependents(memberID) {
			if seen[depID] {
				continue
			}
			seen[depID] = true

			task, err := m.store.GetTask(depID)
			if err != nil {
				continue
			}
			if task.SprintID != nil && *task.SprintID == sprint.ID {
				continue
			}
			if ok, _ := m.resolver.IsEligible(task); !ok {
				continue
			}

			m.log(LogLevelInfo, "reconcile_unblocked sprint=%s task=%s", sprint.ID, task.ID)
			if m.bus != nil {
				m.bus.Publish(events.EventTaskUnblocked, map[string]any{
					"task_id":   task.ID,
					"sprint_id": sprint.ID,
				})
			}
			if m.audit != nil {
				_, _ = m.audit.Append("system", "task_unblocked", map[string]any{
					"task_id":   task.ID,
					"sprint_id": sprint.ID,
				})
			}
			if m.dispatcher != nil && m.dispatcher.autoDispatch {
				taskID := task.ID
				go func() {
					if err := m.dispatcher.Trigger(m.dispatcher.baseCtx, taskID); err != nil {
						m.log(LogLevelDebug, "reconcile_trigger_skipped task=%s error=%v", taskID, err)
					}
				}()
			}
		}
	}
}

// Promote creates a task from a backlog item and links the two. The backlog
// item is never deleted; it keeps a back-reference to the task.
func (m *SprintManager) Promote(backlogID, sprintID, authorRole, executorRole string) (*model.Task, error) {
	item, err := m.store.GetBacklogItem(backlogID)
	if err != nil {
		return nil, err
	}
	if item.Promoted {
		return nil, &model.ConflictError{Kind: "backlog", ID: backlogID,
			Expected: "unpromoted", Actual: "promoted"}
	}

	var sprintRef *string
	if sprintID != "" {
		if _, err := m.store.GetSprint(sprintID); err != nil {
			return nil, err
		}
		sprintRef = &sprintID
	}

	task, err := m.store.CreateTask(store.TaskDraft{
		Title:        item.Description,
		Description:  item.Description,
		AuthorRole:   authorRole,
		ExecutorRole: executorRole,
		SprintID:     sprintRef,
		BacklogID:    &backlogID,
	})
	if err != nil {
		return nil, err
	}

	if _, err := m.store.SetBacklogPromotion(backlogID, true, &task.ID); err != nil {
		return nil, err
	}

	m.log(LogLevelInfo, "backlog_promoted backlog=%s task=%s sprint=%s", backlogID, task.ID, sprintID)
	if m.bus != nil {
		m.bus.Publish(events.EventBacklogPromoted, map[string]any{
			"backlog_id": backlogID,
			"task_id":    task.ID,
		})
	}
	return task, nil
}

// Demote is the inverse of Promote, valid only for pending tasks: the task is
// cancelled and its backlog item (created on the spot if the task did not
// come from the backlog) returns to the unpromoted pool.
func (m *SprintManager) Demote(taskID string) (*model.BacklogItem, error) {
	task, err := m.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != model.StatusPending {
		return nil, &model.ConflictError{Kind: "task", ID: taskID,
			Expected: string(model.StatusPending), Actual: string(task.Status)}
	}

	var item *model.BacklogItem
	if task.BacklogID != nil {
		item, err = m.store.SetBacklogPromotion(*task.BacklogID, false, nil)
	} else {
		item, err = m.store.AddBacklogItem(task.Title, 0)
	}
	if err != nil {
		return nil, err
	}

	if _, err := m.store.ApplyTransition(taskID, model.StatusPending, model.StatusCancelled,
		model.TaskPatch{Result: map[string]any{"demoted_to": item.ID}}); err != nil {
		return nil, err
	}

	m.log(LogLevelInfo, "task_demoted task=%s backlog=%s", taskID, item.ID)
	return item, nil
}

func (m *SprintManager) log(level LogLevel, format string, args ...any) {
	logf(m.logger, m.logLevel, level, "sprint_manager", format, args...)
}
