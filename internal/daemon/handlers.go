package daemon

import (
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/crewd/crewd/internal/model"
	"github.com/crewd/crewd/internal/store"
	"github.com/crewd/crewd/internal/uds"
)

type taskCreateParams struct {
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	AuthorRole   string   `json:"author_role"`
	ExecutorRole string   `json:"executor_role"`
	SprintID     *string  `json:"sprint_id,omitempty"`
	DependsOn    []string `json:"depends_on,omitempty"`
	AutoClose    bool     `json:"auto_close"`
}

type taskListParams struct {
	Status          string `json:"status,omitempty"`
	SprintID        string `json:"sprint_id,omitempty"`
	ExecutorRole    string `json:"executor_role,omitempty"`
	IncludeArchived bool   `json:"include_archived"`
}

type idParams struct {
	ID string `json:"id"`
}

type taskTransitionParams struct {
	ID   string `json:"id"`
	From string `json:"from"`
	To   string `json:"to"`
}

type taskCancelParams struct {
	ID      string `json:"id"`
	Requeue bool   `json:"requeue"`
}

type dependencyParams struct {
	TaskID    string `json:"task_id"`
	DependsOn string `json:"depends_on"`
}

type sprintCreateParams struct {
	Name string `json:"name"`
	Goal string `json:"goal"`
}

type sprintTransitionParams struct {
	ID string `json:"id"`
	To string `json:"to"`
}

type backlogAddParams struct {
	Description string `json:"description"`
	Priority    int    `json:"priority"`
}

type promoteParams struct {
	BacklogID    string `json:"backlog_id"`
	SprintID     string `json:"sprint_id"`
	AuthorRole   string `json:"author_role"`
	ExecutorRole string `json:"executor_role"`
}

type auditTailParams struct {
	AfterSeq uint64 `json:"after_seq"`
	Limit    int    `json:"limit"`
}

// registerHandlers wires every UDS command to its implementation.
func (d *Daemon) registerHandlers() {
	d.server.HandleDuringDrain("ping", func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"status": "ok"})
	})

	d.server.HandleDuringDrain("status", d.handleStatus)

	d.server.HandleDuringDrain("shutdown", func(req *uds.Request) *uds.Response {
		d.log(LogLevelInfo, "shutdown requested via UDS")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})

	d.server.Handle("scan", func(req *uds.Request) *uds.Response {
		d.dispatcher.ScanDue()
		return uds.SuccessResponse(map[string]string{"status": "scanned"})
	})

	d.server.Handle("trigger", d.handleTrigger)
	d.server.Handle("task_create", d.handleTaskCreate)
	d.server.Handle("task_get", d.handleTaskGet)
	d.server.Handle("task_list", d.handleTaskList)
	d.server.Handle("task_transition", d.handleTaskTransition)
	d.server.Handle("task_cancel", d.handleTaskCancel)
	d.server.Handle("task_unblock", d.handleTaskUnblock)
	d.server.Handle("add_dependency", d.handleAddDependency)

	d.server.Handle("sprint_create", d.handleSprintCreate)
	d.server.Handle("sprint_get", d.handleSprintGet)
	d.server.Handle("sprint_list", d.handleSprintList)
	d.server.Handle("sprint_transition", d.handleSprintTransition)

	d.server.Handle("backlog_add", d.handleBacklogAdd)
	d.server.Handle("backlog_list", d.handleBacklogList)
	d.server.Handle("promote", d.handlePromote)
	d.server.Handle("demote", d.handleDemote)

	d.server.Handle("audit_tail", d.handleAuditTail)
}

func (d *Daemon) handleStatus(req *uds.Request) *uds.Response {
	return uds.SuccessResponse(map[string]any{
		"pid":        os.Getpid(),
		"started_at": d.startedAt.Format(time.RFC3339),
		"uptime":     time.Since(d.startedAt).Round(time.Second).String(),
		"in_flight":  d.dispatcher.InFlight(),
		"tasks":      len(d.store.ListTasks(store.Filter{})),
		"sprints":    len(d.store.ListSprints()),
		"audit_len":  d.audit.Len(),
	})
}

func (d *Daemon) handleTrigger(req *uds.Request) *uds.Response {
	var p idParams
	if resp := decodeParams(req, &p); resp != nil {
		return resp
	}
	if err := d.dispatcher.Trigger(d.ctx, p.ID); err != nil {
		return mapError(err)
	}
	return uds.SuccessResponse(map[string]string{"task_id": p.ID, "status": "triggered"})
}

func (d *Daemon) handleTaskCreate(req *uds.Request) *uds.Response {
	var p taskCreateParams
	if resp := decodeParams(req, &p); resp != nil {
		return resp
	}
	task, err := d.store.CreateTask(store.TaskDraft{
		Title:        p.Title,
		Description:  p.Description,
		AuthorRole:   p.AuthorRole,
		ExecutorRole: p.ExecutorRole,
		SprintID:     p.SprintID,
		DependsOn:    p.DependsOn,
		AutoClose:    p.AutoClose,
	})
	if err != nil {
		return mapError(err)
	}
	return uds.SuccessResponse(task)
}

func (d *Daemon) handleTaskGet(req *uds.Request) *uds.Response {
	var p idParams
	if resp := decodeParams(req, &p); resp != nil {
		return resp
	}
	task, err := d.store.GetTask(p.ID)
	if err != nil {
		return mapError(err)
	}
	return uds.SuccessResponse(task)
}

func (d *Daemon) handleTaskList(req *uds.Request) *uds.Response {
	var p taskListParams
	if resp := decodeParams(req, &p); resp != nil {
		return resp
	}
	tasks := d.store.ListTasks(store.Filter{
		Status:          model.Status(p.Status),
		SprintID:        p.SprintID,
		ExecutorRole:    p.ExecutorRole,
		IncludeArchived: p.IncludeArchived,
	})
	return uds.SuccessResponse(tasks)
}

func (d *Daemon) handleTaskTransition(req *uds.Request) *uds.Response {
	var p taskTransitionParams
	if resp := decodeParams(req, &p); resp != nil {
		return resp
	}
	task, err := d.store.ApplyTransition(p.ID, model.Status(p.From), model.Status(p.To), model.TaskPatch{})
	if err != nil {
		return mapError(err)
	}
	return uds.SuccessResponse(task)
}

// handleTaskCancel cancels a running execution, or transitions an idle task
// straight to cancelled.
func (d *Daemon) handleTaskCancel(req *uds.Request) *uds.Response {
	var p taskCancelParams
	if resp := decodeParams(req, &p); resp != nil {
		return resp
	}
	if d.dispatcher.Running(p.ID) {
		if err := d.dispatcher.Cancel(p.ID, p.Requeue); err != nil {
			return mapError(err)
		}
		return uds.SuccessResponse(map[string]string{"task_id": p.ID, "status": "cancel_requested"})
	}
	task, err := d.store.GetTask(p.ID)
	if err != nil {
		return mapError(err)
	}
	cancelled, err := d.store.ApplyTransition(p.ID, task.Status, model.StatusCancelled, model.TaskPatch{})
	if err != nil {
		return mapError(err)
	}
	return uds.SuccessResponse(cancelled)
}

func (d *Daemon) handleTaskUnblock(req *uds.Request) *uds.Response {
	var p idParams
	if resp := decodeParams(req, &p); resp != nil {
		return resp
	}
	task, err := d.store.ApplyTransition(p.ID, model.StatusBlocked, model.StatusPending,
		model.TaskPatch{ClearError: true, ClearNotBefore: true})
	if err != nil {
		return mapError(err)
	}
	return uds.SuccessResponse(task)
}

func (d *Daemon) handleAddDependency(req *uds.Request) *uds.Response {
	var p dependencyParams
	if resp := decodeParams(req, &p); resp != nil {
		return resp
	}
	task, err := d.store.AddDependency(p.TaskID, p.DependsOn)
	if err != nil {
		return mapError(err)
	}
	return uds.SuccessResponse(task)
}

func (d *Daemon) handleSprintCreate(req *uds.Request) *uds.Response {
	var p sprintCreateParams
	if resp := decodeParams(req, &p); resp != nil {
		return resp
	}
	sprint, err := d.store.CreateSprint(p.Name, p.Goal)
	if err != nil {
		return mapError(err)
	}
	return uds.SuccessResponse(sprint)
}

func (d *Daemon) handleSprintGet(req *uds.Request) *uds.Response {
	var p idParams
	if resp := decodeParams(req, &p); resp != nil {
		return resp
	}
	sprint, err := d.store.GetSprint(p.ID)
	if err != nil {
		return mapError(err)
	}
	return uds.SuccessResponse(sprint)
}

func (d *Daemon) handleSprintList(req *uds.Request) *uds.Response {
	return uds.SuccessResponse(d.store.ListSprints())
}

func (d *Daemon) handleSprintTransition(req *uds.Request) *uds.Response {
	var p sprintTransitionParams
	if resp := decodeParams(req, &p); resp != nil {
		return resp
	}
	sprint, err := d.sprints.Transition(p.ID, model.SprintStatus(p.To))
	if err != nil {
		return mapError(err)
	}
	return uds.SuccessResponse(sprint)
}

func (d *Daemon) handleBacklogAdd(req *uds.Request) *uds.Response {
	var p backlogAddParams
	if resp := decodeParams(req, &p); resp != nil {
		return resp
	}
	item, err := d.store.AddBacklogItem(p.Description, p.Priority)
	if err != nil {
		return mapError(err)
	}
	return uds.SuccessResponse(item)
}

func (d *Daemon) handleBacklogList(req *uds.Request) *uds.Response {
	return uds.SuccessResponse(d.store.ListBacklog())
}

func (d *Daemon) handlePromote(req *uds.Request) *uds.Response {
	var p promoteParams
	if resp := decodeParams(req, &p); resp != nil {
		return resp
	}
	task, err := d.sprints.Promote(p.BacklogID, p.SprintID, p.AuthorRole, p.ExecutorRole)
	if err != nil {
		return mapError(err)
	}
	return uds.SuccessResponse(task)
}

func (d *Daemon) handleDemote(req *uds.Request) *uds.Response {
	var p idParams
	if resp := decodeParams(req, &p); resp != nil {
		return resp
	}
	item, err := d.sprints.Demote(p.ID)
	if err != nil {
		return mapError(err)
	}
	return uds.SuccessResponse(item)
}

func (d *Daemon) handleAuditTail(req *uds.Request) *uds.Response {
	var p auditTailParams
	if resp := decodeParams(req, &p); resp != nil {
		return resp
	}
	if p.Limit <= 0 {
		p.Limit = 50
	}
	return uds.SuccessResponse(d.audit.Tail(p.AfterSeq, p.Limit))
}

func decodeParams(req *uds.Request, v any) *uds.Response {
	if len(req.Params) == 0 {
		return uds.ErrorResponse(uds.ErrCodeValidation, "missing params")
	}
	if err := json.Unmarshal(req.Params, v); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, "invalid params: "+err.Error())
	}
	return nil
}

// mapError converts a core error into its wire error code.
func mapError(err error) *uds.Response {
	var (
		notFound   *model.NotFoundError
		conflict   *model.ConflictError
		cycle      *model.CycleError
		depErr     *model.DependencyNotSatisfiedError
		running    *model.AlreadyRunningError
		queue      *model.QueueTimeoutError
		gate       *model.SprintGateError
		invalid    *model.InvalidTransitionError
		validation *model.ValidationError
	)
	switch {
	case errors.As(err, &notFound):
		return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
	case errors.As(err, &conflict):
		return uds.ErrorResponse(uds.ErrCodeConflict, err.Error())
	case errors.As(err, &cycle):
		return uds.ErrorResponse(uds.ErrCodeCycle, err.Error())
	case errors.As(err, &depErr):
		return uds.ErrorResponse(uds.ErrCodeDependencyNotSatisfied, err.Error())
	case errors.As(err, &running):
		return uds.ErrorResponse(uds.ErrCodeAlreadyRunning, err.Error())
	case errors.As(err, &queue):
		return uds.ErrorResponse(uds.ErrCodeQueueTimeout, err.Error())
	case errors.As(err, &gate):
		return uds.ErrorResponse(uds.ErrCodeSprintGate, err.Error())
	case errors.As(err, &invalid):
		return uds.ErrorResponse(uds.ErrCodeConflict, err.Error())
	case errors.As(err, &validation):
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	case errors.Is(err, ErrDraining):
		return uds.ErrorResponse(uds.ErrCodeDraining, err.Error())
	default:
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
}
