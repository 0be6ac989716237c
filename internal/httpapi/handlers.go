package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/crewd/crewd/internal/events"
	"github.com/crewd/crewd/internal/model"
	"github.com/crewd/crewd/internal/store"
)

type Handler struct {
	store      *store.Store
	audit      *events.AuditLog
	dispatcher Dispatcher
	sprints    SprintManager
}

func NewHandler(st *store.Store, audit *events.AuditLog, dispatcher Dispatcher, sprints SprintManager) *Handler {
	return &Handler{store: st, audit: audit, dispatcher: dispatcher, sprints: sprints}
}

type taskCreateBody struct {
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	AuthorRole   string   `json:"author_role"`
	ExecutorRole string   `json:"executor_role"`
	SprintID     *string  `json:"sprint_id,omitempty"`
	DependsOn    []string `json:"depends_on,omitempty"`
	AutoClose    bool     `json:"auto_close"`
}

type cancelBody struct {
	Requeue bool `json:"requeue"`
}

type sprintCreateBody struct {
	Name string `json:"name"`
	Goal string `json:"goal"`
}

type sprintTransitionBody struct {
	To string `json:"to"`
}

type backlogAddBody struct {
	Description string `json:"description"`
	Priority    int    `json:"priority"`
}

type promoteBody struct {
	SprintID     string `json:"sprint_id"`
	AuthorRole   string `json:"author_role"`
	ExecutorRole string `json:"executor_role"`
}

func decodeBody(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"tasks":     len(h.store.ListTasks(store.Filter{})),
		"in_flight": h.dispatcher.InFlight(),
	})
}

// CreateTask handles POST /api/tasks
func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var body taskCreateBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	task, err := h.store.CreateTask(store.TaskDraft{
		Title:        body.Title,
		Description:  body.Description,
		AuthorRole:   body.AuthorRole,
		ExecutorRole: body.ExecutorRole,
		SprintID:     body.SprintID,
		DependsOn:    body.DependsOn,
		AutoClose:    body.AutoClose,
	})
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

// ListTasks handles GET /api/tasks
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	includeArchived, _ := strconv.ParseBool(r.URL.Query().Get("include_archived"))
	tasks := h.store.ListTasks(store.Filter{
		Status:          model.Status(r.URL.Query().Get("status")),
		SprintID:        r.URL.Query().Get("sprint_id"),
		ExecutorRole:    r.URL.Query().Get("executor_role"),
		IncludeArchived: includeArchived,
	})
	writeJSON(w, http.StatusOK, tasks)
}

// GetTask handles GET /api/tasks/{id}
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.store.GetTask(chi.URLParam(r, "id"))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// TriggerTask handles POST /api/tasks/{id}/trigger
func (h *Handler) TriggerTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.dispatcher.Trigger(r.Context(), id); err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id, "status": "triggered"})
}

// CancelTask handles POST /api/tasks/{id}/cancel. A running task has its
// execution cancelled; an idle one transitions straight to cancelled.
func (h *Handler) CancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body cancelBody
	_ = decodeBody(r, &body)

	if h.dispatcher.Running(id) {
		if err := h.dispatcher.Cancel(id, body.Requeue); err != nil {
			writeCoreError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id, "status": "cancelling"})
		return
	}

	task, err := h.store.GetTask(id)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	updated, err := h.store.ApplyTransition(id, task.Status, model.StatusCancelled, model.TaskPatch{})
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DemoteTask handles POST /api/tasks/{id}/demote
func (h *Handler) DemoteTask(w http.ResponseWriter, r *http.Request) {
	item, err := h.sprints.Demote(chi.URLParam(r, "id"))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// CreateSprint handles POST /api/sprints
func (h *Handler) CreateSprint(w http.ResponseWriter, r *http.Request) {
	var body sprintCreateBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	sprint, err := h.store.CreateSprint(body.Name, body.Goal)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sprint)
}

// ListSprints handles GET /api/sprints
func (h *Handler) ListSprints(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.store.ListSprints())
}

// GetSprint handles GET /api/sprints/{id}
func (h *Handler) GetSprint(w http.ResponseWriter, r *http.Request) {
	sprint, err := h.store.GetSprint(chi.URLParam(r, "id"))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sprint)
}

// SprintTasks handles GET /api/sprints/{id}/tasks
func (h *Handler) SprintTasks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.store.GetSprint(id); err != nil {
		writeCoreError(w, err)
		return
	}
	tasks := h.store.ListTasks(store.Filter{SprintID: id, IncludeArchived: true})
	writeJSON(w, http.StatusOK, tasks)
}

// TransitionSprint handles POST /api/sprints/{id}/transition
func (h *Handler) TransitionSprint(w http.ResponseWriter, r *http.Request) {
	var body sprintTransitionBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	sprint, err := h.sprints.Transition(chi.URLParam(r, "id"), model.SprintStatus(body.To))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sprint)
}

// AddBacklogItem handles POST /api/backlog
func (h *Handler) AddBacklogItem(w http.ResponseWriter, r *http.Request) {
	var body backlogAddBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	item, err := h.store.AddBacklogItem(body.Description, body.Priority)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

// ListBacklog handles GET /api/backlog
func (h *Handler) ListBacklog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.store.ListBacklog())
}

// PromoteBacklogItem handles POST /api/backlog/{id}/promote
func (h *Handler) PromoteBacklogItem(w http.ResponseWriter, r *http.Request) {
	var body promoteBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	task, err := h.sprints.Promote(chi.URLParam(r, "id"), body.SprintID, body.AuthorRole, body.ExecutorRole)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

// AuditTail handles GET /api/audit?after=N&limit=M
func (h *Handler) AuditTail(w http.ResponseWriter, r *http.Request) {
	afterSeq, _ := strconv.ParseUint(r.URL.Query().Get("after"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	writeJSON(w, http.StatusOK, h.audit.Tail(afterSeq, limit))
}

// writeCoreError maps the typed error taxonomy onto HTTP status codes.
func writeCoreError(w http.ResponseWriter, err error) {
	var (
		notFound   *model.NotFoundError
		conflict   *model.ConflictError
		running    *model.AlreadyRunningError
		invalid    *model.InvalidTransitionError
		gate       *model.SprintGateError
		cycle      *model.CycleError
		validation *model.ValidationError
		depErr     *model.DependencyNotSatisfiedError
		queue      *model.QueueTimeoutError
	)
	switch {
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &conflict), errors.As(err, &running),
		errors.As(err, &invalid), errors.As(err, &gate):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &cycle), errors.As(err, &validation):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &depErr):
		writeError(w, http.StatusPreconditionFailed, err.Error())
	case errors.As(err, &queue):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
