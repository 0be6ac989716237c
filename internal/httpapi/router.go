// Package httpapi serves the HTTP trigger API: task/sprint/backlog CRUD and
// execution control for dashboards and automation. It is a peer of the UDS
// surface; both drive the same store, dispatcher, and sprint manager.
package httpapi

import (
	"context"
	"log"

	"github.com/go-chi/chi/v5"

	"github.com/crewd/crewd/internal/events"
	"github.com/crewd/crewd/internal/model"
	"github.com/crewd/crewd/internal/store"
)

// Dispatcher is the execution-control surface the API needs.
type Dispatcher interface {
	Trigger(ctx context.Context, taskID string) error
	Cancel(taskID string, requeue bool) error
	Running(taskID string) bool
	InFlight() int
}

// SprintManager is the sprint/backlog lifecycle surface the API needs.
type SprintManager interface {
	Transition(sprintID string, to model.SprintStatus) (*model.Sprint, error)
	Promote(backlogID, sprintID, authorRole, executorRole string) (*model.Task, error)
	Demote(taskID string) (*model.BacklogItem, error)
}

// NewRouter creates the Chi router with all routes and middleware.
func NewRouter(st *store.Store, audit *events.AuditLog, dispatcher Dispatcher,
	sprints SprintManager, logger *log.Logger) *chi.Mux {

	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(Logger(logger))
	r.Use(Recovery(logger))

	h := NewHandler(st, audit, dispatcher, sprints)

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", h.CreateTask)
			r.Get("/", h.ListTasks)
			r.Get("/{id}", h.GetTask)
			r.Post("/{id}/trigger", h.TriggerTask)
			r.Post("/{id}/cancel", h.CancelTask)
			r.Post("/{id}/demote", h.DemoteTask)
		})

		r.Route("/sprints", func(r chi.Router) {
			r.Post("/", h.CreateSprint)
			r.Get("/", h.ListSprints)
			r.Get("/{id}", h.GetSprint)
			r.Get("/{id}/tasks", h.SprintTasks)
			r.Post("/{id}/transition", h.TransitionSprint)
		})

		r.Route("/backlog", func(r chi.Router) {
			r.Post("/", h.AddBacklogItem)
			r.Get("/", h.ListBacklog)
			r.Post("/{id}/promote", h.PromoteBacklogItem)
		})

		r.Get("/audit", h.AuditTail)
	})

	return r
}
