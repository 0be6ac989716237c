package daemon

import (
	"log"
	"sort"

	"github.com/crewd/crewd/internal/model"
	"github.com/crewd/crewd/internal/store"
)

// DependencyResolver answers eligibility questions over store snapshots.
// A task is eligible to run when it is pending and every dependency is done
// or cancelled.
type DependencyResolver struct {
	store    *store.Store
	logger   *log.Logger
	logLevel LogLevel
}

func NewDependencyResolver(st *store.Store, logger *log.Logger, logLevel LogLevel) *DependencyResolver {
	return &DependencyResolver{store: st, logger: logger, logLevel: logLevel}
}

// IsEligible reports whether the task can run now, returning the unmet
// dependency IDs when it cannot.
func (r *DependencyResolver) IsEligible(task *model.Task) (bool, []string) {
	if task.Status != model.StatusPending {
		return false, nil
	}

	var unmet []string
	for _, dep := range task.DependsOn {
		d, err := r.store.GetTask(dep)
		if err != nil || !model.IsTerminal(d.Status) {
			unmet = append(unmet, dep)
		}
	}
	if len(unmet) > 0 {
		r.log(LogLevelDebug, "task_blocked task=%s unmet=%v", task.ID, unmet)
		return false, unmet
	}
	return true, nil
}

// EligibleSet returns the currently runnable tasks of a sprint (all sprints
// when sprintID is empty), ordered by ascending creation time for FIFO
// fairness. Task IDs are issued monotonically, so ID order is creation order.
func (r *DependencyResolver) EligibleSet(sprintID string) []model.Task {
	pending := r.store.ListTasks(store.Filter{Status: model.StatusPending, SprintID: sprintID})

	var out []model.Task
	for i := range pending {
		if ok, _ := r.IsEligible(&pending[i]); ok {
			out = append(out, pending[i])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TransitiveDependents finds every task that transitively depends on taskID,
// walking the reverse dependency graph breadth-first.
func (r *DependencyResolver) TransitiveDependents(taskID string) []string {
	all := r.store.ListTasks(store.Filter{IncludeArchived: true})

	dependents := make(map[string][]string)
	for i := range all {
		for _, dep := range all[i].DependsOn {
			dependents[dep] = append(dependents[dep], all[i].ID)
		}
	}

	visited := make(map[string]bool)
	queue := []string{taskID}
	var result []string

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, dependent := range dependents[current] {
			if visited[dependent] {
				continue
			}
			visited[dependent] = true
			result = append(result, dependent)
			queue = append(queue, dependent)
		}
	}
	return result
}

func (r *DependencyResolver) log(level LogLevel, format string, args ...any) {
	logf(r.logger, r.logLevel, level, "dependency_resolver", format, args...)
}
