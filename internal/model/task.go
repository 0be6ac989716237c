// Package model defines crewd's persistent entities, status machines,
// identifier scheme, execution outcomes, and error taxonomy.
package model

// Task is a unit of work owned by one executor role at a time.
// Timestamps are RFC3339 strings so the YAML files stay human-editable.
type Task struct {
	ID             string         `yaml:"id"`
	Title          string         `yaml:"title"`
	Description    string         `yaml:"description"`
	Status         Status         `yaml:"status"`
	AuthorRole     string         `yaml:"author_role"`
	ExecutorRole   string         `yaml:"executor_role"`
	SprintID       *string        `yaml:"sprint_id"`
	DependsOn      []string       `yaml:"depends_on"`
	Result         map[string]any `yaml:"result,omitempty"`
	RetryCount     int            `yaml:"retry_count"`
	LastError      *string        `yaml:"last_error"`
	ErrorKind      *string        `yaml:"error_kind"`
	HandoffChain   []string       `yaml:"handoff_chain,omitempty"`
	AutoClose      bool           `yaml:"auto_close"`
	BacklogID      *string        `yaml:"backlog_id"`
	NotBefore      *string        `yaml:"not_before"`
	CreatedAt      string         `yaml:"created_at"`
	TransitionedAt string         `yaml:"transitioned_at"`
}

// Clone returns a deep copy so callers never alias store-owned state.
func (t *Task) Clone() *Task {
	c := *t
	c.DependsOn = append([]string(nil), t.DependsOn...)
	c.HandoffChain = append([]string(nil), t.HandoffChain...)
	if t.Result != nil {
		c.Result = make(map[string]any, len(t.Result))
		for k, v := range t.Result {
			c.Result[k] = v
		}
	}
	c.SprintID = cloneStr(t.SprintID)
	c.LastError = cloneStr(t.LastError)
	c.ErrorKind = cloneStr(t.ErrorKind)
	c.BacklogID = cloneStr(t.BacklogID)
	c.NotBefore = cloneStr(t.NotBefore)
	return &c
}

// TaskPatch carries the optional field updates merged during a transition.
// Pointer fields are applied when non-nil; Clear* flags reset their nullable
// counterparts.
type TaskPatch struct {
	Result         map[string]any
	LastError      *string
	ErrorKind      *string
	ClearError     bool
	RetryCount     *int
	ExecutorRole   *string
	NotBefore      *string
	ClearNotBefore bool
	HandoffChain   []string
	BacklogID      *string
}

// Apply merges the patch into the task in place.
func (p TaskPatch) Apply(t *Task) {
	if p.Result != nil {
		t.Result = p.Result
	}
	if p.ClearError {
		t.LastError = nil
		t.ErrorKind = nil
	}
	if p.LastError != nil {
		t.LastError = cloneStr(p.LastError)
	}
	if p.ErrorKind != nil {
		t.ErrorKind = cloneStr(p.ErrorKind)
	}
	if p.RetryCount != nil {
		t.RetryCount = *p.RetryCount
	}
	if p.ExecutorRole != nil {
		t.ExecutorRole = *p.ExecutorRole
	}
	if p.ClearNotBefore {
		t.NotBefore = nil
	}
	if p.NotBefore != nil {
		t.NotBefore = cloneStr(p.NotBefore)
	}
	if p.HandoffChain != nil {
		t.HandoffChain = append([]string(nil), p.HandoffChain...)
	}
	if p.BacklogID != nil {
		t.BacklogID = cloneStr(p.BacklogID)
	}
}

// Sprint is a bounded collection of tasks with its own lifecycle.
type Sprint struct {
	ID        string       `yaml:"id"`
	Name      string       `yaml:"name"`
	Goal      string       `yaml:"goal"`
	Status    SprintStatus `yaml:"status"`
	TaskIDs   []string     `yaml:"task_ids"`
	CreatedAt string       `yaml:"created_at"`
	ClosedAt  *string      `yaml:"closed_at"`
}

func (s *Sprint) Clone() *Sprint {
	c := *s
	c.TaskIDs = append([]string(nil), s.TaskIDs...)
	c.ClosedAt = cloneStr(s.ClosedAt)
	return &c
}

// BacklogItem is an unscheduled piece of work. Promotion to a task never
// deletes the item; it keeps a back-reference to the promoted task instead.
type BacklogItem struct {
	ID          string  `yaml:"id"`
	Description string  `yaml:"description"`
	Priority    int     `yaml:"priority"`
	Promoted    bool    `yaml:"promoted"`
	TaskID      *string `yaml:"task_id"`
	CreatedAt   string  `yaml:"created_at"`
}

func (b *BacklogItem) Clone() *BacklogItem {
	c := *b
	c.TaskID = cloneStr(b.TaskID)
	return &c
}

// TaskCollection is the on-disk shape of tasks.yaml (and archive/tasks.yaml).
type TaskCollection struct {
	SchemaVersion int    `yaml:"schema_version"`
	FileType      string `yaml:"file_type"`
	NextSeq       int    `yaml:"next_seq"`
	Tasks         []Task `yaml:"tasks"`
}

// SprintCollection is the on-disk shape of sprints.yaml.
type SprintCollection struct {
	SchemaVersion int      `yaml:"schema_version"`
	FileType      string   `yaml:"file_type"`
	NextSeq       int      `yaml:"next_seq"`
	Sprints       []Sprint `yaml:"sprints"`
}

// BacklogCollection is the on-disk shape of backlog.yaml.
type BacklogCollection struct {
	SchemaVersion int           `yaml:"schema_version"`
	FileType      string        `yaml:"file_type"`
	NextSeq       int           `yaml:"next_seq"`
	Items         []BacklogItem `yaml:"items"`
}

func cloneStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
