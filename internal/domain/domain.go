package domain

const (
	KindTask    = "task"
	KindFinding = "finding"
)

const (
	StatusNew        = "new"
	StatusPlanned    = "planned"
	StatusExecuting  = "executing"
	StatusVerifying  = "verifying"
	StatusBlocked    = "blocked"
	StatusNeedsInput = "needs_input"
	StatusFailed     = "failed"
	StatusCompleted  = "completed"
)

const (
	StagePlan    = "plan"
	StageExecute = "execute"
	StageTest    = "test"
)

// Stages is the fixed processing order.
var Stages = []string{StagePlan, StageExecute, StageTest}

const (
	ComplexitySimple  = "simple"
	ComplexityMedium  = "medium"
	ComplexityComplex = "complex"
)

const (
	RuntimeHost      = "host"
	RuntimeContainer = "container"
)

const (
	RunStatusRunning    = "running"
	RunStatusPassed     = "passed"
	RunStatusFailed     = "failed"
	RunStatusNeedsInput = "needs_input"
)

const RelationSpawnedFrom = "spawned_from"

type WorkItem struct {
	ID                 int64    `json:"id"`
	Kind               string   `json:"kind" enum:"task,finding"`
	Title              string   `json:"title"`
	Body               string   `json:"body,omitempty"`
	RichBody           string   `json:"rich_body,omitempty"`
	Status             string   `json:"status" enum:"new,planned,executing,verifying,blocked,needs_input,failed,completed"`
	Priority           int      `json:"priority"`
	ProjectPath        string   `json:"project_path,omitempty"`
	ParentID           *int64   `json:"parent_id,omitempty"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	LastError          string   `json:"last_error,omitempty"`
	LeaseOwner         *string  `json:"lease_owner,omitempty"`
	LeaseExpiresAt     *string  `json:"lease_expires_at,omitempty" format:"date-time"`
	CreatedAt          string   `json:"created_at" format:"date-time"`
	UpdatedAt          string   `json:"updated_at" format:"date-time"`
}

type ExecutionProfile struct {
	ID             string `json:"id" yaml:"id"`
	Complexity     string `json:"complexity" yaml:"complexity" enum:"simple,medium,complex"`
	Stage          string `json:"stage" yaml:"stage" enum:"plan,execute,test"`
	Agent          string `json:"agent" yaml:"agent"`
	Model          string `json:"model,omitempty" yaml:"model"`
	Runtime        string `json:"runtime" yaml:"runtime" enum:"host,container"`
	Provider       string `json:"provider,omitempty" yaml:"provider"`
	AuthMode       string `json:"auth_mode" yaml:"auth_mode" enum:"api_key,oauth_callback,device_code"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" yaml:"timeout_seconds"`
}

type Run struct {
	ID          int64   `json:"id"`
	WorkItemID  int64   `json:"work_item_id"`
	Stage       string  `json:"stage"`
	ProfileID   string  `json:"profile_id"`
	LogPath     string  `json:"log_path"`
	ArtifactDir string  `json:"artifact_dir"`
	Status      string  `json:"status" enum:"running,passed,failed,needs_input"`
	ExitCode    *int    `json:"exit_code,omitempty"`
	ErrorText   string  `json:"error_text,omitempty"`
	StartedAt   string  `json:"started_at" format:"date-time"`
	EndedAt     *string `json:"ended_at,omitempty" format:"date-time"`
}

type Finding struct {
	ID              int64   `json:"id"`
	WorkItemID      int64   `json:"work_item_id"`
	RunID           *int64  `json:"run_id,omitempty"`
	Severity        string  `json:"severity"`
	Title           string  `json:"title"`
	Details         string  `json:"details,omitempty"`
	Blocking        bool    `json:"blocking"`
	ChildWorkItemID *int64  `json:"child_work_item_id,omitempty"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	ResolvedAt      *string `json:"resolved_at,omitempty" format:"date-time"`
}

type Link struct {
	FromID    int64  `json:"from_id"`
	ToID      int64  `json:"to_id"`
	Relation  string `json:"relation"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Kind        string `json:"kind"`
	SubjectType string `json:"subject_type"`
	SubjectID   string `json:"subject_id,omitempty"`
	Payload     string `json:"payload"`
}

type APIKey struct {
	ID        string `json:"id"`
	Owner     string `json:"owner"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Terminal reports whether the item needs outside action before it is claimable again.
func Terminal(status string) bool {
	switch status {
	case StatusCompleted, StatusBlocked, StatusFailed, StatusNeedsInput:
		return true
	}
	return false
}
