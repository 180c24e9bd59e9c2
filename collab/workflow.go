package collab

// Typed views over the workflow document. The document is the source
// of truth; these are snapshots, never mutated in place.

type Job struct {
	Id                  string  `json:"id"`
	Name                string  `json:"name"`
	Adaptor             string  `json:"adaptor"`
	Body                string  `json:"body"`
	ProjectCredentialId *string `json:"project_credential_id,omitempty"`
}

type TriggerType string

const (
	TriggerTypeWebhook TriggerType = "webhook"
	TriggerTypeCron    TriggerType = "cron"
)

type Trigger struct {
	Id             string      `json:"id"`
	Type           TriggerType `json:"type"`
	CronExpression string      `json:"cron_expression,omitempty"`
	Enabled        bool        `json:"enabled"`
}

type Edge struct {
	Id              string `json:"id"`
	SourceJobId     string `json:"source_job_id,omitempty"`
	SourceTriggerId string `json:"source_trigger_id,omitempty"`
	TargetJobId     string `json:"target_job_id"`
	Condition       string `json:"condition_type,omitempty"`
	Enabled         bool   `json:"enabled"`
}

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// WorkflowRecord is the workflow's own metadata row.
type WorkflowRecord struct {
	Id              string `json:"id"`
	Name            string `json:"name"`
	LockVersion     int64  `json:"lock_version"`
	EnableJobLogs   bool   `json:"enable_job_logs"`
	ConcurrencyType string `json:"concurrency_type,omitempty"`
}

// Workflow is one coherent snapshot of the document: node sequences in
// document order, positions keyed by node id, and the integrity errors
// map keyed by node id. Dangling edge references show up in Errors,
// they never make a snapshot fail.
type Workflow struct {
	Record    WorkflowRecord
	Jobs      []Job
	Triggers  []Trigger
	Edges     []Edge
	Positions map[string]Position
	Errors    map[string][]string
}

// JobPatch is a partial update; nil fields are left untouched.
type JobPatch struct {
	Name                *string
	Adaptor             *string
	Body                *string
	ProjectCredentialId *string
}
