// Package model defines the immutable entities the scheduling engine
// operates on, shared across RequestStore, RunQueue, ResultTracker and
// Scheduler: spec §3's TaskRequest/TaskProperties, TaskToRun,
// ResultSummary, RunResult and TaskOutputChunk.
package model

import "time"

// TaskProperties is immutable once its owning TaskRequest is created.
// Recognized keys mirror the original implementation's
// _PROPERTIES_KEYS closed set, with idempotent replacing the original's
// number_shards (sharding is out of scope here; see DESIGN.md).
type TaskProperties struct {
	Commands             [][]string        `json:"commands"`
	Data                 []string          `json:"data,omitempty"`
	Dimensions           map[string]string `json:"dimensions"`
	Env                  map[string]string `json:"env,omitempty"`
	ExecutionTimeoutSecs int64             `json:"execution_timeout_secs"`
	IOTimeoutSecs        int64             `json:"io_timeout_secs"`
	Idempotent           bool              `json:"idempotent"`
}

// TaskRequest is immutable once created. Recognized top-level keys
// mirror _DATA_KEYS.
type TaskRequest struct {
	ID                       string         `json:"id"`
	Name                     string         `json:"name"`
	Priority                 int            `json:"priority"`
	Properties               TaskProperties `json:"properties"`
	SchedulingExpirationSecs int64          `json:"scheduling_expiration_secs"`
	User                     string         `json:"user"`
	ParentTaskID             string         `json:"parent_task_id,omitempty"`
	Tags                     []string       `json:"tags,omitempty"`
	CreatedTS                time.Time      `json:"created_ts"`
	PropertiesHash           string         `json:"properties_hash"`
	ExpirationTS             time.Time      `json:"expiration_ts"`
}

// TaskToRun is RunQueue's dispatch-pending materialization of a
// TaskRequest: exactly one live row exists per task awaiting a bot.
type TaskToRun struct {
	ID          string            `json:"id"` // same id as the owning TaskRequest
	QueueNumber int64             `json:"queue_number"`
	Dimensions  map[string]string `json:"dimensions"`
	// TryNumber is 1 for a task's first dispatch attempt, 2 when
	// cron_handle_bot_died re-queues it after the bot that owned try 1
	// stopped pinging; no third attempt is ever queued.
	TryNumber int `json:"try_number"`
	// ExcludedBotID, when set, is the id of the bot that owned a prior
	// try that died — never handed this retry, per the same-bot-denial
	// invariant.
	ExcludedBotID string    `json:"excluded_bot_id,omitempty"`
	ExpirationTS  time.Time `json:"expiration_ts"`
	// Claimed is true once a bot has atomically claimed this row; a
	// claimed row is no longer yielded by Next/yield_next_available but
	// is retained in the queue (it is not deleted when the owning
	// RunResult resolves), so a concurrent claim attempt observes a
	// conflict rather than a phantom entity.
	Claimed bool `json:"claimed"`
}

// TaskState is the ResultSummary/RunResult state machine from spec §3.
type TaskState int

const (
	StatePending TaskState = iota
	StateRunning
	StateCompleted
	StateTimedOut
	StateBotDied
	StateCancelled
	StateExpired
)

func (s TaskState) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateRunning:
		return "RUNNING"
	case StateCompleted:
		return "COMPLETED"
	case StateTimedOut:
		return "TIMED_OUT"
	case StateBotDied:
		return "BOT_DIED"
	case StateCancelled:
		return "CANCELLED"
	case StateExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// IsFinal reports whether the state is terminal; no further transitions
// are valid once an entity reaches one of these. COMPLETED covers both
// success and failure — Failure is an orthogonal field on ResultSummary
// and RunResult, not a separate state, per spec §3.
func (s TaskState) IsFinal() bool {
	switch s {
	case StateCompleted, StateTimedOut, StateBotDied, StateCancelled, StateExpired:
		return true
	}
	return false
}

// ResultSummary is the caller-facing projection of a task's outcome: the
// latest (or only) attempt's RunResult data, plus dedup bookkeeping.
type ResultSummary struct {
	ID                string    `json:"id"` // <request_id>0
	RequestID         string    `json:"request_id"`
	Name              string    `json:"name"`
	State             TaskState `json:"state"`
	TryNumber         int       `json:"try_number"` // 0 while first pending or when deduped, else 1 or 2
	CostsUSD          []float64 `json:"costs_usd"`
	CostSavedUSD      float64   `json:"cost_saved_usd,omitempty"`
	DedupedFrom       string    `json:"deduped_from,omitempty"`
	CreatedTS         time.Time `json:"created_ts"`
	ModifiedTS        time.Time `json:"modified_ts"`
	StartedTS         time.Time `json:"started_ts,omitempty"`
	CompletedTS       time.Time `json:"completed_ts,omitempty"`
	AbandonedTS       time.Time `json:"abandoned_ts,omitempty"`
	InternalFailure   bool      `json:"internal_failure"`
	// Failure is orthogonal to State: a COMPLETED task with Failure=true
	// ran to completion but at least one command exited nonzero; it is
	// independent of InternalFailure, which means the bot or backend
	// itself broke rather than the task's own commands.
	Failure         bool      `json:"failure"`
	ChildrenTaskIDs []string  `json:"children_task_ids,omitempty"`
	BotID           string    `json:"bot_id,omitempty"`
	// ExitCodes and Durations are parallel, one entry per command in
	// TaskProperties.Commands, populated as each command finishes.
	ExitCodes      []int64   `json:"exit_codes,omitempty"`
	Durations      []float64 `json:"durations,omitempty"`
	ServerVersions []string  `json:"server_versions,omitempty"`
}

// RunResult is per-attempt state; try_number 1 or 2 corresponds to the
// scheduler's same-bot-denial retry semantics.
type RunResult struct {
	ID              string    `json:"id"` // <request_id><try_number>
	SummaryID       string    `json:"summary_id"`
	TryNumber       int       `json:"try_number"`
	State           TaskState `json:"state"`
	BotID           string    `json:"bot_id"`
	StartedTS       time.Time `json:"started_ts"`
	CompletedTS     time.Time `json:"completed_ts,omitempty"`
	AbandonedTS     time.Time `json:"abandoned_ts,omitempty"`
	ExitCodes       []int64   `json:"exit_codes,omitempty"`
	Durations       []float64 `json:"durations,omitempty"`
	CostUSD         float64   `json:"cost_usd"`
	LastPingTS      time.Time `json:"last_ping_ts"`
	ServerVersions  []string  `json:"server_versions,omitempty"`
	InternalFailure bool      `json:"internal_failure"`
	Failure         bool      `json:"failure"`
}

// TaskOutputChunk holds one fixed-size slice of a run's stdout/stderr
// stream, with explicit gap tracking for out-of-order or sparse writes
// per spec §3/§4.4.
type TaskOutputChunk struct {
	RunResultID string `json:"run_result_id"`
	// CommandIndex names which command within TaskProperties.Commands
	// this chunk's output belongs to; each command gets its own
	// independent chunk_index sequence.
	CommandIndex int    `json:"command_index"`
	ChunkIndex   int    `json:"chunk_index"`
	Data         []byte `json:"data"`
	// Gaps is a flat, even-length list of [begin, end) byte offset pairs
	// within Data that have never been written (and so read as zero
	// bytes): {begin0, end0, begin1, end1, ...}, sorted and with no two
	// pairs adjacent or overlapping.
	Gaps []int `json:"gaps"`
}
