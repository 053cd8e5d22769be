// Package model defines the persisted entities shared by the
// repositories, the dependency graph, the progress aggregator, and the
// two runners: Session, SessionGroup, CommandQueue, and QueueCommand.
package model

import "time"

// SessionStatus is the lifecycle state of a session within a group.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionActive    SessionStatus = "active"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// TokenUsage records input/output/cache token counts from one session.
type TokenUsage struct {
	Input      int64 `json:"input"`
	Output     int64 `json:"output"`
	CacheRead  int64 `json:"cacheRead,omitempty"`
	CacheWrite int64 `json:"cacheWrite,omitempty"`
}

// Session is one member of a SessionGroup: a single engine invocation
// against a project working directory, gated by its DependsOn list.
type Session struct {
	ID              string        `json:"id"`
	ProjectPath     string        `json:"projectPath"`
	Prompt          string        `json:"prompt"`
	Status          SessionStatus `json:"status"`
	DependsOn       []string      `json:"dependsOn,omitempty"`
	EngineSessionID string        `json:"engineSessionId,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	StartedAt       *time.Time    `json:"startedAt,omitempty"`
	CompletedAt     *time.Time    `json:"completedAt,omitempty"`
	CostUSD         *float64      `json:"costUsd,omitempty"`
	TokenUsage      *TokenUsage   `json:"tokenUsage,omitempty"`
}

// GroupStatus is the lifecycle state of a SessionGroup.
type GroupStatus string

const (
	GroupCreated   GroupStatus = "created"
	GroupRunning   GroupStatus = "running"
	GroupPaused    GroupStatus = "paused"
	GroupCompleted GroupStatus = "completed"
	GroupFailed    GroupStatus = "failed"
	GroupArchived  GroupStatus = "archived"
	GroupDeleted   GroupStatus = "deleted"
)

// BudgetAction names what happens when a group's cost crosses its max
// budget.
type BudgetAction string

const (
	BudgetActionStop  BudgetAction = "stop"
	BudgetActionWarn  BudgetAction = "warn"
	BudgetActionPause BudgetAction = "pause"
)

// GroupConfig holds the per-group runner configuration; zero values are
// overridden by hard-coded defaults in the Group Runner where
// applicable (see grouprunner.DefaultOptions).
type GroupConfig struct {
	Model               string       `json:"model,omitempty"`
	MaxBudgetUSD        float64      `json:"maxBudgetUsd,omitempty"`
	MaxConcurrent       int          `json:"maxConcurrent,omitempty"`
	OnBudgetExceeded    BudgetAction `json:"onBudgetExceeded,omitempty"`
	WarningThreshold    float64      `json:"warningThreshold,omitempty"`
	PauseOnError        *bool        `json:"pauseOnError,omitempty"`
	ErrorThreshold      int          `json:"errorThreshold,omitempty"`
	RespectDependencies *bool        `json:"respectDependencies,omitempty"`
}

// SessionGroup is a dependency-ordered batch of sessions executed by
// the Group Runner.
type SessionGroup struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Slug        string        `json:"slug"`
	Description string        `json:"description,omitempty"`
	Status      GroupStatus   `json:"status"`
	Sessions    []Session     `json:"sessions"`
	Config      GroupConfig   `json:"config"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
	StartedAt   *time.Time    `json:"startedAt,omitempty"`
	CompletedAt *time.Time    `json:"completedAt,omitempty"`
}

// SessionMode controls whether a queue command continues the queue's
// active engine session or starts a fresh one.
type SessionMode string

const (
	SessionModeContinue SessionMode = "continue"
	SessionModeNew       SessionMode = "new"
)

// CommandStatus is the lifecycle state of a QueueCommand.
type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"
	CommandRunning   CommandStatus = "running"
	CommandCompleted CommandStatus = "completed"
	CommandFailed    CommandStatus = "failed"
	CommandSkipped   CommandStatus = "skipped"
)

// QueueCommand is one prompt within a CommandQueue.
type QueueCommand struct {
	ID              string        `json:"id"`
	Index           int           `json:"index"`
	Prompt          string        `json:"prompt"`
	SessionMode     SessionMode   `json:"sessionMode"`
	Status          CommandStatus `json:"status"`
	EngineSessionID string        `json:"engineSessionId,omitempty"`
	CostUSD         *float64      `json:"costUsd,omitempty"`
	StartedAt       *time.Time    `json:"startedAt,omitempty"`
	CompletedAt     *time.Time    `json:"completedAt,omitempty"`
	Error           string        `json:"error,omitempty"`
}

// QueueStatus is the lifecycle state of a CommandQueue.
type QueueStatus string

const (
	QueuePending   QueueStatus = "pending"
	QueueRunning   QueueStatus = "running"
	QueuePaused    QueueStatus = "paused"
	QueueStopped   QueueStatus = "stopped"
	QueueCompleted QueueStatus = "completed"
	QueueFailed    QueueStatus = "failed"
)

// CommandQueue is a strictly sequential list of prompts executed within
// a single project working directory by the Queue Runner.
type CommandQueue struct {
	ID                 string         `json:"id"`
	Name               string         `json:"name"`
	ProjectPath        string         `json:"projectPath"`
	Status             QueueStatus    `json:"status"`
	ActiveSessionID     string         `json:"activeSessionId,omitempty"`
	CurrentIndex       int            `json:"currentIndex"`
	Commands           []QueueCommand `json:"commands"`
	TotalCostUSD       float64        `json:"totalCostUsd"`
	AdditionalArgs     []string       `json:"additionalArgs,omitempty"`
	StopOnError        *bool          `json:"stopOnError,omitempty"`
	CreatedAt          time.Time      `json:"createdAt"`
	UpdatedAt          time.Time      `json:"updatedAt"`
	StartedAt          *time.Time     `json:"startedAt,omitempty"`
	CompletedAt        *time.Time     `json:"completedAt,omitempty"`
}

// EffectiveStopOnError resolves the queue's stop-on-error override,
// defaulting to true when unset.
func (q *CommandQueue) EffectiveStopOnError() bool {
	if q.StopOnError == nil {
		return true
	}
	return *q.StopOnError
}
