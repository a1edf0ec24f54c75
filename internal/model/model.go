// Package model defines the database models used throughout the application.
// These models work with both PostgreSQL and SQLite via GORM.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Container status constants representing the container lifecycle
const (
	ContainerStatusCreating = "creating" // runtime-side resources being set up
	ContainerStatusRunning  = "running"  // started and accepting executions
	ContainerStatusStopping = "stopping" // stop requested, teardown in progress
	ContainerStatusStopped  = "stopped"  // terminal: stopped and removed from the runtime
	ContainerStatusError    = "error"    // terminal: failed, kept for diagnosis
)

// ContainerStatusIsTerminal reports whether a container status is terminal.
// Aliases are only reserved by non-terminal containers.
func ContainerStatusIsTerminal(status string) bool {
	return status == ContainerStatusStopped || status == ContainerStatusError
}

// Container tracks one runtime container managed by this server.
type Container struct {
	ID              string     `gorm:"primaryKey;type:text" json:"id"`
	RuntimeID       *string    `gorm:"column:runtime_id;type:text;index" json:"runtime_id,omitempty"`
	Image           string     `gorm:"not null;type:text" json:"image"`
	ImageDigest     *string    `gorm:"column:image_digest;type:text" json:"image_digest,omitempty"`
	Alias           *string    `gorm:"type:text" json:"alias,omitempty"`
	Persistent      bool       `gorm:"default:false" json:"persistent"`
	TTLSeconds      *int64     `gorm:"column:ttl_seconds" json:"ttl_seconds,omitempty"`
	WorkspaceVolume string     `gorm:"column:workspace_volume;not null;type:text" json:"workspace_volume"`
	Status          string     `gorm:"not null;type:text;default:creating;index" json:"status"`
	Warm            bool       `gorm:"default:false;index" json:"warm"`
	ErrorMessage    *string    `gorm:"column:error_message;type:text" json:"error_message,omitempty"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	LastSeenAt      time.Time  `gorm:"column:last_seen_at;index" json:"last_seen_at"`

	Attachments []Attachment `gorm:"foreignKey:ContainerID" json:"-"`
	Executions  []Execution  `gorm:"foreignKey:ContainerID" json:"-"`
}

func (Container) TableName() string { return "containers" }

func (c *Container) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = NewContainerID()
	}
	if c.LastSeenAt.IsZero() {
		c.LastSeenAt = time.Now().UTC()
	}
	return nil
}

// NewContainerID mints an opaque container id. The prefix distinguishes these
// ids from runtime-native ones in logs and labels.
func NewContainerID() string {
	return "c_" + uuid.New().String()
}

// Attachment records a client session attached to a container.
type Attachment struct {
	ID          string     `gorm:"primaryKey;type:text" json:"id"`
	ContainerID string     `gorm:"column:container_id;not null;type:text;index" json:"container_id"`
	ClientName  string     `gorm:"column:client_name;not null;type:text" json:"client_name"`
	SessionID   string     `gorm:"column:session_id;not null;type:text;index" json:"session_id"`
	AttachedAt  time.Time  `gorm:"column:attached_at;autoCreateTime" json:"attached_at"`
	DetachedAt  *time.Time `gorm:"column:detached_at" json:"detached_at,omitempty"`

	Container *Container `gorm:"foreignKey:ContainerID" json:"-"`
}

func (Attachment) TableName() string { return "attachments" }

func (a *Attachment) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	return nil
}

// Execution status constants representing the execution lifecycle
const (
	ExecStatusQueued     = "queued"     // accepted, waiting for a slot
	ExecStatusRunning    = "running"    // process started in the container
	ExecStatusCancelling = "cancelling" // cancel requested, signal sent
	ExecStatusExited     = "exited"     // terminal: process exited on its own
	ExecStatusTimedOut   = "timed_out"  // terminal: killed at the deadline
	ExecStatusCancelled  = "cancelled"  // terminal: killed by exec_cancel
	ExecStatusFailed     = "failed"     // terminal: engine or runtime failure
)

// ExecStatusIsTerminal reports whether an execution status is terminal.
// Terminal executions accept no further output frames.
func ExecStatusIsTerminal(status string) bool {
	switch status {
	case ExecStatusExited, ExecStatusTimedOut, ExecStatusCancelled, ExecStatusFailed:
		return true
	}
	return false
}

// Execution tracks one command run inside a container. The requested
// environment variables are deliberately not persisted: they are handed to
// the runtime at start time and must never reach the database or logs.
type Execution struct {
	ID             string          `gorm:"primaryKey;type:text" json:"exec_id"`
	ContainerID    string          `gorm:"column:container_id;not null;type:text;index:idx_execs_container_status,priority:1" json:"container_id"`
	RuntimeExecID  *string         `gorm:"column:runtime_exec_id;type:text" json:"-"`
	Argv           json.RawMessage `gorm:"type:text;not null" json:"argv"`
	Cwd            string          `gorm:"not null;type:text" json:"cwd"`
	AsRoot         bool            `gorm:"column:as_root;default:false" json:"as_root"`
	TimeoutSeconds int64           `gorm:"column:timeout_seconds;not null" json:"timeout_seconds"`
	Status         string          `gorm:"not null;type:text;default:queued;index:idx_execs_container_status,priority:2" json:"status"`
	ExitCode       *int            `gorm:"column:exit_code" json:"exit_code,omitempty"`
	Usage          json.RawMessage `gorm:"type:text" json:"usage,omitempty"`
	ErrorMessage   *string         `gorm:"column:error_message;type:text" json:"error_message,omitempty"`
	StartedAt      time.Time       `gorm:"column:started_at;autoCreateTime" json:"started_at"`
	EndedAt        *time.Time      `gorm:"column:ended_at" json:"ended_at,omitempty"`

	Container *Container `gorm:"foreignKey:ContainerID" json:"-"`
}

func (Execution) TableName() string { return "execs" }

func (e *Execution) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = NewExecID()
	}
	return nil
}

// NewExecID mints an opaque execution id.
func NewExecID() string {
	return "e_" + uuid.New().String()
}

// Usage summarizes the resources an execution consumed. It is stored as JSON
// on the execution row and echoed in the terminal output frame.
type Usage struct {
	CPUMs        int64 `json:"cpu_ms"`
	MemPeakBytes int64 `json:"mem_peak_bytes"`
	WallMs       int64 `json:"wall_ms"`
	StdoutBytes  int64 `json:"stdout_bytes"`
	StderrBytes  int64 `json:"stderr_bytes"`
	TimedOut     bool  `json:"timed_out,omitempty"`
}

// MarshalUsage encodes usage for storage on an execution row.
func MarshalUsage(u Usage) json.RawMessage {
	data, _ := json.Marshal(u)
	return data
}

// UnmarshalUsage decodes stored usage; ok is false when none was recorded.
func UnmarshalUsage(raw json.RawMessage) (Usage, bool) {
	if len(raw) == 0 {
		return Usage{}, false
	}
	var u Usage
	if err := json.Unmarshal(raw, &u); err != nil {
		return Usage{}, false
	}
	return u, true
}

// MarshalArgv encodes a command vector for storage on an execution row.
func MarshalArgv(argv []string) json.RawMessage {
	data, _ := json.Marshal(argv)
	return data
}

// UnmarshalArgv decodes a stored command vector.
func UnmarshalArgv(raw json.RawMessage) []string {
	var argv []string
	_ = json.Unmarshal(raw, &argv)
	return argv
}

// Idempotency key kinds
const (
	IdempotencyKindSpawn = "spawn"
	IdempotencyKindExec  = "exec"
)

// IdempotencyKeyTTL is how long a key maps to its original result.
const IdempotencyKeyTTL = 24 * time.Hour

// IdempotencyKey maps a client-chosen key to the id minted for the first
// request that carried it, so retries return the original resource.
type IdempotencyKey struct {
	Key       string    `gorm:"primaryKey;type:text" json:"key"`
	Kind      string    `gorm:"not null;type:text" json:"kind"`
	RefID     string    `gorm:"column:ref_id;not null;type:text" json:"ref_id"`
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (IdempotencyKey) TableName() string { return "idempotency_keys" }

// SchemaVersion records the migration level of the database.
type SchemaVersion struct {
	ID        int       `gorm:"primaryKey" json:"id"`
	Version   int       `gorm:"not null" json:"version"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (SchemaVersion) TableName() string { return "schema_version" }

// AllModels returns all model types for migration.
func AllModels() []interface{} {
	return []interface{}{
		&Container{},
		&Attachment{},
		&Execution{},
		&IdempotencyKey{},
		&SchemaVersion{},
	}
}
