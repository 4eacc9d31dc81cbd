package store

import "time"

// Sandbox desired-states.
const (
	SandboxDesiredRunning = "running"
	SandboxDesiredStopped = "stopped"
	SandboxDesiredDeleted = "deleted"
)

// Session desired-states.
const (
	SessionDesiredRunning = "running"
	SessionDesiredStopped = "stopped"
)

// Session observed-states.
const (
	SessionPending   = "pending"
	SessionStarting  = "starting"
	SessionRunning   = "running"
	SessionDegraded  = "degraded"
	SessionStopping  = "stopping"
	SessionStopped   = "stopped"
	SessionFailed    = "failed"
)

// Cargo kinds.
const (
	CargoManaged  = "managed"
	CargoExternal = "external"
)

type Sandbox struct {
	ID               string
	Owner            string
	ProfileID        string
	CargoID          string
	CurrentSessionID *string
	DesiredState     string
	ExpiresAt        *time.Time
	IdleExpiresAt    *time.Time
	LastActivity     time.Time
	CreatedAt        time.Time
	DeletedAt        *time.Time
	Version          int64
}

type Session struct {
	ID                 string
	SandboxID          string
	DesiredState       string
	ObservedState      string
	NetworkID          *string
	Endpoint           *string
	IdleTimeoutSeconds int
	LastActivity       time.Time
	ReadyAt            *time.Time
	FailedReason       *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	Version            int64
}

type SessionContainer struct {
	ID            string
	SessionID     string
	Name          string
	Role          string
	Image         string
	ContainerID   *string
	Endpoint      *string
	Capabilities  []string
	ObservedState string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Cargo struct {
	ID                 string
	Owner              string
	BackendHandle      string
	Kind               string
	MountPath          string
	ManagedBySandboxID *string
	CreatedAt          time.Time
	DeletedAt          *time.Time
	Version            int64
}

type IdempotencyRecord struct {
	Owner          string
	Key            string
	Scope          string
	Fingerprint    string
	Status         string // in_progress | complete
	ResponseBody   *string
	ResponseStatus *int
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

type Execution struct {
	ID          string
	SandboxID   string
	Type        string
	Input       *string
	Output      *string
	Stdout      *string
	Stderr      *string
	ExitCode    *int
	Success     bool
	DurationMs  int64
	StartedAt   time.Time
	Tags        []string
	Description *string
	Notes       *string
	CreatedAt   time.Time
}

type SkillCandidate struct {
	ID           string
	SkillKey     string
	ExecutionIDs []string
	Status       string // draft|evaluating|evaluated|promoted|rejected
	Score        *float64
	Passed       *bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type SkillRelease struct {
	ID          string
	SkillKey    string
	CandidateID string
	Version     int
	Stage       string // canary|stable|rolled_back
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type GCLease struct {
	TaskName  string
	Holder    string
	ExpiresAt time.Time
}
