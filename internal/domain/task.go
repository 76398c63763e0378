package domain

import "time"

type TaskStatus string

const (
	TaskStatusQueued      TaskStatus = "queued"
	TaskStatusDownloading TaskStatus = "downloading"
	TaskStatusPaused      TaskStatus = "paused"
	TaskStatusCompleted   TaskStatus = "completed"
	TaskStatusFailed      TaskStatus = "failed"
	TaskStatusCanceled    TaskStatus = "canceled"
)

// Terminal reports whether a task in this status has finished for good.
// Failed and Canceled tasks re-enter the queue only through retry, which
// allocates a fresh task.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCanceled:
		return true
	}
	return false
}

type TaskPriority int

const (
	PriorityLow    TaskPriority = 0
	PriorityNormal TaskPriority = 1
	PriorityHigh   TaskPriority = 2
)

func (p TaskPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

// ParsePriority maps the wire representation back to a TaskPriority.
func ParsePriority(s string) (TaskPriority, bool) {
	switch s {
	case "low":
		return PriorityLow, true
	case "normal":
		return PriorityNormal, true
	case "high":
		return PriorityHigh, true
	}
	return PriorityNormal, false
}

type Protocol string

const (
	ProtocolNone        Protocol = ""
	ProtocolLocal       Protocol = "local"
	ProtocolChunk       Protocol = "chunk"
	ProtocolMultiSource Protocol = "multisource"
	ProtocolStream      Protocol = "stream"
)

// Descriptor carries the caller-supplied fields of a download request.
// Everything else on a Task is derived or assigned by the engine.
type Descriptor struct {
	ContentHash        string
	Name               string
	Size               int64
	OutputPath         string
	SourceAddresses    []string
	ContentIdentifiers []string
	IsEncrypted        bool
	ManifestRef        string
	Priority           TaskPriority

	// ForcedProtocol skips transport selection when set. Used by callers
	// that already know how the content must be fetched.
	ForcedProtocol Protocol
}

// Task is a single tracked download. All mutation happens inside the
// engine's event loop; readers receive copies.
type Task struct {
	ID                 string
	ContentHash        string
	Name               string
	Size               int64
	Status             TaskStatus
	Priority           TaskPriority
	Protocol           Protocol
	ProgressPercent    float64
	SpeedBytesPerSec   int64
	ETASeconds         int64 // -1 when unknown
	DownloadedBytes    int64
	SourceAddresses    []string
	ContentIdentifiers []string
	DownloadedChunks   map[int]struct{}
	OutputPath         string
	IsEncrypted        bool
	ManifestRef        string
	ForcedProtocol     Protocol
	ArchiveLocation    string
	ErrorMessage       string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	CompletedAt        *time.Time

	// PeerStates holds per-peer sub-progress for multi-source transfers,
	// kept for observability only. It never drives ProgressPercent.
	PeerStates map[string]PeerState
}

type PeerState string

const (
	PeerStateDownloading PeerState = "downloading"
	PeerStateCompleted   PeerState = "completed"
	PeerStateFailed      PeerState = "failed"
)

// ChunkCount returns how many chunk addresses the task carries.
func (t *Task) ChunkCount() int {
	return len(t.ContentIdentifiers)
}

// Clone returns a deep copy safe to hand outside the event loop.
func (t *Task) Clone() Task {
	out := *t
	out.SourceAddresses = append([]string(nil), t.SourceAddresses...)
	out.ContentIdentifiers = append([]string(nil), t.ContentIdentifiers...)
	if t.DownloadedChunks != nil {
		out.DownloadedChunks = make(map[int]struct{}, len(t.DownloadedChunks))
		for i := range t.DownloadedChunks {
			out.DownloadedChunks[i] = struct{}{}
		}
	}
	if t.PeerStates != nil {
		out.PeerStates = make(map[string]PeerState, len(t.PeerStates))
		for k, v := range t.PeerStates {
			out.PeerStates[k] = v
		}
	}
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		out.CompletedAt = &at
	}
	return out
}

// SourceRange assigns one peer a contiguous slice of a multi-source
// transfer. Assignments are ephemeral and never persisted.
type SourceRange struct {
	Peer   string
	Offset int64
	Length int64
}

// HistoryEntry is an immutable snapshot of a task at the moment it
// reached a terminal status, keyed by (ContentHash, TerminalAt).
type HistoryEntry struct {
	ContentHash string     `json:"content_hash"`
	TerminalAt  time.Time  `json:"terminal_at"`
	Status      TaskStatus `json:"status"`
	Name        string     `json:"name"`
	Size        int64      `json:"size"`
	Protocol    Protocol   `json:"protocol"`
	Progress    float64    `json:"progress"`
	OutputPath  string     `json:"output_path"`
	Reason      string     `json:"reason,omitempty"`
}
