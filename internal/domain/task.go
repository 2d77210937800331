package domain

import (
	"fmt"
	"time"
)

type TaskStatus string

const (
	TaskStatusWaiting     TaskStatus = "waiting"
	TaskStatusDownloading TaskStatus = "downloading"
	TaskStatusPaused      TaskStatus = "paused"
	TaskStatusCompleted   TaskStatus = "completed"
	TaskStatusFailed      TaskStatus = "failed"
	TaskStatusCancelled   TaskStatus = "cancelled"
)

var transitions = map[TaskStatus][]TaskStatus{
	TaskStatusWaiting:     {TaskStatusDownloading, TaskStatusPaused, TaskStatusCancelled, TaskStatusFailed},
	TaskStatusDownloading: {TaskStatusPaused, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled, TaskStatusWaiting},
	TaskStatusPaused:      {TaskStatusDownloading, TaskStatusWaiting, TaskStatusCancelled},
	TaskStatusFailed:      {TaskStatusDownloading, TaskStatusWaiting},
}

// CanTransition reports whether the lifecycle allows moving from s to next.
// Failed tasks may be resumed; completed and cancelled tasks are final.
// A downloading task returns to waiting when it loses its slot.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusWaiting, TaskStatusDownloading, TaskStatusPaused,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "normal"
	}
}

// ParsePriority accepts the names returned by String. Empty means normal.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Task is a serializable snapshot of one transfer.
type Task struct {
	ID              string     `json:"id"`
	URL             string     `json:"url"`
	FinalURL        string     `json:"final_url,omitempty"`
	FileName        string     `json:"file_name"`
	Directory       string     `json:"directory"`
	MimeType        string     `json:"mime_type,omitempty"`
	TotalSize       int64      `json:"total_size"`
	Downloaded      int64      `json:"downloaded"`
	Progress        float64    `json:"progress"`
	Speed           float64    `json:"speed"`
	DisplaySpeed    string     `json:"display_speed,omitempty"`
	ETA             string     `json:"eta,omitempty"`
	Status          TaskStatus `json:"status"`
	Priority        Priority   `json:"priority"`
	Threads         int        `json:"threads"`
	Connections     int        `json:"connections"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	RetryCount      int        `json:"retry_count"`
	ManuallyPaused  bool       `json:"manually_paused"`
	IsTorrent       bool       `json:"is_torrent"`
	Seeds           int        `json:"seeds,omitempty"`
	Peers           int        `json:"peers,omitempty"`
	UploadSpeed     float64    `json:"upload_speed,omitempty"`
	InfoHash        string     `json:"info_hash,omitempty"`
	ArchiveLocation string     `json:"archive_location,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Files           []TaskFile `json:"files,omitempty"`
}

// Clone returns a copy that shares nothing mutable with t.
func (t *Task) Clone() Task {
	c := *t
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	if t.Files != nil {
		c.Files = append([]TaskFile(nil), t.Files...)
	}
	return c
}

// TaskFile captures an individual file discovered within a torrent.
type TaskFile struct {
	ID       int64  `json:"id"`
	TaskID   string `json:"task_id"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	Path     string `json:"path"`
	Priority int    `json:"priority"`
}
