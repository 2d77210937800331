package repository

import (
	"context"
	"errors"

	"segmentd/internal/domain"
)

var ErrTaskNotFound = errors.New("task not found")

// TaskRepository exposes persistence operations for Task aggregates.
type TaskRepository interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, task *domain.Task) error
	Update(ctx context.Context, task *domain.Task) error
	UpdateStatus(ctx context.Context, id string, status domain.TaskStatus, errorMessage string) error
	// UpdateProgress writes only the transfer counters and display fields.
	UpdateProgress(ctx context.Context, task *domain.Task) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*domain.Task, error)
	List(ctx context.Context) ([]domain.Task, error)
	ListByStatuses(ctx context.Context, statuses ...domain.TaskStatus) ([]domain.Task, error)
	// MarkInterrupted turns tasks left downloading by a previous run into
	// paused ones and returns how many were changed.
	MarkInterrupted(ctx context.Context) (int64, error)
}

// TaskFileRepository manages torrent file metadata.
type TaskFileRepository interface {
	Init(ctx context.Context) error
	ReplaceForTask(ctx context.Context, taskID string, files []domain.TaskFile) error
	ListByTask(ctx context.Context, taskID string) ([]domain.TaskFile, error)
}
