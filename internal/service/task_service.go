package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"segmentd/internal/domain"
	"segmentd/internal/repository"
)

// ErrInvalidInput marks a task request that can never succeed as given.
var ErrInvalidInput = errors.New("invalid task input")

// CreateTaskInput is what a user supplies to start a transfer.
type CreateTaskInput struct {
	URL       string
	Directory string
	FileName  string
	Threads   int
	Priority  domain.Priority
	IsTorrent bool
}

// TaskService coordinates task level operations backed by repositories.
type TaskService interface {
	CreateTask(ctx context.Context, in CreateTaskInput) (*domain.Task, error)
	GetTask(ctx context.Context, id string) (*domain.Task, error)
	ListTasks(ctx context.Context) ([]domain.Task, error)
	ListByStatuses(ctx context.Context, statuses ...domain.TaskStatus) ([]domain.Task, error)
	Save(ctx context.Context, task *domain.Task) error
	UpdateStatus(ctx context.Context, id string, status domain.TaskStatus, errMsg string) error
	UpdateProgress(ctx context.Context, task *domain.Task) error
	ReplaceFiles(ctx context.Context, taskID string, files []domain.TaskFile) error
	DeleteTask(ctx context.Context, id string) error
	RecoverInterrupted(ctx context.Context) (int64, error)
}

type taskService struct {
	tasks repository.TaskRepository
	files repository.TaskFileRepository
}

func NewTaskService(tasks repository.TaskRepository, files repository.TaskFileRepository) TaskService {
	return &taskService{
		tasks: tasks,
		files: files,
	}
}

func (s *taskService) CreateTask(ctx context.Context, in CreateTaskInput) (*domain.Task, error) {
	in.URL = strings.TrimSpace(in.URL)
	if in.URL == "" {
		return nil, fmt.Errorf("%w: url is required", ErrInvalidInput)
	}
	if in.Directory == "" {
		return nil, fmt.Errorf("%w: directory is required", ErrInvalidInput)
	}
	if in.Threads < 0 {
		return nil, fmt.Errorf("%w: invalid thread count %d", ErrInvalidInput, in.Threads)
	}
	name := strings.TrimSpace(in.FileName)
	if name != "" {
		name = filepath.Base(name)
		if name == "." || name == ".." || name == string(filepath.Separator) {
			return nil, fmt.Errorf("%w: invalid file name %q", ErrInvalidInput, in.FileName)
		}
	}

	task := &domain.Task{
		ID:        uuid.NewString(),
		URL:       in.URL,
		FileName:  name,
		Directory: filepath.Clean(in.Directory),
		Status:    domain.TaskStatusWaiting,
		Priority:  in.Priority,
		Threads:   in.Threads,
		IsTorrent: in.IsTorrent,
	}

	if err := s.tasks.Create(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

func (s *taskService) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	task, err := s.tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	files, err := s.files.ListByTask(ctx, id)
	if err != nil {
		return nil, err
	}
	task.Files = files
	return task, nil
}

func (s *taskService) ListTasks(ctx context.Context) ([]domain.Task, error) {
	tasks, err := s.tasks.List(ctx)
	if err != nil {
		return nil, err
	}
	return s.withFiles(ctx, tasks)
}

func (s *taskService) ListByStatuses(ctx context.Context, statuses ...domain.TaskStatus) ([]domain.Task, error) {
	tasks, err := s.tasks.ListByStatuses(ctx, statuses...)
	if err != nil {
		return nil, err
	}
	return s.withFiles(ctx, tasks)
}

func (s *taskService) withFiles(ctx context.Context, tasks []domain.Task) ([]domain.Task, error) {
	for i := range tasks {
		if !tasks[i].IsTorrent {
			continue
		}
		files, err := s.files.ListByTask(ctx, tasks[i].ID)
		if err != nil {
			return nil, err
		}
		tasks[i].Files = files
	}
	return tasks, nil
}

func (s *taskService) Save(ctx context.Context, task *domain.Task) error {
	return s.tasks.Update(ctx, task)
}

func (s *taskService) UpdateStatus(ctx context.Context, id string, status domain.TaskStatus, errMsg string) error {
	return s.tasks.UpdateStatus(ctx, id, status, errMsg)
}

func (s *taskService) UpdateProgress(ctx context.Context, task *domain.Task) error {
	return s.tasks.UpdateProgress(ctx, task)
}

func (s *taskService) ReplaceFiles(ctx context.Context, taskID string, files []domain.TaskFile) error {
	for i := range files {
		files[i].TaskID = taskID
	}
	return s.files.ReplaceForTask(ctx, taskID, files)
}

func (s *taskService) DeleteTask(ctx context.Context, id string) error {
	return s.tasks.Delete(ctx, id)
}

func (s *taskService) RecoverInterrupted(ctx context.Context) (int64, error) {
	return s.tasks.MarkInterrupted(ctx)
}
