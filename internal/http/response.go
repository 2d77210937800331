package http

import (
	"time"

	"segmentd/internal/domain"
	"segmentd/internal/probe"
	"segmentd/internal/storage"
)

type TaskResponse struct {
	ID              string             `json:"id"`
	URL             string             `json:"url"`
	FinalURL        string             `json:"final_url,omitempty"`
	FileName        string             `json:"file_name"`
	Directory       string             `json:"directory"`
	MimeType        string             `json:"mime_type,omitempty"`
	Status          domain.TaskStatus  `json:"status"`
	Priority        string             `json:"priority"`
	Progress        float64            `json:"progress"`
	Speed           float64            `json:"speed"`
	DisplaySpeed    string             `json:"display_speed"`
	ETA             string             `json:"eta"`
	DownloadedBytes int64              `json:"downloaded_bytes"`
	TotalSize       int64              `json:"total_size"`
	Threads         int                `json:"threads"`
	Connections     int                `json:"connections"`
	RetryCount      int                `json:"retry_count"`
	ManuallyPaused  bool               `json:"manually_paused"`
	IsTorrent       bool               `json:"is_torrent"`
	Seeds           int                `json:"seeds,omitempty"`
	Peers           int                `json:"peers,omitempty"`
	UploadSpeed     float64            `json:"upload_speed,omitempty"`
	InfoHash        string             `json:"info_hash,omitempty"`
	ArchiveLocation string             `json:"archive_location,omitempty"`
	ErrorMessage    string             `json:"error_message,omitempty"`
	CreatedAt       string             `json:"created_at"`
	UpdatedAt       string             `json:"updated_at"`
	CompletedAt     *string            `json:"completed_at,omitempty"`
	Files           []TaskFileResponse `json:"files"`
}

type TaskFileResponse struct {
	ID       int64  `json:"id"`
	TaskID   string `json:"task_id"`
	Name     string `json:"name"`
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	Priority int    `json:"priority"`
}

type StorageObjectResponse struct {
	Key          string  `json:"key"`
	Size         int64   `json:"size"`
	LastModified *string `json:"last_modified,omitempty"`
}

type ClassifyResponse struct {
	URL           string `json:"url"`
	Downloadable  bool   `json:"downloadable"`
	Reason        string `json:"reason,omitempty"`
	FinalURL      string `json:"final_url,omitempty"`
	FileName      string `json:"file_name,omitempty"`
	MimeType      string `json:"mime_type,omitempty"`
	FileSize      int64  `json:"file_size,omitempty"`
	AcceptsRanges bool   `json:"accepts_ranges"`
	Redirects     int    `json:"redirects"`
}

type ProbeResponse struct {
	Profile          probe.Profile `json:"profile"`
	EffectiveThreads int           `json:"effective_threads"`
	Warning          string        `json:"warning,omitempty"`
	Chunks           int           `json:"chunks"`
}

func objectToResponse(obj storage.ObjectInfo) StorageObjectResponse {
	resp := StorageObjectResponse{
		Key:  obj.Key,
		Size: obj.Size,
	}
	if obj.LastModified != nil && !obj.LastModified.IsZero() {
		v := obj.LastModified.Format(time.RFC3339)
		resp.LastModified = &v
	}
	return resp
}

func taskToResponse(task domain.Task) TaskResponse {
	resp := TaskResponse{
		ID:              task.ID,
		URL:             task.URL,
		FinalURL:        task.FinalURL,
		FileName:        task.FileName,
		Directory:       task.Directory,
		MimeType:        task.MimeType,
		Status:          task.Status,
		Priority:        task.Priority.String(),
		Progress:        task.Progress,
		Speed:           task.Speed,
		DisplaySpeed:    task.DisplaySpeed,
		ETA:             task.ETA,
		DownloadedBytes: task.Downloaded,
		TotalSize:       task.TotalSize,
		Threads:         task.Threads,
		Connections:     task.Connections,
		RetryCount:      task.RetryCount,
		ManuallyPaused:  task.ManuallyPaused,
		IsTorrent:       task.IsTorrent,
		Seeds:           task.Seeds,
		Peers:           task.Peers,
		UploadSpeed:     task.UploadSpeed,
		InfoHash:        task.InfoHash,
		ArchiveLocation: task.ArchiveLocation,
		ErrorMessage:    task.ErrorMessage,
		CreatedAt:       task.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       task.UpdatedAt.Format(time.RFC3339),
		Files:           make([]TaskFileResponse, len(task.Files)),
	}
	if task.CompletedAt != nil {
		v := task.CompletedAt.Format(time.RFC3339)
		resp.CompletedAt = &v
	}

	for i := range task.Files {
		resp.Files[i] = TaskFileResponse{
			ID:       task.Files[i].ID,
			TaskID:   task.Files[i].TaskID,
			Name:     task.Files[i].Name,
			Path:     task.Files[i].Path,
			Size:     task.Files[i].Size,
			Priority: task.Files[i].Priority,
		}
	}
	return resp
}
