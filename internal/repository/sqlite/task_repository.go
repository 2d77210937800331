package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"segmentd/internal/domain"
	"segmentd/internal/repository"
)

const createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	final_url TEXT NOT NULL DEFAULT '',
	file_name TEXT NOT NULL DEFAULT '',
	directory TEXT NOT NULL DEFAULT '',
	mime_type TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 1,
	threads INTEGER NOT NULL DEFAULT 0,
	total_size INTEGER NOT NULL DEFAULT 0,
	downloaded INTEGER NOT NULL DEFAULT 0,
	progress REAL NOT NULL DEFAULT 0,
	speed REAL NOT NULL DEFAULT 0,
	display_speed TEXT NOT NULL DEFAULT '',
	eta TEXT NOT NULL DEFAULT '',
	connections INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	retry_count INTEGER NOT NULL DEFAULT 0,
	manually_paused INTEGER NOT NULL DEFAULT 0,
	is_torrent INTEGER NOT NULL DEFAULT 0,
	seeds INTEGER NOT NULL DEFAULT 0,
	peers INTEGER NOT NULL DEFAULT 0,
	upload_speed REAL NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	completed_at DATETIME NULL
);
`

const taskColumns = `id, url, final_url, file_name, directory, mime_type, status, priority, threads, total_size, downloaded, progress, speed, display_speed, eta, connections, error_message, retry_count, manually_paused, is_torrent, seeds, peers, upload_speed, info_hash, archive_location, created_at, updated_at, completed_at`

type TaskRepository struct {
	db *sql.DB
}

func NewTaskRepository(db *sql.DB) repository.TaskRepository {
	return &TaskRepository{db: db}
}

func (r *TaskRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, createTasksTable); err != nil {
		return fmt.Errorf("create tasks table: %w", err)
	}
	return r.ensureTaskColumns(ctx)
}

// ensureTaskColumns adds columns introduced after the first schema.
func (r *TaskRepository) ensureTaskColumns(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx, `PRAGMA table_info(tasks)`)
	if err != nil {
		return fmt.Errorf("describe tasks table: %w", err)
	}
	defer rows.Close()

	columns := map[string]struct{}{}
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue any
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return fmt.Errorf("scan pragma table info: %w", err)
		}
		columns[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate pragma table info: %w", err)
	}

	for _, col := range []struct{ name, ddl string }{
		{"info_hash", `ALTER TABLE tasks ADD COLUMN info_hash TEXT NOT NULL DEFAULT ''`},
		{"archive_location", `ALTER TABLE tasks ADD COLUMN archive_location TEXT NOT NULL DEFAULT ''`},
	} {
		if _, exists := columns[col.name]; exists {
			continue
		}
		if _, err := r.db.ExecContext(ctx, col.ddl); err != nil {
			return fmt.Errorf("add column %s: %w", col.name, err)
		}
	}
	return nil
}

func (r *TaskRepository) Create(ctx context.Context, task *domain.Task) error {
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
INSERT INTO tasks (`+taskColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID,
		task.URL,
		task.FinalURL,
		task.FileName,
		task.Directory,
		task.MimeType,
		string(task.Status),
		int(task.Priority),
		task.Threads,
		task.TotalSize,
		task.Downloaded,
		task.Progress,
		task.Speed,
		task.DisplaySpeed,
		task.ETA,
		task.Connections,
		task.ErrorMessage,
		task.RetryCount,
		task.ManuallyPaused,
		task.IsTorrent,
		task.Seeds,
		task.Peers,
		task.UploadSpeed,
		task.InfoHash,
		task.ArchiveLocation,
		task.CreatedAt.UTC(),
		task.UpdatedAt,
		nullTime(task.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (r *TaskRepository) Update(ctx context.Context, task *domain.Task) error {
	task.UpdatedAt = time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks
SET url=?, final_url=?, file_name=?, directory=?, mime_type=?, status=?, priority=?, threads=?, total_size=?, downloaded=?, progress=?, speed=?, display_speed=?, eta=?, connections=?, error_message=?, retry_count=?, manually_paused=?, is_torrent=?, seeds=?, peers=?, upload_speed=?, info_hash=?, archive_location=?, updated_at=?, completed_at=?
WHERE id=?`,
		task.URL,
		task.FinalURL,
		task.FileName,
		task.Directory,
		task.MimeType,
		string(task.Status),
		int(task.Priority),
		task.Threads,
		task.TotalSize,
		task.Downloaded,
		task.Progress,
		task.Speed,
		task.DisplaySpeed,
		task.ETA,
		task.Connections,
		task.ErrorMessage,
		task.RetryCount,
		task.ManuallyPaused,
		task.IsTorrent,
		task.Seeds,
		task.Peers,
		task.UploadSpeed,
		task.InfoHash,
		task.ArchiveLocation,
		task.UpdatedAt,
		nullTime(task.CompletedAt),
		task.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return requireRow(res)
}

func (r *TaskRepository) UpdateStatus(ctx context.Context, id string, status domain.TaskStatus, errorMessage string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks
SET status=?, error_message=?, updated_at=?
WHERE id=?`,
		string(status),
		errorMessage,
		time.Now().UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return requireRow(res)
}

func (r *TaskRepository) UpdateProgress(ctx context.Context, task *domain.Task) error {
	task.UpdatedAt = time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
UPDATE tasks
SET total_size=?, downloaded=?, progress=?, speed=?, display_speed=?, eta=?, connections=?, seeds=?, peers=?, upload_speed=?, updated_at=?
WHERE id=?`,
		task.TotalSize,
		task.Downloaded,
		task.Progress,
		task.Speed,
		task.DisplaySpeed,
		task.ETA,
		task.Connections,
		task.Seeds,
		task.Peers,
		task.UploadSpeed,
		task.UpdatedAt,
		task.ID,
	)
	if err != nil {
		return fmt.Errorf("update task progress: %w", err)
	}
	return nil
}

func (r *TaskRepository) Delete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_files WHERE task_id=?`, id); err != nil {
		return fmt.Errorf("delete task files: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit task delete: %w", err)
	}
	return nil
}

func (r *TaskRepository) Get(ctx context.Context, id string) (*domain.Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row)
}

func (r *TaskRepository) List(ctx context.Context) ([]domain.Task, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	return collectTasks(rows)
}

func (r *TaskRepository) ListByStatuses(ctx context.Context, statuses ...domain.TaskStatus) ([]domain.Task, error) {
	if len(statuses) == 0 {
		return []domain.Task{}, nil
	}

	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, status := range statuses {
		placeholders[i] = "?"
		args[i] = string(status)
	}

	query := fmt.Sprintf(`SELECT `+taskColumns+` FROM tasks WHERE status IN (%s) ORDER BY priority DESC, created_at ASC, id ASC`,
		strings.Join(placeholders, ","))
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks by status: %w", err)
	}
	return collectTasks(rows)
}

func (r *TaskRepository) MarkInterrupted(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks
SET status=?, speed=0, display_speed='', eta='', connections=0, updated_at=?
WHERE status=?`,
		string(domain.TaskStatusPaused),
		time.Now().UTC(),
		string(domain.TaskStatusDownloading),
	)
	if err != nil {
		return 0, fmt.Errorf("mark interrupted tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("interrupted rows affected: %w", err)
	}
	return n, nil
}

func collectTasks(rows *sql.Rows) ([]domain.Task, error) {
	defer rows.Close()
	var tasks []domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

func scanTask(scanner interface {
	Scan(dest ...any) error
}) (*domain.Task, error) {
	var (
		task        domain.Task
		status      string
		priority    int
		createdAt   time.Time
		updatedAt   time.Time
		completedAt sql.NullTime
	)

	if err := scanner.Scan(
		&task.ID,
		&task.URL,
		&task.FinalURL,
		&task.FileName,
		&task.Directory,
		&task.MimeType,
		&status,
		&priority,
		&task.Threads,
		&task.TotalSize,
		&task.Downloaded,
		&task.Progress,
		&task.Speed,
		&task.DisplaySpeed,
		&task.ETA,
		&task.Connections,
		&task.ErrorMessage,
		&task.RetryCount,
		&task.ManuallyPaused,
		&task.IsTorrent,
		&task.Seeds,
		&task.Peers,
		&task.UploadSpeed,
		&task.InfoHash,
		&task.ArchiveLocation,
		&createdAt,
		&updatedAt,
		&completedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrTaskNotFound
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}

	task.Status = domain.TaskStatus(status)
	task.Priority = domain.Priority(priority)
	task.CreatedAt = createdAt.Local()
	task.UpdatedAt = updatedAt.Local()
	if completedAt.Valid {
		t := completedAt.Time.Local()
		task.CompletedAt = &t
	}
	return &task, nil
}

func requireRow(res sql.Result) error {
	aff, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if aff == 0 {
		return repository.ErrTaskNotFound
	}
	return nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
