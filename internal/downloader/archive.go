package downloader

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"segmentd/internal/domain"
	"segmentd/internal/events"
	"segmentd/internal/storage"
	"segmentd/internal/units"
)

// archive uploads a completed download. A failed upload leaves the task
// completed; the local copy is kept either way.
func (m *manager) archive(ctx context.Context, e *entry, logger *logrus.Entry) {
	task := e.snapshot()
	if task.FileName == "" {
		logger.Warn("archive skipped: task has no file name")
		return
	}
	localPath := filepath.Join(task.Directory, task.FileName)

	progressLogger := newUploadProgressLogger(logger)
	logger.Infof("archive started from %s", localPath)
	dest, err := m.archiver.Archive(ctx, localPath, storage.ArchiveOptions{
		KeyPrefix:        fmt.Sprintf("task-%s", task.ID),
		ProgressCallback: progressLogger,
	})
	if err != nil {
		logger.Warnf("archive: %v", err)
		return
	}

	snap := e.update(func(t *domain.Task) { t.ArchiveLocation = dest })
	m.save(snap)
	m.publish(events.StateChanged, snap)
	logger.Infof("task archived to %s", dest)
}

func newUploadProgressLogger(logger *logrus.Entry) func(done, total int64) {
	var lastLog time.Time
	return func(done, total int64) {
		now := time.Now()
		if now.Sub(lastLog) < 500*time.Millisecond && done != total {
			return
		}
		lastLog = now
		if total == 0 {
			logger.Infof("upload progress: %s uploaded", units.FormatBytes(done))
			return
		}
		percent := float64(done) / float64(total) * 100
		logger.Infof("upload progress: %.1f%% (%s/%s)", percent, units.FormatBytes(done), units.FormatBytes(total))
	}
}
