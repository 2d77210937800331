package downloader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"segmentd/internal/aria2"
	"segmentd/internal/diskspace"
	"segmentd/internal/domain"
	"segmentd/internal/events"
	"segmentd/internal/probe"
	"segmentd/internal/process"
	"segmentd/internal/progress"
	"segmentd/internal/speed"
)

// run drives one task from admission to a final state, retrying failed
// attempts within the backoff budget.
func (m *manager) run(ctx context.Context, e *entry, resume bool) {
	defer m.wg.Done()
	m.supervisor.Begin()

	id := e.snapshot().ID
	logger := m.cfg.Logger.WithField("task_id", id)
	defer func() {
		m.supervisor.End()
		e.mu.Lock()
		if e.cancel != nil {
			e.cancel()
		}
		close(e.done)
		e.done = nil
		e.cancel = nil
		e.proc = nil
		e.mu.Unlock()
		m.schedule()
	}()

	for {
		err := m.attempt(ctx, e, resume, logger)
		if reason := m.stopRequested(ctx, e); reason != stopNone {
			m.finishStopped(e, reason, logger)
			return
		}
		if err == nil {
			m.finishCompleted(ctx, e, logger)
			return
		}

		retries := e.snapshot().RetryCount
		if !retryable(err) || m.cfg.Retry.Exhausted(retries) {
			m.finishFailed(e, err, logger)
			return
		}
		snap := e.update(func(t *domain.Task) {
			t.RetryCount++
			t.Speed = 0
			t.Connections = 0
		})
		m.save(snap)
		logger.Warnf("attempt %d failed, retrying: %v", retries+1, err)

		if werr := m.cfg.Retry.Wait(ctx, retries); werr != nil {
			reason := m.stopRequested(ctx, e)
			if reason == stopNone {
				reason = stopShutdown
			}
			m.finishStopped(e, reason, logger)
			return
		}
		resume = true
	}
}

func retryable(err error) bool {
	var r interface{ Retryable() bool }
	return errors.As(err, &r) && r.Retryable()
}

func (m *manager) stopRequested(ctx context.Context, e *entry) stopReason {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stop == stopNone && ctx.Err() != nil {
		return stopShutdown
	}
	return e.stop
}

// attempt runs the external downloader once and returns nil only on a clean
// exit.
func (m *manager) attempt(ctx context.Context, e *entry, resume bool, logger *logrus.Entry) error {
	if err := m.prepare(ctx, e, logger); err != nil {
		return err
	}
	task := e.snapshot()

	conns, splits := m.plan(ctx, task, logger)
	if err := os.MkdirAll(task.Directory, 0o755); err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	if task.TotalSize > 0 {
		if err := diskspace.Check(task.Directory, task.TotalSize-task.Downloaded, m.cfg.DiskMargin); err != nil {
			return err
		}
	}

	source := task.URL
	if task.FinalURL != "" && !task.IsTorrent {
		source = task.FinalURL
	}
	args := aria2.Args(aria2.Options{
		URL:           source,
		Dir:           task.Directory,
		FileName:      task.FileName,
		Connections:   conns,
		Splits:        splits,
		MinSplitSize:  m.cfg.MinSplitSize,
		Resume:        resume,
		DownloadLimit: m.cfg.DownloadLimit,
		UploadLimit:   m.cfg.UploadLimit,
		Torrent:       task.IsTorrent,
		UserAgent:     m.cfg.UserAgent,
		MaxTries:      m.cfg.MaxTries,
	})

	m.speed.Reset(task.ID)
	if resume {
		m.speed.MarkAsResuming(task.ID)
	}

	e.mu.Lock()
	if e.stop != stopNone || ctx.Err() != nil {
		e.mu.Unlock()
		return errStopped
	}
	h, err := m.supervisor.Spawn(task.ID, process.Spec{Path: m.cfg.Aria2Path, Args: args, Dir: task.Directory})
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("start downloader: %w", err)
	}
	e.proc = h
	e.task.Status = domain.TaskStatusDownloading
	e.task.Threads = conns
	e.task.ErrorMessage = ""
	e.task.DisplaySpeed = speed.Starting
	if resume {
		e.task.DisplaySpeed = speed.Resuming
	}
	e.task.ETA = speed.NoETA
	e.sample = progress.Sample{Downloaded: e.task.Downloaded, Total: e.task.TotalSize}
	snap := e.task.Clone()
	e.mu.Unlock()

	m.save(snap)
	m.publish(events.StateChanged, snap)
	logger.Infof("downloading with %d connection(s), resume=%t", conns, resume)

	stalled := m.monitor(e, h, task.IsTorrent, logger)

	_ = h.Wait()
	if stalled {
		return &stallError{after: m.cfg.StallTimeout}
	}
	if h.CancelRequested() {
		return errStopped
	}
	switch code := h.ExitCode(); {
	case code == 0:
		return nil
	case code < 0:
		return errUnexpectedExit
	default:
		return &aria2.ExitError{Code: code}
	}
}

// prepare fills in what the task needs before the first spawn: torrent
// metadata, or the resolved name, type and size of a plain URL.
func (m *manager) prepare(ctx context.Context, e *entry, logger *logrus.Entry) error {
	task := e.snapshot()
	if task.IsTorrent {
		if task.InfoHash != "" || m.torrents == nil {
			return nil
		}
		meta, err := m.torrents.Inspect(ctx, task.URL)
		if err != nil {
			return fmt.Errorf("inspect torrent: %w", err)
		}
		files := make([]domain.TaskFile, 0, len(meta.Files))
		for _, f := range meta.Files {
			files = append(files, domain.TaskFile{
				TaskID:   task.ID,
				Name:     filepath.Base(f.Path),
				Path:     f.Path,
				Size:     f.Size,
				Priority: 1,
			})
		}
		if len(files) > 0 {
			if err := m.store.ReplaceFiles(ctx, task.ID, files); err != nil {
				return fmt.Errorf("save torrent files: %w", err)
			}
		}
		snap := e.update(func(t *domain.Task) {
			t.InfoHash = meta.InfoHash
			if t.FileName == "" {
				t.FileName = meta.Name
			}
			if meta.TotalSize > 0 {
				t.TotalSize = meta.TotalSize
			}
			t.Files = files
		})
		m.save(snap)
		logger.Infof("torrent %s: %s, %d file(s)", meta.InfoHash, meta.Name, len(files))
		return nil
	}

	if task.FinalURL != "" || m.resolver == nil {
		return nil
	}
	info, err := m.resolver.Resolve(ctx, task.URL)
	if err != nil {
		return err
	}
	snap := e.update(func(t *domain.Task) {
		t.FinalURL = info.FinalURL
		t.MimeType = info.MimeType
		if t.FileName == "" {
			t.FileName = info.FileName
		}
		if info.FileSize > 0 {
			t.TotalSize = info.FileSize
		}
	})
	m.save(snap)
	logger.Infof("resolved %s as %s (%s)", task.URL, snap.FileName, snap.MimeType)
	return nil
}

// plan picks the connection and split counts for one attempt.
func (m *manager) plan(ctx context.Context, task domain.Task, logger *logrus.Entry) (int, int) {
	if task.IsTorrent || m.prober == nil {
		n := min(max(task.Threads, 1), aria2.MaxConnections)
		return n, n
	}
	target := task.FinalURL
	if target == "" {
		target = task.URL
	}
	profile := m.prober.CheckServerCapabilities(ctx, target)

	var conns int
	if task.Threads > 0 {
		var warning string
		conns, warning = probe.ValidateThreadCount(task.Threads, profile)
		if warning != "" {
			logger.Warn(warning)
		}
	} else {
		conns = probe.AutoThreadCount(profile, task.TotalSize)
	}
	if !profile.SupportsRanges {
		return 1, 1
	}
	conns = min(conns, aria2.MaxConnections)
	return conns, max(conns, probe.CalculateOptimalChunks(task.TotalSize))
}

// monitor applies output lines in the order they are produced until the
// stream closes. For non-torrent tasks it terminates the process and returns
// true once the byte count has not grown for StallTimeout.
func (m *manager) monitor(e *entry, h *process.Handle, torrent bool, logger *logrus.Entry) bool {
	e.mu.Lock()
	lastBytes := e.task.Downloaded
	e.mu.Unlock()
	lastGrowth := time.Now()
	stalled := false

	var tick <-chan time.Time
	if m.cfg.StallTimeout > 0 && !torrent {
		ticker := time.NewTicker(max(m.cfg.StallTimeout/4, 10*time.Millisecond))
		defer ticker.Stop()
		tick = ticker.C
	}

	lines := h.Lines()
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return stalled
			}
			if n, parsed := m.applyLine(e, line, logger); parsed && n > lastBytes {
				lastBytes = n
				lastGrowth = time.Now()
			}
		case now := <-tick:
			if !stalled && now.Sub(lastGrowth) >= m.cfg.StallTimeout {
				stalled = true
				logger.Warnf("no progress for %s at %d bytes, stopping downloader", m.cfg.StallTimeout, lastBytes)
				h.Terminate()
			}
		}
	}
}

// applyLine folds one output line into the task and returns the downloaded
// byte count it reports.
func (m *manager) applyLine(e *entry, line string, logger *logrus.Entry) (int64, bool) {
	s := progress.Parse(line)
	if s.Empty() {
		logger.Debugf("aria2: %s", line)
		return 0, false
	}

	e.mu.Lock()
	e.sample = progress.Merge(e.sample, s)
	cur := e.sample
	id := e.task.ID
	e.mu.Unlock()

	r := m.speed.Update(id, cur.Downloaded, cur.Total)

	e.mu.Lock()
	applySample(&e.task, cur, r)
	snap := e.task.Clone()
	persist := e.persist.Allow()
	e.mu.Unlock()

	m.publish(events.Progress, snap)
	if persist {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.store.UpdateProgress(ctx, &snap); err != nil {
			logger.Warnf("persist progress: %v", err)
		}
		cancel()
	}
	return cur.Downloaded, true
}

// stallError ends an attempt whose transfer stopped growing. It is retried
// like a transport failure.
type stallError struct {
	after time.Duration
}

func (e *stallError) Error() string {
	return fmt.Sprintf("download stalled: no progress for %s", e.after)
}

func (e *stallError) Retryable() bool { return true }

func applySample(t *domain.Task, s progress.Sample, r speed.Reading) {
	if s.Total > 0 {
		t.TotalSize = s.Total
	}
	if s.Downloaded > 0 {
		t.Downloaded = s.Downloaded
	}
	if t.TotalSize > 0 && t.Downloaded > t.TotalSize {
		t.Downloaded = t.TotalSize
	}
	switch {
	case t.TotalSize > 0:
		t.Progress = float64(t.Downloaded) / float64(t.TotalSize)
	case s.Progress > 0:
		t.Progress = s.Progress
	}
	t.Speed = r.Speed
	t.DisplaySpeed = r.DisplaySpeed
	t.ETA = r.RemainingTime
	if t.ETA == speed.NoETA && s.ETA != "" {
		t.ETA = normalizeETA(s.ETA)
	}
	t.Connections = s.Connections
	if t.IsTorrent {
		t.Seeds = s.Seeds
		t.Peers = s.Peers
		t.UploadSpeed = s.UploadSpeed
	}
}

// normalizeETA renders aria2's "4m51s" style estimate like the tracker's own.
func normalizeETA(eta string) string {
	d, err := time.ParseDuration(eta)
	if err != nil || d < 0 {
		return speed.NoETA
	}
	return speed.FormatDuration(d)
}

func clearRates(t *domain.Task) {
	t.Speed = 0
	t.DisplaySpeed = ""
	t.ETA = ""
	t.Connections = 0
	t.UploadSpeed = 0
}

func (m *manager) finishStopped(e *entry, reason stopReason, logger *logrus.Entry) {
	task := e.snapshot()
	if reason == stopCancel || reason == stopRemove {
		m.removeArtifacts(task)
	}

	snap := e.update(func(t *domain.Task) {
		switch reason {
		case stopCancel, stopRemove:
			markCancelled(t)
		default:
			t.Status = domain.TaskStatusPaused
			t.ManuallyPaused = reason == stopPause
			clearRates(t)
		}
	})
	m.save(snap)
	m.publish(events.StateChanged, snap)
	logger.Infof("task %s at %d bytes", snap.Status, snap.Downloaded)
}

func (m *manager) finishCompleted(ctx context.Context, e *entry, logger *logrus.Entry) {
	now := time.Now().UTC()
	snap := e.update(func(t *domain.Task) {
		t.Status = domain.TaskStatusCompleted
		if t.TotalSize > 0 {
			t.Downloaded = t.TotalSize
		}
		t.Progress = 1
		t.ErrorMessage = ""
		t.CompletedAt = &now
		clearRates(t)
	})
	m.save(snap)
	m.publish(events.StateChanged, snap)
	logger.Infof("download completed: %s", filepath.Join(snap.Directory, snap.FileName))

	if m.cfg.Archive && m.archiver != nil {
		m.archive(ctx, e, logger)
	}
}

func (m *manager) finishFailed(e *entry, err error, logger *logrus.Entry) {
	msg := failureMessage(err)
	snap := e.update(func(t *domain.Task) {
		t.Status = domain.TaskStatusFailed
		t.ErrorMessage = msg
		clearRates(t)
	})
	m.save(snap)
	m.publish(events.StateChanged, snap)
	logger.Error(msg)
}

func failureMessage(err error) string {
	var exitErr *aria2.ExitError
	if errors.As(err, &exitErr) {
		return aria2.ExitMessage(exitErr.Code)
	}
	return err.Error()
}

// removeArtifacts deletes the partial file and the downloader's control file.
func (m *manager) removeArtifacts(task domain.Task) {
	for _, p := range aria2.PartialArtifacts(task.Directory, task.FileName) {
		if err := os.RemoveAll(p); err != nil && !os.IsNotExist(err) {
			m.cfg.Logger.WithField("task_id", task.ID).Warnf("remove %s: %v", p, err)
		}
	}
}
