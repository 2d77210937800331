package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"segmentd/internal/classify"
	"segmentd/internal/domain"
	"segmentd/internal/events"
	"segmentd/internal/fetch"
	"segmentd/internal/probe"
	"segmentd/internal/process"
	"segmentd/internal/repository/sqlite"
	"segmentd/internal/retry"
	"segmentd/internal/service"
)

// scriptHeader records the arguments and invocation count, then leaves
// $n, $dir and $out for the body.
const scriptHeader = `#!/bin/sh
printf '%%s\n' "$*" >> %q
n=$(cat %q 2>/dev/null || echo 0)
n=$((n+1))
echo "$n" > %q
dir=.
out=download
while [ $# -gt 0 ]; do
  case "$1" in
    -d) dir="$2"; shift ;;
    -o) out="$2"; shift ;;
  esac
  shift
done
`

type fakeResolver struct{ err error }

func (f fakeResolver) Resolve(_ context.Context, rawURL string) (fetch.FileInfo, error) {
	if f.err != nil {
		return fetch.FileInfo{}, f.err
	}
	return fetch.FileInfo{
		URL:           rawURL,
		FinalURL:      rawURL,
		FileName:      path.Base(rawURL),
		MimeType:      "video/mp4",
		FileSize:      1000,
		AcceptsRanges: true,
	}, nil
}

type fakeProber struct{ maxConns int }

func (f fakeProber) CheckServerCapabilities(context.Context, string) probe.Profile {
	conns := f.maxConns
	if conns == 0 {
		conns = 16
	}
	return probe.Profile{SupportsRanges: true, MaxConnections: conns, RecommendedThreads: 8, Class: probe.ClassStandard, ContentLength: 1000}
}

type harness struct {
	m         Manager
	svc       service.TaskService
	root      string
	argsFile  string
	countFile string
}

func newTaskService(t *testing.T, dir string) service.TaskService {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(dir, "tasks.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	tasks := sqlite.NewTaskRepository(db)
	files := sqlite.NewTaskFileRepository(db)
	if err := tasks.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := files.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	return service.NewTaskService(tasks, files)
}

func newHarness(t *testing.T, body string, configure func(*Config, *Deps)) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		root:      filepath.Join(dir, "downloads"),
		argsFile:  filepath.Join(dir, "args.log"),
		countFile: filepath.Join(dir, "count"),
	}
	script := filepath.Join(dir, "fake-aria2c")
	content := fmt.Sprintf(scriptHeader, h.argsFile, h.countFile, h.countFile) + body + "\n"
	if err := os.WriteFile(script, []byte(content), 0o755); err != nil {
		t.Fatal(err)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	h.svc = newTaskService(t, dir)

	cfg := Config{
		DownloadRoot:   h.root,
		MaxConcurrent:  2,
		StatusInterval: 10 * time.Millisecond,
		Aria2Path:      script,
		StopTimeout:    5 * time.Second,
		Retry:          retry.Backoff{MaxRetries: 3, Base: 10 * time.Millisecond, Max: 20 * time.Millisecond, Factor: 2},
		Logger:         logger,
	}
	deps := Deps{
		Tasks:      h.svc,
		Resolver:   fakeResolver{},
		Prober:     fakeProber{},
		Supervisor: process.NewSupervisor(process.Config{StopGrace: 200 * time.Millisecond, Logger: logger}),
	}
	if configure != nil {
		configure(&cfg, &deps)
	}
	h.m = NewManager(cfg, deps)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.m.Shutdown(ctx)
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func (h *harness) add(t *testing.T, req AddRequest) domain.Task {
	t.Helper()
	task, err := h.m.Add(context.Background(), req)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	return task
}

func (h *harness) invocations(t *testing.T) []string {
	t.Helper()
	data, err := os.ReadFile(h.argsFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		t.Fatal(err)
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func waitFor(t *testing.T, m Manager, id string, desc string, ok func(domain.Task) bool) domain.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if task, err := m.Get(id); err == nil && ok(task) {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	task, _ := m.Get(id)
	t.Fatalf("timed out waiting for %s: status=%s downloaded=%d err=%q", desc, task.Status, task.Downloaded, task.ErrorMessage)
	return task
}

func waitStatus(t *testing.T, m Manager, id string, status domain.TaskStatus) domain.Task {
	t.Helper()
	return waitFor(t, m, id, string(status), func(task domain.Task) bool { return task.Status == status })
}

func TestDownloadCompletes(t *testing.T) {
	h := newHarness(t, `
echo "[#1 500B/1000B(50%) CN:4 DL:100B]"
head -c 1000 /dev/zero > "$dir/$out"
echo "[#1 1000B/1000B(100%) CN:4 DL:100B]"
exit 0`, nil)
	h.start(t)

	task := h.add(t, AddRequest{URL: "https://example.com/files/movie.mp4", Threads: 4})
	done := waitStatus(t, h.m, task.ID, domain.TaskStatusCompleted)

	if done.Downloaded != 1000 || done.Progress != 1 {
		t.Fatalf("downloaded=%d progress=%v", done.Downloaded, done.Progress)
	}
	if done.FileName != "movie.mp4" || done.MimeType != "video/mp4" {
		t.Fatalf("file=%q mime=%q", done.FileName, done.MimeType)
	}
	if done.CompletedAt == nil {
		t.Fatal("completed_at not set")
	}

	calls := h.invocations(t)
	if len(calls) != 1 {
		t.Fatalf("invocations = %d, want 1", len(calls))
	}
	for _, want := range []string{"-x 4 -s 4", "-o movie.mp4", "-d " + h.root} {
		if !strings.Contains(calls[0], want) {
			t.Errorf("args %q missing %q", calls[0], want)
		}
	}
	if strings.Contains(calls[0], "--continue=true") {
		t.Errorf("fresh download passed resume flag: %q", calls[0])
	}

	stored, err := h.svc.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != domain.TaskStatusCompleted {
		t.Fatalf("persisted status = %s", stored.Status)
	}
}

const pauseThenFinish = `
if [ "$n" = 1 ]; then
  printf 'x' > "$dir/$out"
  printf 'x' > "$dir/$out.aria2"
  echo "[#1 400B/1000B(40%) CN:4 DL:100B]"
  exec sleep 30
fi
echo "[#1 1000B/1000B(100%) CN:4 DL:100B]"
exit 0`

func TestPauseAndResumeKeepsProgress(t *testing.T) {
	h := newHarness(t, pauseThenFinish, nil)
	h.start(t)
	ctx := context.Background()

	task := h.add(t, AddRequest{URL: "https://example.com/movie.mp4", Threads: 4})
	waitFor(t, h.m, task.ID, "400 bytes", func(task domain.Task) bool {
		return task.Status == domain.TaskStatusDownloading && task.Downloaded == 400
	})

	paused, err := h.m.Pause(ctx, task.ID)
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if paused.Status != domain.TaskStatusPaused || !paused.ManuallyPaused {
		t.Fatalf("status=%s manual=%t", paused.Status, paused.ManuallyPaused)
	}
	if paused.Downloaded != 400 {
		t.Fatalf("downloaded after pause = %d, want 400", paused.Downloaded)
	}
	if _, err := os.Stat(filepath.Join(h.root, "movie.mp4.aria2")); err != nil {
		t.Fatalf("control file removed on pause: %v", err)
	}
	if h.m.IsActive(task.ID) {
		t.Fatal("paused task still active")
	}

	resumed, err := h.m.Resume(ctx, task.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.Downloaded != 400 || resumed.ManuallyPaused {
		t.Fatalf("resumed downloaded=%d manual=%t", resumed.Downloaded, resumed.ManuallyPaused)
	}
	waitStatus(t, h.m, task.ID, domain.TaskStatusCompleted)

	calls := h.invocations(t)
	if len(calls) != 2 {
		t.Fatalf("invocations = %d, want 2", len(calls))
	}
	if !strings.Contains(calls[1], "--continue=true") {
		t.Fatalf("resume args missing --continue=true: %q", calls[1])
	}
}

func TestCancelRemovesPartialFiles(t *testing.T) {
	h := newHarness(t, pauseThenFinish, nil)
	h.start(t)

	task := h.add(t, AddRequest{URL: "https://example.com/movie.mp4"})
	waitFor(t, h.m, task.ID, "400 bytes", func(task domain.Task) bool { return task.Downloaded == 400 })

	cancelled, err := h.m.Cancel(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != domain.TaskStatusCancelled || cancelled.ErrorMessage != "" {
		t.Fatalf("status=%s err=%q", cancelled.Status, cancelled.ErrorMessage)
	}
	for _, name := range []string{"movie.mp4", "movie.mp4.aria2"} {
		if _, err := os.Stat(filepath.Join(h.root, name)); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("%s still present: %v", name, err)
		}
	}
	if _, err := h.m.Resume(context.Background(), task.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Resume after cancel err = %v, want ErrInvalidTransition", err)
	}
}

func TestRetryableExitIsRetried(t *testing.T) {
	h := newHarness(t, `
if [ "$n" = 1 ]; then
  echo "[#1 100B/1000B(10%) CN:1 DL:100B]"
  exit 28
fi
echo "[#1 1000B/1000B(100%) CN:4 DL:100B]"
exit 0`, nil)
	h.start(t)

	task := h.add(t, AddRequest{URL: "https://example.com/movie.mp4"})
	done := waitStatus(t, h.m, task.ID, domain.TaskStatusCompleted)
	if done.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", done.RetryCount)
	}
	if done.ErrorMessage != "" {
		t.Fatalf("error message leaked after successful retry: %q", done.ErrorMessage)
	}
	calls := h.invocations(t)
	if len(calls) != 2 || !strings.Contains(calls[1], "--continue=true") {
		t.Fatalf("invocations = %q", calls)
	}
}

func TestExitCodeFailures(t *testing.T) {
	tests := []struct {
		name      string
		code      int
		wantMsg   string
		wantCalls int
	}{
		{"not retryable", 3, "Resource not found", 1},
		{"retries exhausted", 16, "Connection refused", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, fmt.Sprintf("exit %d", tt.code), func(cfg *Config, _ *Deps) {
				cfg.Retry.MaxRetries = 2
			})
			h.start(t)

			task := h.add(t, AddRequest{URL: "https://example.com/movie.mp4"})
			failed := waitStatus(t, h.m, task.ID, domain.TaskStatusFailed)
			if failed.ErrorMessage != tt.wantMsg {
				t.Fatalf("error = %q, want %q", failed.ErrorMessage, tt.wantMsg)
			}
			if got := len(h.invocations(t)); got != tt.wantCalls {
				t.Fatalf("invocations = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestNotDownloadableNeverSpawns(t *testing.T) {
	h := newHarness(t, "exit 0", func(_ *Config, deps *Deps) {
		deps.Resolver = fakeResolver{err: classify.ErrNotADownloadableFile}
	})
	h.start(t)

	task := h.add(t, AddRequest{URL: "https://example.com/archive.zip"})
	failed := waitStatus(t, h.m, task.ID, domain.TaskStatusFailed)
	if failed.ErrorMessage != classify.ErrNotADownloadableFile.Error() {
		t.Fatalf("error = %q", failed.ErrorMessage)
	}
	if calls := h.invocations(t); len(calls) != 0 {
		t.Fatalf("downloader spawned for a page: %q", calls)
	}
}

func TestPriorityOrder(t *testing.T) {
	h := newHarness(t, "exit 0", func(cfg *Config, _ *Deps) {
		cfg.MaxConcurrent = 1
	})

	low := h.add(t, AddRequest{URL: "https://example.com/low.bin", Priority: domain.PriorityLow})
	h.add(t, AddRequest{URL: "https://example.com/normal.bin", Priority: domain.PriorityNormal})
	urgent := h.add(t, AddRequest{URL: "https://example.com/urgent.bin", Priority: domain.PriorityUrgent})
	h.start(t)

	waitStatus(t, h.m, urgent.ID, domain.TaskStatusCompleted)
	waitStatus(t, h.m, low.ID, domain.TaskStatusCompleted)

	calls := h.invocations(t)
	want := []string{"urgent.bin", "normal.bin", "low.bin"}
	if len(calls) != len(want) {
		t.Fatalf("invocations = %q", calls)
	}
	for i, name := range want {
		if !strings.HasSuffix(calls[i], name) {
			t.Fatalf("call %d = %q, want %s", i, calls[i], name)
		}
	}
}

func TestStartRecoversInterruptedAsPaused(t *testing.T) {
	h := newHarness(t, "exit 0", nil)
	ctx := context.Background()

	task, err := h.svc.CreateTask(ctx, service.CreateTaskInput{URL: "https://example.com/movie.mp4", Directory: h.root})
	if err != nil {
		t.Fatal(err)
	}
	task.Status = domain.TaskStatusDownloading
	task.Downloaded = 400
	task.TotalSize = 1000
	if err := h.svc.Save(ctx, task); err != nil {
		t.Fatal(err)
	}

	h.start(t)
	got, err := h.m.Get(task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != domain.TaskStatusPaused || got.Downloaded != 400 {
		t.Fatalf("status=%s downloaded=%d", got.Status, got.Downloaded)
	}
	if got.ManuallyPaused {
		t.Fatal("recovered task marked as manually paused")
	}
	time.Sleep(50 * time.Millisecond)
	if calls := h.invocations(t); len(calls) != 0 {
		t.Fatalf("recovered task restarted on its own: %q", calls)
	}
}

func TestStartAutoResumesInterrupted(t *testing.T) {
	h := newHarness(t, `
echo "[#1 1000B/1000B(100%) CN:1 DL:100B]"
exit 0`, func(cfg *Config, _ *Deps) {
		cfg.AutoResume = true
	})
	ctx := context.Background()

	store := func(rawURL string, status domain.TaskStatus, manual bool) *domain.Task {
		task, err := h.svc.CreateTask(ctx, service.CreateTaskInput{URL: rawURL, Directory: h.root})
		if err != nil {
			t.Fatal(err)
		}
		task.Status = status
		task.ManuallyPaused = manual
		task.Downloaded = 400
		task.TotalSize = 1000
		if err := h.svc.Save(ctx, task); err != nil {
			t.Fatal(err)
		}
		return task
	}
	interrupted := store("https://example.com/interrupted.mp4", domain.TaskStatusDownloading, false)
	manual := store("https://example.com/manual.mp4", domain.TaskStatusPaused, true)

	h.start(t)
	waitStatus(t, h.m, interrupted.ID, domain.TaskStatusCompleted)
	time.Sleep(50 * time.Millisecond)

	got, err := h.m.Get(manual.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.TaskStatusPaused || !got.ManuallyPaused || got.Downloaded != 400 {
		t.Fatalf("manually paused task: status=%s manual=%t downloaded=%d", got.Status, got.ManuallyPaused, got.Downloaded)
	}

	calls := h.invocations(t)
	if len(calls) != 1 {
		t.Fatalf("invocations = %q, want only the interrupted task", calls)
	}
	if !strings.HasSuffix(calls[0], "interrupted.mp4") || !strings.Contains(calls[0], "--continue=true") {
		t.Fatalf("auto-resume args = %q", calls[0])
	}
}

func TestStalledTransferIsRetriedThenFails(t *testing.T) {
	h := newHarness(t, `
echo "[#1 200B/1000B(20%) CN:1 DL:100B]"
while :; do
  echo "[#1 200B/1000B(20%) CN:1 DL:0B]"
  sleep 0.05
done`, func(cfg *Config, _ *Deps) {
		cfg.StallTimeout = 300 * time.Millisecond
		cfg.Retry.MaxRetries = 1
	})
	h.start(t)

	task := h.add(t, AddRequest{URL: "https://example.com/movie.mp4"})
	failed := waitStatus(t, h.m, task.ID, domain.TaskStatusFailed)
	if !strings.Contains(failed.ErrorMessage, "no progress") {
		t.Fatalf("error = %q", failed.ErrorMessage)
	}
	if failed.RetryCount != 1 || failed.Downloaded != 200 {
		t.Fatalf("retries=%d downloaded=%d", failed.RetryCount, failed.Downloaded)
	}
	deadline := time.Now().Add(time.Second)
	for h.m.IsActive(task.ID) {
		if time.Now().After(deadline) {
			t.Fatal("stalled task still holds a slot")
		}
		time.Sleep(10 * time.Millisecond)
	}

	calls := h.invocations(t)
	if len(calls) != 2 {
		t.Fatalf("invocations = %d, want 2", len(calls))
	}
	if !strings.Contains(calls[1], "--continue=true") {
		t.Fatalf("retry did not resume: %q", calls[1])
	}
}

func TestThreadCountClampedToDownloaderCeiling(t *testing.T) {
	h := newHarness(t, "exit 0", func(_ *Config, deps *Deps) {
		deps.Prober = fakeProber{maxConns: 32}
	})
	h.start(t)

	task := h.add(t, AddRequest{URL: "https://example.com/movie.mp4", Threads: 32})
	done := waitStatus(t, h.m, task.ID, domain.TaskStatusCompleted)
	if done.Threads != 16 {
		t.Fatalf("threads = %d, want 16", done.Threads)
	}
	calls := h.invocations(t)
	if len(calls) != 1 || !strings.Contains(calls[0], "-x 16 -s 16") {
		t.Fatalf("invocations = %q", calls)
	}
}

func TestRemovePublishesEvent(t *testing.T) {
	h := newHarness(t, "exit 0", nil)
	h.start(t)
	ch, cancel := h.m.Subscribe(events.TaskRemoved)
	defer cancel()

	task := h.add(t, AddRequest{URL: "https://example.com/movie.mp4"})
	waitStatus(t, h.m, task.ID, domain.TaskStatusCompleted)

	if err := h.m.Remove(context.Background(), task.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := h.m.Get(task.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("Get after remove err = %v", err)
	}
	select {
	case ev := <-ch:
		if ev.TaskID != task.ID {
			t.Fatalf("event for %s, want %s", ev.TaskID, task.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("no removal event")
	}
	if err := h.m.Remove(context.Background(), task.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("second Remove err = %v", err)
	}
}

func TestAddRejectsBadURL(t *testing.T) {
	h := newHarness(t, "exit 0", nil)
	for _, raw := range []string{"", "not a url", "file:///etc/passwd", "https://"} {
		if _, err := h.m.Add(context.Background(), AddRequest{URL: raw}); !errors.Is(err, fetch.ErrInvalidURL) {
			t.Errorf("Add(%q) err = %v, want ErrInvalidURL", raw, err)
		}
	}
}

func TestPauseWaitingTask(t *testing.T) {
	h := newHarness(t, "exit 0", nil)
	task := h.add(t, AddRequest{URL: "https://example.com/movie.mp4"})

	paused, err := h.m.Pause(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if paused.Status != domain.TaskStatusPaused {
		t.Fatalf("status = %s", paused.Status)
	}
	if _, err := h.m.Pause(context.Background(), task.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second Pause err = %v", err)
	}
	if _, err := h.m.Pause(context.Background(), "missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("Pause(missing) err = %v", err)
	}
}
