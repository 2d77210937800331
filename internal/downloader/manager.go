package downloader

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"segmentd/internal/aria2"
	"segmentd/internal/domain"
	"segmentd/internal/events"
	"segmentd/internal/fetch"
	"segmentd/internal/probe"
	"segmentd/internal/process"
	"segmentd/internal/progress"
	"segmentd/internal/repository"
	"segmentd/internal/retry"
	"segmentd/internal/service"
	"segmentd/internal/speed"
	"segmentd/internal/storage"
	"segmentd/internal/torrentmeta"
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	errStopped           = errors.New("download stopped")
	errUnexpectedExit    = errors.New("process exited unexpectedly")
)

// Manager owns the task set and drives one external downloader per active task.
type Manager interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context)
	Add(ctx context.Context, req AddRequest) (domain.Task, error)
	Pause(ctx context.Context, id string) (domain.Task, error)
	Resume(ctx context.Context, id string) (domain.Task, error)
	Cancel(ctx context.Context, id string) (domain.Task, error)
	Remove(ctx context.Context, id string) error
	Get(id string) (domain.Task, error)
	List() []domain.Task
	IsActive(id string) bool
	Subscribe(types ...events.Type) (<-chan events.Event, func())
}

// AddRequest is a user command to start a transfer. Zero Threads means auto.
type AddRequest struct {
	URL       string
	Directory string
	FileName  string
	Threads   int
	Priority  domain.Priority
}

// Resolver classifies a URL and recovers its final name, type and size.
type Resolver interface {
	Resolve(ctx context.Context, rawURL string) (fetch.FileInfo, error)
}

// Prober reports what a server allows for segmented downloads.
type Prober interface {
	CheckServerCapabilities(ctx context.Context, rawURL string) probe.Profile
}

type TorrentInspector interface {
	Inspect(ctx context.Context, source string) (torrentmeta.Meta, error)
}

type Config struct {
	DownloadRoot   string
	MaxConcurrent  int
	StatusInterval time.Duration
	Aria2Path      string
	MinSplitSize   string
	DownloadLimit  int64
	UploadLimit    int64
	DiskMargin     int64
	UserAgent      string
	// StopTimeout bounds how long pause and cancel wait for the process.
	StopTimeout time.Duration
	// StallTimeout is how long a transfer may go without byte growth before
	// the attempt is abandoned and retried. Negative disables the watchdog.
	StallTimeout time.Duration
	// MaxTries is passed to aria2c; zero uses its default bound.
	MaxTries int
	// AutoResume requeues tasks that were interrupted rather than paused by
	// the user when the manager starts.
	AutoResume bool
	Retry      retry.Backoff
	Archive    bool
	Logger     *logrus.Logger
}

// Deps are the collaborators the manager drives. Archiver and Torrents are
// optional.
type Deps struct {
	Tasks      service.TaskService
	Resolver   Resolver
	Prober     Prober
	Torrents   TorrentInspector
	Speed      *speed.Tracker
	Supervisor *process.Supervisor
	Events     *events.Broker
	Archiver   storage.Archiver
}

type stopReason int

const (
	stopNone stopReason = iota
	stopPause
	stopCancel
	stopRemove
	stopShutdown
)

// entry is the live state of one task. Its own mutex guards every field so
// monitors of different tasks never contend.
type entry struct {
	mu       sync.Mutex
	task     domain.Task
	sample   progress.Sample
	proc     *process.Handle
	cancel   context.CancelFunc
	done     chan struct{}
	stop     stopReason
	resuming bool
	persist  *rate.Limiter
}

func (e *entry) snapshot() domain.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task.Clone()
}

func (e *entry) update(fn func(t *domain.Task)) domain.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.task)
	return e.task.Clone()
}

type manager struct {
	cfg        Config
	store      service.TaskService
	resolver   Resolver
	prober     Prober
	torrents   TorrentInspector
	speed      *speed.Tracker
	supervisor *process.Supervisor
	events     *events.Broker
	archiver   storage.Archiver

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	// mu guards the entries map only; task fields use entry.mu.
	mu      sync.Mutex
	entries map[string]*entry
}

func NewManager(cfg Config, deps Deps) Manager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = time.Second
	}
	if cfg.Aria2Path == "" {
		cfg.Aria2Path = aria2.DefaultBinary
	}
	if cfg.MinSplitSize == "" {
		cfg.MinSplitSize = "1M"
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	if cfg.StallTimeout == 0 {
		cfg.StallTimeout = time.Minute
	}
	if cfg.Retry == (retry.Backoff{}) {
		cfg.Retry = retry.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if deps.Speed == nil {
		deps.Speed = speed.NewTracker(speed.Config{})
	}
	if deps.Supervisor == nil {
		deps.Supervisor = process.NewSupervisor(process.Config{Logger: cfg.Logger})
	}
	if deps.Events == nil {
		deps.Events = events.NewBroker()
	}
	return &manager{
		cfg:        cfg,
		store:      deps.Tasks,
		resolver:   deps.Resolver,
		prober:     deps.Prober,
		torrents:   deps.Torrents,
		speed:      deps.Speed,
		supervisor: deps.Supervisor,
		events:     deps.Events,
		archiver:   deps.Archiver,
		entries:    make(map[string]*entry),
	}
}

func (m *manager) newEntry(task domain.Task) *entry {
	return &entry{
		task:    task,
		sample:  progress.Sample{Downloaded: task.Downloaded, Total: task.TotalSize},
		persist: rate.NewLimiter(rate.Every(m.cfg.StatusInterval), 1),
	}
}

// Start reloads persisted tasks, turning interrupted ones into paused ones,
// and begins admitting waiting tasks. With AutoResume, paused tasks the user
// did not pause go back through Resume.
func (m *manager) Start(ctx context.Context) error {
	if err := os.MkdirAll(m.cfg.DownloadRoot, 0o755); err != nil {
		return fmt.Errorf("create download root: %w", err)
	}
	n, err := m.store.RecoverInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("recover interrupted tasks: %w", err)
	}
	if n > 0 {
		m.cfg.Logger.Infof("marked %d interrupted task(s) as paused", n)
	}
	tasks, err := m.store.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}

	m.mu.Lock()
	for _, t := range tasks {
		if _, ok := m.entries[t.ID]; !ok {
			m.entries[t.ID] = m.newEntry(t)
		}
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	go m.supervisor.Run(m.ctx, m.IsActive)
	m.cfg.Logger.Infof("download manager started, %d task(s) loaded, root: %s", len(tasks), m.cfg.DownloadRoot)
	if m.cfg.AutoResume {
		m.resumeInterrupted(ctx)
	}
	m.schedule()
	return nil
}

func (m *manager) resumeInterrupted(ctx context.Context) {
	for _, task := range m.List() {
		if task.Status != domain.TaskStatusPaused || task.ManuallyPaused {
			continue
		}
		if _, err := m.Resume(ctx, task.ID); err != nil {
			m.cfg.Logger.WithField("task_id", task.ID).Warnf("auto-resume: %v", err)
		}
	}
}

// Shutdown stops every running transfer. Stopped tasks are persisted as
// paused so the next Start can resume them.
func (m *manager) Shutdown(ctx context.Context) {
	for _, e := range m.snapshotEntries() {
		e.mu.Lock()
		if e.done != nil {
			m.requestStop(e, stopShutdown)
		}
		e.mu.Unlock()
	}
	if m.cancel != nil {
		m.cancel()
	}

	waited := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		m.cfg.Logger.Warn("shutdown timed out waiting for downloads to stop")
	}
	m.supervisor.Shutdown(ctx)
	m.cfg.Logger.Info("download manager stopped")
}

func (m *manager) Add(ctx context.Context, req AddRequest) (domain.Task, error) {
	raw := strings.TrimSpace(req.URL)
	isTorrent := torrentmeta.IsTorrentSource(raw)
	if !isTorrent {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return domain.Task{}, fetch.ErrInvalidURL
		}
		switch strings.ToLower(u.Scheme) {
		case "http", "https", "ftp", "ftps":
		default:
			return domain.Task{}, fetch.ErrInvalidURL
		}
	}
	dir := req.Directory
	if dir == "" {
		dir = m.cfg.DownloadRoot
	}

	task, err := m.store.CreateTask(ctx, service.CreateTaskInput{
		URL:       raw,
		Directory: dir,
		FileName:  req.FileName,
		Threads:   req.Threads,
		Priority:  req.Priority,
		IsTorrent: isTorrent,
	})
	if err != nil {
		return domain.Task{}, err
	}

	e := m.newEntry(*task)
	m.mu.Lock()
	m.entries[task.ID] = e
	m.mu.Unlock()

	snap := e.snapshot()
	m.publish(events.TaskCreated, snap)
	m.cfg.Logger.WithField("task_id", task.ID).Infof("task added: %s", raw)
	m.schedule()
	return snap, nil
}

func (m *manager) Pause(ctx context.Context, id string) (domain.Task, error) {
	e, err := m.entry(id)
	if err != nil {
		return domain.Task{}, err
	}

	e.mu.Lock()
	if !e.task.Status.CanTransition(domain.TaskStatusPaused) {
		st := e.task.Status
		e.mu.Unlock()
		return domain.Task{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, st, domain.TaskStatusPaused)
	}
	e.task.ManuallyPaused = true
	if e.done == nil {
		e.task.Status = domain.TaskStatusPaused
		snap := e.task.Clone()
		e.mu.Unlock()
		m.save(snap)
		m.publish(events.StateChanged, snap)
		return snap, nil
	}
	done := m.requestStop(e, stopPause)
	e.mu.Unlock()
	return m.awaitStop(ctx, e, done)
}

func (m *manager) Resume(ctx context.Context, id string) (domain.Task, error) {
	e, err := m.entry(id)
	if err != nil {
		return domain.Task{}, err
	}

	e.mu.Lock()
	prev := e.task.Status
	if (prev != domain.TaskStatusPaused && prev != domain.TaskStatusFailed) || e.done != nil {
		e.mu.Unlock()
		return domain.Task{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev, domain.TaskStatusDownloading)
	}
	e.task.Status = domain.TaskStatusWaiting
	e.task.ManuallyPaused = false
	e.task.ErrorMessage = ""
	if prev == domain.TaskStatusFailed {
		e.task.RetryCount = 0
	}
	e.resuming = true
	snap := e.task.Clone()
	e.mu.Unlock()

	m.save(snap)
	m.publish(events.StateChanged, snap)
	m.cfg.Logger.WithField("task_id", id).Infof("task resumed from %s", prev)
	m.schedule()
	return snap, nil
}

func (m *manager) Cancel(ctx context.Context, id string) (domain.Task, error) {
	e, err := m.entry(id)
	if err != nil {
		return domain.Task{}, err
	}
	return m.cancelEntry(ctx, e, stopCancel)
}

func (m *manager) cancelEntry(ctx context.Context, e *entry, reason stopReason) (domain.Task, error) {
	e.mu.Lock()
	if !e.task.Status.CanTransition(domain.TaskStatusCancelled) {
		st := e.task.Status
		e.mu.Unlock()
		return domain.Task{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, st, domain.TaskStatusCancelled)
	}
	if e.done == nil {
		m.removeArtifacts(e.task)
		markCancelled(&e.task)
		snap := e.task.Clone()
		e.mu.Unlock()
		m.save(snap)
		m.publish(events.StateChanged, snap)
		return snap, nil
	}
	done := m.requestStop(e, reason)
	e.mu.Unlock()
	return m.awaitStop(ctx, e, done)
}

// Remove deletes the task record. Unfinished tasks are cancelled first so
// no process outlives its record.
func (m *manager) Remove(ctx context.Context, id string) error {
	e, err := m.entry(id)
	if err != nil {
		return err
	}
	if st := e.snapshot().Status; !st.IsTerminal() {
		if _, err := m.cancelEntry(ctx, e, stopRemove); err != nil {
			return err
		}
	}
	if err := m.store.DeleteTask(ctx, id); err != nil && !errors.Is(err, repository.ErrTaskNotFound) {
		return fmt.Errorf("delete task: %w", err)
	}

	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()
	m.speed.Remove(id)
	m.events.Publish(events.Event{Type: events.TaskRemoved, TaskID: id})
	m.cfg.Logger.WithField("task_id", id).Info("task removed")
	return nil
}

func (m *manager) Get(id string) (domain.Task, error) {
	e, err := m.entry(id)
	if err != nil {
		return domain.Task{}, err
	}
	return e.snapshot(), nil
}

func (m *manager) List() []domain.Task {
	entries := m.snapshotEntries()
	tasks := make([]domain.Task, 0, len(entries))
	for _, e := range entries {
		tasks = append(tasks, e.snapshot())
	}
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
	return tasks
}

// IsActive reports whether the task is downloading. The reconciliation
// sweep uses it to leave live transfers alone.
func (m *manager) IsActive(id string) bool {
	e, err := m.entry(id)
	if err != nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task.Status == domain.TaskStatusDownloading || e.done != nil
}

func (m *manager) Subscribe(types ...events.Type) (<-chan events.Event, func()) {
	return m.events.Subscribe(types...)
}

func (m *manager) entry(id string) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return e, nil
}

func (m *manager) snapshotEntries() []*entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out
}

type candidate struct {
	e        *entry
	priority domain.Priority
	created  time.Time
	id       string
}

// schedule admits waiting tasks by priority, then age, until every slot
// is taken.
func (m *manager) schedule() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil || m.ctx.Err() != nil {
		return
	}

	running := 0
	var waiting []candidate
	for _, e := range m.entries {
		e.mu.Lock()
		switch {
		case e.done != nil:
			running++
		case e.task.Status == domain.TaskStatusWaiting:
			waiting = append(waiting, candidate{e: e, priority: e.task.Priority, created: e.task.CreatedAt, id: e.task.ID})
		}
		e.mu.Unlock()
	}
	sort.Slice(waiting, func(i, j int) bool {
		a, b := waiting[i], waiting[j]
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		if !a.created.Equal(b.created) {
			return a.created.Before(b.created)
		}
		return a.id < b.id
	})

	for _, c := range waiting {
		if running >= m.cfg.MaxConcurrent {
			return
		}
		c.e.mu.Lock()
		if c.e.done == nil && c.e.task.Status == domain.TaskStatusWaiting {
			m.launch(c.e)
			running++
		}
		c.e.mu.Unlock()
	}
}

// launch starts the task goroutine. Callers hold e.mu.
func (m *manager) launch(e *entry) {
	ctx, cancel := context.WithCancel(m.ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.stop = stopNone
	resume := e.resuming || e.task.Downloaded > 0
	e.resuming = false

	m.wg.Add(1)
	go m.run(ctx, e, resume)
}

// requestStop records why the task is stopping and signals its process.
// Callers hold e.mu.
func (m *manager) requestStop(e *entry, reason stopReason) chan struct{} {
	if e.stop == stopNone || reason == stopCancel || reason == stopRemove {
		e.stop = reason
	}
	if e.proc != nil {
		e.proc.Terminate()
	}
	if e.cancel != nil {
		e.cancel()
	}
	return e.done
}

func (m *manager) awaitStop(ctx context.Context, e *entry, done chan struct{}) (domain.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.StopTimeout)
	defer cancel()
	select {
	case <-done:
		return e.snapshot(), nil
	case <-ctx.Done():
		return e.snapshot(), fmt.Errorf("wait for task to stop: %w", ctx.Err())
	}
}

func (m *manager) save(task domain.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.Save(ctx, &task); err != nil {
		m.cfg.Logger.WithField("task_id", task.ID).Errorf("persist task: %v", err)
	}
}

func (m *manager) publish(t events.Type, task domain.Task) {
	m.events.Publish(events.Event{Type: t, TaskID: task.ID, Data: task})
}

func markCancelled(t *domain.Task) {
	t.Status = domain.TaskStatusCancelled
	t.ErrorMessage = ""
	t.Speed = 0
	t.DisplaySpeed = ""
	t.ETA = ""
	t.Connections = 0
}

var _ Manager = (*manager)(nil)
