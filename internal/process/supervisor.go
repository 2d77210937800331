package process

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Spec describes a command to run.
type Spec struct {
	Path string
	Args []string
	Dir  string
	Env  []string
}

type Config struct {
	// StopGrace is how long Terminate waits before SIGKILL.
	StopGrace     time.Duration
	SweepInterval time.Duration
	Logger        *logrus.Logger
}

// Supervisor owns every spawned handle and the in-progress guard that keeps
// reconciliation sweeps away from running transfers.
type Supervisor struct {
	cfg Config

	mu      sync.Mutex
	handles map[string]*Handle

	inProgress atomic.Int64
}

func NewSupervisor(cfg Config) *Supervisor {
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Supervisor{cfg: cfg, handles: make(map[string]*Handle)}
}

// Spawn starts spec under the given owner id. Only one live handle per id
// is allowed.
func (s *Supervisor) Spawn(id string, spec Spec) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.handles[id]; ok && h.Alive() {
		return nil, fmt.Errorf("process for %s already running (pid %d)", id, h.PID())
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = spec.Env
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Path, err)
	}

	h := &Handle{
		id:     id,
		cmd:    cmd,
		grace:  s.cfg.StopGrace,
		lines:  make(chan string, 16),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	s.handles[id] = h
	go h.pump(stdout, stderr)
	go func() {
		<-h.done
		s.mu.Lock()
		if s.handles[id] == h {
			delete(s.handles, id)
		}
		s.mu.Unlock()
	}()

	s.cfg.Logger.WithField("task_id", id).Debugf("spawned %s pid=%d", spec.Path, h.PID())
	return h, nil
}

// Get returns the live handle for id.
func (s *Supervisor) Get(id string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	return h, ok
}

// Running is the number of live handles.
func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Begin marks an operation in progress. Sweeps do nothing until every
// Begin has been matched by End.
func (s *Supervisor) Begin() { s.inProgress.Add(1) }

func (s *Supervisor) End() {
	if s.inProgress.Add(-1) < 0 {
		s.inProgress.Store(0)
	}
}

func (s *Supervisor) InProgress() int64 { return s.inProgress.Load() }

// Sweep terminates handles whose owner is no longer active. It returns the
// number of handles terminated, and skips entirely while any operation is
// in progress. Handles whose owner is active are never touched.
func (s *Supervisor) Sweep(active func(id string) bool) int {
	if s.InProgress() > 0 {
		return 0
	}
	s.mu.Lock()
	live := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		live = append(live, h)
	}
	s.mu.Unlock()

	// active is called without s.mu held; it may take the caller's locks.
	var orphans []*Handle
	for _, h := range live {
		if active != nil && active(h.id) {
			continue
		}
		orphans = append(orphans, h)
	}

	for _, h := range orphans {
		s.cfg.Logger.WithField("task_id", h.id).Warnf("terminating orphaned process pid=%d", h.PID())
		h.Terminate()
	}
	return len(orphans)
}

// Run sweeps on SweepInterval until ctx is done.
func (s *Supervisor) Run(ctx context.Context, active func(id string) bool) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(active); n > 0 {
				s.cfg.Logger.Infof("reconciliation sweep terminated %d process(es)", n)
			}
		}
	}
}

// Shutdown terminates every live handle and waits, bounded by ctx.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()
	for _, h := range handles {
		if err := h.Stop(ctx); err != nil {
			s.cfg.Logger.WithField("task_id", h.id).Warnf("stop process: %v", err)
		}
	}
}
