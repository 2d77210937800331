package process

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func newTestSupervisor() *Supervisor {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewSupervisor(Config{StopGrace: 200 * time.Millisecond, Logger: logger})
}

func collect(h *Handle) []string {
	var out []string
	for line := range h.Lines() {
		out = append(out, line)
	}
	return out
}

func TestSpawnDeliversLinesInOrder(t *testing.T) {
	s := newTestSupervisor()
	h, err := s.Spawn("t1", Spec{Path: "sh", Args: []string{"-c", `printf 'one\ntwo\rthree\r\n\nfour'`}})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	lines := collect(h)
	want := []string{"one", "two", "three", "four"}
	if len(lines) != len(want) {
		t.Fatalf("lines = %q, want %q", lines, want)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("lines = %q, want %q", lines, want)
		}
	}
	if err := h.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if h.ExitCode() != 0 || h.Alive() || h.CancelRequested() {
		t.Fatalf("unexpected final state code=%d alive=%v", h.ExitCode(), h.Alive())
	}
}

func TestExitCode(t *testing.T) {
	s := newTestSupervisor()
	h, err := s.Spawn("t1", Spec{Path: "sh", Args: []string{"-c", "echo oops >&2; exit 3"}})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	lines := collect(h)
	if len(lines) != 1 || lines[0] != "oops" {
		t.Fatalf("stderr lines = %q", lines)
	}
	if err := h.Wait(); err == nil {
		t.Fatalf("expected exit error")
	}
	if h.ExitCode() != 3 {
		t.Fatalf("ExitCode = %d, want 3", h.ExitCode())
	}
}

func TestTerminateIsIdempotent(t *testing.T) {
	s := newTestSupervisor()
	h, err := s.Spawn("t1", Spec{Path: "sh", Args: []string{"-c", "exec sleep 30"}})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	go collect(h)

	if _, err := s.Spawn("t1", Spec{Path: "sh", Args: []string{"-c", "true"}}); err == nil {
		t.Fatalf("second live process for the same id should be refused")
	}

	h.Terminate()
	h.Terminate()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("process did not exit after Terminate")
	}
	if !h.CancelRequested() {
		t.Fatalf("CancelRequested should be set")
	}
	h.Terminate()
}

func TestTerminateEscalatesToKill(t *testing.T) {
	s := newTestSupervisor()
	h, err := s.Spawn("t1", Spec{Path: "sh", Args: []string{"-c", "trap '' TERM; exec sleep 30"}})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	go collect(h)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	if err := h.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if time.Since(start) < 150*time.Millisecond {
		t.Fatalf("process ignoring SIGTERM exited before the grace period")
	}
}

func TestSweepRespectsGuardAndActiveTasks(t *testing.T) {
	s := newTestSupervisor()
	busy, err := s.Spawn("busy", Spec{Path: "sh", Args: []string{"-c", "exec sleep 30"}})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	orphan, err := s.Spawn("orphan", Spec{Path: "sh", Args: []string{"-c", "exec sleep 30"}})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	go collect(busy)
	go collect(orphan)
	defer busy.Terminate()

	active := func(id string) bool { return id == "busy" }

	s.Begin()
	if n := s.Sweep(active); n != 0 {
		t.Fatalf("sweep during an operation terminated %d processes", n)
	}
	s.End()

	if n := s.Sweep(active); n != 1 {
		t.Fatalf("sweep terminated %d processes, want 1", n)
	}
	select {
	case <-orphan.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("orphan not terminated")
	}
	if !busy.Alive() {
		t.Fatalf("sweep killed an active task's process")
	}
}

func TestEndNeverGoesNegative(t *testing.T) {
	s := newTestSupervisor()
	s.End()
	if s.InProgress() != 0 {
		t.Fatalf("InProgress = %d", s.InProgress())
	}
}
