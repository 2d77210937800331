// Package process spawns and supervises external downloader processes.
package process

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// Handle is one running external process.
type Handle struct {
	id    string
	cmd   *exec.Cmd
	grace time.Duration

	lines  chan string
	done   chan struct{}
	closed chan struct{}

	exitErr         error
	cancelRequested atomic.Bool
	termOnce        sync.Once
	closeOnce       sync.Once
}

func (h *Handle) ID() string { return h.id }

func (h *Handle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Lines delivers stdout and stderr lines in the order each stream produced
// them. It is closed once both streams reach EOF or Close is called.
func (h *Handle) Lines() <-chan string { return h.lines }

// Done is closed after the process has exited and its output is drained.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Wait blocks until exit and returns the exec error, if any.
func (h *Handle) Wait() error {
	<-h.done
	return h.exitErr
}

// ExitCode is the process exit status, -1 if it was killed by a signal or
// is still running.
func (h *Handle) ExitCode() int {
	if h.Alive() || h.cmd.ProcessState == nil {
		return -1
	}
	return h.cmd.ProcessState.ExitCode()
}

// CancelRequested reports whether Terminate was called, which lets callers
// tell a kill we asked for apart from a crash.
func (h *Handle) CancelRequested() bool { return h.cancelRequested.Load() }

// Terminate asks the process to stop and kills it if it is still running
// after the grace period. Calling it more than once is a no-op.
func (h *Handle) Terminate() {
	h.cancelRequested.Store(true)
	h.termOnce.Do(func() {
		if !h.Alive() || h.cmd.Process == nil {
			return
		}
		if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			_ = h.cmd.Process.Kill()
			return
		}
		go func() {
			timer := time.NewTimer(h.grace)
			defer timer.Stop()
			select {
			case <-h.done:
			case <-timer.C:
				_ = h.cmd.Process.Kill()
			}
		}()
	})
}

// Stop terminates and waits for the exit, bounded by ctx.
func (h *Handle) Stop(ctx context.Context) error {
	h.Terminate()
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		_ = h.cmd.Process.Kill()
		return ctx.Err()
	}
}

// Close stops line delivery. Remaining output is discarded.
func (h *Handle) Close() {
	h.closeOnce.Do(func() { close(h.closed) })
}

func (h *Handle) pump(stdout, stderr io.Reader) {
	var g errgroup.Group
	g.Go(func() error { return h.scan(stdout) })
	g.Go(func() error { return h.scan(stderr) })
	_ = g.Wait()
	close(h.lines)

	h.exitErr = h.cmd.Wait()
	close(h.done)
}

func (h *Handle) scan(r io.Reader) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	sc.Split(scanLines)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		select {
		case h.lines <- line:
		case <-h.closed:
			_, _ = io.Copy(io.Discard, r)
			return nil
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.EOF) {
		_, _ = io.Copy(io.Discard, r)
		return err
	}
	return nil
}

// scanLines splits on \n or \r so carriage-return redraws count as lines.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, bytes.TrimSpace(data[:i]), nil
	}
	if atEOF {
		return len(data), bytes.TrimSpace(data), nil
	}
	return 0, nil, nil
}
