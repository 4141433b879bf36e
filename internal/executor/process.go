package executor

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const maxOutputSize = 1 << 20 // 1MB per stream, mirrors the output bound used elsewhere in the lab

// Process is a running (or finished) command, returned by Executor.Execute.
// Reading stdout/stderr happens on two dedicated goroutines, matching the
// parallel-worker scheduling model described in §4.A.
type Process struct {
	cmd    *Command
	logger *zap.Logger

	execCmd *exec.Cmd
	cancel  context.CancelFunc

	mu    sync.Mutex
	state State

	startConfirmed chan struct{}
	confirmedOnce  sync.Once

	done    chan struct{}
	doneOnce sync.Once
	result  *Result
	err     error

	stdoutBuf strings.Builder
	stderrBuf strings.Builder
	bufMu     sync.Mutex

	stdinWriter io.WriteCloser
}

// State returns the process's current lifecycle state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Process) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Kill sends a termination signal to the underlying process. It is safe to
// call more than once and safe to call after the process has exited.
func (p *Process) Kill() {
	if p.execCmd != nil && p.execCmd.Process != nil {
		_ = p.execCmd.Process.Kill()
	}
}

// Await blocks until the process exits and both output streams are
// drained, or until ctx is cancelled. If ctx is cancelled first, the
// process is killed before the cancellation error is returned, per §4.A's
// "await interrupted -> kill before propagating" rule.
func (p *Process) Await(ctx context.Context) (*Result, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		p.Kill()
		<-p.done
		return p.result, ctx.Err()
	}
}

func (p *Process) finish(result *Result, err error) {
	p.doneOnce.Do(func() {
		p.mu.Lock()
		p.result = result
		p.err = err
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *Process) appendStdout(s string) {
	if p.cmd.dropStdout {
		return
	}
	p.bufMu.Lock()
	defer p.bufMu.Unlock()
	if p.stdoutBuf.Len() < maxOutputSize {
		p.stdoutBuf.WriteString(s)
	}
}

func (p *Process) appendStderr(s string) {
	if p.cmd.dropStderr {
		return
	}
	p.bufMu.Lock()
	defer p.bufMu.Unlock()
	if p.stderrBuf.Len() < maxOutputSize {
		p.stderrBuf.WriteString(s)
	}
}

// drainLines scans r line by line, invoking cb (if set) and appending to
// the owning buffer, honoring LineAction requests.
func (p *Process) drainLines(r io.Reader, stream string, cb LineCallback, append func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxOutputSize)
	for scanner.Scan() {
		line := scanner.Text()
		append(line + "\n")

		if p.cmd.startConfirmed(line) {
			p.confirmedOnce.Do(func() {
				p.setState(StateStartConfirmed)
				close(p.startConfirmed)
			})
		}

		if cb == nil {
			continue
		}
		switch cb(line) {
		case LineActionKill:
			p.Kill()
			return
		case LineActionStop:
			if p.stdinWriter != nil {
				_ = p.stdinWriter.Close()
			}
		case LineActionDetach:
			return
		}
	}
	if p.logger != nil {
		p.logger.Debug("stream drained", zap.String("stream", stream))
	}
}
