package executor

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Executor launches Commands as Processes. It holds no policy of its own —
// callers (the test runner launcher, file resolver nodes) are responsible
// for deciding which commands are safe to run; Executor only handles
// process lifecycle.
type Executor struct {
	logger *zap.Logger
}

// New returns an Executor that logs through logger.
func New(logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{logger: logger.Named("executor")}
}

// Execute starts cmd and returns immediately with a Process handle; use
// Process.Await to block for the result. ctx bounds the overall lifetime
// in addition to any timeout/deadline set on cmd itself.
func (e *Executor) Execute(ctx context.Context, cmd *Command) (*Process, error) {
	execCtx, cancel := cmd.effectiveContext(ctx)

	execCmd := exec.CommandContext(execCtx, cmd.exe, cmd.args...)
	if cmd.workDir != "" {
		execCmd.Dir = cmd.workDir
	}
	if len(cmd.extraEnv) > 0 {
		env := os.Environ()
		for k, v := range cmd.extraEnv {
			env = append(env, k+"="+v)
		}
		execCmd.Env = env
	}

	p := &Process{
		cmd:            cmd,
		logger:         e.logger,
		execCmd:        execCmd,
		cancel:         cancel,
		state:          StateStarting,
		startConfirmed: make(chan struct{}),
		done:           make(chan struct{}),
	}

	stdoutPipe, err := execCmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	var stderrPipe = stdoutPipe
	if !cmd.redirectStderrToStdout {
		stderrPipe, err = execCmd.StderrPipe()
		if err != nil {
			cancel()
			return nil, err
		}
	}

	if cmd.stdin != "" {
		stdinPipe, err := execCmd.StdinPipe()
		if err != nil {
			cancel()
			return nil, err
		}
		p.stdinWriter = stdinPipe
	}

	start := time.Now()
	if err := execCmd.Start(); err != nil {
		cancel()
		return nil, err
	}
	p.setState(StateRunning)

	if p.stdinWriter != nil {
		go func() {
			_, _ = p.stdinWriter.Write([]byte(cmd.stdin))
			_ = p.stdinWriter.Close()
		}()
	}

	var startTimer *time.Timer
	if cmd.startTimeout > 0 {
		startTimer = time.AfterFunc(cmd.startTimeout, func() {
			select {
			case <-p.startConfirmed:
			default:
				e.logger.Warn("command start-timeout elapsed, killing", zap.String("exe", cmd.exe))
				p.Kill()
			}
		})
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.drainLines(stdoutPipe, "stdout", cmd.onStdout, p.appendStdout)
	}()
	if !cmd.redirectStderrToStdout {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.drainLines(stderrPipe, "stderr", cmd.onStderr, p.appendStderr)
		}()
	}

	go func() {
		wg.Wait()
		if startTimer != nil {
			startTimer.Stop()
		}

		waitErr := execCmd.Wait()
		duration := time.Since(start)

		timedOut := execCtx.Err() == context.DeadlineExceeded

		exitCode := 0
		if waitErr != nil {
			if exitErr, ok := waitErr.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
			} else {
				exitCode = -1
			}
		}

		p.bufMu.Lock()
		stdout, stderr := p.stdoutBuf.String(), p.stderrBuf.String()
		p.bufMu.Unlock()

		result := &Result{
			ExitCode: exitCode,
			Stdout:   stdout,
			Stderr:   stderr,
			Duration: duration,
		}

		var finishErr error
		switch {
		case timedOut:
			result.State = StateTimedOut
			p.setState(StateTimedOut)
			finishErr = &CommandTimeoutError{Result: result}
			if cmd.onTimeout != nil {
				cmd.onTimeout(result)
			}
		case !cmd.isSuccessExit(exitCode):
			result.State = StateCompleted
			p.setState(StateCompleted)
			finishErr = &CommandFailureError{Result: result}
		default:
			result.State = StateCompleted
			p.setState(StateCompleted)
		}

		if cmd.onExit != nil {
			cmd.onExit(result)
		}

		e.logger.Info("command finished",
			zap.String("exe", cmd.exe),
			zap.Int("exit_code", exitCode),
			zap.Duration("duration", duration),
			zap.String("state", result.State.String()),
		)

		cancel()
		p.finish(result, finishErr)
	}()

	return p, nil
}

// Run is a convenience wrapper that executes cmd and blocks for its result.
func (e *Executor) Run(ctx context.Context, cmd *Command) (*Result, error) {
	p, err := e.Execute(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return p.Await(ctx)
}
