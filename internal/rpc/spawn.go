package rpc

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
)

// DefaultShutdownGrace bounds how long Shutdown waits for a worker to stop.
const DefaultShutdownGrace = 20 * time.Second

// Worker is a spawned OS process speaking the RPC protocol on its stdio.
type Worker struct {
	cmd    *exec.Cmd
	client *Client
	log    zerolog.Logger
	waitCh chan error
}

// stdioConn glues the child's stdout (reads) and stdin (writes) into one
// transport.
type stdioConn struct {
	r io.ReadCloser
	w io.WriteCloser
}

func (c stdioConn) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c stdioConn) Write(p []byte) (int, error) { return c.w.Write(p) }

func (c stdioConn) Close() error {
	werr := c.w.Close()
	rerr := c.r.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// stderrForwarder tees the child's stderr into the controller log, one line
// per entry.
type stderrForwarder struct {
	log zerolog.Logger
	buf []byte
}

func (f *stderrForwarder) Write(p []byte) (int, error) {
	f.buf = append(f.buf, p...)
	for {
		idx := -1
		for i := range f.buf {
			if f.buf[i] == '\n' {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		if line := string(f.buf[:idx]); line != "" {
			f.log.Info().Str("stream", "worker-stderr").Msg(line)
		}
		f.buf = f.buf[idx+1:]
	}
	return len(p), nil
}

// SpawnWorker starts bin with args and opens an RPC channel over its stdio.
func SpawnWorker(log zerolog.Logger, bin string, args ...string) (*Worker, error) {
	cmd := exec.Command(bin, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}
	wlog := log.With().Str("component", "worker").Logger()
	cmd.Stderr = &stderrForwarder{log: wlog}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	wlog.Info().Int("pid", cmd.Process.Pid).Strs("args", args).Msg("worker started")

	w := &Worker{
		cmd:    cmd,
		client: NewClient(stdioConn{r: stdout, w: stdin}, wlog),
		log:    wlog,
		waitCh: make(chan error, 1),
	}
	go func() { w.waitCh <- cmd.Wait() }()
	return w, nil
}

// Call submits an operation over the worker's channel.
func (w *Worker) Call(op string, params any) *Future { return w.client.Call(op, params) }

// PID returns the worker's process id.
func (w *Worker) PID() int { return w.cmd.Process.Pid }

// Shutdown requests graceful termination and waits up to grace for the
// process to exit. On timeout it kills the process and returns a
// shutdown-timeout error for the caller to log; the channel is torn down
// either way.
func (w *Worker) Shutdown(grace time.Duration) error {
	if grace <= 0 {
		grace = DefaultShutdownGrace
	}
	deadline := time.Now().Add(grace)

	fut := w.client.Call(OpShutdown, nil)
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	if _, err := fut.Wait(ctx); err != nil && !IsChannelClosed(err) && ctx.Err() == nil {
		// The ack can be lost when the process exits between reply and pipe
		// close; only a genuine remote error is worth recording.
		w.log.Warn().Err(err).Msg("shutdown call failed")
	}

	var exitErr error
	select {
	case exitErr = <-w.waitCh:
	case <-time.After(time.Until(deadline)):
		w.log.Warn().Int("pid", w.cmd.Process.Pid).Dur("grace", grace).Msg("worker did not stop in time, killing")
		_ = w.cmd.Process.Kill()
		_ = w.client.Close()
		return shutdownTimeoutError{msg: fmt.Sprintf("worker pid %d did not stop within %s", w.cmd.Process.Pid, grace)}
	}
	_ = w.client.Close()
	if exitErr != nil {
		w.log.Debug().Err(exitErr).Msg("worker exit status")
	}
	return nil
}

// Done is closed once the worker's channel is dead (process exited or pipes
// broken).
func (w *Worker) Done() <-chan struct{} { return w.client.Done() }
