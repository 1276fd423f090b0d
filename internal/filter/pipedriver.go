package filter

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"syscall"
	"time"
)

// quitPollInterval is how often the pipe driver's multiplex loop checks the
// host's cooperative cancellation flag.
const quitPollInterval = 50 * time.Millisecond

// runPipeDriver feeds the captured body to a subprocess's stdin, forwards
// its stdout into a fresh cache, and accumulates its stderr as a candidate
// reject reason. The exit code, not stdin/stdout errors, decides the
// verdict: a filter that exits 0 after only partially reading stdin still
// accepts.
func runPipeDriver(ctx context.Context, host Host, sess *SessionContext, cfg Config, logger *slog.Logger) *Verdict {
	child, err := spawnChild(cfg, sess, host, spawnOptions{stdin: true, stdout: true, stderr: true})
	if err != nil {
		logger.Error("pipe filter spawn failed", slog.String("error", err.Error()))
		return errorVerdict()
	}

	cache, err := host.OpenCache(ctx, sess)
	if err != nil {
		child.Terminate(cfg.Timeout)
		logger.Error("pipe filter cache open failed", slog.String("error", err.Error()))
		return errorVerdict()
	}
	defer cache.Close()

	src, err := host.OpenSource(ctx, sess)
	if err != nil {
		child.Terminate(cfg.Timeout)
		logger.Error("pipe filter source open failed", slog.String("error", err.Error()))
		return errorVerdict()
	}
	defer src.Close()

	var rbuf RejectBuffer
	stdoutDone := make(chan struct{})
	stderrDone := make(chan struct{})
	stdinDone := make(chan struct{})

	go func() {
		defer close(stdoutDone)
		buf := make([]byte, 1024)
		for {
			n, rerr := child.Stdout.Read(buf)
			if n > 0 {
				_, _ = cache.Write(buf[:n])
			}
			if rerr != nil {
				return
			}
		}
	}()

	go func() {
		defer close(stderrDone)
		buf := make([]byte, 1024)
		for {
			n, rerr := child.Stderr.Read(buf)
			if n > 0 {
				rbuf.Append(buf[:n])
			}
			if rerr != nil {
				return
			}
		}
	}()

	go func() {
		defer close(stdinDone)
		_, werr := io.Copy(child.Stdin, src)
		if werr != nil && (errors.Is(werr, syscall.EPIPE) || errors.Is(werr, io.ErrClosedPipe)) {
			// The filter quit early. Drain the remaining source so the
			// host's read position is consistent, then let the child
			// produce its verdict from whatever it already consumed.
			_, _ = io.Copy(io.Discard, src)
		}
		_ = child.Stdin.Close()
	}()

	timer := time.NewTimer(cfg.Timeout)
	defer timer.Stop()
	quitTicker := time.NewTicker(quitPollInterval)
	defer quitTicker.Stop()

	outCh, errCh := stdoutDone, stderrDone
	for outCh != nil || errCh != nil {
		select {
		case <-outCh:
			outCh = nil
		case <-errCh:
			errCh = nil
		case <-timer.C:
			child.Terminate(cfg.Timeout)
			logger.Warn("pipe filter timed out")
			return timeoutVerdict()
		case <-quitTicker.C:
			if host.IsQuitting() {
				child.Terminate(cfg.Timeout)
				return errorVerdict()
			}
		}
	}
	<-stdinDone

	state, err := child.Reap(cfg.Timeout)
	if errors.Is(err, ErrTimeout) {
		child.Terminate(cfg.Timeout)
		state, err = child.Reap(cfg.Timeout)
	}
	if err != nil {
		logger.Error("pipe filter reap failed", slog.String("error", err.Error()))
		return errorVerdict()
	}
	if state == nil || !state.Exited() {
		logger.Error("pipe filter exited abnormally")
		return errorVerdict()
	}
	if state.ExitCode() == 0 {
		return acceptVerdict(cfg.Header)
	}
	return rejectVerdict(rbuf.Finalize())
}
