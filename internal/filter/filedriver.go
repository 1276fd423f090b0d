package filter

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// runFileDriver spawns a subprocess with only stderr piped; the filter is
// expected to locate the already-committed cache file through the
// environment variables SetupForked publishes. Its exit code alone decides
// the verdict — there is no body rewriting in this mode, the cache file is
// already the deliverable.
func runFileDriver(ctx context.Context, host Host, sess *SessionContext, cfg Config, logger *slog.Logger) *Verdict {
	if sess.CachePath == "" {
		logger.Error("file filter has no cache path; message was never committed to disk")
		return errorVerdict()
	}

	child, err := spawnChild(cfg, sess, host, spawnOptions{stderr: true})
	if err != nil {
		logger.Error("file filter spawn failed", slog.String("error", err.Error()))
		return errorVerdict()
	}

	var rbuf RejectBuffer
	stderrDone := make(chan struct{})
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

	timer := time.NewTimer(cfg.Timeout)
	defer timer.Stop()
	quitTicker := time.NewTicker(quitPollInterval)
	defer quitTicker.Stop()

waitLoop:
	for {
		select {
		case <-stderrDone:
			break waitLoop
		case <-timer.C:
			child.Terminate(cfg.Timeout)
			logger.Warn("file filter timed out")
			return timeoutVerdict()
		case <-quitTicker.C:
			if host.IsQuitting() {
				child.Terminate(cfg.Timeout)
				return errorVerdict()
			}
		}
	}

	state, err := child.Reap(cfg.Timeout)
	if errors.Is(err, ErrTimeout) {
		child.Terminate(cfg.Timeout)
		state, err = child.Reap(cfg.Timeout)
	}
	if err != nil {
		logger.Error("file filter reap failed", slog.String("error", err.Error()))
		return errorVerdict()
	}
	if state == nil || !state.Exited() {
		logger.Error("file filter exited abnormally")
		return errorVerdict()
	}
	if state.ExitCode() == 0 {
		return acceptVerdict(cfg.Header)
	}
	return rejectVerdict(rbuf.Finalize())
}
