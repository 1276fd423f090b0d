package filter

import (
	"context"
	"log/slog"
)

// degradeThreshold is the number of consecutive timeouts or crashes after
// which a filter is logged as degraded.
const degradeThreshold = 3

// Dispatcher selects a filter backend per Config and drives it to a
// verdict for a single message. A Dispatcher is safe for concurrent use by
// multiple sessions: Config is immutable after construction and each call
// to Data spawns its own child process and pipes.
type Dispatcher struct {
	cfg    Config
	logger *slog.Logger
	health *HealthTracker
}

// NewDispatcher constructs a Dispatcher. health may be nil to disable
// health tracking.
func NewDispatcher(cfg Config, logger *slog.Logger, health *HealthTracker) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{cfg: cfg, logger: logger, health: health}
}

// Type returns the configured filter backend type, for callers that want to
// label metrics/logs without reaching into the dispatcher's configuration.
func (d *Dispatcher) Type() Type { return d.cfg.Type }

// PreData implements the pre-data hook: a standing reject policy short-
// circuits before the client is told to begin transmitting the body. It
// returns nil when the message should proceed to the data hook.
func (d *Dispatcher) PreData(sess *SessionContext) *Verdict {
	if d.cfg.Type == TypeReject {
		d.logger.Info("message rejected before data phase", slog.String("status", "REJECTED"))
		return rejectVerdict(d.cfg.Reject)
	}
	return nil
}

// Data implements the data hook. The host is expected to have already told
// the client to begin the DATA transfer and captured the body (go-smtp's
// Session.Data callback only fires once that has happened, so there is no
// separate "start_data" step to perform here). Exactly one Verdict is
// returned. A rejected or filtered message logs exactly one status; with no
// command configured the message is accepted unchanged and only a debug
// line without a status field is logged.
func (d *Dispatcher) Data(ctx context.Context, host Host, sess *SessionContext) *Verdict {
	if d.cfg.Type == TypeReject {
		d.logger.Info("message rejected", slog.String("status", "REJECTED"))
		return rejectVerdict(d.cfg.Reject)
	}

	if d.cfg.Command == "" {
		d.logger.Debug("no filter command configured, delivering unchanged")
		return acceptVerdict(d.cfg.Header)
	}

	var v *Verdict
	switch d.cfg.Type {
	case TypeFile:
		v = runFileDriver(ctx, host, sess, d.cfg, d.logger)
	case TypeSMTP:
		v = runSMTPDriver(ctx, host, sess, d.cfg, d.logger)
	default:
		v = runPipeDriver(ctx, host, sess, d.cfg, d.logger)
	}

	d.recordHealth(ctx, v)

	switch v.Status {
	case Accepted:
		d.logger.Info("message filtered", slog.String("status", "FILTERED"))
	case Rejected:
		d.logger.Info("message rejected by filter", slog.String("status", v.Reason))
	default:
		d.logger.Error("filter error", slog.String("status", "FILTER-ERROR"))
	}
	return v
}

// recordHealth updates the consecutive-failure counters backing this
// filter's degraded status. A nil health tracker (or an unfiltered
// message) is a no-op.
func (d *Dispatcher) recordHealth(ctx context.Context, v *Verdict) {
	if d.health == nil || d.cfg.Command == "" {
		return
	}
	if v.Status != Errored {
		_ = d.health.RecordSuccess(ctx, d.cfg.Command)
		return
	}
	if v.timedOut {
		if n, err := d.health.RecordTimeout(ctx, d.cfg.Command); err == nil && n >= degradeThreshold {
			d.logger.Warn("filter degraded: repeated timeouts",
				slog.String("filter", d.cfg.Command), slog.Int64("consecutive", n))
		}
		return
	}
	if n, err := d.health.RecordCrash(ctx, d.cfg.Command); err == nil && n >= degradeThreshold {
		d.logger.Warn("filter degraded: repeated failures",
			slog.String("filter", d.cfg.Command), slog.Int64("consecutive", n))
	}
}
