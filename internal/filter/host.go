package filter

import (
	"context"
	"io"
)

// SessionContext carries the per-message envelope and session attributes
// the dispatcher needs. It is owned by the host; the core only reads it.
type SessionContext struct {
	// Sender is the envelope MAIL FROM address.
	Sender string
	// Recipients is the envelope RCPT TO list.
	Recipients []string
	// HELO is the client's HELO/EHLO argument, if any.
	HELO string
	// PeerAddr is the client's IP address, as an IPv4 or IPv6 literal.
	PeerAddr string
	// CachePath is the filesystem path of the temp file holding the
	// captured message body, when the host has one on disk. Empty when
	// the body is only held in memory.
	CachePath string
}

// Host is the set of operations the dispatcher needs from its caller. It
// deliberately excludes everything the spec keeps out of the core's scope:
// command parsing, envelope accumulation, cache-file primitives beyond
// open/read, and logging transport.
type Host interface {
	// OpenSource returns a reader positioned at the start of the captured
	// message body. Closed by the caller.
	OpenSource(ctx context.Context, sess *SessionContext) (io.ReadCloser, error)
	// OpenCache opens a fresh destination for filter-rewritten output.
	// Closed by the caller.
	OpenCache(ctx context.Context, sess *SessionContext) (io.WriteCloser, error)
	// SetupForked returns "KEY=VALUE" environment entries published to a
	// spawned filter child so it can locate the cache file and envelope
	// metadata without a shared ABI.
	SetupForked(sess *SessionContext, isFilter bool) []string
	// AddLog appends a structured log field to the session's log record.
	AddLog(sess *SessionContext, key, value string)
	// IsQuitting reports whether the session is tearing down; I/O loops
	// check it cooperatively and abort with an ERROR verdict when set.
	IsQuitting() bool
}

// Status is the three-way outcome of a data-hook dispatch.
type Status int

const (
	// Accepted means the host should dispatch the (possibly rewritten)
	// cached body, optionally prefixed with a header.
	Accepted Status = iota
	// Rejected means the host should issue the given SMTP reply to the
	// client.
	Rejected
	// Errored means the host should issue a generic failure; no filter
	// detail is leaked to the client.
	Errored
)

func (s Status) String() string {
	switch s {
	case Accepted:
		return "ACCEPT"
	case Rejected:
		return "REJECT"
	default:
		return "ERROR"
	}
}

// Verdict is the outcome of a dispatch: Accepted, Rejected(Reason), or
// Errored. At most one Verdict is produced per data hook.
type Verdict struct {
	Status Status
	// Reason is the SMTP reply line for a Rejected verdict.
	Reason string
	// Header is an optional header line to prepend for an Accepted
	// verdict.
	Header string
	// timedOut distinguishes a multiplex/wait deadline from other
	// Errored causes, for health-tracking purposes only.
	timedOut bool
}

func acceptVerdict(header string) *Verdict {
	return &Verdict{Status: Accepted, Header: header}
}

func rejectVerdict(reason string) *Verdict {
	return &Verdict{Status: Rejected, Reason: reason}
}

func errorVerdict() *Verdict {
	return &Verdict{Status: Errored}
}

func timeoutVerdict() *Verdict {
	return &Verdict{Status: Errored, timedOut: true}
}

// TimedOut reports whether an Errored verdict was caused by a multiplex or
// wait deadline expiring, as opposed to some other I/O or spawn failure.
func (v *Verdict) TimedOut() bool {
	return v.timedOut
}
