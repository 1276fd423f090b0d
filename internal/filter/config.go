// Package filter implements the data-phase content-filter dispatcher: once
// an inbound message's body has been captured, it drives a configured
// filter backend (pipe subprocess, file-inspecting subprocess, downstream
// SMTP relay, or blanket policy reject) to a verdict and reports that
// verdict back through the Host interface.
package filter

import "time"

// Type selects the filter backend the dispatcher drives.
type Type string

const (
	// TypePipe streams the message body to a subprocess's stdin and reads
	// the (possibly rewritten) message back from its stdout.
	TypePipe Type = "pipe"
	// TypeFile hands a subprocess the path to the cached message body via
	// the environment and treats its exit code as the verdict.
	TypeFile Type = "file"
	// TypeSMTP relays the message to a downstream MTA via an XCLIENT
	// handshake.
	TypeSMTP Type = "smtp"
	// TypeReject unconditionally rejects every message.
	TypeReject Type = "reject"
)

// Config is the dispatcher's runtime configuration. It is converted from
// the TOML-facing config.FilterConfig at startup.
type Config struct {
	// Type selects the backend.
	Type Type
	// Command is a shell command string for pipe/file filters, or a
	// dotted-quad IPv4 literal (optionally "host:port") for the smtp
	// filter. Empty bypasses filtering: the message is accepted unchanged.
	Command string
	// Reject is the SMTP reply line used when Type is TypeReject.
	Reject string
	// Timeout bounds a single multiplex/wait cycle of the chosen driver.
	Timeout time.Duration
	// Directory is the temp directory used for cache/work files.
	Directory string
	// Header, if non-empty, is injected into accepted messages.
	Header string
}

// Enabled reports whether the dispatcher has any work to do for this
// message: either a configured command to run, or a standing reject policy.
func (c Config) Enabled() bool {
	return c.Command != "" || c.Type == TypeReject
}
