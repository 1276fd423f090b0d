package smtp

import (
	"context"
	"io"
	"strings"

	"github.com/infodancer/smtpd/internal/filter"
)

// sessionFilterHost adapts a single DATA transaction to the filter.Host
// contract, backed by the same tempBuffer abstraction the session already
// uses to stage the message body. It is constructed fresh for every Data
// call and discarded afterward.
type sessionFilterHost struct {
	session *Session
	source  tempBuffer
	cache   tempBuffer // populated by OpenCache for the pipe driver's rewrite
	tempDir string
}

type readNopCloser struct{ io.Reader }

func (readNopCloser) Close() error { return nil }

type writeNopCloser struct{ io.Writer }

func (writeNopCloser) Close() error { return nil }

// OpenSource returns a reader over the already-buffered message body.
func (h *sessionFilterHost) OpenSource(_ context.Context, _ *filter.SessionContext) (io.ReadCloser, error) {
	return readNopCloser{h.source.reader()}, nil
}

// OpenCache returns a writer for the filter's rewritten output. The pipe
// driver is the only caller; its result replaces the session's delivery
// buffer once a verdict comes back accepted.
func (h *sessionFilterHost) OpenCache(_ context.Context, _ *filter.SessionContext) (io.WriteCloser, error) {
	h.cache = newTempBuffer(h.tempDir)
	return writeNopCloser{h.cache}, nil
}

// SetupForked publishes the per-message context a pipe/file/smtp filter
// subprocess needs as environment variables.
func (h *sessionFilterHost) SetupForked(sess *filter.SessionContext, isFilter bool) []string {
	env := []string{
		"SMTPD_FILTER_SENDER=" + sess.Sender,
		"SMTPD_FILTER_RECIPIENTS=" + strings.Join(sess.Recipients, ","),
		"SMTPD_FILTER_HELO=" + sess.HELO,
		"SMTPD_FILTER_PEER=" + sess.PeerAddr,
	}
	if isFilter && sess.CachePath != "" {
		env = append(env, "SMTPD_FILTER_CACHE="+sess.CachePath)
	}
	return env
}

// AddLog records a diagnostic key/value pair surfaced by a filter driver.
func (h *sessionFilterHost) AddLog(_ *filter.SessionContext, key, value string) {
	h.session.logger.Debug("filter diagnostic", "key", key, "value", value)
}

// IsQuitting reports whether the client connection is being torn down.
// go-smtp's Session interface gives us no such signal mid-DATA, so this
// is always false; the per-iteration timeout remains the only bound on a
// stuck filter.
func (h *sessionFilterHost) IsQuitting() bool {
	return false
}
