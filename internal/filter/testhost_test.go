package filter

import (
	"bytes"
	"context"
	"io"
)

// testHost is a minimal Host used across the filter package's tests. It
// serves a fixed source body, captures cache writes in memory, and
// publishes a small fixed set of environment entries.
type testHost struct {
	body     []byte
	cache    *bytes.Buffer
	quitting bool
	logs     map[string]string
}

func newTestHost(body string) *testHost {
	return &testHost{body: []byte(body), cache: &bytes.Buffer{}, logs: map[string]string{}}
}

func (h testHost) OpenSource(_ context.Context, _ *SessionContext) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(h.body)), nil
}

func (h testHost) OpenCache(_ context.Context, _ *SessionContext) (io.WriteCloser, error) {
	return nopWriteCloser{h.cache}, nil
}

func (h testHost) SetupForked(sess *SessionContext, isFilter bool) []string {
	return []string{"SMTPD_FILTER_CACHE=" + sess.CachePath}
}

func (h testHost) AddLog(sess *SessionContext, key, value string) {
	if h.logs != nil {
		h.logs[key] = value
	}
}

func (h testHost) IsQuitting() bool { return h.quitting }

type nopWriteCloser struct{ w io.Writer }

func (n nopWriteCloser) Write(p []byte) (int, error) { return n.w.Write(p) }
func (n nopWriteCloser) Close() error                { return nil }

var _ Host = testHost{}
