package smtp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	autherrors "github.com/infodancer/auth/errors"
	"github.com/infodancer/msgstore"
	"github.com/infodancer/auth/domain"
	"github.com/infodancer/smtpd/internal/filter"
)

// tempBuffer abstracts temporary message storage during DATA processing.
// The preferred implementation writes to a temp file on the mail store
// filesystem so the delivery agent can do an atomic rename. If filesystem
// access fails, the fallback holds the message in memory.
type tempBuffer interface {
	io.Writer
	// reader returns an io.Reader positioned at the start of the written data.
	reader() io.Reader
	// path returns the backing file path, or "" if the buffer is in-memory.
	// The file-based content filters need a real path to hand a subprocess.
	path() string
	// cleanup releases any held resources (close + unlink for file; noop for mem).
	cleanup()
}

type fileTempBuf struct{ f *os.File }

func (b *fileTempBuf) Write(p []byte) (int, error) { return b.f.Write(p) }
func (b *fileTempBuf) reader() io.Reader {
	_, _ = b.f.Seek(0, io.SeekStart)
	return b.f
}
func (b *fileTempBuf) path() string { return b.f.Name() }
func (b *fileTempBuf) cleanup() {
	_ = b.f.Close()
	_ = os.Remove(b.f.Name())
}

type memTempBuf struct{ buf bytes.Buffer }

func (b *memTempBuf) Write(p []byte) (int, error) { return b.buf.Write(p) }
func (b *memTempBuf) reader() io.Reader            { return bytes.NewReader(b.buf.Bytes()) }
func (b *memTempBuf) path() string                 { return "" }
func (b *memTempBuf) cleanup()                     {}

// newTempBuffer tries to create a temp file in dir (falling back to os.TempDir
// when dir is ""). If file creation fails for any reason, it returns an
// in-memory buffer so message delivery can still proceed.
func newTempBuffer(dir string) tempBuffer {
	if dir != "" {
		if err := os.MkdirAll(dir, 0700); err == nil {
			if f, err := os.CreateTemp(dir, "smtp-msg-*"); err == nil {
				return &fileTempBuf{f: f}
			}
		}
	} else {
		if f, err := os.CreateTemp("", "smtp-msg-*"); err == nil {
			return &fileTempBuf{f: f}
		}
	}
	return &memTempBuf{}
}

// spillToFile copies an in-memory tempBuffer's contents into a real temp
// file. Content filters that receive SMTPD_FILTER_CACHE (the file driver in
// particular) need an on-disk path; an in-memory buffer has none.
func spillToFile(tmp tempBuffer, dir string) (tempBuffer, error) {
	spilled := newTempBuffer(dir)
	if spilled.path() == "" {
		return nil, errors.New("no writable temp directory available")
	}
	if _, err := io.Copy(spilled, tmp.reader()); err != nil {
		spilled.cleanup()
		return nil, err
	}
	return spilled, nil
}

// countingReader wraps an io.Reader and counts bytes read.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// Session implements the go-smtp Session interface.
// It also implements AuthSession for AUTH support.
type Session struct {
	backend      *Backend
	conn         *smtp.Conn
	clientIP     string
	helo         string
	from         string
	mailFromSeen bool // true once MAIL FROM is accepted (from may be "" for bounces)
	recipients   []string
	authUser     string
	domain       *domain.Domain // Set during RCPT TO for delivery
	logger       *slog.Logger
}

// AuthMechanisms returns the available authentication mechanisms.
// Implements smtp.AuthSession interface.
func (s *Session) AuthMechanisms() []string {
	// Only advertise AUTH if TLS is active or connection is from localhost
	_, isTLS := s.conn.TLSConnectionState()
	if !isTLS && !sessionIsLocalhost(s.clientIP) {
		return nil
	}

	var mechs []string

	// Advertise PLAIN if password auth is configured
	if s.backend.authAgent != nil {
		mechs = append(mechs, sasl.Plain)
	}

	return mechs
}

// Auth handles authentication.
// Implements smtp.AuthSession interface.
func (s *Session) Auth(mech string) (sasl.Server, error) {
	switch mech {
	case sasl.Plain:
		if s.backend.authAgent == nil {
			return nil, smtp.ErrAuthUnsupported
		}

		return sasl.NewPlainServer(func(identity, username, password string) error {
			ctx := context.Background()

			// AuthRouter handles domain splitting for user@domain usernames
			session, err := s.backend.authRouter.Authenticate(ctx, username, password)
			if err != nil {
				if s.backend.collector != nil {
					domain := sessionExtractAuthDomain(username)
					s.backend.collector.AuthAttempt(domain, false)
				}

				s.logger.Debug("authentication failed",
					slog.String("username", username),
					slog.String("error", err.Error()))

				if err == autherrors.ErrAuthFailed || err == autherrors.ErrUserNotFound {
					return &smtp.SMTPError{
						Code:         535,
						EnhancedCode: smtp.EnhancedCode{5, 7, 8},
						Message:      "Authentication credentials invalid",
					}
				}

				return &smtp.SMTPError{
					Code:         454,
					EnhancedCode: smtp.EnhancedCode{4, 7, 0},
					Message:      "Temporary authentication failure",
				}
			}

			if session != nil && session.User != nil {
				s.authUser = session.User.Username
			} else {
				s.authUser = username
			}

			if s.backend.collector != nil {
				domain := sessionExtractAuthDomain(username)
				s.backend.collector.AuthAttempt(domain, true)
			}

			s.logger.Debug("authentication successful", slog.String("username", s.authUser))
			return nil
		}), nil

	default:
		return nil, smtp.ErrAuthUnknownMechanism
	}
}

// Mail handles the MAIL FROM command.
// Implements smtp.Session interface.
func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	s.from = from
	s.mailFromSeen = true

	if s.backend.collector != nil {
		s.backend.collector.CommandProcessed("MAIL")
	}

	s.logger.Debug("MAIL FROM", slog.String("from", from))
	return nil
}

// Rcpt handles the RCPT TO command.
// Implements smtp.Session interface.
func (s *Session) Rcpt(to string, opts *smtp.RcptOptions) error {
	// Enforce single recipient per message to avoid partial delivery scenarios
	if len(s.recipients) > 0 {
		return &smtp.SMTPError{
			Code:         452,
			EnhancedCode: smtp.EnhancedCode{4, 5, 3},
			Message:      "One recipient at a time",
		}
	}

	// Extract domain from address
	domainName := extractDomain(to)
	if domainName == "" {
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 2},
			Message:      "Invalid address format",
		}
	}

	// Validate domain if DomainProvider is configured
	if s.backend.domainProvider != nil {
		d := s.backend.domainProvider.GetDomain(domainName)
		if d == nil {
			s.logger.Debug("domain not accepted", slog.String("domain", domainName))
			return &smtp.SMTPError{
				Code:         550,
				EnhancedCode: smtp.EnhancedCode{5, 1, 2},
				Message:      "Domain not accepted",
			}
		}

		// Check if user exists (AuthRouter handles domain splitting)
		ctx := context.Background()
		exists, err := s.backend.authRouter.UserExists(ctx, to)
		if err != nil {
			s.logger.Debug("user lookup failed",
				slog.String("recipient", to),
				slog.String("error", err.Error()))
			return &smtp.SMTPError{
				Code:         451,
				EnhancedCode: smtp.EnhancedCode{4, 3, 0},
				Message:      "Temporary lookup failure",
			}
		}

		if !exists {
			s.logger.Debug("user unknown", slog.String("recipient", to))
			return &smtp.SMTPError{
				Code:         550,
				EnhancedCode: smtp.EnhancedCode{5, 1, 1},
				Message:      "User unknown",
			}
		}

		// Fail early: verify delivery is possible before accepting the recipient.
		// Returning a temp fail lets the sender retry rather than lose the message.
		if d.DeliveryAgent == nil && s.backend.delivery == nil {
			s.logger.Debug("no delivery agent for domain", slog.String("domain", domainName))
			return &smtp.SMTPError{
				Code:         452,
				EnhancedCode: smtp.EnhancedCode{4, 3, 5},
				Message:      "Delivery not available, try again later",
			}
		}

		s.domain = d // Store for delivery
	}

	s.recipients = append(s.recipients, to)

	if s.backend.collector != nil {
		s.backend.collector.CommandProcessed("RCPT")
	}

	s.logger.Debug("RCPT TO", slog.String("to", to))
	return nil
}

// extractDomain extracts the domain part from an email address.
func extractDomain(email string) string {
	// Handle angle brackets: <user@domain>
	email = strings.TrimPrefix(email, "<")
	email = strings.TrimSuffix(email, ">")

	idx := strings.LastIndex(email, "@")
	if idx < 0 || idx == len(email)-1 {
		return ""
	}
	return strings.ToLower(email[idx+1:])
}

// Data handles the DATA command and message delivery.
// Implements smtp.Session interface.
//
// Uses TeeReader to stream message data to a temp file while counting its
// size, avoiding buffering large messages in memory.
func (s *Session) Data(r io.Reader) error {
	ctx := context.Background()

	if s.backend.collector != nil {
		s.backend.collector.CommandProcessed("DATA")
	}

	// Validate session state before reading any message data (fail early).
	// Note: s.from may be "" for bounce messages (MAIL FROM:<>), so we track
	// whether MAIL FROM was seen separately.
	if !s.mailFromSeen {
		return &smtp.SMTPError{
			Code:         503,
			EnhancedCode: smtp.EnhancedCode{5, 5, 1},
			Message:      "Bad sequence of commands: MAIL FROM required",
		}
	}
	if len(s.recipients) == 0 {
		return &smtp.SMTPError{
			Code:         503,
			EnhancedCode: smtp.EnhancedCode{5, 5, 1},
			Message:      "Bad sequence of commands: RCPT TO required",
		}
	}

	// Resolve the delivery agent before reading data. Failing here avoids
	// consuming the message body only to discard it.
	var deliveryAgent msgstore.DeliveryAgent
	if s.domain != nil && s.domain.DeliveryAgent != nil {
		deliveryAgent = s.domain.DeliveryAgent
	} else if s.backend.delivery != nil {
		deliveryAgent = s.backend.delivery
	}
	if deliveryAgent == nil {
		s.logger.Debug("no delivery agent configured")
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Delivery not configured, try again later",
		}
	}

	var filterSess *filter.SessionContext
	if s.backend.filter != nil {
		filterSess = &filter.SessionContext{
			Sender:     s.from,
			Recipients: s.recipients,
			HELO:       s.helo,
			PeerAddr:   s.clientIP,
		}
		if v := s.backend.filter.PreData(filterSess); v != nil {
			return filterVerdictError(v)
		}
	}

	// Buffer the message data. Prefer a temp file on the mail store filesystem
	// (Maildir spec: tmp/ on same device enables atomic rename). Falls back to
	// an in-memory buffer if file creation fails (e.g. read-only filesystem,
	// scratch container with no /tmp configured).
	tmp := newTempBuffer(s.backend.tempDir)
	defer tmp.cleanup()

	// TeeReader writes to tmp as data is read
	tee := io.TeeReader(r, tmp)

	// Wrap in countingReader to track message size
	counter := &countingReader{r: tee}

	if _, err := io.Copy(io.Discard, counter); err != nil {
		s.logger.Debug("failed to read message data", slog.String("error", err.Error()))
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Error reading message",
		}
	}

	var filterHeader string
	if s.backend.filter != nil {
		if tmp.path() == "" {
			// tmp fell back to an in-memory buffer (e.g. CreateTemp failed on a
			// read-only filesystem). Filters that take SMTPD_FILTER_CACHE need a
			// real path, so spill the buffered body to disk before dispatching.
			spilled, err := spillToFile(tmp, s.backend.tempDir)
			if err != nil {
				s.logger.Error("failed to prepare filter cache file", slog.String("error", err.Error()))
				return &smtp.SMTPError{
					Code:         451,
					EnhancedCode: smtp.EnhancedCode{4, 3, 0},
					Message:      "Error preparing message for filtering",
				}
			}
			tmp.cleanup()
			tmp = spilled
			defer tmp.cleanup()
		}
		filterSess.CachePath = tmp.path()
		fhost := &sessionFilterHost{session: s, source: tmp, tempDir: s.backend.tempDir}
		filterStart := time.Now()
		v := s.backend.filter.Data(ctx, fhost, filterSess)
		filterType := string(s.backend.filter.Type())
		if s.backend.collector != nil {
			s.backend.collector.FilterVerdict(filterType, v.Status.String())
			s.backend.collector.FilterDuration(filterType, time.Since(filterStart).Seconds())
			if v.Status == filter.Errored && v.TimedOut() {
				s.backend.collector.FilterTimeout(filterType)
			}
		}
		if v.Status != filter.Accepted {
			if s.backend.collector != nil {
				domain := sessionExtractRecipientDomain(s.recipients)
				s.backend.collector.MessageRejected(domain, "filter")
			}
			return filterVerdictError(v)
		}
		if fhost.cache != nil {
			tmp = fhost.cache
			defer tmp.cleanup()
		}
		filterHeader = v.Header
	}

	// Deliver the message (deliveryAgent is guaranteed non-nil; checked above).
	envelope := msgstore.Envelope{
		From:           s.from,
		Recipients:     s.recipients,
		ReceivedTime:   time.Now(),
		ClientIP:       net.ParseIP(s.clientIP),
		ClientHostname: s.helo,
	}

	deliverBody := tmp.reader()
	if filterHeader != "" {
		deliverBody = io.MultiReader(strings.NewReader(filterHeader+"\r\n"), deliverBody)
	}

	if err := deliveryAgent.Deliver(ctx, envelope, deliverBody); err != nil {
		s.logger.Debug("delivery failed", slog.String("error", err.Error()))

		if s.backend.collector != nil {
			recipientDomain := sessionExtractRecipientDomain(s.recipients)
			s.backend.collector.MessageRejected(recipientDomain, "delivery_error")
		}

		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Delivery failed",
		}
	}

	if s.backend.collector != nil {
		recipientDomain := sessionExtractRecipientDomain(s.recipients)
		s.backend.collector.MessageReceived(recipientDomain, counter.n)
	}

	s.logger.Debug("message delivered",
		slog.Int64("size", counter.n),
		slog.Int("recipients", len(s.recipients)))

	return nil
}

// Reset is called when the client sends RSET.
// Implements smtp.Session interface.
func (s *Session) Reset() {
	s.from = ""
	s.mailFromSeen = false
	s.recipients = nil
	s.domain = nil
	s.logger.Debug("session reset")
}

// Logout is called when the client quits or the connection closes.
// Implements smtp.Session interface.
func (s *Session) Logout() error {
	if s.backend.collector != nil {
		s.backend.collector.ConnectionClosed()
	}
	s.logger.Debug("session logout")
	return nil
}

// sessionExtractRecipientDomain extracts the domain from the first recipient's email address.
func sessionExtractRecipientDomain(recipients []string) string {
	if len(recipients) == 0 {
		return "unknown"
	}

	email := recipients[0]
	if idx := strings.LastIndex(email, "@"); idx >= 0 {
		return email[idx+1:]
	}
	return "unknown"
}

// sessionExtractSenderDomain extracts the domain from a sender email address.
func sessionExtractSenderDomain(sender string) string {
	if sender == "" {
		return "unknown"
	}
	if idx := strings.LastIndex(sender, "@"); idx >= 0 {
		return sender[idx+1:]
	}
	return "unknown"
}

// sessionExtractAuthDomain extracts the domain from an authentication username.
func sessionExtractAuthDomain(username string) string {
	if username == "" {
		return "unknown"
	}
	if idx := strings.LastIndex(username, "@"); idx >= 0 {
		return username[idx+1:]
	}
	return "local"
}

// filterVerdictError translates a content-filter verdict into the SMTP
// reply sent to the client. Errored never leaks filter diagnostics; the
// client only ever sees a generic temporary failure.
func filterVerdictError(v *filter.Verdict) error {
	switch v.Status {
	case filter.Rejected:
		reason := v.Reason
		if reason == "" {
			reason = "Content Rejected"
		}
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 7, 1},
			Message:      reason,
		}
	default:
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Content filter temporarily unavailable",
		}
	}
}

// sessionIsLocalhost checks if the given IP address is a localhost address.
func sessionIsLocalhost(ip string) bool {
	return ip == "127.0.0.1" || ip == "::1" ||
		(len(ip) > 4 && ip[:4] == "127.") || ip == "localhost"
}
