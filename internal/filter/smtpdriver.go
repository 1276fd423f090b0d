package filter

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"
)

// runSMTPDriver acts as a minimal SMTP client speaking a privileged XCLIENT
// exchange to a downstream MTA, so the downstream sees the original
// client's address rather than this proxy's.
func runSMTPDriver(ctx context.Context, host Host, sess *SessionContext, cfg Config, logger *slog.Logger) *Verdict {
	if sess.Sender == "" || len(sess.Recipients) == 0 {
		logger.Error("smtp filter requires a sender and at least one recipient")
		return errorVerdict()
	}

	addr := resolveSMTPAddr(cfg.Command)
	conn, err := net.DialTimeout("tcp", addr, cfg.Timeout)
	if err != nil {
		logger.Error("smtp filter dial failed", slog.String("addr", addr), slog.String("error", err.Error()))
		return errorVerdict()
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(cfg.Timeout))

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	send := func(line string) error {
		if _, err := w.WriteString(line + "\r\n"); err != nil {
			return err
		}
		return w.Flush()
	}

	reply, err := readSMTPReply(r)
	if err != nil || !strings.HasPrefix(reply, "220") {
		logger.Error("smtp filter greeting failed", slog.String("reply", reply))
		return errorVerdict()
	}

	if err := send("EHLO proxsmtp"); err != nil {
		return errorVerdict()
	}
	if reply, err = readSMTPReply(r); err != nil || !strings.HasPrefix(reply, "250") {
		logger.Error("smtp filter EHLO failed", slog.String("reply", reply))
		return errorVerdict()
	}

	xclient := "XCLIENT ADDR=" + xclientAddr(sess.PeerAddr)
	if sess.HELO != "" {
		xclient += " HELO=" + sess.HELO
	}
	if err := send(xclient); err != nil {
		return errorVerdict()
	}
	if reply, err = readSMTPReply(r); err != nil || !strings.HasPrefix(reply, "220") {
		logger.Error("smtp filter XCLIENT failed", slog.String("reply", reply))
		return errorVerdict()
	}

	if err := send("MAIL FROM:<" + sess.Sender + ">"); err != nil {
		return errorVerdict()
	}
	if reply, err = readSMTPReply(r); err != nil || !strings.HasPrefix(reply, "250") {
		logger.Error("smtp filter MAIL FROM failed", slog.String("reply", reply))
		return errorVerdict()
	}

	for _, rcpt := range sess.Recipients {
		if err := send("RCPT TO:<" + rcpt + ">"); err != nil {
			return errorVerdict()
		}
		if reply, err = readSMTPReply(r); err != nil {
			return errorVerdict()
		}
		if !strings.HasPrefix(reply, "250") {
			return smtpReplyVerdict(reply)
		}
	}

	if err := send("DATA"); err != nil {
		return errorVerdict()
	}
	if reply, err = readSMTPReply(r); err != nil {
		return errorVerdict()
	}
	if !strings.HasPrefix(reply, "354") {
		return smtpReplyVerdict(reply)
	}

	src, err := host.OpenSource(ctx, sess)
	if err != nil {
		logger.Error("smtp filter source open failed", slog.String("error", err.Error()))
		return errorVerdict()
	}
	defer src.Close()

	buf := make([]byte, 4096)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				logger.Error("smtp filter stream write failed", slog.String("error", werr.Error()))
				return errorVerdict()
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			logger.Error("smtp filter source read failed", slog.String("error", rerr.Error()))
			return errorVerdict()
		}
	}
	if err := w.Flush(); err != nil {
		return errorVerdict()
	}

	if err := send("."); err != nil {
		return errorVerdict()
	}
	if reply, err = readSMTPReply(r); err != nil {
		logger.Error("smtp filter final reply failed", slog.String("error", err.Error()))
		return errorVerdict()
	}

	_ = send("QUIT")

	if strings.HasPrefix(reply, "250") {
		return acceptVerdict(cfg.Header)
	}
	return smtpReplyVerdict(reply)
}

// smtpReplyVerdict classifies a non-expected SMTP reply: a reply with a
// body is a policy reject carrying that line verbatim; an empty reply is a
// protocol error.
func smtpReplyVerdict(reply string) *Verdict {
	trimmed := strings.TrimRight(reply, " \r\n")
	if trimmed == "" {
		return errorVerdict()
	}
	return rejectVerdict(trimmed)
}

// resolveSMTPAddr accepts config.command as either a bare dotted-quad IPv4
// literal (default port 25, preserving the legacy behavior) or an explicit
// host:port string.
func resolveSMTPAddr(command string) string {
	if host, port, err := net.SplitHostPort(command); err == nil && host != "" && port != "" {
		return command
	}
	return command + ":25"
}

// xclientAddr formats the peer address for an XCLIENT ADDR= parameter,
// prefixing IPv6 literals as the spec requires.
func xclientAddr(peer string) string {
	if strings.Contains(peer, ":") {
		return fmt.Sprintf("[IPv6:%s]", peer)
	}
	return peer
}

// readSMTPReply reads lines until it sees one without a "-" continuation
// marker in the fourth column, returning that final line.
func readSMTPReply(r *bufio.Reader) (string, error) {
	var last string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return "", err
		}
		last = strings.TrimRight(line, "\r\n")
		if len(last) < 4 || last[3] != '-' {
			return last, nil
		}
	}
}
