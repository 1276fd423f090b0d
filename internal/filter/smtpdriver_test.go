package filter

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"
)

// fakeMTA is a minimal SMTP server used to drive the smtp filter driver's
// handshake. It accepts a single connection and hands it to the handle
// func given to startFakeMTA, which sends the replies.
type fakeMTA struct {
	ln net.Listener
}

func startFakeMTA(t *testing.T, handle func(net.Conn)) *fakeMTA {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	m := &fakeMTA{ln: ln}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}()
	t.Cleanup(func() { ln.Close() })
	return m
}

func (m *fakeMTA) addr() string { return m.ln.Addr().String() }

func acceptingMTA(t *testing.T) *fakeMTA {
	return startFakeMTA(t, func(conn net.Conn) {
		r := bufio.NewReader(conn)
		w := bufio.NewWriter(conn)
		reply := func(line string) { w.WriteString(line + "\r\n"); w.Flush() }

		reply("220 fake.mta ESMTP")
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			cmd := strings.ToUpper(strings.TrimSpace(line))
			switch {
			case strings.HasPrefix(cmd, "EHLO"):
				reply("250 fake.mta")
			case strings.HasPrefix(cmd, "XCLIENT"):
				reply("220 go ahead")
			case strings.HasPrefix(cmd, "MAIL FROM"):
				reply("250 OK")
			case strings.HasPrefix(cmd, "RCPT TO"):
				reply("250 OK")
			case cmd == "DATA":
				reply("354 go ahead")
				for {
					bodyLine, err := r.ReadString('\n')
					if err != nil || bodyLine == ".\r\n" {
						break
					}
				}
				reply("250 Message accepted")
			case cmd == "QUIT":
				reply("221 bye")
				return
			}
		}
	})
}

func TestRunSMTPDriverAccept(t *testing.T) {
	mta := acceptingMTA(t)
	host := newTestHost("Subject: hi\r\n\r\nbody\r\n")
	cfg := Config{Type: TypeSMTP, Command: mta.addr(), Timeout: 2 * time.Second}
	sess := &SessionContext{Sender: "a@example.com", Recipients: []string{"b@example.com"}, PeerAddr: "10.0.0.1", HELO: "client.example.com"}

	v := runSMTPDriver(context.Background(), host, sess, cfg, discardLogger())
	if v.Status != Accepted {
		t.Fatalf("status = %v, want Accepted", v.Status)
	}
}

func TestRunSMTPDriverRejectsWithoutSenderOrRecipient(t *testing.T) {
	host := newTestHost("body")
	cfg := Config{Type: TypeSMTP, Command: "127.0.0.1:1", Timeout: time.Second}

	v := runSMTPDriver(context.Background(), host, &SessionContext{}, cfg, discardLogger())
	if v.Status != Errored {
		t.Fatalf("status = %v, want Errored", v.Status)
	}
}

func TestRunSMTPDriverRcptReject(t *testing.T) {
	mta := startFakeMTA(t, func(conn net.Conn) {
		r := bufio.NewReader(conn)
		w := bufio.NewWriter(conn)
		reply := func(line string) { w.WriteString(line + "\r\n"); w.Flush() }

		reply("220 fake.mta ESMTP")
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			cmd := strings.ToUpper(strings.TrimSpace(line))
			switch {
			case strings.HasPrefix(cmd, "EHLO"):
				reply("250 fake.mta")
			case strings.HasPrefix(cmd, "XCLIENT"):
				reply("220 go ahead")
			case strings.HasPrefix(cmd, "MAIL FROM"):
				reply("250 OK")
			case strings.HasPrefix(cmd, "RCPT TO"):
				reply("554 5.7.1 rejected")
			case cmd == "QUIT":
				reply("221 bye")
				return
			}
		}
	})

	host := newTestHost("body")
	cfg := Config{Type: TypeSMTP, Command: mta.addr(), Timeout: 2 * time.Second}
	sess := &SessionContext{Sender: "a@example.com", Recipients: []string{"b@example.com"}, PeerAddr: "10.0.0.1"}

	v := runSMTPDriver(context.Background(), host, sess, cfg, discardLogger())
	if v.Status != Rejected {
		t.Fatalf("status = %v, want Rejected", v.Status)
	}
	if v.Reason != "554 5.7.1 rejected" {
		t.Fatalf("reason = %q", v.Reason)
	}
}

func TestXClientAddrIPv6Prefix(t *testing.T) {
	if got := xclientAddr("192.0.2.1"); got != "192.0.2.1" {
		t.Fatalf("ipv4 addr = %q", got)
	}
	if got := xclientAddr("::1"); got != "[IPv6:::1]" {
		t.Fatalf("ipv6 addr = %q", got)
	}
}

func TestResolveSMTPAddrDefaultsPort25(t *testing.T) {
	if got := resolveSMTPAddr("192.0.2.1"); got != "192.0.2.1:25" {
		t.Fatalf("resolveSMTPAddr = %q", got)
	}
	if got := resolveSMTPAddr("mta.example.com:2525"); got != "mta.example.com:2525" {
		t.Fatalf("resolveSMTPAddr = %q", got)
	}
}
