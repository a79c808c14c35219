// Package smtpdialog drives a single SMTP conversation up to the RCPT
// stage, over a SOCKS5-proxied TCP connection, without ever sending mail.
//
// TLS note: STARTTLS upgrades use InsecureSkipVerify. The goal of these
// connections is RCPT reachability, not server authentication; a dialog
// connection must never be reused for authenticated mail submission.
package smtpdialog

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/optimode/mailprobe/internal/metrics"
	"github.com/optimode/mailprobe/internal/proxypool"
	"github.com/optimode/mailprobe/provider"
)

// State of one SMTP dialog.
type State int

const (
	StateDialing State = iota
	StateGreeted
	StateHeloed
	StateMailFromAccepted
	StateRcptEvaluated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDialing:
		return "dialing"
	case StateGreeted:
		return "greeted"
	case StateHeloed:
		return "heloed"
	case StateMailFromAccepted:
		return "mail-from-accepted"
	case StateRcptEvaluated:
		return "rcpt-evaluated"
	default:
		return "closed"
	}
}

const (
	smtpPort    = "25"
	quitTimeout = 1 * time.Second
)

var (
	// ErrProxyExhausted means the pool had proxies but none was eligible.
	ErrProxyExhausted = errors.New("smtpdialog: no proxy available")

	// ErrProtocol means the remote server spoke SMTP but refused the
	// handshake (bad greeting, EHLO and HELO both rejected).
	ErrProtocol = errors.New("smtpdialog: protocol error")

	// ErrServerBusy is a 421 at any step: the server is shedding load.
	// It is a transport-class failure, not a mailbox verdict.
	ErrServerBusy = errors.New("smtpdialog: server closing (421)")
)

// cleanSenderDomains are known-reputable domains used when synthesizing the
// MAIL FROM address. Probing from a throwaway domain gets the probe itself
// greylisted.
var cleanSenderDomains = []string{
	"salesforce.com",
	"sendgrid.net",
	"mailchimp.com",
	"amazonses.com",
	"postmarkapp.com",
}

// SynthesizeSender builds a random verification sender address on one of
// the clean sender domains.
func SynthesizeSender() string {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	domain := cleanSenderDomains[rand.IntN(len(cleanSenderDomains))]
	return fmt.Sprintf("verify.%s@%s", token, domain)
}

// RandomLocalPart returns a 16-hex-char local part for catch-all probes.
func RandomLocalPart() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// DialContextFunc is injectable for testing. When set on a Client it
// replaces both proxied and direct dialing.
type DialContextFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Client dials SMTP sessions, through the proxy pool when one is
// configured.
type Client struct {
	pool     *proxypool.Pool
	dial     DialContextFunc
	heloHost string
	log      hclog.Logger
}

// NewClient creates a dialog client. pool may be nil (direct dialing).
// heloHost may be empty; the verifier then identifies as the recipient
// domain.
func NewClient(pool *proxypool.Pool, heloHost string, log hclog.Logger) *Client {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Client{pool: pool, heloHost: heloHost, log: log.Named("smtp")}
}

// SetDialContext overrides the dial path. Tests use this to hand the
// session a net.Pipe end.
func (c *Client) SetDialContext(dial DialContextFunc) { c.dial = dial }

// HeloHost returns the default EHLO identity.
func (c *Client) HeloHost() string { return c.heloHost }

// Session is one SMTP conversation over one connection.
type Session struct {
	conn  net.Conn
	br    *bufio.Reader
	bw    *bufio.Writer
	state State

	mxHost  string
	profile provider.Profile
	exts    map[string]string

	pool  *proxypool.Pool
	proxy *proxypool.Entry

	tls         bool
	lastCode    int
	lastMessage string
}

// State returns the current dialog state.
func (s *Session) State() State { return s.state }

// TLS reports whether the connection was upgraded via STARTTLS.
func (s *Session) TLS() bool { return s.tls }

// Last returns the code and message of the most recent server response.
func (s *Session) Last() (int, string) { return s.lastCode, s.lastMessage }

// Dial opens a TCP connection to the exchanger on port 25, acquiring a
// proxy from the pool when one is available. The proxy slot is owned by the
// session until Close.
func (c *Client) Dial(ctx context.Context, mxHost string, prof provider.Profile) (*Session, error) {
	s := &Session{
		state:   StateDialing,
		mxHost:  mxHost,
		profile: prof,
		pool:    c.pool,
	}
	addr := net.JoinHostPort(mxHost, smtpPort)

	var (
		conn net.Conn
		err  error
	)
	switch {
	case c.dial != nil:
		conn, err = c.dial(ctx, "tcp", addr)
	case c.pool != nil && c.pool.Len() > 0:
		s.proxy = c.pool.Acquire()
		if s.proxy == nil {
			metrics.SMTPDialsTotal.WithLabelValues("error").Inc()
			return nil, ErrProxyExhausted
		}
		conn, err = s.proxy.DialContext(ctx, "tcp", addr)
	default:
		d := &net.Dialer{Timeout: proxypool.ConnectTimeout, KeepAlive: 30 * time.Second}
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		if s.proxy != nil {
			c.pool.MarkFailure(s.proxy)
			s.proxy = nil
		}
		metrics.SMTPDialsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
	}

	s.conn = conn
	s.br = bufio.NewReader(conn)
	s.bw = bufio.NewWriter(conn)
	metrics.SMTPDialsTotal.WithLabelValues("ok").Inc()
	return s, nil
}

// Handshake consumes the greeting, identifies with EHLO (falling back to
// HELO) and performs the STARTTLS upgrade when the profile requires TLS and
// the server advertises it.
func (s *Session) Handshake(ctx context.Context, heloHost string) error {
	if heloHost == "" {
		heloHost = s.profile.HeloHost
	}
	if heloHost == "" {
		heloHost = "localhost"
	}

	code, _, err := s.read(ctx)
	if err != nil {
		return err
	}
	if code != 220 {
		return fmt.Errorf("%w: greeting %d %s", ErrProtocol, code, s.lastMessage)
	}
	s.state = StateGreeted

	if err := s.hello(ctx, heloHost); err != nil {
		return err
	}

	if s.profile.RequireTLS && !s.tls {
		if _, ok := s.exts["STARTTLS"]; ok {
			if err := s.startTLS(ctx, heloHost); err != nil {
				return err
			}
		}
	}

	s.state = StateHeloed
	return nil
}

// hello sends EHLO, falling back to HELO when the server refuses it.
func (s *Session) hello(ctx context.Context, heloHost string) error {
	code, lines, err := s.cmd(ctx, "EHLO %s", heloHost)
	if err != nil {
		return err
	}
	if code == 250 {
		s.exts = parseExtensions(lines)
		return nil
	}

	code, _, err = s.cmd(ctx, "HELO %s", heloHost)
	if err != nil {
		return err
	}
	if code != 250 {
		return fmt.Errorf("%w: HELO rejected with %d %s", ErrProtocol, code, s.lastMessage)
	}
	s.exts = map[string]string{}
	return nil
}

// startTLS upgrades the connection in place. Certificate verification is
// deliberately disabled; see the package doc.
func (s *Session) startTLS(ctx context.Context, heloHost string) error {
	code, _, err := s.cmd(ctx, "STARTTLS")
	if err != nil {
		return err
	}
	if code != 220 {
		return fmt.Errorf("%w: STARTTLS rejected with %d %s", ErrProtocol, code, s.lastMessage)
	}

	tlsConn := tls.Client(s.conn, &tls.Config{
		ServerName:         s.mxHost,
		InsecureSkipVerify: true,
	})
	_ = tlsConn.SetDeadline(time.Now().Add(s.timeout()))
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("tls handshake with %s: %w", s.mxHost, err)
	}

	s.conn = tlsConn
	s.br = bufio.NewReader(tlsConn)
	s.bw = bufio.NewWriter(tlsConn)
	s.tls = true

	// The pre-TLS capability list no longer applies.
	return s.hello(ctx, heloHost)
}

// MailFrom declares the synthesized sender. Must follow Handshake.
func (s *Session) MailFrom(ctx context.Context) error {
	code, _, err := s.cmd(ctx, "MAIL FROM:<%s>", SynthesizeSender())
	if err != nil {
		return err
	}
	if code != 250 {
		return fmt.Errorf("%w: MAIL FROM rejected with %d %s", ErrProtocol, code, s.lastMessage)
	}
	s.state = StateMailFromAccepted
	return nil
}

// Rcpt declares one recipient and returns the server's verdict. A 421
// surfaces as ErrServerBusy because the server is dropping the session, not
// judging the mailbox.
func (s *Session) Rcpt(ctx context.Context, email string) (code int, message string, err error) {
	code, _, err = s.cmd(ctx, "RCPT TO:<%s>", email)
	if err != nil {
		return 0, "", err
	}
	if code == 421 {
		return 0, "", fmt.Errorf("%w: %s", ErrServerBusy, s.lastMessage)
	}
	s.state = StateRcptEvaluated
	return code, s.lastMessage, nil
}

// Quit ends the dialog politely. Best effort: the response is read with a
// short deadline and all errors are ignored.
func (s *Session) Quit() {
	if s.conn == nil {
		return
	}
	_ = s.conn.SetDeadline(time.Now().Add(quitTimeout))
	_, _ = s.bw.WriteString("QUIT\r\n")
	_ = s.bw.Flush()
	_, _, _ = readResponse(s.br)
}

// Close destroys the socket and settles the proxy slot: a dialog that
// reached RCPT releases the proxy as a success, anything earlier counts as
// a failure against it.
func (s *Session) Close() {
	if s.state == StateClosed {
		return
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
	if s.proxy != nil {
		if s.state == StateRcptEvaluated {
			s.pool.MarkSuccess(s.proxy)
			s.pool.Release(s.proxy)
		} else {
			s.pool.MarkFailure(s.proxy)
		}
		s.proxy = nil
	}
	s.state = StateClosed
}

func (s *Session) timeout() time.Duration {
	if s.profile.Timeout > 0 {
		return s.profile.Timeout
	}
	return 10 * time.Second
}

// cmd writes one command line and reads the response. The per-response
// deadline is the profile timeout.
func (s *Session) cmd(ctx context.Context, format string, args ...any) (int, []string, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}

	deadline := time.Now().Add(s.timeout())
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.conn.SetDeadline(deadline); err != nil {
		return 0, nil, fmt.Errorf("set deadline: %w", err)
	}

	if _, err := fmt.Fprintf(s.bw, format+"\r\n", args...); err != nil {
		return 0, nil, fmt.Errorf("write: %w", err)
	}
	if err := s.bw.Flush(); err != nil {
		return 0, nil, fmt.Errorf("write: %w", err)
	}
	return s.read(ctx)
}

func (s *Session) read(ctx context.Context) (int, []string, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	deadline := time.Now().Add(s.timeout())
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.conn.SetDeadline(deadline)

	code, lines, err := readResponse(s.br)
	if err != nil {
		return 0, nil, err
	}
	s.lastCode = code
	s.lastMessage = responseMessage(lines)
	return code, lines, nil
}

// readResponse reads a (possibly multi-line) SMTP response. A response is
// complete when a "NNN text" (or bare "NNN") line is seen; "NNN-text"
// continuation lines are consumed.
func readResponse(r *bufio.Reader) (int, []string, error) {
	var lines []string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return 0, nil, fmt.Errorf("read response: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if len(line) < 3 || !isDigits(line[:3]) {
			return 0, nil, fmt.Errorf("malformed response line %q", line)
		}
		if len(line) > 3 && line[3] != ' ' && line[3] != '-' {
			return 0, nil, fmt.Errorf("malformed response line %q", line)
		}
		lines = append(lines, line)
		if len(line) == 3 || line[3] == ' ' {
			code, _ := strconv.Atoi(line[:3])
			return code, lines, nil
		}
	}
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// responseMessage strips the code prefixes and joins the response text.
func responseMessage(lines []string) string {
	parts := make([]string, 0, len(lines))
	for _, l := range lines {
		if len(l) > 4 {
			parts = append(parts, l[4:])
		}
	}
	return strings.Join(parts, " | ")
}

// parseExtensions extracts EHLO keywords from a 250 response. The first
// line is the server's identity and is skipped.
func parseExtensions(lines []string) map[string]string {
	exts := make(map[string]string, len(lines))
	for i, l := range lines {
		if i == 0 || len(l) <= 4 {
			continue
		}
		fields := strings.SplitN(l[4:], " ", 2)
		key := strings.ToUpper(fields[0])
		val := ""
		if len(fields) == 2 {
			val = fields[1]
		}
		exts[key] = val
	}
	return exts
}
