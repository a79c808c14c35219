package smtpdialog

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/optimode/mailprobe/internal/proxypool"
	"github.com/optimode/mailprobe/provider"
)

// script describes a fake SMTP server's responses. Response entries are
// full lines without the CRLF; multi-response fields hold one entry per
// successive command of that verb.
type script struct {
	banner   string
	ehlo     []string // lines of the EHLO response
	helo     string
	mailFrom string
	rcpt     []string // one response per successive RCPT
}

func (sc script) withDefaults() script {
	if sc.banner == "" {
		sc.banner = "220 mx.test ESMTP"
	}
	if len(sc.ehlo) == 0 {
		sc.ehlo = []string{"250-mx.test", "250 PIPELINING"}
	}
	if sc.helo == "" {
		sc.helo = "250 mx.test"
	}
	if sc.mailFrom == "" {
		sc.mailFrom = "250 OK"
	}
	if len(sc.rcpt) == 0 {
		sc.rcpt = []string{"250 OK"}
	}
	return sc
}

func serveScript(conn net.Conn, sc script) {
	defer conn.Close()
	sc = sc.withDefaults()

	writeLines := func(lines ...string) {
		for _, l := range lines {
			fmt.Fprintf(conn, "%s\r\n", l)
		}
	}

	writeLines(sc.banner)
	br := bufio.NewReader(conn)
	rcptN := 0
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		switch {
		case strings.HasPrefix(line, "EHLO"):
			writeLines(sc.ehlo...)
		case strings.HasPrefix(line, "HELO"):
			writeLines(sc.helo)
		case strings.HasPrefix(line, "MAIL FROM"):
			writeLines(sc.mailFrom)
		case strings.HasPrefix(line, "RCPT TO"):
			resp := sc.rcpt[len(sc.rcpt)-1]
			if rcptN < len(sc.rcpt) {
				resp = sc.rcpt[rcptN]
			}
			rcptN++
			writeLines(resp)
		case strings.HasPrefix(line, "QUIT"):
			writeLines("221 Bye")
			return
		default:
			writeLines("500 unrecognized")
		}
	}
}

func pipeDialer(sc script) DialContextFunc {
	return func(_ context.Context, _, _ string) (net.Conn, error) {
		client, server := net.Pipe()
		go serveScript(server, sc)
		return client, nil
	}
}

func newTestClient(sc script) *Client {
	c := NewClient(nil, "probe.test", nil)
	c.SetDialContext(pipeDialer(sc))
	return c
}

func TestDialog_HappyPath(t *testing.T) {
	c := newTestClient(script{rcpt: []string{"250 2.1.5 OK"}})
	ctx := context.Background()

	sess, err := c.Dial(ctx, "mx.test", provider.Generic())
	require.NoError(t, err)
	defer sess.Close()

	require.NoError(t, sess.Handshake(ctx, "probe.test"))
	assert.Equal(t, StateHeloed, sess.State())

	require.NoError(t, sess.MailFrom(ctx))
	assert.Equal(t, StateMailFromAccepted, sess.State())

	code, msg, err := sess.Rcpt(ctx, "user@example.com")
	require.NoError(t, err)
	assert.Equal(t, 250, code)
	assert.Contains(t, msg, "2.1.5 OK")
	assert.Equal(t, StateRcptEvaluated, sess.State())

	sess.Quit()
}

func TestDialog_MultilineEHLOFullyConsumed(t *testing.T) {
	c := newTestClient(script{
		ehlo: []string{"250-mx.test greets you", "250-PIPELINING", "250-SIZE 35882577", "250 END"},
	})
	ctx := context.Background()

	sess, err := c.Dial(ctx, "mx.test", provider.Generic())
	require.NoError(t, err)
	defer sess.Close()

	require.NoError(t, sess.Handshake(ctx, "probe.test"))
	// The next command must not trip over leftover EHLO lines.
	require.NoError(t, sess.MailFrom(ctx))
}

func TestDialog_BadGreeting(t *testing.T) {
	c := newTestClient(script{banner: "554 go away"})
	ctx := context.Background()

	sess, err := c.Dial(ctx, "mx.test", provider.Generic())
	require.NoError(t, err)
	defer sess.Close()

	err = sess.Handshake(ctx, "probe.test")
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestDialog_EhloFallsBackToHelo(t *testing.T) {
	c := newTestClient(script{
		ehlo: []string{"502 command not implemented"},
		helo: "250 mx.test at your service",
	})
	ctx := context.Background()

	sess, err := c.Dial(ctx, "mx.test", provider.Generic())
	require.NoError(t, err)
	defer sess.Close()

	require.NoError(t, sess.Handshake(ctx, "probe.test"))
	assert.Equal(t, StateHeloed, sess.State())
}

func TestDialog_EhloAndHeloBothRejected(t *testing.T) {
	c := newTestClient(script{
		ehlo: []string{"502 nope"},
		helo: "502 still nope",
	})
	ctx := context.Background()

	sess, err := c.Dial(ctx, "mx.test", provider.Generic())
	require.NoError(t, err)
	defer sess.Close()

	assert.ErrorIs(t, sess.Handshake(ctx, "probe.test"), ErrProtocol)
}

func TestDialog_RequireTLSWithoutStartTLSStaysPlain(t *testing.T) {
	prof := provider.Generic()
	prof.RequireTLS = true

	c := newTestClient(script{ehlo: []string{"250-mx.test", "250 PIPELINING"}})
	ctx := context.Background()

	sess, err := c.Dial(ctx, "mx.test", prof)
	require.NoError(t, err)
	defer sess.Close()

	require.NoError(t, sess.Handshake(ctx, "probe.test"))
	assert.False(t, sess.TLS())
}

func TestDialog_Rcpt421IsTransport(t *testing.T) {
	c := newTestClient(script{rcpt: []string{"421 try later"}})
	ctx := context.Background()

	sess, err := c.Dial(ctx, "mx.test", provider.Generic())
	require.NoError(t, err)
	defer sess.Close()

	require.NoError(t, sess.Handshake(ctx, "probe.test"))
	require.NoError(t, sess.MailFrom(ctx))

	_, _, err = sess.Rcpt(ctx, "user@example.com")
	assert.ErrorIs(t, err, ErrServerBusy)
	assert.NotEqual(t, StateRcptEvaluated, sess.State())
}

func TestDialog_RcptRejected(t *testing.T) {
	c := newTestClient(script{rcpt: []string{"550 5.1.1 User unknown"}})
	ctx := context.Background()

	sess, err := c.Dial(ctx, "mx.test", provider.Generic())
	require.NoError(t, err)
	defer sess.Close()

	require.NoError(t, sess.Handshake(ctx, "probe.test"))
	require.NoError(t, sess.MailFrom(ctx))

	code, msg, err := sess.Rcpt(ctx, "nobody@example.com")
	require.NoError(t, err, "a rejected RCPT is a completed dialog, not an error")
	assert.Equal(t, 550, code)
	assert.Contains(t, msg, "5.1.1 User unknown")
}

func TestReadResponse_Malformed(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("hello there\r\n"))
	_, _, err := readResponse(r)
	assert.Error(t, err)

	r = bufio.NewReader(strings.NewReader("25x OK\r\n"))
	_, _, err = readResponse(r)
	assert.Error(t, err)
}

func TestReadResponse_BareCode(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("250\r\n"))
	code, lines, err := readResponse(r)
	require.NoError(t, err)
	assert.Equal(t, 250, code)
	assert.Len(t, lines, 1)
}

func TestSynthesizeSender(t *testing.T) {
	re := regexp.MustCompile(`^verify\.[0-9a-f]{12}@(salesforce\.com|sendgrid\.net|mailchimp\.com|amazonses\.com|postmarkapp\.com)$`)
	for i := 0; i < 20; i++ {
		assert.Regexp(t, re, SynthesizeSender())
	}
}

func TestRandomLocalPart(t *testing.T) {
	re := regexp.MustCompile(`^[0-9a-f]{16}$`)
	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		lp := RandomLocalPart()
		assert.Regexp(t, re, lp)
		seen[lp] = true
	}
	assert.Greater(t, len(seen), 1, "probe local parts vary")
}

func TestClose_ProxyAccounting(t *testing.T) {
	pool := proxypool.New(nil)
	pool.Add(&proxypool.Entry{Host: "p", Port: 1080})

	// Clean cycle: success + release.
	e := pool.Acquire()
	require.NotNil(t, e)
	c1, c2 := net.Pipe()
	go func() { _, _ = c2.Read(make([]byte, 1)) }()
	s := &Session{conn: c1, proxy: e, pool: pool, state: StateRcptEvaluated}
	s.Close()
	snap := pool.Snapshot()
	assert.Equal(t, 0, snap[0].ActiveConns)
	assert.Equal(t, 0, snap[0].Failures)

	// Dirty close: counts as a failure against the proxy.
	pool2 := proxypool.New(nil)
	pool2.Add(&proxypool.Entry{Host: "p", Port: 1080})
	e2 := pool2.Acquire()
	require.NotNil(t, e2)
	d1, d2 := net.Pipe()
	go func() { _, _ = d2.Read(make([]byte, 1)) }()
	s2 := &Session{conn: d1, proxy: e2, pool: pool2, state: StateGreeted}
	s2.Close()
	snap = pool2.Snapshot()
	assert.Equal(t, 0, snap[0].ActiveConns)
	assert.Equal(t, 1, snap[0].Failures)
}
