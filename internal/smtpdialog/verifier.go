package smtpdialog

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/optimode/mailprobe/internal/parse"
	"github.com/optimode/mailprobe/provider"
	"github.com/optimode/mailprobe/types"
)

// Outcome is the verifier's verdict for one address.
type Outcome struct {
	// Completed is true when at least one dialog reached the RCPT stage,
	// whether the mailbox was accepted or not.
	Completed bool
	// MailboxExists is true on a positive RCPT. 451/452 responses count as
	// positive: most large providers greylist unknown senders with these
	// codes for mailboxes that do exist. The raw code is surfaced so
	// callers can override that reading.
	MailboxExists bool
	// CatchAll is true when a random local-part probe was also accepted.
	CatchAll bool
	Code     int
	Message  string
	// Err holds the last transport error when no dialog completed.
	Err error
}

// Verifier orchestrates SMTP dialogs over the MX list for one address.
type Verifier struct {
	client *Client
	log    hclog.Logger
	// sleep is injectable so retry/backoff tests don't take wall time.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewVerifier creates a Verifier on top of a dialog client.
func NewVerifier(client *Client, log hclog.Logger) *Verifier {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Verifier{
		client: client,
		log:    log.Named("verifier"),
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Verify probes the exchangers in priority order until one yields a
// verdict. A permanent reject short-circuits the MX loop (lower-priority
// exchangers share policy); transport failures advance to the next
// exchanger; proxy exhaustion and transient RCPT codes retry the same
// exchanger under the profile's backoff strategy.
func (v *Verifier) Verify(ctx context.Context, addr parse.Address, mxs []types.MXRecord, prof provider.Profile) Outcome {
	out := Outcome{}
	helo := heloFor(prof, v.client, addr)

mxLoop:
	for _, mx := range mxs {
		attempts := prof.Attempts()
		for attempt := 0; attempt < attempts; attempt++ {
			if attempt > 0 {
				if err := v.sleep(ctx, prof.Backoff(attempt)); err != nil {
					out.Err = err
					return out
				}
			}

			res, err := v.probe(ctx, mx.Exchange, addr, prof, helo)
			switch {
			case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
				out.Err = err
				return out
			case errors.Is(err, ErrProxyExhausted):
				v.log.Debug("proxy pool exhausted, backing off", "mx", mx.Exchange, "attempt", attempt)
				out.Err = err
				continue
			case err != nil:
				// Transport or protocol failure: this exchanger is not
				// cooperating, move on to the next one.
				v.log.Debug("smtp dialog failed", "mx", mx.Exchange, "err", err)
				out.Err = err
				continue mxLoop
			}

			out.Completed = true
			out.Code = res.code
			out.Message = res.message
			out.Err = nil

			if res.exists {
				out.MailboxExists = true
				out.CatchAll = res.catchAll
				return out
			}
			if prof.Rejects(res.code) || (res.code >= 550 && res.code <= 554) {
				// Clear permanent reject: no point asking lower-priority
				// exchangers that share the same policy.
				return out
			}
			// Transient 4xx (greylisting and friends): retry this
			// exchanger under the profile's backoff.
			v.log.Debug("transient rcpt response", "mx", mx.Exchange, "code", res.code, "attempt", attempt)
		}
	}
	return out
}

type probeResult struct {
	exists   bool
	catchAll bool
	code     int
	message  string
}

// probe runs one full dialog: dial, handshake, MAIL FROM, RCPT, and, on a
// positive RCPT, a second RCPT with a random local part to detect
// catch-all behaviour.
func (v *Verifier) probe(ctx context.Context, mxHost string, addr parse.Address, prof provider.Profile, helo string) (probeResult, error) {
	var res probeResult

	sess, err := v.client.Dial(ctx, mxHost, prof)
	if err != nil {
		return res, err
	}
	defer sess.Close()

	if err := sess.Handshake(ctx, helo); err != nil {
		return res, err
	}
	if err := sess.MailFrom(ctx); err != nil {
		return res, err
	}

	code, msg, err := sess.Rcpt(ctx, addr.String())
	if err != nil {
		return res, err
	}
	res.code = code
	res.message = msg
	res.exists = existsCode(prof, code)

	if res.exists {
		probeAddr := RandomLocalPart() + "@" + addr.Domain
		pcode, _, perr := sess.Rcpt(ctx, probeAddr)
		if perr != nil {
			// Session died under us; one fresh dialog settles the question.
			res.catchAll = v.probeCatchAll(ctx, mxHost, addr.Domain, prof, helo)
		} else {
			res.catchAll = pcode >= 200 && pcode < 300
		}
	}

	sess.Quit()
	return res, nil
}

// probeCatchAll runs a minimal fresh dialog asking only about a random
// local part. Any failure leaves catch-all undetermined (false).
func (v *Verifier) probeCatchAll(ctx context.Context, mxHost, domain string, prof provider.Profile, helo string) bool {
	sess, err := v.client.Dial(ctx, mxHost, prof)
	if err != nil {
		return false
	}
	defer sess.Close()

	if err := sess.Handshake(ctx, helo); err != nil {
		return false
	}
	if err := sess.MailFrom(ctx); err != nil {
		return false
	}
	code, _, err := sess.Rcpt(ctx, RandomLocalPart()+"@"+domain)
	if err != nil {
		return false
	}
	sess.Quit()
	return code >= 200 && code < 300
}

// existsCode maps an RCPT code to a mailbox-exists verdict for the given
// profile.
func existsCode(prof provider.Profile, code int) bool {
	if code >= 200 && code < 300 {
		return true
	}
	if code == 451 || code == 452 {
		return true
	}
	return prof.Accepts(code)
}

// heloFor picks the EHLO identity: the profile's, then the client's
// configured host, then the recipient domain.
func heloFor(prof provider.Profile, c *Client, addr parse.Address) string {
	if prof.HeloHost != "" {
		return prof.HeloHost
	}
	if c.HeloHost() != "" {
		return c.HeloHost()
	}
	return addr.Domain
}
