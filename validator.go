package mailprobe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/optimode/mailprobe/internal/dnsx"
	"github.com/optimode/mailprobe/internal/metrics"
	"github.com/optimode/mailprobe/internal/parse"
	"github.com/optimode/mailprobe/internal/proxypool"
	"github.com/optimode/mailprobe/internal/smtpdialog"
	"github.com/optimode/mailprobe/provider"
	"github.com/optimode/mailprobe/types"
)

// Validator is the staged validation pipeline. Build one with New and the
// fluent With* methods, then call Validate / ValidateBatch /
// ValidateStream. A Validator is safe for concurrent use once configured.
type Validator struct {
	registry   *provider.Registry
	resolver   *dnsx.Resolver
	lookuper   dnsx.Lookuper
	pool       *proxypool.Pool
	heloHost   string
	dnsTimeout time.Duration
	dial       smtpdialog.DialContextFunc
	log        hclog.Logger

	mu       sync.Mutex // guards lazy construction below
	verifier *smtpdialog.Verifier
}

// New creates a Validator with the built-in provider registry, the system
// resolver and no proxies (direct dialing).
func New() *Validator {
	return &Validator{
		registry:   provider.NewRegistry(),
		dnsTimeout: 10 * time.Second,
		log:        hclog.NewNullLogger(),
	}
}

// WithProxyPool routes all SMTP connections through the given SOCKS5 pool.
func (v *Validator) WithProxyPool(pool *proxypool.Pool) *Validator {
	v.pool = pool
	v.verifier = nil
	return v
}

// WithRegistry replaces the provider registry.
func (v *Validator) WithRegistry(r *provider.Registry) *Validator {
	v.registry = r
	return v
}

// WithLogger sets the logger. The default is a null logger.
func (v *Validator) WithLogger(log hclog.Logger) *Validator {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	v.log = log
	v.resolver = nil
	v.verifier = nil
	return v
}

// WithHeloHost sets the EHLO identity used when a provider profile does not
// dictate one. Defaults to the recipient domain.
func (v *Validator) WithHeloHost(host string) *Validator {
	v.heloHost = host
	v.verifier = nil
	return v
}

// WithLookuper replaces the DNS backend (tests use a mockdns resolver).
func (v *Validator) WithLookuper(l dnsx.Lookuper) *Validator {
	v.lookuper = l
	v.resolver = dnsx.NewWithLookuper(l, v.dnsTimeout)
	return v
}

// WithDNSTimeout sets the per-query DNS timeout. Default 10s. An injected
// Lookuper survives the rebuild.
func (v *Validator) WithDNSTimeout(d time.Duration) *Validator {
	v.dnsTimeout = d
	switch {
	case v.lookuper != nil:
		v.resolver = dnsx.NewWithLookuper(v.lookuper, d)
	case v.resolver != nil:
		v.resolver = dnsx.New(d)
	}
	return v
}

// DialContextFunc overrides how SMTP connections are dialed; tests use it
// to hand sessions a net.Pipe end.
type DialContextFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// WithDialContext overrides SMTP dialing. Bypasses the proxy pool.
func (v *Validator) WithDialContext(dial DialContextFunc) *Validator {
	v.dial = smtpdialog.DialContextFunc(dial)
	v.verifier = nil
	return v
}

// Pool returns the configured proxy pool, or nil.
func (v *Validator) Pool() *proxypool.Pool { return v.pool }

func (v *Validator) dnsResolver() *dnsx.Resolver {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.resolver == nil {
		v.resolver = dnsx.New(v.dnsTimeout)
	}
	return v.resolver
}

func (v *Validator) mailboxVerifier() *smtpdialog.Verifier {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.verifier == nil {
		client := smtpdialog.NewClient(v.pool, v.heloHost, v.log)
		if v.dial != nil {
			client.SetDialContext(v.dial)
		}
		v.verifier = smtpdialog.NewVerifier(client, v.log)
	}
	return v.verifier
}

// Validate runs the staged pipeline for one address. Stages short-circuit:
// the first failed stage sets the reason and no later stage runs. The error
// return is non-nil only for context cancellation; every other failure is a
// ValidationResult with a reason.
func (v *Validator) Validate(ctx context.Context, email string) (types.ValidationResult, error) {
	res := types.ValidationResult{Email: email, Reason: ReasonValid}

	addr := parse.NewAddress(email)
	if !addr.Valid {
		res.Reason = ReasonInvalidFormat
		metrics.ValidationsTotal.WithLabelValues("invalid").Inc()
		return res, nil
	}
	res.Checks.Format = true

	if !addr.WithinLengthLimits() {
		res.Valid = false
		res.Reason = ReasonTooLong
		metrics.ValidationsTotal.WithLabelValues("invalid").Inc()
		return res, nil
	}

	resolver := v.dnsResolver()

	if !resolver.HasAddress(ctx, addr.Domain) {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Reason = ReasonNoDomain
		metrics.ValidationsTotal.WithLabelValues("invalid").Inc()
		return res, nil
	}
	res.Checks.DNS = true

	mxs := resolver.MX(ctx, addr.Domain)
	if len(mxs) == 0 {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Reason = ReasonNoMailServers
		metrics.ValidationsTotal.WithLabelValues("invalid").Inc()
		return res, nil
	}
	res.Checks.MX = true
	res.Details.MXRecords = mxs

	// SPF is recorded, never gating.
	if spf := resolver.SPF(ctx, addr.Domain); spf != "" {
		res.Checks.SPF = true
		res.Details.SPFRecord = spf
	}

	prof := v.registry.Lookup(addr.Domain)
	if prof.Name == "generic" {
		hosts := make([]string, len(mxs))
		for i, mx := range mxs {
			hosts[i] = mx.Exchange
		}
		prof = v.registry.LookupByMX(hosts)
	}
	res.Details.Provider = prof.Name

	out := v.mailboxVerifier().Verify(ctx, addr, mxs, prof)
	if out.Err != nil && (errors.Is(out.Err, context.Canceled) || errors.Is(out.Err, context.DeadlineExceeded)) {
		metrics.ValidationsTotal.WithLabelValues("error").Inc()
		return res, out.Err
	}

	res.Checks.SMTP = out.Completed
	res.Checks.Mailbox = out.MailboxExists
	res.Checks.CatchAll = out.CatchAll
	if out.Completed {
		res.Details.SMTPResponse = fmt.Sprintf("%d %s", out.Code, out.Message)
	}

	switch {
	case !out.Completed:
		res.Reason = ReasonNoConnection
	case !out.MailboxExists:
		res.Reason = ReasonMailboxFailed
	case out.CatchAll && prof.RejectCatchAll:
		res.Reason = ReasonCatchAll
	default:
		res.Valid = true
		res.Reason = ReasonValid
	}

	if res.Valid {
		metrics.ValidationsTotal.WithLabelValues("valid").Inc()
	} else {
		metrics.ValidationsTotal.WithLabelValues("invalid").Inc()
	}
	v.log.Debug("validation finished",
		"email", email, "valid", res.Valid, "reason", res.Reason, "provider", prof.Name)
	return res, nil
}
