// Package dnsx is a thin facade over DNS for the three queries the
// validation pipeline needs: address presence, the MX list, and the SPF
// record. Lookup failures are not errors at this boundary; they map to
// false, empty and "" respectively.
package dnsx

import (
	"context"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/optimode/mailprobe/types"
)

// Lookuper is the subset of *net.Resolver the facade needs.
// *mockdns.Resolver satisfies it too, which is how the tests run without
// real DNS.
type Lookuper interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
	LookupCNAME(ctx context.Context, host string) (string, error)
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// Resolver wraps a Lookuper with a fixed per-query timeout.
type Resolver struct {
	lookuper Lookuper
	timeout  time.Duration
}

// New returns a Resolver backed by the system resolver.
func New(timeout time.Duration) *Resolver {
	return NewWithLookuper(&net.Resolver{}, timeout)
}

// NewWithLookuper returns a Resolver backed by a custom Lookuper.
func NewWithLookuper(l Lookuper, timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Resolver{lookuper: l, timeout: timeout}
}

// HasAddress reports whether the domain resolves at all: any of A, AAAA or
// CNAME succeeding counts. Both queries are issued in parallel and the
// first success wins.
func (r *Resolver) HasAddress(ctx context.Context, domain string) bool {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	found := make(chan bool, 2)

	go func() {
		addrs, err := r.lookuper.LookupHost(ctx, domain)
		found <- err == nil && len(addrs) > 0
	}()
	go func() {
		cname, err := r.lookuper.LookupCNAME(ctx, domain)
		found <- err == nil && cname != ""
	}()

	for i := 0; i < 2; i++ {
		select {
		case ok := <-found:
			if ok {
				return true
			}
		case <-ctx.Done():
			return false
		}
	}
	return false
}

// MX returns the domain's mail exchangers sorted by ascending priority,
// or an empty slice. Trailing dots are trimmed from exchanger names and
// the sort is stable, so records sharing a priority keep their DNS order.
func (r *Resolver) MX(ctx context.Context, domain string) []types.MXRecord {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	mxs, err := r.lookuper.LookupMX(ctx, domain)
	if err != nil {
		return nil
	}

	records := make([]types.MXRecord, 0, len(mxs))
	for _, mx := range mxs {
		host := strings.TrimSuffix(mx.Host, ".")
		if host == "" {
			continue
		}
		records = append(records, types.MXRecord{Exchange: host, Priority: mx.Pref})
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Priority < records[j].Priority
	})
	return records
}

// SPF returns the first TXT record beginning with "v=spf1", or "".
func (r *Resolver) SPF(ctx context.Context, domain string) string {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	txts, err := r.lookuper.LookupTXT(ctx, domain)
	if err != nil {
		return ""
	}
	for _, txt := range txts {
		if strings.HasPrefix(txt, "v=spf1") {
			return txt
		}
	}
	return ""
}
