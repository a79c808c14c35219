// Package provider maps recipient domains to provider profiles: the
// timeouts, response-code sets, TLS policy and retry strategy that govern an
// SMTP verification against that provider.
package provider

import (
	"strings"
	"time"
)

// RetryDelay is the base unit for both backoff strategies.
const RetryDelay = 2 * time.Second

// Profile describes how to talk to one mail provider.
// Profiles are immutable values; copy freely.
type Profile struct {
	Name           string
	Timeout        time.Duration
	RequireTLS     bool
	RejectCatchAll bool
	AcceptCodes    map[int]bool
	RejectCodes    map[int]bool
	RetryAttempts  int
	HeloHost       string
	// CustomValidation marks providers (the Outlook family) that need a
	// longer retry budget with exponential backoff.
	CustomValidation bool
	// MXDomains are DNS suffixes of the provider's MX hosts, used to
	// recognize the provider when the address domain itself has no entry
	// (e.g. Google Workspace domains served by google.com exchangers).
	MXDomains []string
}

// Accepts reports whether the given RCPT code counts as acceptance.
func (p Profile) Accepts(code int) bool { return p.AcceptCodes[code] }

// Rejects reports whether the given RCPT code counts as a permanent reject.
func (p Profile) Rejects(code int) bool { return p.RejectCodes[code] }

// Attempts returns the retry budget for this profile.
func (p Profile) Attempts() int {
	attempts := p.RetryAttempts
	if attempts <= 0 {
		attempts = 3
	}
	if p.CustomValidation && attempts < 5 {
		attempts = 5
	}
	return attempts
}

// Backoff returns the delay before retry number attempt (counted from 1).
// Custom-validation providers back off exponentially, everyone else
// linearly.
func (p Profile) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.CustomValidation {
		return RetryDelay * time.Duration(1<<uint(attempt))
	}
	return RetryDelay * time.Duration(attempt)
}

func codeSet(codes ...int) map[int]bool {
	m := make(map[int]bool, len(codes))
	for _, c := range codes {
		m[c] = true
	}
	return m
}

// Generic is the fallback profile for domains without a named provider.
func Generic() Profile {
	return Profile{
		Name:           "generic",
		Timeout:        10 * time.Second,
		RequireTLS:     false,
		RejectCatchAll: true,
		AcceptCodes:    codeSet(250, 251, 252),
		RejectCodes:    codeSet(550, 551, 552, 553, 554),
		RetryAttempts:  2,
	}
}

// Registry resolves a domain (or its MX hosts) to a Profile.
// Immutable after construction; safe for concurrent use.
type Registry struct {
	byDomain map[string]Profile
	profiles []Profile
}

// NewRegistry returns a registry populated with the built-in profiles.
func NewRegistry() *Registry {
	return NewRegistryWith(builtins()...)
}

// NewRegistryWith builds a registry from an explicit profile list. Each
// profile is keyed by its Name (a canonical lowercased domain) and by its
// MXDomains for MX-based matching.
func NewRegistryWith(profiles ...Profile) *Registry {
	r := &Registry{byDomain: make(map[string]Profile, len(profiles))}
	for _, p := range profiles {
		r.byDomain[strings.ToLower(p.Name)] = p
		r.profiles = append(r.profiles, p)
	}
	return r
}

// Lookup returns the profile for the given address domain, falling back to
// the generic profile.
func (r *Registry) Lookup(domain string) Profile {
	if p, ok := r.byDomain[strings.ToLower(domain)]; ok {
		return p
	}
	return Generic()
}

// LookupByMX returns the profile whose declared MX suffixes match any of the
// given exchanger hostnames. Matching is a suffix match on a DNS-label
// boundary, so "notgmail.com" never matches "gmail.com". Falls back to the
// generic profile.
func (r *Registry) LookupByMX(exchangers []string) Profile {
	for _, p := range r.profiles {
		for _, suffix := range p.MXDomains {
			for _, host := range exchangers {
				if matchesLabelSuffix(host, suffix) {
					return p
				}
			}
		}
	}
	return Generic()
}

// matchesLabelSuffix reports whether host equals suffix or ends with
// "."+suffix, case-insensitively.
func matchesLabelSuffix(host, suffix string) bool {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	suffix = strings.ToLower(suffix)
	if host == suffix {
		return true
	}
	return strings.HasSuffix(host, "."+suffix)
}

func builtins() []Profile {
	return []Profile{
		{
			Name:           "gmail.com",
			Timeout:        15 * time.Second,
			RequireTLS:     true,
			RejectCatchAll: true,
			AcceptCodes:    codeSet(250, 251),
			RejectCodes:    codeSet(550, 551, 552, 553, 554),
			RetryAttempts:  2,
			MXDomains:      []string{"google.com", "googlemail.com"},
		},
		{
			Name:             "outlook.com",
			Timeout:          30 * time.Second,
			RequireTLS:       false,
			RejectCatchAll:   true,
			AcceptCodes:      codeSet(250, 251, 252),
			RejectCodes:      codeSet(550, 551, 552, 553, 554),
			RetryAttempts:    3,
			CustomValidation: true,
			MXDomains:        []string{"mail.protection.outlook.com", "olc.protection.outlook.com", "hotmail.com"},
		},
		{
			Name:           "yahoo.com",
			Timeout:        12 * time.Second,
			RequireTLS:     true,
			RejectCatchAll: true,
			AcceptCodes:    codeSet(250, 251, 252),
			RejectCodes:    codeSet(550, 551, 552, 553, 554),
			RetryAttempts:  2,
			MXDomains:      []string{"yahoodns.net", "yahoo.com"},
		},
	}
}
