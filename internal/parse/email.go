// Package parse contains the internal representation of an email address
// and its syntactic validation.
package parse

import (
	"regexp"
	"strings"

	"golang.org/x/net/idna"
)

// RFC 5321 size limits, in octets.
const (
	MaxLocalLength  = 64
	MaxDomainLength = 255
)

// formatRE matches the accepted address shape: an alphanumeric first
// character, up to 62 further local characters ending alphanumeric, then a
// dotted domain whose labels start and end alphanumeric and whose TLD is at
// least two letters.
var formatRE = regexp.MustCompile(
	`^[A-Za-z0-9](?:[A-Za-z0-9._%+-]{0,62}[A-Za-z0-9])?` +
		`@(?:[A-Za-z0-9](?:[A-Za-z0-9-]*[A-Za-z0-9])?\.)+[A-Za-z]{2,}$`)

// Address is the internal representation of a parsed email address.
type Address struct {
	Raw    string // the original, trimmed input
	Local  string // the part before @
	Domain string // the part after @, lowercased ASCII form (for DNS/SMTP)
	Valid  bool   // false if Raw does not pass the format check
}

// NewAddress splits and validates the given email string.
// If validation fails, Valid=false but Raw is always populated.
// Non-ASCII local parts are rejected; domains are normalized to their
// ASCII/Punycode form before DNS and SMTP use.
func NewAddress(raw string) Address {
	raw = strings.TrimSpace(raw)

	if !formatRE.MatchString(raw) {
		return Address{Raw: raw, Valid: false}
	}

	at := strings.LastIndex(raw, "@")
	local := raw[:at]
	domain := strings.ToLower(raw[at+1:])

	// The format regex only admits ASCII domains, but inputs that arrive
	// already Punycode-encoded still go through IDNA normalization so that
	// mixed-case xn-- labels come out canonical.
	if ascii, err := idna.Lookup.ToASCII(domain); err == nil {
		domain = ascii
	}

	return Address{
		Raw:    raw,
		Local:  local,
		Domain: domain,
		Valid:  true,
	}
}

// WithinLengthLimits reports whether the local part and domain fit the
// RFC 5321 octet limits. The format regex already caps the local part; the
// domain limit has to be checked separately because label counts are
// unbounded.
func (a Address) WithinLengthLimits() bool {
	return len(a.Local) <= MaxLocalLength && len(a.Domain) <= MaxDomainLength
}

// String reassembles the address from its parts.
func (a Address) String() string {
	if !a.Valid {
		return a.Raw
	}
	return a.Local + "@" + a.Domain
}
