package provider_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/optimode/mailprobe/provider"
)

func TestLookup_KnownProviders(t *testing.T) {
	r := provider.NewRegistry()

	gmail := r.Lookup("gmail.com")
	assert.Equal(t, "gmail.com", gmail.Name)
	assert.True(t, gmail.RequireTLS)
	assert.Equal(t, 15*time.Second, gmail.Timeout)

	outlook := r.Lookup("OUTLOOK.COM")
	assert.Equal(t, "outlook.com", outlook.Name)
	assert.True(t, outlook.CustomValidation)
	assert.Equal(t, 30*time.Second, outlook.Timeout)

	yahoo := r.Lookup("yahoo.com")
	assert.True(t, yahoo.RequireTLS)
	assert.Equal(t, 12*time.Second, yahoo.Timeout)
}

func TestLookup_FallsBackToGeneric(t *testing.T) {
	r := provider.NewRegistry()
	p := r.Lookup("example.com")

	assert.Equal(t, "generic", p.Name)
	assert.Equal(t, 10*time.Second, p.Timeout)
	assert.False(t, p.RequireTLS)
	assert.True(t, p.RejectCatchAll)
	assert.True(t, p.Accepts(250))
	assert.True(t, p.Accepts(252))
	assert.False(t, p.Accepts(450))
	assert.True(t, p.Rejects(550))
	assert.True(t, p.Rejects(554))
	assert.False(t, p.Rejects(450))
}

func TestLookupByMX(t *testing.T) {
	r := provider.NewRegistry()

	p := r.LookupByMX([]string{"aspmx.l.google.com"})
	assert.Equal(t, "gmail.com", p.Name)

	p = r.LookupByMX([]string{"example-com.mail.protection.outlook.com."})
	assert.Equal(t, "outlook.com", p.Name)

	p = r.LookupByMX([]string{"mx1.example.net"})
	assert.Equal(t, "generic", p.Name)
}

func TestLookupByMX_LabelBoundary(t *testing.T) {
	r := provider.NewRegistry()

	// A host that merely contains a provider domain as a substring must
	// not match; only a suffix on a label boundary does.
	p := r.LookupByMX([]string{"mx.notgoogle.com"})
	assert.Equal(t, "generic", p.Name)

	p = r.LookupByMX([]string{"evilgoogle.com"})
	assert.Equal(t, "generic", p.Name)

	p = r.LookupByMX([]string{"mx.google.com"})
	assert.Equal(t, "gmail.com", p.Name)
}

func TestAttempts(t *testing.T) {
	generic := provider.Generic()
	assert.Equal(t, 2, generic.Attempts())

	var zero provider.Profile
	assert.Equal(t, 3, zero.Attempts(), "unset retry count falls back to 3")

	outlook := provider.NewRegistry().Lookup("outlook.com")
	assert.Equal(t, 5, outlook.Attempts(), "custom validation gets at least 5 attempts")
}

func TestBackoff(t *testing.T) {
	generic := provider.Generic()
	assert.Equal(t, 2*time.Second, generic.Backoff(1))
	assert.Equal(t, 4*time.Second, generic.Backoff(2))
	assert.Equal(t, 6*time.Second, generic.Backoff(3))

	outlook := provider.NewRegistry().Lookup("outlook.com")
	assert.Equal(t, 4*time.Second, outlook.Backoff(1))
	assert.Equal(t, 8*time.Second, outlook.Backoff(2))
	assert.Equal(t, 16*time.Second, outlook.Backoff(3))
}
