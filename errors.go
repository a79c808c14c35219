package mailprobe

import (
	"github.com/optimode/mailprobe/internal/smtpdialog"
)

// ErrProxyExhausted is returned inside retry paths when the proxy pool has
// proxies but none is currently eligible. Re-exported so callers can test
// for it without importing internal packages.
var ErrProxyExhausted = smtpdialog.ErrProxyExhausted
