// Package mailprobe verifies whether an email address is deliverable by
// progressively probing the recipient's mail infrastructure: syntactic
// form, domain existence, mail-exchanger advertisement, sender-policy
// record, and finally a live SMTP conversation up to the RCPT stage,
// without ever sending a message.
//
// Basic usage:
//
//	v := mailprobe.New()
//	result, err := v.Validate(ctx, "user@example.com")
//
// With a SOCKS5 proxy pool:
//
//	pool := proxypool.New(logger)
//	_ = pool.Load("proxies.txt")
//	v := mailprobe.New().
//	    WithProxyPool(pool).
//	    WithHeloHost("probe.example.net").
//	    WithLogger(logger)
//	results := v.ValidateBatch(ctx, emails)
package mailprobe

import "github.com/optimode/mailprobe/types"

// ValidationResult is a re-export from the types package so that consumers
// don't need to import the types package directly.
type ValidationResult = types.ValidationResult

// Checks is a re-export.
type Checks = types.Checks

// MXRecord is a re-export.
type MXRecord = types.MXRecord

// ProgressEvent is a re-export.
type ProgressEvent = types.ProgressEvent
