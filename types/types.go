// Package types contains the shared types for mailprobe.
// This package does not import anything from other mailprobe packages
// to avoid circular imports.
package types

// Checks records which pipeline stages passed for one address.
// Every field defaults to false; a stage that never ran stays false.
type Checks struct {
	Format   bool `json:"format"`
	DNS      bool `json:"dns"`
	MX       bool `json:"mx"`
	SPF      bool `json:"spf"`
	SMTP     bool `json:"smtp"`
	Mailbox  bool `json:"mailbox"`
	CatchAll bool `json:"catchAll"`
}

// MXRecord is one mail exchanger for a domain.
type MXRecord struct {
	Exchange string `json:"exchange"`
	Priority uint16 `json:"priority"`
}

// Details carries the supporting evidence gathered during validation.
type Details struct {
	MXRecords    []MXRecord `json:"mxRecords,omitempty"`
	SPFRecord    string     `json:"spfRecord,omitempty"`
	SMTPResponse string     `json:"smtpResponse,omitempty"`
	Provider     string     `json:"provider,omitempty"`
}

// ValidationResult is the full outcome of validating one email address.
type ValidationResult struct {
	Email   string  `json:"email"`
	Valid   bool    `json:"valid"`
	Reason  string  `json:"reason"`
	Checks  Checks  `json:"checks"`
	Details Details `json:"details"`
}

// ProgressEvent types emitted by the streaming scheduler.
const (
	EventProgress = "progress"
	EventComplete = "complete"
	EventError    = "error"
)

// ProgressEvent is one update from a streamed bulk validation.
// Progress is a fraction in [0,1] and is monotone non-decreasing across
// the events of one stream.
type ProgressEvent struct {
	Type     string             `json:"type"`
	Progress float64            `json:"progress,omitempty"`
	Results  []ValidationResult `json:"results,omitempty"`
	Error    string             `json:"error,omitempty"`
}
