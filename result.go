package mailprobe

import "github.com/optimode/mailprobe/types"

// Terminal reason strings. These are the single user-visible failure
// surface; they travel in ValidationResult.Reason and are stable.
const (
	ReasonValid            = "Email is valid"
	ReasonInvalidFormat    = "Invalid email format"
	ReasonTooLong          = "Email address too long"
	ReasonNoDomain         = "Domain does not exist"
	ReasonNoMailServers    = "No mail servers found for domain"
	ReasonMailboxFailed    = "Failed to verify mailbox"
	ReasonNoConnection     = "Unable to connect to mail server"
	ReasonCatchAll         = "Catch-all domain detected"
	ReasonValidationFailed = "Validation failed"
)

// InvalidResult builds a terminal negative result with all checks false.
// The batch scheduler uses it as the placeholder for items that errored.
func InvalidResult(email, reason string) types.ValidationResult {
	return types.ValidationResult{
		Email:  email,
		Valid:  false,
		Reason: reason,
	}
}
