package mailprobe

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/optimode/mailprobe/types"
)

// Batch scheduling constants. The batch size is deliberately small so that
// bursts against one destination MX stay under anti-abuse thresholds.
const (
	BatchSize  = 5
	BatchDelay = 2 * time.Second
	MaxRetries = 3
	RetryDelay = 2 * time.Second
)

// ValidateBatch validates all emails with bounded parallelism: batches of
// BatchSize run concurrently, with BatchDelay between batches. The result
// slice always has the same length and order as the input; items that could
// not be validated get a placeholder result with all checks false.
func (v *Validator) ValidateBatch(ctx context.Context, emails []string) []types.ValidationResult {
	results := make([]types.ValidationResult, len(emails))

	for start := 0; start < len(emails); start += BatchSize {
		if ctx.Err() != nil {
			v.fillRemaining(results, emails, start)
			return results
		}
		end := min(start+BatchSize, len(emails))
		v.runChunk(ctx, emails, results, start, end)

		if end < len(emails) {
			if err := sleepCtx(ctx, BatchDelay); err != nil {
				v.fillRemaining(results, emails, end)
				return results
			}
		}
	}
	return results
}

// ValidateStream validates all emails like ValidateBatch but returns a
// channel of progress events: one "progress" event per finished batch, then
// one terminal "complete" (or "error" when the context is cancelled). The
// channel is closed after the terminal event. Progress is
// completed/total and therefore monotone non-decreasing.
func (v *Validator) ValidateStream(ctx context.Context, emails []string) <-chan types.ProgressEvent {
	events := make(chan types.ProgressEvent, 1)

	go func() {
		defer close(events)

		total := len(emails)
		results := make([]types.ValidationResult, total)
		done := 0

		emit := func(ev types.ProgressEvent) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for start := 0; start < total; start += BatchSize {
			if ctx.Err() != nil {
				emitFinal(events, types.ProgressEvent{Type: types.EventError, Error: ctx.Err().Error()})
				return
			}
			end := min(start+BatchSize, total)
			v.runChunk(ctx, emails, results, start, end)
			done = end

			if !emit(types.ProgressEvent{
				Type:     types.EventProgress,
				Progress: progress(done, total),
				Results:  append([]types.ValidationResult(nil), results[start:end]...),
			}) {
				emitFinal(events, types.ProgressEvent{Type: types.EventError, Error: ctx.Err().Error()})
				return
			}

			if end < total {
				if err := sleepCtx(ctx, BatchDelay); err != nil {
					emitFinal(events, types.ProgressEvent{Type: types.EventError, Error: err.Error()})
					return
				}
			}
		}

		emit(types.ProgressEvent{
			Type:     types.EventComplete,
			Progress: 1,
			Results:  results,
		})
	}()

	return events
}

// runChunk validates emails[start:end] concurrently, writing into
// results[start:end].
func (v *Validator) runChunk(ctx context.Context, emails []string, results []types.ValidationResult, start, end int) {
	var g errgroup.Group
	for i := start; i < end; i++ {
		g.Go(func() error {
			results[i] = v.validateWithRetry(ctx, emails[i])
			return nil
		})
	}
	_ = g.Wait()
}

// validateWithRetry retries the error class of failures (context pressure,
// proxy exhaustion surfacing as cancellation) with linear delay. A
// completed validation with valid=false is a result, not an error, and is
// never retried. One item's failure never aborts a batch.
func (v *Validator) validateWithRetry(ctx context.Context, email string) types.ValidationResult {
	for attempt := 0; attempt < MaxRetries; attempt++ {
		res, err := v.Validate(ctx, email)
		if err == nil {
			return res
		}
		if ctx.Err() != nil {
			break
		}
		v.log.Warn("validation attempt failed", "email", email, "attempt", attempt+1, "err", err)
		if err := sleepCtx(ctx, RetryDelay*time.Duration(attempt+1)); err != nil {
			break
		}
	}
	return InvalidResult(email, ReasonValidationFailed)
}

// fillRemaining writes cancellation placeholders so output length always
// equals input length.
func (v *Validator) fillRemaining(results []types.ValidationResult, emails []string, from int) {
	for i := from; i < len(emails); i++ {
		results[i] = InvalidResult(emails[i], ReasonValidationFailed)
	}
}

// emitFinal delivers the terminal error event after cancellation. The
// consumer may already be gone, so it never blocks; the completion event
// goes through the blocking emit instead.
func emitFinal(events chan<- types.ProgressEvent, ev types.ProgressEvent) {
	select {
	case events <- ev:
	default:
	}
}

func progress(done, total int) float64 {
	if total == 0 {
		return 1
	}
	return float64(done) / float64(total)
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
