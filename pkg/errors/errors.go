// Package errors provides the gateway error taxonomy and classification helpers.
//
// Every error surfaced by the orchestration engine is a kratos *errors.Error with
// a stable reason, so transports map it to a status code and callers can branch
// on the reason without string matching:
//
//	resp, err := breakers.Execute(ctx, "sentiment", op, opts)
//	switch {
//	case errors.IsCircuitOpen(err):
//	    // fallback chain already tried
//	case errors.IsTimeout(err):
//	    // classify as timeout
//	}
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"

	kerrors "github.com/go-kratos/kratos/v2/errors"
)

// Error reasons.
const (
	ReasonValidation                 = "VALIDATION_ERROR"
	ReasonUnauthorized               = "UNAUTHORIZED"
	ReasonForbidden                  = "FORBIDDEN"
	ReasonServiceUnavailable         = "SERVICE_UNAVAILABLE"
	ReasonServiceTimeout             = "SERVICE_TIMEOUT"
	ReasonCircuitOpen                = "CIRCUIT_BREAKER_OPEN"
	ReasonInvalidOrchestrationResult = "INVALID_ORCHESTRATION_RESULT"
	ReasonDependencyCycle            = "DEPENDENCY_CYCLE"
	ReasonRequiredServiceFailed      = "REQUIRED_SERVICE_FAILED"
	ReasonJobNotFound                = "JOB_NOT_FOUND"
	ReasonDeadLetterNotFound         = "DEAD_LETTER_NOT_FOUND"
	ReasonDeadLetterNotRetryable     = "DEAD_LETTER_NOT_RETRYABLE"
	ReasonQueuePaused                = "QUEUE_PAUSED"
	ReasonNoProcessor                = "NO_JOB_PROCESSOR"
)

// Validation reports bad input. Never retried.
func Validation(format string, args ...interface{}) *kerrors.Error {
	return kerrors.BadRequest(ReasonValidation, fmt.Sprintf(format, args...))
}

// Unauthorized reports a backend rejecting the gateway's credentials. Never retried.
func Unauthorized(backend string) *kerrors.Error {
	return kerrors.Unauthorized(ReasonUnauthorized, fmt.Sprintf("backend %s rejected credentials", backend)).
		WithMetadata(map[string]string{"backend": backend})
}

// ServiceUnavailable reports a network-layer failure talking to a backend.
func ServiceUnavailable(backend string, cause error) *kerrors.Error {
	msg := fmt.Sprintf("backend %s unavailable", backend)
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	return kerrors.ServiceUnavailable(ReasonServiceUnavailable, msg).
		WithCause(cause).
		WithMetadata(map[string]string{"backend": backend})
}

// ServiceTimeout reports a backend call that lost its timeout race.
func ServiceTimeout(backend string, cause error) *kerrors.Error {
	return kerrors.GatewayTimeout(ReasonServiceTimeout, fmt.Sprintf("backend %s timed out", backend)).
		WithCause(cause).
		WithMetadata(map[string]string{"backend": backend})
}

// CircuitOpen reports a call short-circuited by an OPEN breaker. Never retried directly.
func CircuitOpen(backend string) *kerrors.Error {
	return kerrors.ServiceUnavailable(ReasonCircuitOpen, fmt.Sprintf("circuit breaker for %s is open", backend)).
		WithMetadata(map[string]string{"backend": backend})
}

// InvalidOrchestrationResult reports an internal invariant violation. Always fatal to the job.
func InvalidOrchestrationResult(msg string) *kerrors.Error {
	return kerrors.InternalServer(ReasonInvalidOrchestrationResult, msg)
}

// DependencyCycle reports a backend dependency graph that cannot be ordered.
func DependencyCycle(path []string) *kerrors.Error {
	return kerrors.InternalServer(ReasonDependencyCycle, fmt.Sprintf("backend dependency cycle: %v", path))
}

// RequiredServiceFailed reports a required backend failure under the "all" policy or fail-fast.
func RequiredServiceFailed(backend string, cause error) *kerrors.Error {
	msg := fmt.Sprintf("required backend %s failed", backend)
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	return kerrors.New(502, ReasonRequiredServiceFailed, msg).
		WithCause(cause).
		WithMetadata(map[string]string{"backend": backend})
}

// JobNotFound reports an unknown queue job id.
func JobNotFound(id string) *kerrors.Error {
	return kerrors.NotFound(ReasonJobNotFound, fmt.Sprintf("job %s not found", id))
}

// DeadLetterNotFound reports an unknown dead-letter entry.
func DeadLetterNotFound(id string) *kerrors.Error {
	return kerrors.NotFound(ReasonDeadLetterNotFound, fmt.Sprintf("dead-letter entry %s not found", id))
}

// DeadLetterNotRetryable reports a dead-letter entry whose replay budget is exhausted.
func DeadLetterNotRetryable(id string) *kerrors.Error {
	return kerrors.Conflict(ReasonDeadLetterNotRetryable, fmt.Sprintf("dead-letter entry %s exhausted its retry budget", id))
}

// QueuePaused reports a queue that is not admitting active work.
func QueuePaused(name string) *kerrors.Error {
	return kerrors.ServiceUnavailable(ReasonQueuePaused, fmt.Sprintf("queue %s is paused", name))
}

// NoProcessor reports a job type nobody registered a processor for.
func NoProcessor(jobType string) *kerrors.Error {
	return kerrors.InternalServer(ReasonNoProcessor, fmt.Sprintf("no processor registered for job type %q", jobType))
}

// IsReason reports whether err is a kratos error carrying reason.
func IsReason(err error, reason string) bool {
	if err == nil {
		return false
	}
	var ke *kerrors.Error
	if !errors.As(err, &ke) {
		return false
	}
	return ke.Reason == reason
}

// IsCircuitOpen reports a breaker short-circuit.
func IsCircuitOpen(err error) bool {
	return IsReason(err, ReasonCircuitOpen)
}

// IsTimeout reports a timeout, whether classified or raw.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if IsReason(err, ReasonServiceTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsValidation reports bad input.
func IsValidation(err error) bool {
	return IsReason(err, ReasonValidation)
}

// IsRetryable reports whether a failed backend attempt may be retried.
//
// Validation, authorization, not-found and conflict failures are permanent, a
// circuit-open rejection must go through the fallback chain instead, and a
// cancelled caller has nobody left to retry for.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if IsCircuitOpen(err) {
		return false
	}
	var ke *kerrors.Error
	if errors.As(err, &ke) {
		switch ke.Code {
		case 400, 401, 403, 404, 409, 422:
			return false
		}
	}
	return true
}

// ClassifyTransportError maps a raw transport error onto the taxonomy.
// Errors that already carry a reason pass through untouched.
func ClassifyTransportError(backend string, err error) error {
	if err == nil {
		return nil
	}
	var ke *kerrors.Error
	if errors.As(err, &ke) && ke.Reason != kerrors.UnknownReason {
		return err
	}
	if IsTimeout(err) {
		return ServiceTimeout(backend, err)
	}
	if errors.As(err, &ke) {
		switch ke.Code {
		case 400, 422:
			return kerrors.BadRequest(ReasonValidation, fmt.Sprintf("backend %s rejected request: %s", backend, ke.Message)).WithCause(err)
		case 401:
			return Unauthorized(backend)
		case 403:
			return kerrors.Forbidden(ReasonForbidden, fmt.Sprintf("backend %s forbade request", backend)).WithCause(err)
		case 504:
			return ServiceTimeout(backend, err)
		}
	}
	return ServiceUnavailable(backend, err)
}
