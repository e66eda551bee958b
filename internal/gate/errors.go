package gate

import (
	"errors"
	"fmt"
)

// Sentinel errors for the confirmation taxonomy. Callers branch with
// errors.Is; each member maps to a different remediation.
var (
	ErrChallengeAlreadyIssued = errors.New("challenge already issued")
	ErrChallengeExpired       = errors.New("challenge expired")
	ErrChallengeNotFound      = errors.New("challenge not found")
	ErrVerificationMismatch   = errors.New("verification mismatch")
	ErrRateLimited            = errors.New("verification rate limited")
)

// PartialDeliveryError reports that exactly one of the two confirmation
// channels failed. The caller can retry that channel with the pair it already
// holds instead of regenerating.
type PartialDeliveryError struct {
	Channel string
	Err     error
}

func (e *PartialDeliveryError) Error() string {
	return fmt.Sprintf("partial delivery failure: channel %s: %v", e.Channel, e.Err)
}

func (e *PartialDeliveryError) Unwrap() error { return e.Err }

// DeliveryError reports that both channels failed; the challenge has been
// invalidated and the caller must regenerate.
type DeliveryError struct {
	Primary   error
	Secondary error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery failed on both channels: primary: %v; secondary: %v", e.Primary, e.Secondary)
}
