package enums

import "fmt"

// TxMessageState is the lifecycle of a transactional message row.
type TxMessageState string

const (
	TxMessageHalf       TxMessageState = "half"
	TxMessageCommitted  TxMessageState = "committed"
	TxMessageRolledBack TxMessageState = "rolled_back"
	TxMessagePublished  TxMessageState = "published"
	TxMessageDiscarded  TxMessageState = "discarded"
)

var validTxMessageStates = []TxMessageState{
	TxMessageHalf,
	TxMessageCommitted,
	TxMessageRolledBack,
	TxMessagePublished,
	TxMessageDiscarded,
}

// IsValid reports whether the value matches a known state.
func (s TxMessageState) IsValid() bool {
	for _, candidate := range validTxMessageStates {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsFinal reports whether no relay action remains for the state.
func (s TxMessageState) IsFinal() bool {
	return s == TxMessageRolledBack || s == TxMessagePublished || s == TxMessageDiscarded
}

// ParseTxMessageState converts raw input into TxMessageState.
func ParseTxMessageState(value string) (TxMessageState, error) {
	for _, candidate := range validTxMessageStates {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid tx message state %q", value)
}

// TxMessageDLQReason explains why a message was parked.
type TxMessageDLQReason string

const (
	DLQReasonMaxAttempts        TxMessageDLQReason = "max_attempts"
	DLQReasonNonRetryable       TxMessageDLQReason = "non_retryable"
	DLQReasonCheckbackExhausted TxMessageDLQReason = "checkback_exhausted"
)

var validDLQReasons = []TxMessageDLQReason{
	DLQReasonMaxAttempts,
	DLQReasonNonRetryable,
	DLQReasonCheckbackExhausted,
}

// IsValid reports whether the value matches a known reason.
func (r TxMessageDLQReason) IsValid() bool {
	for _, candidate := range validDLQReasons {
		if candidate == r {
			return true
		}
	}
	return false
}

// ParseTxMessageDLQReason converts raw input into TxMessageDLQReason.
func ParseTxMessageDLQReason(value string) (TxMessageDLQReason, error) {
	for _, candidate := range validDLQReasons {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid dlq reason %q", value)
}
