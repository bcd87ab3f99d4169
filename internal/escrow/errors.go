package escrow

import (
	"errors"
	"fmt"

	"swap2p/internal/wallet"
)

var (
	// ErrInFlight is returned when a submission is already running.
	ErrInFlight = errors.New("a trade submission is already in progress")
	// ErrCancelled means the caller stopped the flow. Transactions already
	// broadcast are not retracted and may still be mined.
	ErrCancelled = errors.New("submission cancelled locally; broadcast transactions may still be mined")
)

// Kind classifies a failed submission by how it should be handled.
type Kind int

const (
	// KindValidation: malformed input, nothing was sent.
	KindValidation Kind = iota + 1
	// KindUserRejected: the wallet declined to sign or broadcast.
	KindUserRejected
	// KindReverted: mined but failed on chain. Blind retry is unsafe.
	KindReverted
	// KindTimeout: no inclusion within the bound. The transaction may still land.
	KindTimeout
	// KindEncoding: declared and actual call shapes disagree. A defect.
	KindEncoding
	// KindTransport: the wallet or node could not be reached.
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindUserRejected:
		return "user_rejected"
	case KindReverted:
		return "transaction_reverted"
	case KindTimeout:
		return "confirmation_timeout"
	case KindEncoding:
		return "encoding"
	case KindTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// Step names the operation that was running when a submission failed.
type Step string

const (
	StepValidate       Step = "validate"
	StepAllowance      Step = "allowance"
	StepApprove        Step = "approve"
	StepApproveConfirm Step = "approve_confirmation"
	StepFee            Step = "fee"
	StepCreateEscrow   Step = "create_escrow"
	StepCreateConfirm  Step = "create_escrow_confirmation"
)

// SubmissionError is the terminal error of a failed attempt.
type SubmissionError struct {
	Kind Kind
	Step Step
	// Handle is the transaction involved, if one had been broadcast.
	Handle wallet.TxHandle
	Err    error
}

func (e *SubmissionError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Step, e.Kind)
	if !e.Handle.IsZero() {
		msg += " (" + e.Handle.String() + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// Fatal reports a programming defect that must surface in testing rather
// than be shown to the user as something they did.
func (e *SubmissionError) Fatal() bool {
	return e.Kind == KindEncoding
}

// MayStillLand is true when the failed transaction was broadcast and could
// be mined later, so resubmitting risks a duplicate.
func (e *SubmissionError) MayStillLand() bool {
	if e.Handle.IsZero() || e.Kind == KindReverted {
		return false
	}
	return e.Kind == KindTimeout || e.Step == StepApproveConfirm || e.Step == StepCreateConfirm
}

// Notice is the user-facing message for a non-fatal failure.
func (e *SubmissionError) Notice() string {
	if e.MayStillLand() {
		return "The transaction was not confirmed in time. It may still be mined; check " + e.Handle.Hash.Hex() + " before resubmitting."
	}
	switch e.Kind {
	case KindValidation:
		return "Check the trade fields and try again."
	case KindUserRejected:
		return "The wallet declined the request. Nothing was submitted for this step."
	case KindReverted:
		return "The transaction was mined but reverted. Review the trade before trying again."
	case KindTimeout:
		return "The transaction was not confirmed in time. It may still be mined."
	case KindTransport:
		return "Could not reach the wallet or node. Try again."
	default:
		return "Something went wrong :("
	}
}

// KindOf returns the kind carried by err, or 0.
func KindOf(err error) Kind {
	var se *SubmissionError
	if errors.As(err, &se) {
		return se.Kind
	}
	return 0
}
