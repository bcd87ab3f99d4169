package escrow

import (
	"math/big"
	"time"

	"swap2p/internal/wallet"
)

// Phase is the position of a submission in the sequence.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAwaitingSpendAuthorization
	PhaseAwaitingSpendConfirmation
	PhaseReadingFee
	PhaseAwaitingEscrowSubmission
	PhaseAwaitingEscrowConfirmation
	PhaseCompleted
	PhaseFailed
)

var phaseNames = map[Phase]string{
	PhaseIdle:                       "idle",
	PhaseAwaitingSpendAuthorization: "awaiting_spend_authorization",
	PhaseAwaitingSpendConfirmation:  "awaiting_spend_confirmation",
	PhaseReadingFee:                 "reading_fee",
	PhaseAwaitingEscrowSubmission:   "awaiting_escrow_submission",
	PhaseAwaitingEscrowConfirmation: "awaiting_escrow_confirmation",
	PhaseCompleted:                  "completed",
	PhaseFailed:                     "failed",
}

func (p Phase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return "unknown"
}

// Terminal reports whether an attempt ends in p.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// Startable reports whether a new attempt may begin from p.
func (p Phase) Startable() bool {
	return p == PhaseIdle || p.Terminal()
}

// State is a snapshot of the orchestrator. Values handed out are copies.
type State struct {
	Phase        Phase
	Attempt      int
	SubmissionID string
	ApprovalTx   wallet.TxHandle
	EscrowTx     wallet.TxHandle
	Fee          *big.Int
	Err          *SubmissionError
	UpdatedAt    time.Time
}

func (s State) clone() State {
	if s.Fee != nil {
		s.Fee = new(big.Int).Set(s.Fee)
	}
	return s
}
