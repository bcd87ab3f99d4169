// Package escrow sequences the on-chain operations that open a Swap2p escrow
// trade: spend authorization, fee discovery and escrow creation, each
// confirmed before the next begins.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"swap2p/internal/confirm"
	"swap2p/internal/contracts"
	"swap2p/internal/journal"
	"swap2p/internal/proposal"
	"swap2p/internal/wallet"
)

// Waiter blocks until a submitted transaction is mined.
type Waiter interface {
	Wait(ctx context.Context, h wallet.TxHandle) (confirm.Result, error)
}

// TransitionFunc observes every state change synchronously.
type TransitionFunc func(prev, next State)

// Orchestrator runs at most one submission at a time and owns the
// SubmissionState observers read.
type Orchestrator struct {
	escrow  common.Address
	session *wallet.Session
	client  wallet.Client
	waiter  Waiter
	enc     *contracts.Encoder

	journal        journal.Store
	log            *zap.Logger
	allowanceCheck bool
	onTransition   []TransitionFunc
	now            func() time.Time

	inFlight atomic.Bool

	mu       sync.Mutex
	state    State
	attempts int
	subs     map[int]chan State
	nextSub  int
}

type Option func(*Orchestrator)

// WithJournal records every transition in store.
func WithJournal(store journal.Store) Option {
	return func(o *Orchestrator) { o.journal = store }
}

func WithLogger(log *zap.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// WithAllowanceCheck reads the token allowance from the chain before
// authorizing and skips the approval when it already covers the amount.
func WithAllowanceCheck() Option {
	return func(o *Orchestrator) { o.allowanceCheck = true }
}

// WithTransitionHook registers fn to run after each transition.
func WithTransitionHook(fn TransitionFunc) Option {
	return func(o *Orchestrator) { o.onTransition = append(o.onTransition, fn) }
}

func WithEncoder(enc *contracts.Encoder) Option {
	return func(o *Orchestrator) { o.enc = enc }
}

func New(escrowContract common.Address, session *wallet.Session, client wallet.Client, waiter Waiter, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		escrow:  escrowContract,
		session: session,
		client:  client,
		waiter:  waiter,
		log:     zap.NewNop(),
		now:     time.Now,
		subs:    make(map[int]chan State),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.enc == nil {
		o.enc = contracts.MustEncoder()
	}
	o.state.UpdatedAt = o.now()
	return o
}

// State returns the current snapshot for polling observers.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.clone()
}

// Subscribe pushes every new state. A subscriber that falls behind loses the
// oldest queued states, never the latest one.
func (o *Orchestrator) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 16)
	o.mu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch
	ch <- o.state.clone()
	o.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
			close(ch)
		})
	}
}

// Submit runs the full sequence for p and blocks until it ends.
func (o *Orchestrator) Submit(ctx context.Context, p proposal.Proposal) (State, error) {
	if !o.inFlight.CompareAndSwap(false, true) {
		return o.State(), ErrInFlight
	}
	defer o.inFlight.Store(false)
	return o.execute(ctx, uuid.NewString(), p)
}

// SubmitInput validates raw input and submits it. Malformed input fails with
// KindValidation before the wallet is contacted and leaves the state alone.
func (o *Orchestrator) SubmitInput(ctx context.Context, in proposal.Input) (State, error) {
	p, err := proposal.Validate(in)
	if err != nil {
		return o.State(), &SubmissionError{Kind: KindValidation, Step: StepValidate, Err: err}
	}
	return o.Submit(ctx, p)
}

// Reset returns a finished orchestrator to Idle.
func (o *Orchestrator) Reset() error {
	if o.inFlight.Load() {
		return ErrInFlight
	}
	o.mu.Lock()
	if !o.state.Phase.Startable() {
		o.mu.Unlock()
		return ErrInFlight
	}
	prev := o.state.clone()
	o.state = State{Phase: PhaseIdle, Attempt: o.state.Attempt, UpdatedAt: o.now()}
	next := o.publishLocked()
	o.mu.Unlock()
	o.notify(prev, next)
	return nil
}

// attempt carries what one run needs besides the shared state.
type attempt struct {
	id      string
	snap    wallet.Snapshot
	p       proposal.Proposal
	created time.Time
}

func (o *Orchestrator) execute(ctx context.Context, id string, p proposal.Proposal) (State, error) {
	snap, err := o.session.Snapshot()
	if err != nil {
		return o.State(), err
	}
	if p.XAmount == nil || p.YAmount == nil {
		// Proposals only come from proposal.Validate; a nil amount is a caller defect.
		return o.State(), &SubmissionError{Kind: KindValidation, Step: StepValidate, Err: errors.New("proposal was not validated")}
	}

	a := &attempt{id: id, snap: snap, p: p.Clone(), created: o.now()}
	log := o.log.With(zap.String("submission", id), zap.Stringer("account", snap.Account), zap.String("chain", snap.ChainID.String()))

	o.mu.Lock()
	o.attempts++
	n := o.attempts
	o.mu.Unlock()

	o.transition(ctx, a, func(s *State) {
		*s = State{Phase: PhaseAwaitingSpendAuthorization, Attempt: n, SubmissionID: id}
	})
	log.Info("trade submission started", zap.Int("attempt", n))

	err = o.sequence(ctx, a, log)
	switch {
	case err == nil:
		st := o.transition(ctx, a, func(s *State) { s.Phase = PhaseCompleted })
		log.Info("trade submission completed", zap.Stringer("escrow_tx", st.EscrowTx))
		return st, nil

	case errors.Is(err, ErrCancelled):
		st := o.transition(ctx, a, func(s *State) { s.Phase = PhaseIdle })
		log.Info("trade submission cancelled locally", zap.Error(err))
		return st, err

	default:
		var se *SubmissionError
		if !errors.As(err, &se) {
			se = &SubmissionError{Kind: KindTransport, Err: err}
		}
		st := o.transition(ctx, a, func(s *State) {
			s.Phase = PhaseFailed
			s.Err = se
		})
		if se.Fatal() {
			log.Error("trade submission hit an encoding defect", zap.Error(se))
		} else {
			log.Warn("trade submission failed", zap.Stringer("kind", se.Kind), zap.String("step", string(se.Step)), zap.Error(se.Err))
		}
		return st, se
	}
}

// sequence performs the ordered steps. It returns nil, ErrCancelled (wrapped)
// or a *SubmissionError.
func (o *Orchestrator) sequence(ctx context.Context, a *attempt, log *zap.Logger) error {
	p, from, chain := a.p, a.snap.Account, a.snap.ChainID

	approve := true
	if o.allowanceCheck {
		sufficient, err := o.allowanceCovers(ctx, a)
		if err != nil {
			return err
		}
		approve = !sufficient
		if sufficient {
			log.Info("existing allowance covers amount, skipping approval")
		}
	}

	if approve {
		data, err := o.enc.PackApprove(o.escrow, p.XAmount)
		if err != nil {
			return o.stepErr(ctx, StepApprove, wallet.TxHandle{}, err)
		}
		h, err := o.client.Submit(ctx, wallet.TxRequest{To: p.XAsset, From: from, ChainID: chain, Data: data})
		if err != nil {
			return o.stepErr(ctx, StepApprove, wallet.TxHandle{}, err)
		}
		o.transition(ctx, a, func(s *State) {
			s.Phase = PhaseAwaitingSpendConfirmation
			s.ApprovalTx = h
		})
		log.Info("approval submitted", zap.Stringer("tx", h))

		if err := o.await(ctx, StepApproveConfirm, h); err != nil {
			return err
		}
	}

	o.transition(ctx, a, func(s *State) { s.Phase = PhaseReadingFee })
	fee, err := o.readFee(ctx, a)
	if err != nil {
		return err
	}

	o.transition(ctx, a, func(s *State) {
		s.Phase = PhaseAwaitingEscrowSubmission
		s.Fee = fee
	})
	data, err := o.enc.PackCreateEscrow(contracts.CreateEscrowArgs{
		XAsset:  p.XAsset,
		XAmount: p.XAmount,
		YAsset:  p.YAsset,
		YAmount: p.YAmount,
		YOwner:  p.YOwner,
	})
	if err != nil {
		return o.stepErr(ctx, StepCreateEscrow, wallet.TxHandle{}, err)
	}
	h, err := o.client.Submit(ctx, wallet.TxRequest{To: o.escrow, From: from, ChainID: chain, Data: data, Value: fee})
	if err != nil {
		return o.stepErr(ctx, StepCreateEscrow, wallet.TxHandle{}, err)
	}
	o.transition(ctx, a, func(s *State) {
		s.Phase = PhaseAwaitingEscrowConfirmation
		s.EscrowTx = h
	})
	log.Info("escrow creation submitted", zap.Stringer("tx", h), zap.String("fee", fee.String()))

	return o.await(ctx, StepCreateConfirm, h)
}

func (o *Orchestrator) readFee(ctx context.Context, a *attempt) (*big.Int, error) {
	data, err := o.enc.PackFee()
	if err != nil {
		return nil, o.stepErr(ctx, StepFee, wallet.TxHandle{}, err)
	}
	raw, err := o.client.Read(ctx, wallet.CallRequest{To: o.escrow, From: a.snap.Account, ChainID: a.snap.ChainID, Data: data})
	if err != nil {
		return nil, o.stepErr(ctx, StepFee, wallet.TxHandle{}, err)
	}
	fee, err := o.enc.UnpackFee(raw)
	if err != nil {
		return nil, o.stepErr(ctx, StepFee, wallet.TxHandle{}, err)
	}
	return fee, nil
}

func (o *Orchestrator) allowanceCovers(ctx context.Context, a *attempt) (bool, error) {
	data, err := o.enc.PackAllowance(a.snap.Account, o.escrow)
	if err != nil {
		return false, o.stepErr(ctx, StepAllowance, wallet.TxHandle{}, err)
	}
	raw, err := o.client.Read(ctx, wallet.CallRequest{To: a.p.XAsset, From: a.snap.Account, ChainID: a.snap.ChainID, Data: data})
	if err != nil {
		return false, o.stepErr(ctx, StepAllowance, wallet.TxHandle{}, err)
	}
	allowance, err := o.enc.UnpackAllowance(raw)
	if err != nil {
		return false, o.stepErr(ctx, StepAllowance, wallet.TxHandle{}, err)
	}
	return allowance.Cmp(a.p.XAmount) >= 0, nil
}

func (o *Orchestrator) await(ctx context.Context, step Step, h wallet.TxHandle) error {
	res, err := o.waiter.Wait(ctx, h)
	if err != nil {
		return o.stepErr(ctx, step, h, err)
	}
	switch res.Outcome {
	case confirm.Confirmed:
		return nil
	case confirm.Reverted:
		return &SubmissionError{Kind: KindReverted, Step: step, Handle: h, Err: errors.New("transaction reverted")}
	case confirm.TimedOut:
		return &SubmissionError{Kind: KindTimeout, Step: step, Handle: h, Err: errors.New("no inclusion observed; the transaction may still be mined")}
	default:
		return &SubmissionError{Kind: KindTransport, Step: step, Handle: h, Err: fmt.Errorf("unexpected outcome %v", res.Outcome)}
	}
}

// stepErr classifies a failure from the wallet, the encoder or the waiter.
func (o *Orchestrator) stepErr(ctx context.Context, step Step, h wallet.TxHandle, err error) error {
	var encErr *contracts.EncodingError
	switch {
	case errors.As(err, &encErr):
		return &SubmissionError{Kind: KindEncoding, Step: step, Handle: h, Err: err}
	case ctx.Err() != nil, errors.Is(err, confirm.ErrCancelled):
		return fmt.Errorf("%w during %s", ErrCancelled, step)
	case errors.Is(err, wallet.ErrRejected):
		return &SubmissionError{Kind: KindUserRejected, Step: step, Handle: h, Err: err}
	default:
		return &SubmissionError{Kind: KindTransport, Step: step, Handle: h, Err: err}
	}
}

// transition applies mutate, journals and notifies hooks, then publishes the
// result. A state is visible to pollers only after its side effects ran.
func (o *Orchestrator) transition(ctx context.Context, a *attempt, mutate func(*State)) State {
	o.mu.Lock()
	prev := o.state.clone()
	o.mu.Unlock()

	next := prev.clone()
	mutate(&next)
	next.UpdatedAt = o.now()

	o.record(ctx, a, next)
	o.notify(prev, next.clone())

	o.mu.Lock()
	o.state = next
	out := o.publishLocked()
	o.mu.Unlock()
	return out
}

func (o *Orchestrator) publishLocked() State {
	out := o.state.clone()
	for _, ch := range o.subs {
		select {
		case ch <- out.clone():
			continue
		default:
		}
		// full: drop the oldest queued state to make room for the latest
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- out.clone():
		default:
		}
	}
	return out
}

func (o *Orchestrator) notify(prev, next State) {
	for _, fn := range o.onTransition {
		fn(prev, next)
	}
}

func (o *Orchestrator) record(ctx context.Context, a *attempt, st State) {
	if o.journal == nil || a == nil {
		return
	}
	e := journal.Entry{
		ID:        a.id,
		Attempt:   st.Attempt,
		Account:   a.snap.Account.Hex(),
		ChainID:   a.snap.ChainID.String(),
		XAsset:    a.p.XAsset.Hex(),
		XAmount:   a.p.XAmount.String(),
		YAsset:    a.p.YAsset.Hex(),
		YAmount:   a.p.YAmount.String(),
		YOwner:    a.p.YOwner.Hex(),
		Phase:     st.Phase.String(),
		CreatedAt: a.created,
		UpdatedAt: st.UpdatedAt,
	}
	if !st.ApprovalTx.IsZero() {
		e.ApprovalTx = st.ApprovalTx.Hash.Hex()
	}
	if !st.EscrowTx.IsZero() {
		e.EscrowTx = st.EscrowTx.Hash.Hex()
	}
	if st.Fee != nil {
		e.Fee = st.Fee.String()
	}
	if st.Err != nil {
		e.FailureKind = st.Err.Kind.String()
		e.FailureStep = string(st.Err.Step)
		e.Error = st.Err.Error()
	}
	// a run only ends in Idle when it was cancelled
	if st.Phase == PhaseIdle {
		e.Phase = "cancelled"
	}

	// journal even when the caller has gone away
	if err := o.journal.Save(context.WithoutCancel(ctx), e); err != nil {
		o.log.Warn("journal write failed", zap.String("submission", a.id), zap.Error(err))
	}
}
