package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"swap2p/internal/confirm"
	"swap2p/internal/contracts"
	"swap2p/internal/journal"
	"swap2p/internal/proposal"
	"swap2p/internal/wallet"
)

var (
	escrowAddr = common.HexToAddress("0x5555555555555555555555555555555555555555")
	account    = common.HexToAddress("0x1111111111111111111111111111111111111111")
	tokenX     = common.HexToAddress("0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA1")
	tokenY     = common.HexToAddress("0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB2")
)

type fakeClient struct {
	enc *contracts.Encoder

	mu        sync.Mutex
	submits   []wallet.TxRequest
	reads     []wallet.CallRequest
	fee       *big.Int
	allowance *big.Int
	feeRaw    []byte
	submitErr map[int]error
	readErr   error
}

func newFakeClient(fee int64) *fakeClient {
	return &fakeClient{
		enc:       contracts.MustEncoder(),
		fee:       big.NewInt(fee),
		allowance: big.NewInt(0),
		submitErr: map[int]error{},
	}
}

func (f *fakeClient) Submit(_ context.Context, req wallet.TxRequest) (wallet.TxHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := len(f.submits)
	f.submits = append(f.submits, req)
	if err := f.submitErr[idx]; err != nil {
		return wallet.TxHandle{}, err
	}
	return wallet.TxHandle{Hash: common.BigToHash(big.NewInt(int64(idx + 1))), ChainID: req.ChainID}, nil
}

func (f *fakeClient) Read(_ context.Context, req wallet.CallRequest) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, req)
	if f.readErr != nil {
		return nil, f.readErr
	}
	switch f.enc.MethodOf(req.Data) {
	case contracts.MethodFee:
		if f.feeRaw != nil {
			return f.feeRaw, nil
		}
		return f.enc.PackFeeResult(f.fee)
	case contracts.MethodAllowance:
		return f.enc.PackAllowanceResult(f.allowance)
	}
	return nil, errors.New("unexpected call")
}

func (f *fakeClient) setFee(v int64) {
	f.mu.Lock()
	f.fee = big.NewInt(v)
	f.mu.Unlock()
}

func (f *fakeClient) calls() ([]wallet.TxRequest, []wallet.CallRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wallet.TxRequest(nil), f.submits...), append([]wallet.CallRequest(nil), f.reads...)
}

// scriptedWaiter answers Confirmed unless told otherwise for a given call.
type scriptedWaiter struct {
	mu       sync.Mutex
	handles  []wallet.TxHandle
	outcomes map[int]confirm.Outcome
	errs     map[int]error
	onWait   func(idx int)
	block    chan struct{}
	entered  chan int
}

func newWaiter() *scriptedWaiter {
	return &scriptedWaiter{outcomes: map[int]confirm.Outcome{}, errs: map[int]error{}, entered: make(chan int, 8)}
}

func (w *scriptedWaiter) Wait(ctx context.Context, h wallet.TxHandle) (confirm.Result, error) {
	w.mu.Lock()
	idx := len(w.handles)
	w.handles = append(w.handles, h)
	outcome, ok := w.outcomes[idx]
	err := w.errs[idx]
	w.mu.Unlock()

	w.entered <- idx
	if w.block != nil {
		select {
		case <-w.block:
		case <-ctx.Done():
			return confirm.Result{}, confirm.ErrCancelled
		}
	}
	if w.onWait != nil {
		w.onWait(idx)
	}
	if err != nil {
		return confirm.Result{}, err
	}
	if !ok {
		outcome = confirm.Confirmed
	}
	return confirm.Result{Outcome: outcome, Polls: 1}, nil
}

func connectedSession() *wallet.Session {
	s := wallet.NewSession()
	s.Connect(account, big.NewInt(1))
	return s
}

func sampleProposal() proposal.Proposal {
	return proposal.Proposal{
		XAsset:  tokenX,
		XAmount: big.NewInt(1000),
		YAsset:  tokenY,
		YAmount: big.NewInt(500),
	}
}

type phaseRecorder struct {
	mu     sync.Mutex
	phases []Phase
}

func (r *phaseRecorder) hook(_, next State) {
	r.mu.Lock()
	r.phases = append(r.phases, next.Phase)
	r.mu.Unlock()
}

func (r *phaseRecorder) seen() []Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Phase(nil), r.phases...)
}

func TestSubmitHappyPath(t *testing.T) {
	client := newFakeClient(42)
	waiter := newWaiter()
	rec := &phaseRecorder{}
	store := journal.NewMemoryStore()
	o := New(escrowAddr, connectedSession(), client, waiter, WithTransitionHook(rec.hook), WithJournal(store))

	st, err := o.Submit(context.Background(), sampleProposal())
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, st.Phase)
	assert.Equal(t, 1, st.Attempt)
	assert.Equal(t, "42", st.Fee.String())

	assert.Equal(t, []Phase{
		PhaseAwaitingSpendAuthorization,
		PhaseAwaitingSpendConfirmation,
		PhaseReadingFee,
		PhaseAwaitingEscrowSubmission,
		PhaseAwaitingEscrowConfirmation,
		PhaseCompleted,
	}, rec.seen())

	submits, reads := client.calls()
	require.Len(t, submits, 2)
	require.Len(t, reads, 1)

	approve := submits[0]
	assert.Equal(t, tokenX, approve.To)
	assert.Equal(t, account, approve.From)
	assert.Nil(t, approve.Value)
	spender, amount, err := client.enc.UnpackApprove(approve.Data)
	require.NoError(t, err)
	assert.Equal(t, escrowAddr, spender)
	assert.Equal(t, "1000", amount.String())

	assert.Equal(t, escrowAddr, reads[0].To)
	assert.Equal(t, contracts.MethodFee, client.enc.MethodOf(reads[0].Data))

	create := submits[1]
	assert.Equal(t, escrowAddr, create.To)
	require.NotNil(t, create.Value)
	assert.Equal(t, "42", create.Value.String())
	args, err := client.enc.UnpackCreateEscrow(create.Data)
	require.NoError(t, err)
	assert.Equal(t, tokenX, args.XAsset)
	assert.Equal(t, "1000", args.XAmount.String())
	assert.Equal(t, tokenY, args.YAsset)
	assert.Equal(t, "500", args.YAmount.String())
	assert.Equal(t, common.Address{}, args.YOwner)

	require.Len(t, waiter.handles, 2)
	assert.Equal(t, st.ApprovalTx, waiter.handles[0])
	assert.Equal(t, st.EscrowTx, waiter.handles[1])

	entry, err := store.Get(context.Background(), st.SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, "completed", entry.Phase)
	assert.Equal(t, "42", entry.Fee)
	assert.Equal(t, st.EscrowTx.Hash.Hex(), entry.EscrowTx)
}

func TestNamedCounterpartyIsForwarded(t *testing.T) {
	client := newFakeClient(1)
	o := New(escrowAddr, connectedSession(), client, newWaiter())

	p := sampleProposal()
	p.YOwner = common.HexToAddress("0xCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCC3")
	_, err := o.Submit(context.Background(), p)
	require.NoError(t, err)

	submits, _ := client.calls()
	args, err := client.enc.UnpackCreateEscrow(submits[1].Data)
	require.NoError(t, err)
	assert.Equal(t, p.YOwner, args.YOwner)
}

func TestFeeIsReadAfterApprovalConfirms(t *testing.T) {
	client := newFakeClient(10)
	waiter := newWaiter()
	waiter.onWait = func(idx int) {
		if idx == 0 {
			client.setFee(99)
		}
	}
	o := New(escrowAddr, connectedSession(), client, waiter)

	st, err := o.Submit(context.Background(), sampleProposal())
	require.NoError(t, err)

	submits, _ := client.calls()
	assert.Equal(t, "99", submits[1].Value.String())
	assert.Equal(t, "99", st.Fee.String())
}

func TestFeeForwardedUnchanged(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		fee := new(big.Int).SetUint64(rapid.Uint64().Draw(t, "fee"))
		client := newFakeClient(0)
		client.fee = fee
		o := New(escrowAddr, connectedSession(), client, newWaiter())

		if _, err := o.Submit(context.Background(), sampleProposal()); err != nil {
			t.Fatalf("submit: %v", err)
		}
		submits, _ := client.calls()
		if submits[1].Value.Cmp(fee) != 0 {
			t.Fatalf("value %s, fee %s", submits[1].Value, fee)
		}
	})
}

func TestValidationFailureMakesNoCalls(t *testing.T) {
	client := newFakeClient(42)
	rec := &phaseRecorder{}
	o := New(escrowAddr, connectedSession(), client, newWaiter(), WithTransitionHook(rec.hook))

	for _, amount := range []string{"", "12.5", "-3", "1e18", "abc"} {
		st, err := o.SubmitInput(context.Background(), proposal.Input{
			XAsset:  tokenX.Hex(),
			XAmount: amount,
			YAsset:  tokenY.Hex(),
			YAmount: "500",
		})
		require.Error(t, err, amount)
		assert.Equal(t, KindValidation, KindOf(err), amount)
		assert.Equal(t, PhaseIdle, st.Phase)
	}

	submits, reads := client.calls()
	assert.Empty(t, submits)
	assert.Empty(t, reads)
	assert.Empty(t, rec.seen())
}

func TestNotConnected(t *testing.T) {
	client := newFakeClient(42)
	o := New(escrowAddr, wallet.NewSession(), client, newWaiter())

	_, err := o.Submit(context.Background(), sampleProposal())
	require.ErrorIs(t, err, wallet.ErrNotConnected)
	assert.Equal(t, PhaseIdle, o.State().Phase)

	submits, reads := client.calls()
	assert.Empty(t, submits)
	assert.Empty(t, reads)
}

func TestApprovalRevertStopsSequence(t *testing.T) {
	client := newFakeClient(42)
	waiter := newWaiter()
	waiter.outcomes[0] = confirm.Reverted
	o := New(escrowAddr, connectedSession(), client, waiter)

	st, err := o.Submit(context.Background(), sampleProposal())
	require.Error(t, err)
	assert.Equal(t, KindReverted, KindOf(err))
	assert.Equal(t, PhaseFailed, st.Phase)
	require.NotNil(t, st.Err)
	assert.Equal(t, StepApproveConfirm, st.Err.Step)
	assert.Equal(t, st.ApprovalTx, st.Err.Handle)

	submits, reads := client.calls()
	assert.Len(t, submits, 1)
	assert.Empty(t, reads, "fee must not be read after a reverted approval")
}

func TestUserRejectedApproval(t *testing.T) {
	client := newFakeClient(42)
	client.submitErr[0] = fmt.Errorf("eth_sendTransaction: %w", wallet.ErrRejected)
	rec := &phaseRecorder{}
	o := New(escrowAddr, connectedSession(), client, newWaiter(), WithTransitionHook(rec.hook))

	st, err := o.Submit(context.Background(), sampleProposal())
	require.Error(t, err)
	assert.Equal(t, KindUserRejected, KindOf(err))
	assert.Equal(t, PhaseFailed, st.Phase)
	assert.True(t, st.ApprovalTx.IsZero())
	assert.Equal(t, []Phase{PhaseAwaitingSpendAuthorization, PhaseFailed}, rec.seen())

	submits, reads := client.calls()
	assert.Len(t, submits, 1)
	assert.Empty(t, reads)
}

func TestEscrowConfirmationTimeout(t *testing.T) {
	client := newFakeClient(42)
	waiter := newWaiter()
	waiter.outcomes[1] = confirm.TimedOut
	o := New(escrowAddr, connectedSession(), client, waiter)

	st, err := o.Submit(context.Background(), sampleProposal())
	require.Error(t, err)

	var se *SubmissionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindTimeout, se.Kind)
	assert.Equal(t, StepCreateConfirm, se.Step)
	assert.True(t, se.MayStillLand())
	assert.Contains(t, se.Notice(), st.EscrowTx.Hash.Hex())
	assert.Equal(t, PhaseFailed, st.Phase)
}

func TestApprovalConfirmationTimeout(t *testing.T) {
	client := newFakeClient(42)
	waiter := newWaiter()
	waiter.outcomes[0] = confirm.TimedOut
	o := New(escrowAddr, connectedSession(), client, waiter)

	st, err := o.Submit(context.Background(), sampleProposal())
	require.Error(t, err)

	var se *SubmissionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindTimeout, se.Kind)
	assert.Equal(t, StepApproveConfirm, se.Step)
	assert.Equal(t, st.ApprovalTx, se.Handle)
	assert.True(t, se.MayStillLand())
	assert.Contains(t, se.Notice(), st.ApprovalTx.Hash.Hex())
	assert.Equal(t, PhaseFailed, st.Phase)
	assert.Nil(t, st.Fee)
	assert.True(t, st.EscrowTx.IsZero())

	submits, reads := client.calls()
	assert.Len(t, submits, 1, "createEscrow must not follow an unconfirmed approval")
	assert.Empty(t, reads, "fee must not be read before the approval confirms")
}

func TestWaitErrorAfterBroadcastMayStillLand(t *testing.T) {
	client := newFakeClient(42)
	waiter := newWaiter()
	waiter.errs[1] = errors.New("receipt lookup: 502 bad gateway")
	o := New(escrowAddr, connectedSession(), client, waiter)

	st, err := o.Submit(context.Background(), sampleProposal())
	require.Error(t, err)

	var se *SubmissionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindTransport, se.Kind)
	assert.Equal(t, StepCreateConfirm, se.Step)
	assert.Equal(t, st.EscrowTx, se.Handle)
	assert.True(t, se.MayStillLand())
	assert.Contains(t, se.Notice(), st.EscrowTx.Hash.Hex())
	assert.NotContains(t, se.Notice(), "Try again")
}

func TestRevertedCannotStillLand(t *testing.T) {
	se := &SubmissionError{Kind: KindReverted, Step: StepCreateConfirm, Handle: wallet.TxHandle{Hash: common.HexToHash("0x02")}}
	assert.False(t, se.MayStillLand())

	se = &SubmissionError{Kind: KindTransport, Step: StepFee}
	assert.False(t, se.MayStillLand())
	assert.Equal(t, "Could not reach the wallet or node. Try again.", se.Notice())
}

func TestNodeErrorIsTransport(t *testing.T) {
	client := newFakeClient(42)
	client.readErr = errors.New("connection refused")
	o := New(escrowAddr, connectedSession(), client, newWaiter())

	st, err := o.Submit(context.Background(), sampleProposal())
	require.Error(t, err)
	assert.Equal(t, KindTransport, KindOf(err))
	assert.Equal(t, StepFee, st.Err.Step)

	submits, _ := client.calls()
	assert.Len(t, submits, 1, "createEscrow must not be sent without a fee")
}

func TestMalformedFeeIsFatal(t *testing.T) {
	client := newFakeClient(0)
	client.feeRaw = []byte{0x01, 0x02, 0x03}
	o := New(escrowAddr, connectedSession(), client, newWaiter())

	_, err := o.Submit(context.Background(), sampleProposal())
	require.Error(t, err)

	var se *SubmissionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, KindEncoding, se.Kind)
	assert.True(t, se.Fatal())

	var encErr *contracts.EncodingError
	assert.ErrorAs(t, err, &encErr)
}

func TestSecondSubmitWhileInFlight(t *testing.T) {
	client := newFakeClient(42)
	waiter := newWaiter()
	waiter.block = make(chan struct{})
	o := New(escrowAddr, connectedSession(), client, waiter)

	task, err := o.Start(context.Background(), "first", sampleProposal())
	require.NoError(t, err)
	<-waiter.entered

	_, err = o.Submit(context.Background(), sampleProposal())
	require.ErrorIs(t, err, ErrInFlight)
	_, err = o.Start(context.Background(), "second", sampleProposal())
	require.ErrorIs(t, err, ErrInFlight)
	require.ErrorIs(t, o.Reset(), ErrInFlight)

	close(waiter.block)
	st, err := task.Result()
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, st.Phase)
	assert.Equal(t, "first", st.SubmissionID)

	submits, _ := client.calls()
	assert.Len(t, submits, 2)
}

func TestCancelReturnsToIdle(t *testing.T) {
	client := newFakeClient(42)
	waiter := newWaiter()
	waiter.block = make(chan struct{})
	store := journal.NewMemoryStore()
	o := New(escrowAddr, connectedSession(), client, waiter, WithJournal(store))

	task, err := o.Start(context.Background(), "cancel-me", sampleProposal())
	require.NoError(t, err)
	<-waiter.entered
	task.Cancel()

	select {
	case <-task.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("task did not stop after cancel")
	}

	st, err := task.Result()
	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, PhaseIdle, st.Phase)
	assert.Nil(t, st.Err, "cancellation is not a failure")
	assert.False(t, st.ApprovalTx.IsZero(), "broadcast handle is kept")

	entry, err := store.Get(context.Background(), "cancel-me")
	require.NoError(t, err)
	assert.Equal(t, "cancelled", entry.Phase)

	submits, reads := client.calls()
	assert.Len(t, submits, 1)
	assert.Empty(t, reads)
}

func TestRetryAfterFailure(t *testing.T) {
	client := newFakeClient(42)
	client.submitErr[0] = wallet.ErrRejected
	o := New(escrowAddr, connectedSession(), client, newWaiter())

	st, err := o.Submit(context.Background(), sampleProposal())
	require.Error(t, err)
	assert.Equal(t, PhaseFailed, st.Phase)

	st, err = o.Submit(context.Background(), sampleProposal())
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, st.Phase)
	assert.Equal(t, 2, st.Attempt)
	assert.Nil(t, st.Err)

	require.NoError(t, o.Reset())
	assert.Equal(t, PhaseIdle, o.State().Phase)
}

func TestAllowanceCheckSkipsApproval(t *testing.T) {
	client := newFakeClient(42)
	client.allowance = big.NewInt(1000)
	waiter := newWaiter()
	rec := &phaseRecorder{}
	o := New(escrowAddr, connectedSession(), client, waiter, WithAllowanceCheck(), WithTransitionHook(rec.hook))

	st, err := o.Submit(context.Background(), sampleProposal())
	require.NoError(t, err)
	assert.True(t, st.ApprovalTx.IsZero())

	assert.Equal(t, []Phase{
		PhaseAwaitingSpendAuthorization,
		PhaseReadingFee,
		PhaseAwaitingEscrowSubmission,
		PhaseAwaitingEscrowConfirmation,
		PhaseCompleted,
	}, rec.seen())

	submits, reads := client.calls()
	require.Len(t, submits, 1)
	assert.Equal(t, escrowAddr, submits[0].To)
	require.Len(t, reads, 2)
	assert.Equal(t, tokenX, reads[0].To)
	assert.Equal(t, contracts.MethodAllowance, client.enc.MethodOf(reads[0].Data))
	assert.Len(t, waiter.handles, 1)
}

func TestAllowanceCheckStillApprovesShortfall(t *testing.T) {
	client := newFakeClient(42)
	client.allowance = big.NewInt(999)
	o := New(escrowAddr, connectedSession(), client, newWaiter(), WithAllowanceCheck())

	_, err := o.Submit(context.Background(), sampleProposal())
	require.NoError(t, err)

	submits, _ := client.calls()
	require.Len(t, submits, 2)
	assert.Equal(t, tokenX, submits[0].To)
}

func TestSubscribeSeesEveryPhase(t *testing.T) {
	o := New(escrowAddr, connectedSession(), newFakeClient(42), newWaiter())
	ch, cancel := o.Subscribe()
	defer cancel()

	_, err := o.Submit(context.Background(), sampleProposal())
	require.NoError(t, err)

	var phases []Phase
	for len(ch) > 0 {
		phases = append(phases, (<-ch).Phase)
	}
	require.NotEmpty(t, phases)
	assert.Equal(t, PhaseIdle, phases[0])
	assert.Equal(t, PhaseCompleted, phases[len(phases)-1])
	assert.Len(t, phases, 7)
}

func TestCallerCannotMutateSubmittedAmounts(t *testing.T) {
	client := newFakeClient(42)
	waiter := newWaiter()
	p := sampleProposal()
	waiter.onWait = func(int) { p.XAmount.SetInt64(1) }
	o := New(escrowAddr, connectedSession(), client, waiter)

	_, err := o.Submit(context.Background(), p)
	require.NoError(t, err)

	submits, _ := client.calls()
	args, err := client.enc.UnpackCreateEscrow(submits[1].Data)
	require.NoError(t, err)
	assert.Equal(t, "1000", args.XAmount.String())
}
