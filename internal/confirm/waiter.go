// Package confirm waits for submitted transactions to be included in a block.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"swap2p/internal/wallet"
)

// Outcome is how a wait ended.
type Outcome int

const (
	Confirmed Outcome = iota + 1
	Reverted
	TimedOut
)

func (o Outcome) String() string {
	switch o {
	case Confirmed:
		return "confirmed"
	case Reverted:
		return "reverted"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

var (
	// ErrCancelled means the caller stopped waiting. The transaction itself
	// may still be mined.
	ErrCancelled = errors.New("confirmation wait cancelled")
	// ErrWrongChain means the handle was issued on a different chain than the
	// one this waiter polls.
	ErrWrongChain = errors.New("transaction handle belongs to another chain")
)

// ReceiptSource is the read side of a node; *ethclient.Client satisfies it.
type ReceiptSource interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// Result carries the receipt when one was observed.
type Result struct {
	Outcome Outcome
	Receipt *types.Receipt
	Polls   int
}

type Config struct {
	// Timeout bounds the whole wait.
	Timeout time.Duration
	// PollInterval is the minimum spacing between receipt lookups.
	PollInterval time.Duration
	// ChainID, when set, rejects handles from other chains.
	ChainID *big.Int
}

const (
	defaultTimeout      = 3 * time.Minute
	defaultPollInterval = 2 * time.Second
)

// Waiter polls a node for receipts.
type Waiter struct {
	src     ReceiptSource
	cfg     Config
	log     *zap.Logger
	limiter *rate.Limiter
}

func NewWaiter(src ReceiptSource, cfg Config, log *zap.Logger) *Waiter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Waiter{
		src: src,
		cfg: cfg,
		log: log,
		// one burst token so the first lookup is immediate
		limiter: rate.NewLimiter(rate.Every(cfg.PollInterval), 1),
	}
}

// Wait polls until h is mined, the timeout elapses, or ctx is cancelled.
// A reverted receipt is an outcome, not an error. Failed lookups are retried
// until the timeout, since h is already broadcast; errors are reserved for
// wrong-chain handles and cancellation.
func (w *Waiter) Wait(ctx context.Context, h wallet.TxHandle) (Result, error) {
	if w.cfg.ChainID != nil && h.ChainID != nil && w.cfg.ChainID.Cmp(h.ChainID) != 0 {
		return Result{}, fmt.Errorf("%w: %s", ErrWrongChain, h)
	}

	waitCtx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	log := w.log.With(zap.Stringer("tx", h))
	polls := 0
	for {
		if err := w.limiter.Wait(waitCtx); err != nil {
			return w.stopped(ctx, polls, log)
		}

		polls++
		receipt, err := w.src.TransactionReceipt(waitCtx, h.Hash)
		switch {
		case receipt != nil:
			if receipt.Status == types.ReceiptStatusFailed {
				log.Warn("transaction reverted", zap.Uint64("block", blockNumber(receipt)))
				return Result{Outcome: Reverted, Receipt: receipt, Polls: polls}, nil
			}
			log.Debug("transaction confirmed", zap.Uint64("block", blockNumber(receipt)), zap.Int("polls", polls))
			return Result{Outcome: Confirmed, Receipt: receipt, Polls: polls}, nil
		case err == nil, errors.Is(err, ethereum.NotFound):
			// still pending
		case waitCtx.Err() != nil:
			return w.stopped(ctx, polls, log)
		default:
			log.Warn("receipt lookup failed, retrying", zap.Int("polls", polls), zap.Error(err))
		}
	}
}

// stopped distinguishes the caller giving up from our own deadline.
func (w *Waiter) stopped(parent context.Context, polls int, log *zap.Logger) (Result, error) {
	if parent.Err() != nil {
		log.Info("stopped waiting for confirmation", zap.Error(parent.Err()))
		return Result{Polls: polls}, ErrCancelled
	}
	log.Warn("confirmation timed out", zap.Duration("timeout", w.cfg.Timeout), zap.Int("polls", polls))
	return Result{Outcome: TimedOut, Polls: polls}, nil
}

func blockNumber(r *types.Receipt) uint64 {
	if r.BlockNumber == nil {
		return 0
	}
	return r.BlockNumber.Uint64()
}
