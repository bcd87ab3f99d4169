// Package wallet is the only channel the submitter uses to reach the chain:
// it asks a wallet provider to sign and broadcast transactions and asks a
// node to evaluate read-only calls.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"
)

// ErrRejected means the user or the wallet declined to sign or broadcast.
var ErrRejected = errors.New("wallet rejected request")

// Client abstracts the wallet/node boundary. Implementations never retry.
type Client interface {
	// Submit asks the wallet to sign and broadcast. It returns as soon as the
	// transaction has a hash, before it is mined.
	Submit(ctx context.Context, req TxRequest) (TxHandle, error)
	// Read evaluates a call against the latest block without broadcasting.
	Read(ctx context.Context, req CallRequest) ([]byte, error)
}

// HealthChecker is implemented by clients that can probe their node.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type TxRequest struct {
	To      common.Address
	From    common.Address
	ChainID *big.Int
	Data    []byte
	Value   *big.Int // nil means no native currency attached
}

type CallRequest struct {
	To      common.Address
	From    common.Address
	ChainID *big.Int
	Data    []byte
}

// TxHandle identifies a submitted transaction. Hashes are only meaningful
// together with the chain they were submitted on.
type TxHandle struct {
	Hash    common.Hash
	ChainID *big.Int
}

func (h TxHandle) String() string {
	if h.ChainID == nil {
		return h.Hash.Hex()
	}
	return fmt.Sprintf("%s@%s", h.Hash.Hex(), h.ChainID)
}

// IsZero reports whether h was never assigned.
func (h TxHandle) IsZero() bool {
	return h.Hash == (common.Hash{})
}

// EIP-1193 provider error codes.
const (
	codeUserRejected = 4001
	codeUnauthorized = 4100
)

var rejectionHints = []string{
	"user rejected",
	"user denied",
	"rejected by user",
	"insufficient funds",
}

// classify maps provider failures onto ErrRejected where the wallet, not the
// transport, said no.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case codeUserRejected, codeUnauthorized:
			return fmt.Errorf("%s: %w: %v", op, ErrRejected, err)
		}
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range rejectionHints {
		if strings.Contains(msg, hint) {
			return fmt.Errorf("%s: %w: %v", op, ErrRejected, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
