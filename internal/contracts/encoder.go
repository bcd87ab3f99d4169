// Package contracts encodes calls to the ERC20 token and Swap2p escrow
// contracts and decodes their return data into typed values.
package contracts

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const (
	MethodApprove      = "approve"
	MethodAllowance    = "allowance"
	MethodFee          = "fee"
	MethodCreateEscrow = "createEscrow"
)

// EncodingError means the declared ABI and the supplied values disagree.
// It is a programming defect, never something the user caused.
type EncodingError struct {
	Method string
	Op     string // "pack" or "unpack"
	Err    error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Method, e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }

// CreateEscrowArgs are the createEscrow inputs in call order.
type CreateEscrowArgs struct {
	XAsset  common.Address
	XAmount *big.Int
	YAsset  common.Address
	YAmount *big.Int
	YOwner  common.Address
}

// Encoder is stateless after construction and safe for concurrent use.
type Encoder struct {
	erc20  abi.ABI
	swap2p abi.ABI
}

// NewEncoder parses the embedded ABIs.
func NewEncoder() (*Encoder, error) {
	erc20, err := abi.JSON(strings.NewReader(ERC20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	swap2p, err := abi.JSON(strings.NewReader(Swap2pABI))
	if err != nil {
		return nil, fmt.Errorf("parse swap2p abi: %w", err)
	}
	return &Encoder{erc20: erc20, swap2p: swap2p}, nil
}

// MustEncoder is NewEncoder for package initialisation; the ABIs are
// compile-time constants so a failure is a build defect.
func MustEncoder() *Encoder {
	e, err := NewEncoder()
	if err != nil {
		panic(err)
	}
	return e
}

// PackApprove encodes approve(spender, amount).
func (e *Encoder) PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	if amount == nil {
		return nil, &EncodingError{Method: MethodApprove, Op: "pack", Err: fmt.Errorf("nil amount")}
	}
	return pack(e.erc20, MethodApprove, spender, amount)
}

// PackAllowance encodes allowance(owner, spender).
func (e *Encoder) PackAllowance(owner, spender common.Address) ([]byte, error) {
	return pack(e.erc20, MethodAllowance, owner, spender)
}

// UnpackAllowance decodes the allowance return value.
func (e *Encoder) UnpackAllowance(data []byte) (*big.Int, error) {
	return unpackUint(e.erc20, MethodAllowance, data)
}

// PackFee encodes the zero-argument fee() read.
func (e *Encoder) PackFee() ([]byte, error) {
	return pack(e.swap2p, MethodFee)
}

// UnpackFee decodes the single uint256 fee() returns.
func (e *Encoder) UnpackFee(data []byte) (*big.Int, error) {
	return unpackUint(e.swap2p, MethodFee, data)
}

// PackFeeResult encodes a value the way fee() returns it. Test doubles use it
// to produce node responses.
func (e *Encoder) PackFeeResult(fee *big.Int) ([]byte, error) {
	out, err := e.swap2p.Methods[MethodFee].Outputs.Pack(fee)
	if err != nil {
		return nil, &EncodingError{Method: MethodFee, Op: "pack", Err: err}
	}
	return out, nil
}

// PackAllowanceResult is PackFeeResult for allowance().
func (e *Encoder) PackAllowanceResult(v *big.Int) ([]byte, error) {
	out, err := e.erc20.Methods[MethodAllowance].Outputs.Pack(v)
	if err != nil {
		return nil, &EncodingError{Method: MethodAllowance, Op: "pack", Err: err}
	}
	return out, nil
}

// PackCreateEscrow encodes createEscrow. A zero YOwner opens the trade to
// any counterparty.
func (e *Encoder) PackCreateEscrow(args CreateEscrowArgs) ([]byte, error) {
	if args.XAmount == nil || args.YAmount == nil {
		return nil, &EncodingError{Method: MethodCreateEscrow, Op: "pack", Err: fmt.Errorf("nil amount")}
	}
	return pack(e.swap2p, MethodCreateEscrow, args.XAsset, args.XAmount, args.YAsset, args.YAmount, args.YOwner)
}

// UnpackCreateEscrow decodes createEscrow calldata back into its arguments.
func (e *Encoder) UnpackCreateEscrow(calldata []byte) (CreateEscrowArgs, error) {
	vals, err := unpackInput(e.swap2p, MethodCreateEscrow, calldata)
	if err != nil {
		return CreateEscrowArgs{}, err
	}
	var out CreateEscrowArgs
	var ok [5]bool
	out.XAsset, ok[0] = vals[0].(common.Address)
	out.XAmount, ok[1] = vals[1].(*big.Int)
	out.YAsset, ok[2] = vals[2].(common.Address)
	out.YAmount, ok[3] = vals[3].(*big.Int)
	out.YOwner, ok[4] = vals[4].(common.Address)
	for _, good := range ok {
		if !good {
			return CreateEscrowArgs{}, &EncodingError{Method: MethodCreateEscrow, Op: "unpack", Err: fmt.Errorf("unexpected argument types %T", vals)}
		}
	}
	return out, nil
}

// UnpackApprove decodes approve calldata into (spender, amount).
func (e *Encoder) UnpackApprove(calldata []byte) (common.Address, *big.Int, error) {
	vals, err := unpackInput(e.erc20, MethodApprove, calldata)
	if err != nil {
		return common.Address{}, nil, err
	}
	spender, ok1 := vals[0].(common.Address)
	amount, ok2 := vals[1].(*big.Int)
	if !ok1 || !ok2 {
		return common.Address{}, nil, &EncodingError{Method: MethodApprove, Op: "unpack", Err: fmt.Errorf("unexpected argument types %T", vals)}
	}
	return spender, amount, nil
}

// MethodOf returns the name of the method calldata targets, or "" when the
// selector is unknown to both ABIs.
func (e *Encoder) MethodOf(calldata []byte) string {
	if len(calldata) < 4 {
		return ""
	}
	if m, err := e.erc20.MethodById(calldata[:4]); err == nil {
		return m.Name
	}
	if m, err := e.swap2p.MethodById(calldata[:4]); err == nil {
		return m.Name
	}
	return ""
}

func pack(a abi.ABI, method string, args ...interface{}) ([]byte, error) {
	data, err := a.Pack(method, args...)
	if err != nil {
		return nil, &EncodingError{Method: method, Op: "pack", Err: err}
	}
	return data, nil
}

func unpackUint(a abi.ABI, method string, data []byte) (*big.Int, error) {
	vals, err := a.Unpack(method, data)
	if err != nil {
		return nil, &EncodingError{Method: method, Op: "unpack", Err: err}
	}
	if len(vals) != 1 {
		return nil, &EncodingError{Method: method, Op: "unpack", Err: fmt.Errorf("expected 1 value, got %d", len(vals))}
	}
	v, ok := vals[0].(*big.Int)
	if !ok {
		return nil, &EncodingError{Method: method, Op: "unpack", Err: fmt.Errorf("expected uint256, got %T", vals[0])}
	}
	return v, nil
}

func unpackInput(a abi.ABI, method string, calldata []byte) ([]interface{}, error) {
	m, ok := a.Methods[method]
	if !ok || len(calldata) < 4 || string(calldata[:4]) != string(m.ID) {
		return nil, &EncodingError{Method: method, Op: "unpack", Err: fmt.Errorf("selector mismatch")}
	}
	vals, err := m.Inputs.Unpack(calldata[4:])
	if err != nil {
		return nil, &EncodingError{Method: method, Op: "unpack", Err: err}
	}
	return vals, nil
}
