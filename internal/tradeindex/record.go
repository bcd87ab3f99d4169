package tradeindex

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"swap2p/internal/proposal"
)

// EscrowRecord is one historical trade as reported by the backend indexer.
type EscrowRecord struct {
	ID        string
	XOwner    common.Address
	XAsset    common.Address
	XAmount   *big.Int
	YAsset    common.Address
	YAmount   *big.Int
	YOwner    common.Address
	Status    string
	CreatedAt time.Time
}

// OpenToAny reports whether the trade accepts any counterparty.
func (r EscrowRecord) OpenToAny() bool {
	return r.YOwner == (common.Address{})
}

type recordJSON struct {
	ID        string    `json:"id"`
	XOwner    string    `json:"xOwner"`
	XAsset    string    `json:"xAssetAddress"`
	XAmount   string    `json:"xAmount"`
	YAsset    string    `json:"yAssetAddress"`
	YAmount   string    `json:"yAmount"`
	YOwner    string    `json:"yOwnerAddress,omitempty"`
	Status    string    `json:"status,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitzero"`
}

// MarshalJSON keeps amounts as decimal strings so no consumer parses them
// into a float.
func (r EscrowRecord) MarshalJSON() ([]byte, error) {
	out := recordJSON{
		ID:        r.ID,
		XOwner:    r.XOwner.Hex(),
		XAsset:    r.XAsset.Hex(),
		XAmount:   amountString(r.XAmount),
		YAsset:    r.YAsset.Hex(),
		YAmount:   amountString(r.YAmount),
		Status:    r.Status,
		CreatedAt: r.CreatedAt,
	}
	if !r.OpenToAny() {
		out.YOwner = r.YOwner.Hex()
	}
	return json.Marshal(out)
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// rawRecord is the backend's wire shape. Field names follow the contract
// event, amounts arrive either as JSON strings or bare numbers.
type rawRecord struct {
	ID        json.RawMessage `json:"id"`
	XOwner    string          `json:"XOwner"`
	XAsset    string          `json:"XAssetAddress"`
	XAmount   rawAmount       `json:"XAmount"`
	YAsset    string          `json:"YAssetAddress"`
	YAmount   rawAmount       `json:"YAmount"`
	YOwner    string          `json:"YOwner"`
	Status    string          `json:"status"`
	CreatedAt string          `json:"createdAt"`
}

type rawAmount string

func (a *rawAmount) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*a = ""
		return nil
	}
	*a = rawAmount(strings.Trim(s, `"`))
	return nil
}

// toRecord maps one raw record. Records with malformed addresses or amounts
// are rejected rather than shown with guessed values.
func (r rawRecord) toRecord() (EscrowRecord, error) {
	out := EscrowRecord{
		ID:     strings.Trim(string(r.ID), `"`),
		Status: r.Status,
	}

	var err error
	if out.XOwner, err = optionalAddress("XOwner", r.XOwner); err != nil {
		return EscrowRecord{}, err
	}
	if out.XAsset, err = requiredAddress("XAssetAddress", r.XAsset); err != nil {
		return EscrowRecord{}, err
	}
	if out.YAsset, err = requiredAddress("YAssetAddress", r.YAsset); err != nil {
		return EscrowRecord{}, err
	}
	if out.YOwner, err = optionalAddress("YOwner", r.YOwner); err != nil {
		return EscrowRecord{}, err
	}
	if out.XAmount, err = proposal.ParseAmount(string(r.XAmount)); err != nil {
		return EscrowRecord{}, fmt.Errorf("XAmount: %w", err)
	}
	if out.YAmount, err = proposal.ParseAmount(string(r.YAmount)); err != nil {
		return EscrowRecord{}, fmt.Errorf("YAmount: %w", err)
	}
	if r.CreatedAt != "" {
		if out.CreatedAt, err = time.Parse(time.RFC3339, r.CreatedAt); err != nil {
			return EscrowRecord{}, fmt.Errorf("createdAt: %w", err)
		}
	}
	return out, nil
}

func requiredAddress(field, s string) (common.Address, error) {
	if !proposal.IsAddress(s) {
		return common.Address{}, fmt.Errorf("%s: invalid address %q", field, s)
	}
	return common.HexToAddress(s), nil
}

func optionalAddress(field, s string) (common.Address, error) {
	if s == "" {
		return common.Address{}, nil
	}
	return requiredAddress(field, s)
}

// FormatUnits renders amount in whole-token units given the token's decimals,
// e.g. 1500000000000000000 with 18 decimals is "1.5".
func FormatUnits(amount *big.Int, decimals int32) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -decimals).String()
}
