// Package proposal turns raw user input into a trade proposal the escrow
// orchestrator can submit. Nothing here touches the network.
package proposal

import (
	"errors"
	"fmt"
	"math/big"
	"reflect"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/holiman/uint256"
)

// Input is the form a user fills in. Every field is kept as typed text so
// that amounts never pass through a floating point value.
type Input struct {
	XAsset  string `json:"xAssetAddress" validate:"required,eth_addr"`
	XAmount string `json:"xAmount" validate:"required,number"`
	YAsset  string `json:"yAssetAddress" validate:"required,eth_addr"`
	YAmount string `json:"yAmount" validate:"required,number"`
	YOwner  string `json:"yOwnerAddress,omitempty" validate:"omitempty,eth_addr"`
}

// Proposal is a validated swap intent. Build it with Validate.
type Proposal struct {
	XAsset  common.Address
	XAmount *big.Int
	YAsset  common.Address
	YAmount *big.Int
	// YOwner is the zero address when any counterparty may fulfil the trade.
	YOwner common.Address
}

// OpenToAny reports whether no specific counterparty was named.
func (p Proposal) OpenToAny() bool {
	return p.YOwner == (common.Address{})
}

// Clone returns a deep copy so callers cannot mutate amounts after submission
// has started.
func (p Proposal) Clone() Proposal {
	out := p
	if p.XAmount != nil {
		out.XAmount = new(big.Int).Set(p.XAmount)
	}
	if p.YAmount != nil {
		out.YAmount = new(big.Int).Set(p.YAmount)
	}
	return out
}

// FieldError names one rejected input field.
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

// ValidationError collects every field that failed validation.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		msgs = append(msgs, f.Error())
	}
	return "invalid proposal: " + strings.Join(msgs, "; ")
}

// Has reports whether field was rejected.
func (e *ValidationError) Has(field string) bool {
	for _, f := range e.Fields {
		if f.Field == field {
			return true
		}
	}
	return false
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func init() {
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// Validate checks in and converts it into a Proposal.
func Validate(in Input) (Proposal, error) {
	in = in.trimmed()

	var verr *ValidationError
	if err := validate.Struct(in); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return Proposal{}, err
		}
		verr = &ValidationError{}
		for _, fe := range fieldErrs {
			verr.Fields = append(verr.Fields, FieldError{Field: fe.Field(), Reason: reasonFor(fe.Tag())})
		}
	}

	xAmount, xErr := ParseAmount(in.XAmount)
	yAmount, yErr := ParseAmount(in.YAmount)
	if verr == nil && (xErr != nil || yErr != nil) {
		verr = &ValidationError{}
	}
	if xErr != nil && !verr.Has("xAmount") {
		verr.Fields = append(verr.Fields, FieldError{Field: "xAmount", Reason: xErr.Error()})
	}
	if yErr != nil && !verr.Has("yAmount") {
		verr.Fields = append(verr.Fields, FieldError{Field: "yAmount", Reason: yErr.Error()})
	}
	if verr != nil {
		return Proposal{}, verr
	}

	p := Proposal{
		XAsset:  common.HexToAddress(in.XAsset),
		XAmount: xAmount,
		YAsset:  common.HexToAddress(in.YAsset),
		YAmount: yAmount,
	}
	if in.YOwner != "" {
		p.YOwner = common.HexToAddress(in.YOwner)
	}
	return p, nil
}

// IsAddress reports whether s is a 0x-prefixed 20 byte hex address.
func IsAddress(s string) bool {
	return validate.Var(s, "required,eth_addr") == nil
}

var (
	errNotInteger = errors.New("must be a non-negative integer")
	errTooLarge   = errors.New("exceeds uint256")
)

// ParseAmount parses a decimal token amount in the token's smallest unit.
// Signs, decimal points, exponents and values above 2^256-1 are rejected.
func ParseAmount(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errNotInteger
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return nil, errNotInteger
		}
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, errTooLarge
	}
	return v.ToBig(), nil
}

func (in Input) trimmed() Input {
	return Input{
		XAsset:  strings.TrimSpace(in.XAsset),
		XAmount: strings.TrimSpace(in.XAmount),
		YAsset:  strings.TrimSpace(in.YAsset),
		YAmount: strings.TrimSpace(in.YAmount),
		YOwner:  strings.TrimSpace(in.YOwner),
	}
}

func reasonFor(tag string) string {
	switch tag {
	case "required":
		return "is required"
	case "eth_addr":
		return "is not a valid address"
	case "number":
		return errNotInteger.Error()
	default:
		return "failed " + tag
	}
}
