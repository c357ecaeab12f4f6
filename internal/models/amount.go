package models

import (
	"math/big"
	"strings"

	"cosmossdk.io/math"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// EtherDecimals is the precision of the chain's base unit (wei)
const EtherDecimals = 18

// GweiDecimals is the precision of gwei, the usual gas price unit
const GweiDecimals = 9

// ParseRoomID parses a decimal room identifier that must fit in a uint256
func ParseRoomID(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, NewValidationError("room_id", "room id is required")
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return nil, NewValidationError("room_id", "room id must be a non-negative integer")
		}
	}
	id, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, NewValidationError("room_id", "room id must be a non-negative integer")
	}
	if _, overflow := uint256.FromBig(id); overflow {
		return nil, NewValidationError("room_id", "room id exceeds 256 bits")
	}
	return id, nil
}

// ParseEther parses a decimal ether amount ("1.5") into wei.
// An optional trailing "ETH" unit is accepted.
func ParseEther(field, s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSuffix(s, "ETH"), "eth"))
	if s == "" {
		return nil, NewValidationError(field, "amount is required")
	}
	dec, err := math.LegacyNewDecFromStr(s)
	if err != nil {
		return nil, NewValidationError(field, "amount must be a decimal number with at most 18 fractional digits")
	}
	if dec.IsNegative() {
		return nil, NewValidationError(field, "amount must not be negative")
	}
	wei := dec.BigInt()
	if _, overflow := uint256.FromBig(wei); overflow {
		return nil, NewValidationError(field, "amount exceeds 256 bits")
	}
	return wei, nil
}

// FormatEther renders wei as a trimmed decimal ether string
func FormatEther(wei *big.Int) string {
	return FormatUnits(wei, EtherDecimals)
}

// FormatUnits renders an integer amount with the given number of decimals,
// trimming trailing zeros
func FormatUnits(amount *big.Int, decimals int64) string {
	if amount == nil {
		return "0"
	}
	s := math.LegacyNewDecFromBigIntWithPrec(amount, decimals).String()
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimSuffix(s, ".")
	}
	return s
}

// ParseAddress validates a hex account address
func ParseAddress(field, s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if s == "" || !common.IsHexAddress(s) {
		return common.Address{}, &ValidationError{Field: field, Reason: "malformed address " + quote(s), Kind: ErrInvalidAddress}
	}
	addr := common.HexToAddress(s)
	if addr == (common.Address{}) {
		return common.Address{}, &ValidationError{Field: field, Reason: "zero address is not a valid recipient", Kind: ErrInvalidAddress}
	}
	return addr, nil
}

// ParseRecipients splits a newline or comma separated recipient list
func ParseRecipients(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return r == '\n' || r == ',' || r == '\r'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func quote(s string) string {
	return "\"" + s + "\""
}
