package utils

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
)

// ValidateAmount checks if an amount string is a valid non-negative decimal
func ValidateAmount(amount string) (*decimal.Decimal, error) {
	if amount == "" {
		return nil, fmt.Errorf("amount cannot be empty")
	}

	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount format: %w", err)
	}

	if dec.IsNegative() {
		return nil, fmt.Errorf("amount cannot be negative")
	}

	return &dec, nil
}

// ValidateBigInt checks if a string is a valid non-negative base-10 integer
func ValidateBigInt(value string) (*big.Int, error) {
	if value == "" {
		return nil, fmt.Errorf("value cannot be empty")
	}

	bigInt, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid big integer format")
	}
	if bigInt.Sign() < 0 {
		return nil, fmt.Errorf("value cannot be negative")
	}

	return bigInt, nil
}

// ValidateAddress checks that address is a 0x-prefixed 20-byte hex address.
func ValidateAddress(address string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if !strings.HasPrefix(address, "0x") || len(address) != 42 {
		return fmt.Errorf("address must be 0x followed by 40 hex characters")
	}
	if !common.IsHexAddress(address) {
		return fmt.Errorf("address must be valid hex")
	}
	return nil
}

// NormalizeAddress returns the EIP-55 checksummed form, or "" if invalid.
func NormalizeAddress(address string) string {
	if !common.IsHexAddress(address) {
		return ""
	}
	return common.HexToAddress(address).Hex()
}

// SameAddress compares two hex addresses ignoring case.
func SameAddress(a, b string) bool {
	return common.IsHexAddress(a) && common.IsHexAddress(b) &&
		common.HexToAddress(a) == common.HexToAddress(b)
}

// ValidateTransactionHash validates an EVM transaction hash.
func ValidateTransactionHash(hash string) error {
	if !strings.HasPrefix(hash, "0x") || len(hash) != 66 {
		return fmt.Errorf("transaction hash must be 0x followed by 64 hex characters")
	}
	if _, err := hexutil.Decode(hash); err != nil {
		return fmt.Errorf("transaction hash must be valid hex")
	}
	return nil
}

// ParseAmountWithDecimals converts a human amount ("0.001") into atomic
// units for a token with the given decimals. Fractions below one atomic
// unit are rejected.
func ParseAmountWithDecimals(amount string, decimals int) (*big.Int, error) {
	dec, err := ValidateAmount(amount)
	if err != nil {
		return nil, err
	}

	scaled := dec.Shift(int32(decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("amount %s has more than %d decimal places", amount, decimals)
	}

	return scaled.BigInt(), nil
}

// FormatAmountFromBigInt formats atomic units as a decimal string
func FormatAmountFromBigInt(amount *big.Int, decimals int) string {
	return decimal.NewFromBigInt(amount, -int32(decimals)).String()
}
