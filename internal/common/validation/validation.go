package validation

import (
	"fmt"
	"strings"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/mr-tron/base58"
)

const (
	MinAddressLength = 32
	MaxAddressLength = 44
	// ed25519 public key size
	AddressBytes = 32

	MaxExecutionIDsPerClaim = 100
)

// ValidateWalletAddress checks a base58 Solana address: 32-44 characters that
// decode to exactly 32 bytes.
func ValidateWalletAddress(address string) error {
	if address == "" {
		return fmt.Errorf("wallet address cannot be empty")
	}
	if strings.TrimSpace(address) != address {
		return fmt.Errorf("wallet address must not contain surrounding whitespace")
	}
	if len(address) < MinAddressLength || len(address) > MaxAddressLength {
		return fmt.Errorf("wallet address must be %d-%d characters, got %d", MinAddressLength, MaxAddressLength, len(address))
	}
	decoded, err := base58.Decode(address)
	if err != nil {
		return fmt.Errorf("wallet address is not valid base58: %w", err)
	}
	if len(decoded) != AddressBytes {
		return fmt.Errorf("wallet address must decode to %d bytes, got %d", AddressBytes, len(decoded))
	}
	return nil
}

// ValidateExecutionIDs checks a claim batch id list.
func ValidateExecutionIDs(ids []int64) error {
	if len(ids) == 0 {
		return fmt.Errorf("at least one execution id is required")
	}
	if len(ids) > MaxExecutionIDsPerClaim {
		return fmt.Errorf("cannot claim more than %d executions at once", MaxExecutionIDsPerClaim)
	}
	for _, id := range ids {
		if id <= 0 {
			return fmt.Errorf("execution id must be positive, got %d", id)
		}
	}
	return nil
}

func solanaAddress(fl validator.FieldLevel) bool {
	return ValidateWalletAddress(fl.Field().String()) == nil
}

// RegisterBindings adds the `solana_address` tag to gin's request validator.
func RegisterBindings() error {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return fmt.Errorf("unexpected binding validator engine %T", binding.Validator.Engine())
	}
	return v.RegisterValidation("solana_address", solanaAddress)
}
