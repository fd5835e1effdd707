package utils

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/vitwit/x402-a2a/types"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validator exposes the shared validator instance.
func Validator() *validator.Validate {
	return validate
}

// ParsePaymentRequirements parses and validates PaymentRequirements from JSON
func ParsePaymentRequirements(data []byte) (*types.PaymentRequirements, error) {
	var req types.PaymentRequirements

	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &types.X402Error{
			Code:    types.ErrInvalidRequirements,
			Message: fmt.Sprintf("failed to parse payment requirements: %v", err),
		}
	}

	if err := ValidatePaymentRequirements(&req); err != nil {
		return nil, err
	}

	return &req, nil
}

// ValidatePaymentRequirements runs the struct tags and the semantic checks.
func ValidatePaymentRequirements(req *types.PaymentRequirements) error {
	if err := validate.Struct(req); err != nil {
		return &types.X402Error{
			Code:    types.ErrInvalidRequirements,
			Message: fmt.Sprintf("validation failed: %v", err),
		}
	}

	if err := req.Validate(); err != nil {
		return &types.X402Error{
			Code:    types.ErrInvalidRequirements,
			Message: err.Error(),
		}
	}

	if !types.Network(req.Network).IsEVM() {
		return &types.X402Error{
			Code:    types.ErrUnsupportedNetwork,
			Message: fmt.Sprintf("unsupported network: %s", req.Network),
		}
	}

	return nil
}

// SerializePaymentRequirements converts PaymentRequirements to JSON
func SerializePaymentRequirements(req *types.PaymentRequirements) ([]byte, error) {
	return json.Marshal(req)
}

// ParseClientConfig parses ClientConfig from JSON
func ParseClientConfig(data []byte) (*types.ClientConfig, error) {
	var config types.ClientConfig

	if err := json.Unmarshal(data, &config); err != nil {
		return nil, &types.X402Error{
			Code:    types.ErrConfigError,
			Message: fmt.Sprintf("failed to parse client config: %v", err),
		}
	}

	if err := validate.Struct(&config); err != nil {
		return nil, &types.X402Error{
			Code:    types.ErrConfigError,
			Message: fmt.Sprintf("validation failed: %v", err),
		}
	}

	return &config, nil
}

// ParseX402Config parses X402Config from JSON
func ParseX402Config(data []byte) (*types.X402Config, error) {
	var config types.X402Config

	if err := json.Unmarshal(data, &config); err != nil {
		return nil, &types.X402Error{
			Code:    types.ErrConfigError,
			Message: fmt.Sprintf("failed to parse x402 config: %v", err),
		}
	}

	for network, client := range config.Clients {
		if client.Network == "" {
			client.Network = network
			config.Clients[network] = client
		}
		if !network.IsEVM() {
			return nil, &types.X402Error{
				Code:    types.ErrUnsupportedNetwork,
				Message: fmt.Sprintf("unsupported network in config: %s", network),
			}
		}
	}

	if err := validate.Struct(&config); err != nil {
		return nil, &types.X402Error{
			Code:    types.ErrConfigError,
			Message: fmt.Sprintf("validation failed: %v", err),
		}
	}

	return &config, nil
}

// NormalizeJSON formats JSON with consistent indentation
func NormalizeJSON(data interface{}) ([]byte, error) {
	return json.MarshalIndent(data, "", "  ")
}

// CompactJSON removes whitespace from JSON
func CompactJSON(data []byte) ([]byte, error) {
	var buffer bytes.Buffer
	if err := json.Compact(&buffer, data); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}
