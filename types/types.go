package types

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// X402Version represents the version of the x402 protocol
type X402Version int

const (
	X402Version1 X402Version = 1
)

// ProtocolVersion is the only protocol version this module speaks.
const ProtocolVersion = int(X402Version1)

// PaymentScheme represents different payment schemes
type PaymentScheme string

const (
	// SchemeExact transfers a fixed amount through an EIP-3009 authorization.
	SchemeExact PaymentScheme = "exact"
)

func (s PaymentScheme) String() string {
	return string(s)
}

type SupportedItem struct {
	X402Version int    `json:"x402Version"`
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
}

type SupportedResponse struct {
	Kinds []SupportedItem `json:"kinds"`
}

// PaymentRequirements defines the requirements a resource server accepts for payment.
type PaymentRequirements struct {
	// Scheme of the payment protocol to use. Only "exact" is understood.
	Scheme string `json:"scheme" validate:"required,oneof=exact"`

	// Network of the blockchain to send payment on (e.g., "base-sepolia").
	Network string `json:"network" validate:"required"`

	// Maximum amount required to pay for the resource in atomic units of the asset.
	// Represented as a string because Go does not support uint256.
	MaxAmountRequired string `json:"maxAmountRequired" validate:"required,number"`

	// URL of the resource to pay for.
	Resource string `json:"resource"`

	// Description of the resource being purchased.
	Description string `json:"description"`

	// MIME type of the resource response (e.g., "application/json").
	MimeType string `json:"mimeType"`

	// Output schema of the resource response, if applicable.
	OutputSchema map[string]interface{} `json:"outputSchema,omitempty"`

	// Address to which the payment must be sent.
	PayTo string `json:"payTo" validate:"required,eth_addr"`

	// Maximum time in seconds for the resource server to respond.
	MaxTimeoutSeconds int `json:"maxTimeoutSeconds" validate:"gt=0"`

	// Address of the EIP-3009 compliant ERC20 contract.
	Asset string `json:"asset" validate:"required,eth_addr"`

	// Extra carries the EIP-712 domain "name" and "version" of the asset.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// Validate checks the fields a verifier depends on.
func (pr *PaymentRequirements) Validate() error {
	if pr.Scheme == "" {
		return fmt.Errorf("paymentRequirements.scheme is required")
	}

	if pr.Network == "" {
		return fmt.Errorf("paymentRequirements.network is required")
	}

	if pr.MaxAmountRequired == "" {
		return fmt.Errorf("paymentRequirements.maxAmountRequired is required")
	}

	if _, ok := pr.Amount(); !ok {
		return fmt.Errorf("paymentRequirements.maxAmountRequired must be a non-negative integer")
	}

	if !common.IsHexAddress(pr.PayTo) {
		return fmt.Errorf("paymentRequirements.payTo must be a hex address")
	}

	if !common.IsHexAddress(pr.Asset) {
		return fmt.Errorf("paymentRequirements.asset must be a hex address")
	}

	if pr.MaxTimeoutSeconds <= 0 {
		return fmt.Errorf("paymentRequirements.maxTimeoutSeconds must be greater than 0")
	}

	return nil
}

// Amount parses MaxAmountRequired as atomic units.
func (pr *PaymentRequirements) Amount() (*big.Int, bool) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(pr.MaxAmountRequired), 10)
	if !ok || n.Sign() < 0 {
		return nil, false
	}
	return n, true
}

// DomainInfo returns the EIP-712 domain name and version of the asset,
// falling back to the network's USDC defaults when Extra omits them.
func (pr *PaymentRequirements) DomainInfo() (name, version string) {
	if info, ok := LookupNetwork(Network(pr.Network)); ok {
		name, version = info.TokenName, info.TokenVersion
	}
	if v, ok := pr.Extra["name"].(string); ok && v != "" {
		name = v
	}
	if v, ok := pr.Extra["version"].(string); ok && v != "" {
		version = v
	}
	return name, version
}

// PaymentRequiredResponse is the body of an HTTP 402 challenge.
type PaymentRequiredResponse struct {
	// Version of the x402 payment protocol.
	X402Version int `json:"x402Version"`

	// List of payment requirements that the resource server accepts.
	Accepts []PaymentRequirements `json:"accepts"`

	// Message from the resource server indicating any processing error.
	Error string `json:"error,omitempty"`
}

// EIP3009Authorization is the TransferWithAuthorization message as it
// travels on the wire. Numbers are decimal strings, nonce is 0x-hex bytes32.
type EIP3009Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// ExactEVMPayload is the scheme-specific part of a payment for "exact" on EVM.
type ExactEVMPayload struct {
	// The 65-byte ECDSA signature (r,s,v) as 0x-hex.
	Signature     string               `json:"signature"`
	Authorization EIP3009Authorization `json:"authorization"`
}

// PaymentPayload is what a client puts, base64 encoded, in the X-PAYMENT header.
type PaymentPayload struct {
	X402Version int             `json:"x402Version"`
	Scheme      string          `json:"scheme"`
	Network     string          `json:"network"`
	Payload     ExactEVMPayload `json:"payload"`
}

// VerifyRequest represents the payload sent to a facilitator to verify a payment.
type VerifyRequest struct {
	// Version of the x402 payment protocol.
	X402Version int `json:"x402Version"`

	// Decoded payment from the client.
	PaymentPayload PaymentPayload `json:"paymentPayload"`

	// Payment requirements being verified against.
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

// Validate checks that the VerifyRequest contains all required fields.
func (v *VerifyRequest) Validate() error {
	if v.X402Version <= 0 {
		return fmt.Errorf("x402Version must be greater than 0")
	}

	if v.PaymentPayload.Payload.Signature == "" {
		return fmt.Errorf("paymentPayload.payload.signature is required")
	}

	return v.PaymentRequirements.Validate()
}

// VerifyResponse represents the facilitator's verification result.
type VerifyResponse struct {
	// Indicates whether the payment is valid.
	IsValid bool `json:"isValid"`

	// Provides a reason if the payment is invalid.
	InvalidReason string `json:"invalidReason,omitempty"`

	Payer string `json:"payer,omitempty"`

	// Ledger id of the payment once it has been recorded.
	PaymentID string `json:"paymentId,omitempty"`
}

// SettleResponse is the settlement receipt. Base64 encoded, it is the
// value of the X-PAYMENT-RESPONSE header.
type SettleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	Payer       string `json:"payer,omitempty"`
	PaymentID   string `json:"paymentId,omitempty"`

	// Replayed marks a receipt for an authorization an earlier call already
	// settled. It proves payment happened once, not that this call paid.
	Replayed bool `json:"replayed,omitempty"`
}

// Duration is a time.Duration that reads "30s" style strings from JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		*d = Duration(time.Duration(v))
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}

// ClientConfig contains configuration for a blockchain client
type ClientConfig struct {
	Network Network `json:"network" validate:"required"`

	// RPCUrl may be empty, in which case settlement runs in simulated mode.
	RPCUrl string `json:"rpcUrl,omitempty" validate:"omitempty,url"`

	// PrivateKey of the facilitator account that submits transferWithAuthorization.
	PrivateKey string   `json:"privateKey,omitempty"`
	Timeout    Duration `json:"timeout,omitempty"`
}

// X402Config contains global configuration for the x402 library
type X402Config struct {
	DefaultTimeout Duration                 `json:"defaultTimeout,omitempty"`
	RetryCount     int                      `json:"retryCount,omitempty" validate:"gte=0,lte=10"`
	RetryDelay     Duration                 `json:"retryDelay,omitempty"`
	Clients        map[Network]ClientConfig `json:"clients,omitempty" validate:"dive"`
	LogLevel       string                   `json:"logLevel,omitempty" validate:"omitempty,oneof=debug info warn error"`
	EnableMetrics  bool                     `json:"enableMetrics,omitempty"`

	// ValidityBuffer is how far in the future validBefore must lie for the
	// authorization to still be settleable.
	ValidityBuffer Duration `json:"validityBuffer,omitempty"`

	// ClockSkew is tolerated on validAfter and on the window length check.
	ClockSkew Duration `json:"clockSkew,omitempty"`

	// EnforceWindowLength rejects authorizations whose window is longer
	// than the requirement's maxTimeoutSeconds.
	EnforceWindowLength bool `json:"enforceWindowLength,omitempty"`

	// StrictAmount requires value == maxAmountRequired instead of >=.
	StrictAmount bool `json:"strictAmount,omitempty"`

	// SimulateTransfer runs an eth_call of transferWithAuthorization during verify.
	SimulateTransfer bool `json:"simulateTransfer,omitempty"`

	// WaitForReceipt blocks settlement until the transaction is mined.
	WaitForReceipt bool `json:"waitForReceipt,omitempty"`

	// LedgerDSN selects the SQLite ledger; empty keeps payments in memory.
	LedgerDSN string `json:"ledgerDsn,omitempty"`
}

// Error types
type X402Error struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *X402Error) Error() string {
	return e.Message
}

// Common error codes
const (
	ErrInvalidPayload      = "INVALID_PAYLOAD"
	ErrInvalidRequirements = "INVALID_REQUIREMENTS"
	ErrUnsupportedNetwork  = "UNSUPPORTED_NETWORK"
	ErrVerificationFailed  = "VERIFICATION_FAILED"
	ErrSettlementFailed    = "SETTLEMENT_FAILED"
	ErrNetworkError        = "NETWORK_ERROR"
	ErrConfigError         = "CONFIG_ERROR"
)
