package types

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	// HeaderPayment carries the base64 PaymentPayload from client to server.
	HeaderPayment = "X-PAYMENT"

	// HeaderPaymentResponse carries the base64 SettleResponse back to the client.
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
)

var errEmptyHeader = errors.New("empty header")

// EncodePaymentHeader returns the X-PAYMENT value for p.
func EncodePaymentHeader(p *PaymentPayload) (string, error) {
	return encodeJSONBase64(p)
}

// DecodePaymentHeader parses an X-PAYMENT value.
func DecodePaymentHeader(header string) (*PaymentPayload, error) {
	var p PaymentPayload
	if err := decodeJSONBase64(header, &p); err != nil {
		return nil, fmt.Errorf("decode %s: %w", HeaderPayment, err)
	}
	if p.Payload.Signature == "" {
		return nil, fmt.Errorf("decode %s: missing signature", HeaderPayment)
	}
	return &p, nil
}

// EncodeSettleResponse returns the X-PAYMENT-RESPONSE value for r.
func EncodeSettleResponse(r *SettleResponse) (string, error) {
	return encodeJSONBase64(r)
}

// DecodeSettleResponse parses an X-PAYMENT-RESPONSE value.
func DecodeSettleResponse(header string) (*SettleResponse, error) {
	var r SettleResponse
	if err := decodeJSONBase64(header, &r); err != nil {
		return nil, fmt.Errorf("decode %s: %w", HeaderPaymentResponse, err)
	}
	return &r, nil
}

func encodeJSONBase64(v interface{}) (string, error) {
	bz, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(bz), nil
}

// decodeJSONBase64 accepts standard and URL-safe alphabets, padded or not.
func decodeJSONBase64(s string, v interface{}) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return errEmptyHeader
	}

	var (
		data []byte
		err  error
	)
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		data, err = enc.DecodeString(s)
		if err == nil {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("invalid base64: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}
