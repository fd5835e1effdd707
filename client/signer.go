// Package client is the paying side of x402: it signs EIP-3009
// authorizations and retries HTTP requests that were answered with 402.
package client

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/vitwit/x402-a2a/types"
	"github.com/vitwit/x402-a2a/utils"
	"github.com/vitwit/x402-a2a/utils/eip712"
)

// validAfterSlack back-dates validAfter so small clock differences with
// the facilitator do not reject a fresh authorization.
const validAfterSlack = 60 * time.Second

var ErrCannotPay = errors.New("no acceptable payment requirements")

// Signer holds the payer key and the limits it is willing to sign for.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address

	maxAmount *big.Int
	networks  map[types.Network]bool
	assets    map[string]bool
	now       func() time.Time
}

type SignerOption func(*Signer)

// WithMaxAmount caps the atomic amount of a single authorization.
func WithMaxAmount(max *big.Int) SignerOption {
	return func(s *Signer) {
		if max != nil {
			s.maxAmount = new(big.Int).Set(max)
		}
	}
}

// WithNetworks restricts signing to the given networks.
func WithNetworks(networks ...types.Network) SignerOption {
	return func(s *Signer) {
		for _, n := range networks {
			s.networks[n] = true
		}
	}
}

// WithAssets restricts signing to the given token contracts.
func WithAssets(assets ...string) SignerOption {
	return func(s *Signer) {
		for _, a := range assets {
			s.assets[strings.ToLower(a)] = true
		}
	}
}

func WithSignerClock(now func() time.Time) SignerOption {
	return func(s *Signer) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSigner parses a hex private key, with or without 0x.
func NewSigner(hexKey string, opts ...SignerOption) (*Signer, error) {
	key, err := utils.PrivateKeyFromHex(hexKey)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	return NewSignerFromKey(key, opts...), nil
}

func NewSignerFromKey(key *ecdsa.PrivateKey, opts ...SignerOption) *Signer {
	s := &Signer{
		key:      key,
		address:  crypto.PubkeyToAddress(key.PublicKey),
		networks: make(map[types.Network]bool),
		assets:   make(map[string]bool),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Signer) Address() common.Address {
	return s.address
}

// MaxAmount returns the per-payment cap, or nil when uncapped.
func (s *Signer) MaxAmount() *big.Int {
	if s.maxAmount == nil {
		return nil
	}
	return new(big.Int).Set(s.maxAmount)
}

// CanSign reports whether reqs is something this signer will pay.
func (s *Signer) CanSign(reqs *types.PaymentRequirements) bool {
	return s.check(reqs) == nil
}

func (s *Signer) check(reqs *types.PaymentRequirements) error {
	if reqs == nil {
		return errors.New("nil requirements")
	}
	if err := reqs.Validate(); err != nil {
		return err
	}
	if reqs.Scheme != types.SchemeExact.String() {
		return fmt.Errorf("unsupported scheme %q", reqs.Scheme)
	}
	network := types.Network(reqs.Network)
	if !network.IsEVM() {
		return fmt.Errorf("unsupported network %q", reqs.Network)
	}
	if len(s.networks) > 0 && !s.networks[network] {
		return fmt.Errorf("network %s not allowed", network)
	}
	if len(s.assets) > 0 && !s.assets[strings.ToLower(reqs.Asset)] {
		return fmt.Errorf("asset %s not allowed", reqs.Asset)
	}
	amount, _ := reqs.Amount()
	if s.maxAmount != nil && amount.Cmp(s.maxAmount) > 0 {
		return fmt.Errorf("amount %s exceeds limit %s", amount, s.maxAmount)
	}
	return nil
}

// Sign authorizes a transfer of exactly maxAmountRequired to reqs.PayTo.
func (s *Signer) Sign(reqs *types.PaymentRequirements) (*types.PaymentPayload, error) {
	if err := s.check(reqs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCannotPay, err)
	}

	nonce, err := eip712.NewNonce()
	if err != nil {
		return nil, err
	}
	now := s.now()
	auth := types.EIP3009Authorization{
		From:        s.address.Hex(),
		To:          common.HexToAddress(reqs.PayTo).Hex(),
		Value:       reqs.MaxAmountRequired,
		ValidAfter:  strconv.FormatInt(now.Add(-validAfterSlack).Unix(), 10),
		ValidBefore: strconv.FormatInt(now.Add(time.Duration(reqs.MaxTimeoutSeconds)*time.Second).Unix(), 10),
		Nonce:       nonce,
	}

	name, version := reqs.DomainInfo()
	domain := eip712.Domain{
		Name:              name,
		Version:           version,
		ChainID:           types.Network(reqs.Network).ChainID(),
		VerifyingContract: common.HexToAddress(reqs.Asset),
	}
	sig, err := eip712.SignAuthorization(domain, auth, s.key)
	if err != nil {
		return nil, fmt.Errorf("sign authorization: %w", err)
	}

	return &types.PaymentPayload{
		X402Version: types.ProtocolVersion,
		Scheme:      reqs.Scheme,
		Network:     reqs.Network,
		Payload: types.ExactEVMPayload{
			Signature:     sig,
			Authorization: auth,
		},
	}, nil
}

// Choose returns the first of accepts this signer can pay.
func (s *Signer) Choose(accepts []types.PaymentRequirements) (*types.PaymentRequirements, error) {
	for i := range accepts {
		if s.CanSign(&accepts[i]) {
			r := accepts[i]
			return &r, nil
		}
	}
	return nil, ErrCannotPay
}
