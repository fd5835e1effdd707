// Package x402test builds signed payments and a scripted chain for tests.
package x402test

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/vitwit/x402-a2a/clients"
	"github.com/vitwit/x402-a2a/types"
	"github.com/vitwit/x402-a2a/utils/eip712"
)

// Well known anvil dev accounts.
const (
	PayerKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	PayTo    = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	Asset    = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
)

// PayerPrivateKey returns the key of the test payer.
func PayerPrivateKey() *ecdsa.PrivateKey {
	key, err := crypto.HexToECDSA(PayerKey)
	if err != nil {
		panic(err)
	}
	return key
}

// Payer is the address of PayerKey.
func Payer() common.Address {
	return crypto.PubkeyToAddress(PayerPrivateKey().PublicKey)
}

// Requirements are base-sepolia USDC requirements for 10000 atomic units.
func Requirements() types.PaymentRequirements {
	return types.PaymentRequirements{
		Scheme:            "exact",
		Network:           string(types.NetworkBaseSepolia),
		MaxAmountRequired: "10000",
		Resource:          "http://localhost:5404/news",
		Description:       "news feed",
		MimeType:          "application/json",
		PayTo:             PayTo,
		MaxTimeoutSeconds: 60,
		Asset:             Asset,
		Extra:             map[string]interface{}{"name": "USDC", "version": "2"},
	}
}

// AuthOption mutates the authorization before it is signed.
type AuthOption func(*types.EIP3009Authorization)

func WithValue(v string) AuthOption {
	return func(a *types.EIP3009Authorization) { a.Value = v }
}

func WithTo(to string) AuthOption {
	return func(a *types.EIP3009Authorization) { a.To = to }
}

func WithNonce(n string) AuthOption {
	return func(a *types.EIP3009Authorization) { a.Nonce = n }
}

func WithWindow(validAfter, validBefore time.Time) AuthOption {
	return func(a *types.EIP3009Authorization) {
		a.ValidAfter = strconv.FormatInt(validAfter.Unix(), 10)
		a.ValidBefore = strconv.FormatInt(validBefore.Unix(), 10)
	}
}

// Payload signs an authorization for reqs with the test payer. The window
// is [now-60s, now+maxTimeoutSeconds] unless overridden.
func Payload(t testing.TB, now time.Time, reqs types.PaymentRequirements, opts ...AuthOption) types.PaymentPayload {
	t.Helper()
	return PayloadWithKey(t, PayerPrivateKey(), now, reqs, opts...)
}

// PayloadWithKey is Payload for an arbitrary signer.
func PayloadWithKey(t testing.TB, key *ecdsa.PrivateKey, now time.Time, reqs types.PaymentRequirements, opts ...AuthOption) types.PaymentPayload {
	t.Helper()

	nonce, err := eip712.NewNonce()
	if err != nil {
		t.Fatalf("nonce: %v", err)
	}
	auth := types.EIP3009Authorization{
		From:        crypto.PubkeyToAddress(key.PublicKey).Hex(),
		To:          reqs.PayTo,
		Value:       reqs.MaxAmountRequired,
		ValidAfter:  strconv.FormatInt(now.Add(-60*time.Second).Unix(), 10),
		ValidBefore: strconv.FormatInt(now.Add(time.Duration(reqs.MaxTimeoutSeconds)*time.Second).Unix(), 10),
		Nonce:       nonce,
	}
	for _, opt := range opts {
		opt(&auth)
	}

	name, version := reqs.DomainInfo()
	sig, err := eip712.SignAuthorization(eip712.Domain{
		Name:              name,
		Version:           version,
		ChainID:           types.Network(reqs.Network).ChainID(),
		VerifyingContract: common.HexToAddress(reqs.Asset),
	}, auth, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	return types.PaymentPayload{
		X402Version: types.ProtocolVersion,
		Scheme:      reqs.Scheme,
		Network:     reqs.Network,
		Payload: types.ExactEVMPayload{
			Signature:     sig,
			Authorization: auth,
		},
	}
}

// Request wraps a freshly signed payload for reqs in a VerifyRequest.
func Request(t testing.TB, now time.Time, reqs types.PaymentRequirements, opts ...AuthOption) *types.VerifyRequest {
	t.Helper()
	return &types.VerifyRequest{
		X402Version:         types.ProtocolVersion,
		PaymentPayload:      Payload(t, now, reqs, opts...),
		PaymentRequirements: reqs,
	}
}

// Header returns a signed payload for reqs encoded as an X-PAYMENT value.
func Header(t testing.TB, now time.Time, reqs types.PaymentRequirements, opts ...AuthOption) string {
	t.Helper()
	p := Payload(t, now, reqs, opts...)
	h, err := types.EncodePaymentHeader(&p)
	if err != nil {
		t.Fatalf("encode header: %v", err)
	}
	return h
}

var _ clients.ChainClient = (*Chain)(nil)

// Chain is a scripted clients.ChainClient. Submitted transfers mark their
// nonce used, so a second submission of the same authorization reverts.
type Chain struct {
	mu sync.Mutex

	NetworkName types.Network
	Balance     *big.Int

	// Errors returned, in order, by the next SubmitTransfer calls.
	SubmitErrs []error

	SimulateErr error
	ReadErr     error
	ReceiptFail bool

	used      map[[32]byte]bool
	submitted []clients.Transfer
}

func NewChain(network types.Network) *Chain {
	return &Chain{
		NetworkName: network,
		Balance:     big.NewInt(1_000_000_000),
		used:        make(map[[32]byte]bool),
	}
}

// MarkUsed flags a nonce as consumed on chain.
func (c *Chain) MarkUsed(nonce [32]byte) {
	c.mu.Lock()
	c.used[nonce] = true
	c.mu.Unlock()
}

// Submitted returns the transfers broadcast so far.
func (c *Chain) Submitted() []clients.Transfer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]clients.Transfer(nil), c.submitted...)
}

func (c *Chain) Network() types.Network { return c.NetworkName }

func (c *Chain) ChainID(context.Context) (*big.Int, error) {
	return c.NetworkName.ChainID(), nil
}

func (c *Chain) BalanceOf(context.Context, common.Address, common.Address) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ReadErr != nil {
		return nil, c.ReadErr
	}
	return new(big.Int).Set(c.Balance), nil
}

func (c *Chain) AuthorizationState(_ context.Context, _, _ common.Address, nonce [32]byte) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ReadErr != nil {
		return false, c.ReadErr
	}
	return c.used[nonce], nil
}

func (c *Chain) SimulateTransfer(context.Context, common.Address, clients.Transfer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.SimulateErr
}

func (c *Chain) SubmitTransfer(_ context.Context, _ common.Address, t clients.Transfer) (common.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.SubmitErrs) > 0 {
		err := c.SubmitErrs[0]
		c.SubmitErrs = c.SubmitErrs[1:]
		if err != nil {
			return common.Hash{}, err
		}
	}
	if c.used[t.Authorization.Nonce] {
		return common.Hash{}, clients.ErrTransferReverted
	}
	c.used[t.Authorization.Nonce] = true
	c.submitted = append(c.submitted, t)
	return crypto.Keccak256Hash([]byte("tx"), t.Authorization.Nonce[:]), nil
}

func (c *Chain) WaitMined(_ context.Context, tx common.Hash) (*gethtypes.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ReceiptFail {
		return &gethtypes.Receipt{TxHash: tx, Status: gethtypes.ReceiptStatusFailed}, clients.ErrReceiptFailed
	}
	return &gethtypes.Receipt{TxHash: tx, Status: gethtypes.ReceiptStatusSuccessful}, nil
}

func (c *Chain) Close() {}
