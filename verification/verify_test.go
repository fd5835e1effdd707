package verification

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/x402-a2a/clients"
	"github.com/vitwit/x402-a2a/internal/x402test"
	"github.com/vitwit/x402-a2a/ledger"
	"github.com/vitwit/x402-a2a/types"
	"github.com/vitwit/x402-a2a/utils/eip712"
)

var testNow = time.Unix(1_760_000_000, 0)

func newService(p Policy) (*VerificationService, *ledger.MemoryStore) {
	store := ledger.NewMemoryStore()
	s := NewVerificationService(Config{
		Policy: p,
		Ledger: store,
		Now:    func() time.Time { return testNow },
	})
	return s, store
}

func TestVerifyValidPaymentIsRecorded(t *testing.T) {
	s, store := newService(Policy{})
	req := x402test.Request(t, testNow, x402test.Requirements())

	res, err := s.Verify(context.Background(), req)
	require.NoError(t, err)
	require.True(t, res.IsValid, res.InvalidReason)
	assert.Equal(t, x402test.Payer().Hex(), res.Payer)
	require.NotEmpty(t, res.PaymentID)

	p, err := store.Get(context.Background(), res.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateVerified, p.State)
	assert.Equal(t, "10000", p.Value)

	// re-verifying the same authorization is allowed and keeps the record
	again, err := s.Verify(context.Background(), req)
	require.NoError(t, err)
	require.True(t, again.IsValid)
	assert.Equal(t, res.PaymentID, again.PaymentID)
}

func TestVerifyRejections(t *testing.T) {
	base := x402test.Requirements()

	cases := []struct {
		name   string
		policy Policy
		mutate func(*types.VerifyRequest)
		reason string
	}{
		{
			name:   "version",
			mutate: func(r *types.VerifyRequest) { r.PaymentPayload.X402Version = 2 },
			reason: types.ReasonInvalidX402Version,
		},
		{
			name:   "scheme",
			mutate: func(r *types.VerifyRequest) { r.PaymentPayload.Scheme = "upto" },
			reason: types.ReasonInvalidScheme,
		},
		{
			name:   "network mismatch",
			mutate: func(r *types.VerifyRequest) { r.PaymentPayload.Network = "base" },
			reason: types.ReasonInvalidNetwork,
		},
		{
			name: "unknown network",
			mutate: func(r *types.VerifyRequest) {
				r.PaymentPayload.Network = "solana"
				r.PaymentRequirements.Network = "solana"
			},
			reason: types.ReasonInvalidNetwork,
		},
		{
			name:   "bad requirements",
			mutate: func(r *types.VerifyRequest) { r.PaymentRequirements.MaxTimeoutSeconds = 0 },
			reason: types.ReasonInvalidRequirements,
		},
		{
			name:   "bad nonce",
			mutate: func(r *types.VerifyRequest) { r.PaymentPayload.Payload.Authorization.Nonce = "0x01" },
			reason: types.ReasonInvalidPayload,
		},
		{
			name:   "short signature",
			mutate: func(r *types.VerifyRequest) { r.PaymentPayload.Payload.Signature = "0x1234" },
			reason: types.ReasonInvalidSignature,
		},
		{
			name:   "recipient",
			mutate: func(r *types.VerifyRequest) { r.PaymentRequirements.PayTo = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C" },
			reason: types.ReasonRecipientMismatch,
		},
		{
			name:   "amount below required",
			mutate: func(r *types.VerifyRequest) { r.PaymentRequirements.MaxAmountRequired = "20000" },
			reason: types.ReasonAuthorizationValue,
		},
		{
			name:   "tampered value",
			mutate: func(r *types.VerifyRequest) { r.PaymentPayload.Payload.Authorization.Value = "99999" },
			reason: types.ReasonInvalidSignature,
		},
		{
			name:   "wrong domain",
			mutate: func(r *types.VerifyRequest) { r.PaymentRequirements.Extra = map[string]interface{}{"name": "USD Coin"} },
			reason: types.ReasonInvalidSignature,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, store := newService(tc.policy)
			req := x402test.Request(t, testNow, base)
			tc.mutate(req)

			res, err := s.Verify(context.Background(), req)
			require.NoError(t, err)
			assert.False(t, res.IsValid)
			assert.Equal(t, tc.reason, res.InvalidReason)

			all, err := store.List(context.Background(), ledger.Filter{})
			require.NoError(t, err)
			assert.Empty(t, all)
		})
	}
}

func TestVerifyStrictAmount(t *testing.T) {
	s, _ := newService(Policy{StrictAmount: true})
	req := x402test.Request(t, testNow, x402test.Requirements(), x402test.WithValue("10001"))

	res, err := s.Verify(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, types.ReasonAuthorizationValue, res.InvalidReason)

	s, _ = newService(Policy{})
	res, err = s.Verify(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.IsValid)
}

func TestVerifyWindow(t *testing.T) {
	reqs := x402test.Requirements()

	cases := []struct {
		name       string
		policy     Policy
		after      time.Time
		before     time.Time
		wantValid  bool
		wantReason string
	}{
		{name: "not yet valid", after: testNow.Add(time.Minute), before: testNow.Add(2 * time.Minute), wantReason: types.ReasonValidAfter},
		{name: "skew tolerated", policy: Policy{ClockSkew: 2 * time.Minute}, after: testNow.Add(time.Minute), before: testNow.Add(2 * time.Minute), wantValid: true},
		{name: "expired", after: testNow.Add(-time.Hour), before: testNow.Add(-time.Second), wantReason: types.ReasonValidBefore},
		{name: "inside buffer", after: testNow.Add(-time.Hour), before: testNow.Add(5 * time.Second), wantReason: types.ReasonValidBefore},
		{name: "just outside buffer", after: testNow.Add(-time.Hour), before: testNow.Add(7 * time.Second), wantValid: true},
		{name: "long window allowed", after: testNow.Add(-time.Hour), before: testNow.Add(time.Hour), wantValid: true},
		{name: "long window enforced", policy: Policy{EnforceWindowLength: true}, after: testNow.Add(-time.Hour), before: testNow.Add(time.Hour), wantReason: types.ReasonWindowTooLong},
		{name: "window within timeout", policy: Policy{EnforceWindowLength: true}, after: testNow.Add(-time.Hour), before: testNow.Add(time.Minute), wantValid: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, _ := newService(tc.policy)
			req := x402test.Request(t, testNow, reqs, x402test.WithWindow(tc.after, tc.before))

			res, err := s.Verify(context.Background(), req)
			require.NoError(t, err)
			assert.Equal(t, tc.wantValid, res.IsValid)
			assert.Equal(t, tc.wantReason, res.InvalidReason)
		})
	}
}

func TestVerifyRejectsNonceReuse(t *testing.T) {
	s, store := newService(Policy{})
	ctx := context.Background()

	first := x402test.Request(t, testNow, x402test.Requirements())
	res, err := s.Verify(ctx, first)
	require.NoError(t, err)
	require.True(t, res.IsValid)

	// same nonce, different value: a new signature over the same nonce
	second := x402test.Request(t, testNow, x402test.Requirements(),
		x402test.WithNonce(first.PaymentPayload.Payload.Authorization.Nonce),
		x402test.WithValue("20000"))
	res2, err := s.Verify(ctx, second)
	require.NoError(t, err)
	assert.False(t, res2.IsValid)
	assert.Equal(t, types.ReasonNonceAlreadyUsed, res2.InvalidReason)

	// the same authorization after settlement
	_, err = ledger.Reserve(ctx, store, res.PaymentID)
	require.NoError(t, err)
	res3, err := s.Verify(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, types.ReasonSettlementInProgress, res3.InvalidReason)

	_, err = ledger.MarkSettled(ctx, store, res.PaymentID, "0xtx")
	require.NoError(t, err)
	res4, err := s.Verify(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, types.ReasonNonceAlreadyUsed, res4.InvalidReason)
}

func TestVerifyConcurrentSameNonceHasOneRecord(t *testing.T) {
	s, store := newService(Policy{})
	req := x402test.Request(t, testNow, x402test.Requirements())

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.Verify(context.Background(), req)
			if err == nil && res.IsValid {
				ids[i] = res.PaymentID
			}
		}()
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	all, err := store.List(context.Background(), ledger.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestVerifyChainChecks(t *testing.T) {
	ctx := context.Background()

	t.Run("balance", func(t *testing.T) {
		s, _ := newService(Policy{})
		chain := x402test.NewChain(types.NetworkBaseSepolia)
		chain.Balance = big.NewInt(10)
		require.NoError(t, s.AddEVMClient(types.NetworkBaseSepolia, chain))

		res, err := s.Verify(ctx, x402test.Request(t, testNow, x402test.Requirements()))
		require.NoError(t, err)
		assert.Equal(t, types.ReasonInsufficientFunds, res.InvalidReason)
	})

	t.Run("nonce used on chain", func(t *testing.T) {
		s, _ := newService(Policy{})
		chain := x402test.NewChain(types.NetworkBaseSepolia)
		require.NoError(t, s.AddEVMClient(types.NetworkBaseSepolia, chain))

		req := x402test.Request(t, testNow, x402test.Requirements())
		nonce, err := eip712.HexToBytes32(req.PaymentPayload.Payload.Authorization.Nonce)
		require.NoError(t, err)
		chain.MarkUsed(nonce)

		res, err := s.Verify(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, types.ReasonNonceAlreadyUsed, res.InvalidReason)
	})

	t.Run("simulation revert", func(t *testing.T) {
		s, _ := newService(Policy{SimulateTransfer: true})
		chain := x402test.NewChain(types.NetworkBaseSepolia)
		chain.SimulateErr = clients.ErrTransferReverted
		require.NoError(t, s.AddEVMClient(types.NetworkBaseSepolia, chain))

		res, err := s.Verify(ctx, x402test.Request(t, testNow, x402test.Requirements()))
		require.NoError(t, err)
		assert.Equal(t, types.ReasonTransactionSimulated, res.InvalidReason)
	})

	t.Run("rpc down", func(t *testing.T) {
		s, _ := newService(Policy{})
		chain := x402test.NewChain(types.NetworkBaseSepolia)
		chain.ReadErr = errors.New("dial tcp: connection refused")
		require.NoError(t, s.AddEVMClient(types.NetworkBaseSepolia, chain))

		_, err := s.Verify(ctx, x402test.Request(t, testNow, x402test.Requirements()))
		var xErr *types.X402Error
		require.True(t, errors.As(err, &xErr))
		assert.Equal(t, types.ErrNetworkError, xErr.Code)
	})
}

func TestQuickVerifySkipsLedger(t *testing.T) {
	s, store := newService(Policy{})
	res, err := s.QuickVerify(x402test.Request(t, testNow, x402test.Requirements()))
	require.NoError(t, err)
	assert.True(t, res.IsValid)
	assert.Empty(t, res.PaymentID)

	all, err := store.List(context.Background(), ledger.Filter{})
	require.NoError(t, err)
	assert.Empty(t, all)

	res, err = s.QuickVerify(nil)
	require.NoError(t, err)
	assert.Equal(t, types.ReasonInvalidPayload, res.InvalidReason)
}

func TestBatchVerifyPreservesOrder(t *testing.T) {
	s, _ := newService(Policy{})
	reqs := []*types.VerifyRequest{
		x402test.Request(t, testNow, x402test.Requirements()),
		x402test.Request(t, testNow, x402test.Requirements(), x402test.WithValue("1")),
		x402test.Request(t, testNow, x402test.Requirements()),
	}

	results, err := s.BatchVerify(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.True(t, results[0].IsValid)
	assert.Equal(t, types.ReasonAuthorizationValue, results[1].InvalidReason)
	assert.True(t, results[2].IsValid)
	assert.NotEqual(t, results[0].PaymentID, results[2].PaymentID)
}

func TestPaymentKey(t *testing.T) {
	req := x402test.Request(t, testNow, x402test.Requirements())
	key, err := PaymentKey(req)
	require.NoError(t, err)
	assert.Equal(t, "base-sepolia", key.Network)
	assert.Equal(t, "0x036cbd53842c5426634e7929541ec2318f3dcf7e", key.Asset)

	req.PaymentPayload.Payload.Authorization.Nonce = "0x12"
	_, err = PaymentKey(req)
	assert.Error(t, err)
}

func TestSupportedNetworks(t *testing.T) {
	s, _ := newService(Policy{})
	_, ok := s.Client(types.NetworkBaseSepolia)
	assert.False(t, ok)
	require.NoError(t, s.AddEVMClient(types.NetworkBaseSepolia, x402test.NewChain(types.NetworkBaseSepolia)))
	_, ok = s.Client(types.NetworkBaseSepolia)
	assert.True(t, ok)
	assert.Error(t, s.AddEVMClient("cosmoshub-4", x402test.NewChain("cosmoshub-4")))
	s.Close()
	_, ok = s.Client(types.NetworkBaseSepolia)
	assert.False(t, ok)
}

func TestMatchRecord(t *testing.T) {
	s, store := newService(Policy{})
	ctx := context.Background()
	req := x402test.Request(t, testNow, x402test.Requirements())

	res, err := s.Verify(ctx, req)
	require.NoError(t, err)
	require.True(t, res.IsValid, res.InvalidReason)
	p, err := store.Get(ctx, res.PaymentID)
	require.NoError(t, err)

	assert.Empty(t, s.MatchRecord(p, req))

	payTo := *req
	payTo.PaymentRequirements.PayTo = "0x000000000000000000000000000000000000dEaD"
	assert.Equal(t, types.ReasonRecipientMismatch, s.MatchRecord(p, &payTo))

	amount := *req
	amount.PaymentRequirements.MaxAmountRequired = "999999999"
	assert.Equal(t, types.ReasonAuthorizationValue, s.MatchRecord(p, &amount))

	value := *req
	value.PaymentPayload.Payload.Authorization.Value = "20000"
	assert.Equal(t, types.ReasonAuthorizationValue, s.MatchRecord(p, &value))

	network := *req
	network.PaymentRequirements.Network = string(types.NetworkBase)
	assert.Equal(t, types.ReasonInvalidNetwork, s.MatchRecord(p, &network))
}
