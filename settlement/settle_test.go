package settlement

import (
	"context"
	"errors"
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
	"github.com/vitwit/x402-a2a/verification"
)

var testNow = time.Unix(1_760_000_000, 0)

type fixture struct {
	settler *SettlementService
	store   *ledger.MemoryStore
	chain   *x402test.Chain
}

func newFixture(t *testing.T, withChain bool, cfg Config) *fixture {
	t.Helper()

	store := ledger.NewMemoryStore()
	v := verification.NewVerificationService(verification.Config{
		Ledger: store,
		Now:    func() time.Time { return testNow },
	})
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Millisecond
	}
	s := NewSettlementService(v, cfg)

	f := &fixture{settler: s, store: store}
	if withChain {
		f.chain = x402test.NewChain(types.NetworkBaseSepolia)
		require.NoError(t, v.AddEVMClient(types.NetworkBaseSepolia, f.chain))
		require.NoError(t, s.AddEVMClient(types.NetworkBaseSepolia, f.chain))
	}
	return f
}

func TestSettleSubmitsOnce(t *testing.T) {
	f := newFixture(t, true, Config{})
	ctx := context.Background()
	req := x402test.Request(t, testNow, x402test.Requirements())

	first, err := f.settler.Settle(ctx, req)
	require.NoError(t, err)
	require.True(t, first.Success, first.ErrorReason)
	assert.NotEmpty(t, first.Transaction)
	assert.Equal(t, "base-sepolia", first.Network)
	assert.Equal(t, x402test.Payer().Hex(), first.Payer)

	p, err := f.store.Get(ctx, first.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateSettled, p.State)
	assert.Equal(t, first.Transaction, p.TxHash)

	second, err := f.settler.Settle(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Replayed)
	assert.True(t, second.Replayed)
	second.Replayed = false
	assert.Equal(t, first, second)
	assert.Len(t, f.chain.Submitted(), 1)
}

func TestSettleReplayChecksRequirements(t *testing.T) {
	f := newFixture(t, true, Config{})
	ctx := context.Background()
	req := x402test.Request(t, testNow, x402test.Requirements())

	first, err := f.settler.Settle(ctx, req)
	require.NoError(t, err)
	require.True(t, first.Success, first.ErrorReason)

	redirected := *req
	redirected.PaymentRequirements.PayTo = "0x000000000000000000000000000000000000dEaD"
	redirected.PaymentRequirements.MaxAmountRequired = "999999999"
	res, err := f.settler.Settle(ctx, &redirected)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, types.ReasonRecipientMismatch, res.ErrorReason)
	assert.Empty(t, res.Transaction)

	pricier := *req
	pricier.PaymentRequirements.MaxAmountRequired = "999999999"
	res, err = f.settler.Settle(ctx, &pricier)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, types.ReasonAuthorizationValue, res.ErrorReason)
	assert.Empty(t, res.Transaction)

	assert.Len(t, f.chain.Submitted(), 1)
}

func TestSettleConcurrentCallersSubmitOnce(t *testing.T) {
	f := newFixture(t, true, Config{})
	req := x402test.Request(t, testNow, x402test.Requirements())

	var wg sync.WaitGroup
	results := make([]*types.SettleResponse, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.settler.Settle(context.Background(), req)
			if err == nil {
				results[i] = res
			}
		}()
	}
	wg.Wait()

	assert.Len(t, f.chain.Submitted(), 1)
	var tx string
	for _, r := range results {
		require.NotNil(t, r)
		if r.Success {
			if tx == "" {
				tx = r.Transaction
			}
			assert.Equal(t, tx, r.Transaction)
			continue
		}
		assert.Contains(t, []string{types.ReasonSettlementInProgress, types.ReasonNonceAlreadyUsed}, r.ErrorReason)
	}
	assert.NotEmpty(t, tx)
}

func TestSettleRejectsInvalidPayment(t *testing.T) {
	f := newFixture(t, true, Config{})
	req := x402test.Request(t, testNow, x402test.Requirements(), x402test.WithValue("1"))

	res, err := f.settler.Settle(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, types.ReasonAuthorizationValue, res.ErrorReason)
	assert.Empty(t, f.chain.Submitted())
}

func TestSettleRetriesTransientErrors(t *testing.T) {
	f := newFixture(t, true, Config{RetryCount: 2})
	f.chain.SubmitErrs = []error{errors.New("503 service unavailable"), errors.New("connection reset by peer")}

	res, err := f.settler.Settle(context.Background(), x402test.Request(t, testNow, x402test.Requirements()))
	require.NoError(t, err)
	assert.True(t, res.Success, res.ErrorReason)
	assert.Len(t, f.chain.Submitted(), 1)
}

func TestSettleRevertIsNotRetried(t *testing.T) {
	f := newFixture(t, true, Config{RetryCount: 3})
	f.chain.SubmitErrs = []error{clients.ErrTransferReverted}
	ctx := context.Background()
	req := x402test.Request(t, testNow, x402test.Requirements())

	res, err := f.settler.Settle(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, types.ReasonSettlementFailed, res.ErrorReason)
	require.NotEmpty(t, res.PaymentID)

	p, err := f.store.Get(ctx, res.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateFailed, p.State)

	// a failed authorization is not resubmitted
	again, err := f.settler.Settle(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, types.ReasonSettlementFailed, again.ErrorReason)
	assert.Empty(t, f.chain.Submitted())
}

func TestSettleRetriesExhausted(t *testing.T) {
	f := newFixture(t, true, Config{RetryCount: 1})
	f.chain.SubmitErrs = []error{errors.New("timeout"), errors.New("timeout"), errors.New("timeout")}

	res, err := f.settler.Settle(context.Background(), x402test.Request(t, testNow, x402test.Requirements()))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Empty(t, f.chain.Submitted())
}

func TestSettleWaitForReceipt(t *testing.T) {
	f := newFixture(t, true, Config{WaitForReceipt: true})
	f.chain.ReceiptFail = true

	res, err := f.settler.Settle(context.Background(), x402test.Request(t, testNow, x402test.Requirements()))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, types.ReasonSettlementFailed, res.ErrorReason)
}

func TestSettleSimulatedIsDeterministic(t *testing.T) {
	f := newFixture(t, false, Config{})
	req := x402test.Request(t, testNow, x402test.Requirements())

	res, err := f.settler.Settle(context.Background(), req)
	require.NoError(t, err)
	require.True(t, res.Success, res.ErrorReason)

	nonce, err := eip712.HexToBytes32(req.PaymentPayload.Payload.Authorization.Nonce)
	require.NoError(t, err)
	sig, err := eip712.DecodeSignature(req.PaymentPayload.Payload.Signature)
	require.NoError(t, err)
	want := SimulatedTxHash(clients.Transfer{Signature: sig, Authorization: eip712.Authorization{Nonce: nonce}})
	assert.Equal(t, want.Hex(), res.Transaction)
}

func TestSettleExpiredReplay(t *testing.T) {
	f := newFixture(t, false, Config{})
	ctx := context.Background()
	req := x402test.Request(t, testNow, x402test.Requirements())

	v, err := f.settler.verifier.Verify(ctx, req)
	require.NoError(t, err)
	require.True(t, v.IsValid)

	n, err := f.store.ExpireBefore(ctx, testNow.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	res, err := f.settler.Settle(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, types.ReasonValidBefore, res.ErrorReason)
}

func TestBatchSettle(t *testing.T) {
	f := newFixture(t, true, Config{})
	reqs := []*types.VerifyRequest{
		x402test.Request(t, testNow, x402test.Requirements()),
		nil,
		x402test.Request(t, testNow, x402test.Requirements()),
	}

	results, err := f.settler.BatchSettle(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.True(t, results[0].Success)
	assert.Equal(t, types.ReasonInvalidPayload, results[1].ErrorReason)
	assert.True(t, results[2].Success)
	assert.NotEqual(t, results[0].Transaction, results[2].Transaction)
}
