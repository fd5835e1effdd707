package ledger

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()

	sqlStore, err := OpenSQLite(context.Background(), fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlStore.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlStore,
	}
}

func newPayment(nonce string, validBefore time.Time) *Payment {
	return &Payment{
		Key:         NewKey("base-sepolia", "0x036CbD53842c5426634e7929541eC2318f3dCF7e", "0xF39Fd6e51aad88F6F4ce6aB8827279cffFb92266", nonce),
		PayTo:       "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
		Value:       "10000",
		Signature:   "0xsig",
		ValidAfter:  time.Unix(1_700_000_000, 0).UTC(),
		ValidBefore: validBefore.Truncate(time.Second).UTC(),
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StatePending, StateVerified, true},
		{StatePending, StateSettling, false},
		{StateVerified, StateVerified, true},
		{StateVerified, StateSettling, true},
		{StateSettling, StateSettled, true},
		{StateSettling, StateFailed, true},
		{StateSettling, StateVerified, false},
		{StateSettled, StateFailed, false},
		{StateFailed, StateVerified, false},
		{StateExpired, StateSettling, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.ok, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
	require.True(t, StateSettled.Terminal())
	require.False(t, StateSettling.Terminal())
	require.False(t, State("bogus").Valid())
}

func TestNewKeyNormalizes(t *testing.T) {
	a := NewKey("base", "0xABC", "0xDEF", "0xAA")
	b := NewKey(" base ", "0xabc", "0xdef", "0xaa")
	require.Equal(t, a, b)
	require.Equal(t, "base/0xabc/0xdef/0xaa", a.String())
}

func TestStoreRecordIsIdempotentPerKey(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p := newPayment("0x01", time.Now().Add(time.Hour))

			first, created, err := s.Record(ctx, p)
			require.NoError(t, err)
			require.True(t, created)
			require.NotEmpty(t, first.ID)
			require.Equal(t, StatePending, first.State)
			require.Equal(t, "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266", first.Payer)

			dup := newPayment("0x01", time.Now().Add(time.Hour))
			dup.Signature = "0xother"
			second, created, err := s.Record(ctx, dup)
			require.NoError(t, err)
			require.False(t, created)
			require.Equal(t, first.ID, second.ID)
			require.Equal(t, "0xsig", second.Signature)

			byKey, err := s.GetByKey(ctx, NewKey("base-sepolia", "0x036cbd53842c5426634e7929541ec2318f3dcf7e", "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266", "0x01"))
			require.NoError(t, err)
			require.Equal(t, first.ID, byKey.ID)
			require.Equal(t, p.ValidBefore.Unix(), byKey.ValidBefore.Unix())

			other := newPayment("0x01", time.Now().Add(time.Hour))
			other.Key.Network = "base"
			_, created, err = s.Record(ctx, other)
			require.NoError(t, err)
			require.True(t, created)
		})
	}
}

func TestStoreLifecycle(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p, _, err := s.Record(ctx, newPayment("0x02", time.Now().Add(time.Hour)))
			require.NoError(t, err)

			_, err = s.Transition(ctx, p.ID, StateVerified, Update{})
			require.NoError(t, err)
			_, err = s.Transition(ctx, p.ID, StateVerified, Update{})
			require.NoError(t, err)

			reserved, err := Reserve(ctx, s, p.ID)
			require.NoError(t, err)
			require.Equal(t, StateSettling, reserved.State)

			current, err := Reserve(ctx, s, p.ID)
			require.ErrorIs(t, err, ErrAlreadySettling)
			require.Equal(t, StateSettling, current.State)

			settled, err := MarkSettled(ctx, s, p.ID, "0xtx")
			require.NoError(t, err)
			require.Equal(t, StateSettled, settled.State)
			require.Equal(t, "0xtx", settled.TxHash)

			_, err = Reserve(ctx, s, p.ID)
			require.ErrorIs(t, err, ErrAlreadySettled)

			_, err = MarkFailed(ctx, s, p.ID, "late")
			require.ErrorIs(t, err, ErrInvalidTransition)

			_, err = s.Get(ctx, "missing")
			require.ErrorIs(t, err, ErrNotFound)
			_, err = s.Transition(ctx, "missing", StateVerified, Update{})
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreReserveHasOneWinner(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p, _, err := s.Record(ctx, newPayment("0x03", time.Now().Add(time.Hour)))
			require.NoError(t, err)
			_, err = s.Transition(ctx, p.ID, StateVerified, Update{})
			require.NoError(t, err)

			var (
				wg   sync.WaitGroup
				wins atomic.Int32
			)
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := Reserve(ctx, s, p.ID); err == nil {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()
			require.Equal(t, int32(1), wins.Load())
		})
	}
}

func TestStoreListAndExpire(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().Truncate(time.Second)

			stale, _, err := s.Record(ctx, newPayment("0x10", now.Add(-time.Minute)))
			require.NoError(t, err)
			fresh, _, err := s.Record(ctx, newPayment("0x11", now.Add(time.Hour)))
			require.NoError(t, err)
			done, _, err := s.Record(ctx, newPayment("0x12", now.Add(-time.Minute)))
			require.NoError(t, err)
			_, err = s.Transition(ctx, done.ID, StateFailed, Update{ErrorReason: "invalid_exact_evm_payload_signature"})
			require.NoError(t, err)

			n, err := s.ExpireBefore(ctx, now)
			require.NoError(t, err)
			require.Equal(t, 1, n)

			got, err := s.Get(ctx, stale.ID)
			require.NoError(t, err)
			require.Equal(t, StateExpired, got.State)

			got, err = s.Get(ctx, fresh.ID)
			require.NoError(t, err)
			require.Equal(t, StatePending, got.State)

			all, err := s.List(ctx, Filter{})
			require.NoError(t, err)
			require.Len(t, all, 3)

			failed, err := s.List(ctx, Filter{State: StateFailed})
			require.NoError(t, err)
			require.Len(t, failed, 1)
			require.Equal(t, "invalid_exact_evm_payload_signature", failed[0].ErrorReason)

			limited, err := s.List(ctx, Filter{Limit: 2, Payer: "0xF39Fd6e51aad88F6F4ce6aB8827279cffFb92266"})
			require.NoError(t, err)
			require.Len(t, limited, 2)

			none, err := s.List(ctx, Filter{Network: "polygon"})
			require.NoError(t, err)
			require.Empty(t, none)
		})
	}
}
