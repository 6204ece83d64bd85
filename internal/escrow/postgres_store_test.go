//go:build integration

package escrow

import (
	"context"
	"sync"
	"testing"

	"github.com/mbd888/milestonepay/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPostgresStore(t *testing.T) Store {
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)
	return NewPostgresStore(db)
}

func TestPostgresStore_Contract(t *testing.T) {
	testStoreContract(t, newPostgresStore)
}

func TestPostgresStore_AmountsRoundTrip(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	o, ms := fixtureOrder("ord_amounts", 1)
	o.TotalAmount = "1000.000001"
	o.PlatformFeeAmount = "25"
	ms[0].Amount = "487.500001"
	require.NoError(t, s.CreateOrder(ctx, o, ms, nil))

	got, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "1000.000001", got.TotalAmount)
	assert.Equal(t, "25", got.PlatformFeeAmount, "NUMERIC scale is trimmed")

	rows, err := s.ListMilestones(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "487.500001", rows[0].Amount)
}

func TestPostgresStore_LargeEscrowOrderID(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	o, ms := fixtureOrder("ord_big", ^uint64(0))
	require.NoError(t, s.CreateOrder(ctx, o, ms, nil))

	got, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, ^uint64(0), got.EscrowOrderID)
}

func TestPostgresStore_ConcurrentDisputesOneWins(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	o, ms := fixtureOrder("ord_race", 2)
	require.NoError(t, s.CreateOrder(ctx, o, ms, nil))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		created  int
		rejected int
	)
	for i := range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := fixtureDispute("dsp_race_"+string(rune('a'+i)), o.ID)
			_, err := s.CreateDispute(ctx, d, nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case assert.ErrorIs(t, err, ErrDisputeAlreadyOpen):
				rejected++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, created)
	assert.Equal(t, 4, rejected)

	got, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
}
