package balance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreerrors "github.com/matchcore-io/matchcore/internal/errors"
	"github.com/matchcore-io/matchcore/internal/core/types"
	"github.com/matchcore-io/matchcore/pkg/money"
)

func amt(t *testing.T, s string) money.Amount {
	t.Helper()
	a, err := money.FromString(s)
	require.NoError(t, err)
	return a
}

func TestMissingEntryReadsZero(t *testing.T) {
	c := New()
	available, locked := c.Get(1, "USDT")
	assert.True(t, available.IsZero())
	assert.True(t, locked.IsZero())
}

func TestLockMovesAvailableToLocked(t *testing.T) {
	c := New()
	c.Restore(1, "USDT", amt(t, "100"), money.Zero)

	require.NoError(t, c.Lock(1, "USDT", amt(t, "40")))

	available, locked := c.Get(1, "USDT")
	assert.True(t, available.Equal(amt(t, "60")))
	assert.True(t, locked.Equal(amt(t, "40")))
}

func TestLockInsufficientFundsLeavesEntryUnchanged(t *testing.T) {
	c := New()
	c.Restore(1, "USDT", amt(t, "10"), money.Zero)

	err := c.Lock(1, "USDT", amt(t, "11"))
	require.Error(t, err)
	assert.Equal(t, coreerrors.CodeInsufficientFunds, coreerrors.GetCode(err))

	available, locked := c.Get(1, "USDT")
	assert.True(t, available.Equal(amt(t, "10")))
	assert.True(t, locked.IsZero())
}

func TestUnlockReturnsFundsToAvailable(t *testing.T) {
	c := New()
	c.Restore(1, "USDT", amt(t, "60"), amt(t, "40"))

	require.NoError(t, c.Unlock(1, "USDT", amt(t, "40")))

	available, locked := c.Get(1, "USDT")
	assert.True(t, available.Equal(amt(t, "100")))
	assert.True(t, locked.IsZero())
}

func TestUnlockMoreThanLockedIsConsistencyError(t *testing.T) {
	c := New()
	c.Restore(1, "USDT", money.Zero, amt(t, "10"))

	err := c.Unlock(1, "USDT", amt(t, "11"))
	require.Error(t, err)
	assert.Equal(t, coreerrors.CodeConsistency, coreerrors.GetCode(err))
}

func TestDebitLockedRemovesFundsFromSystem(t *testing.T) {
	c := New()
	c.Restore(1, "SOL", money.Zero, amt(t, "5"))

	require.NoError(t, c.DebitLocked(1, "SOL", amt(t, "5")))

	available, locked := c.Get(1, "SOL")
	assert.True(t, available.IsZero())
	assert.True(t, locked.IsZero())
}

func TestCreditAvailableAddsFunds(t *testing.T) {
	c := New()
	c.CreditAvailable(1, "SOL", amt(t, "3"))
	c.CreditAvailable(1, "SOL", amt(t, "2"))

	available, _ := c.Get(1, "SOL")
	assert.True(t, available.Equal(amt(t, "5")))
}

func TestConservationAcrossLockUnlockDebitCredit(t *testing.T) {
	c := New()
	c.Restore(1, "USDT", amt(t, "1000"), money.Zero)
	c.Restore(2, "USDT", amt(t, "500"), money.Zero)

	require.NoError(t, c.Lock(1, "USDT", amt(t, "100")))
	require.NoError(t, c.DebitLocked(1, "USDT", amt(t, "100")))
	c.CreditAvailable(2, "USDT", amt(t, "100"))

	a1, l1 := c.Get(1, "USDT")
	a2, l2 := c.Get(2, "USDT")
	total := a1.Add(l1).Add(a2).Add(l2)
	assert.True(t, total.Equal(amt(t, "1500")), "total ownership must be conserved")
}

func TestApplyAvailableDeltaRejectsNegativeResult(t *testing.T) {
	c := New()
	c.Restore(1, "USDT", amt(t, "5"), money.Zero)

	err := c.ApplyAvailableDelta(1, "USDT", amt(t, "-10"))
	require.Error(t, err)
	assert.Equal(t, coreerrors.CodeInsufficientFunds, coreerrors.GetCode(err))
}

func TestApplyRawDeltaBypassesInvariantChecks(t *testing.T) {
	c := New()
	c.ApplyRawDelta(1, "USDT", amt(t, "-5"), amt(t, "5"))

	available, locked := c.Get(1, "USDT")
	assert.True(t, available.Equal(amt(t, "-5")), "replay trusts the log without re-validating it")
	assert.True(t, locked.Equal(amt(t, "5")))
}

func TestSnapshotIsACopy(t *testing.T) {
	c := New()
	c.Restore(1, "USDT", amt(t, "10"), money.Zero)

	snap := c.Snapshot()
	snap[1]["USDT"] = types.BalanceEntry{}

	available, _ := c.Get(1, "USDT")
	assert.True(t, available.Equal(amt(t, "10")), "mutating the snapshot must not affect the cache")
}
