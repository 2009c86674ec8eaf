package distribution

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGuard(t *testing.T, store LockStore, clock *testClock) *Guard {
	t.Helper()
	g := NewGuard(store, GuardConfig{StaleAfter: 30 * time.Minute, ManualCooldown: 10 * time.Minute}, nil)
	g.now = clock.Now
	return g
}

// runGuardRules 两种存储实现共用的准入规则用例
func runGuardRules(t *testing.T, newStore func(t *testing.T) LockStore) {
	ctx := context.Background()
	const key = "2026-01-01"

	t.Run("first admit then in_progress", func(t *testing.T) {
		clock := newTestClock(day0)
		g := newTestGuard(t, newStore(t), clock)

		adm, err := g.Admit(ctx, KindInvestment, key, TriggerScheduled, "", 1)
		require.NoError(t, err)
		assert.True(t, adm.Admitted)
		assert.Equal(t, 1, adm.Lock.Attempt)

		adm, err = g.Admit(ctx, KindInvestment, key, TriggerManual, "admin", 2)
		require.NoError(t, err)
		assert.False(t, adm.Admitted)
		assert.Equal(t, ReasonInProgress, adm.Reason)
		assert.Equal(t, int64(1), adm.Lock.RunID)

		// 不同类型互不影响
		adm, err = g.Admit(ctx, KindLiveTrade, key, TriggerScheduled, "", 3)
		require.NoError(t, err)
		assert.True(t, adm.Admitted)
	})

	t.Run("stale in_progress is taken over", func(t *testing.T) {
		clock := newTestClock(day0)
		g := newTestGuard(t, newStore(t), clock)

		first, err := g.Admit(ctx, KindInvestment, key, TriggerScheduled, "", 1)
		require.NoError(t, err)
		require.True(t, first.Admitted)

		clock.Advance(31 * time.Minute)
		adm, err := g.Admit(ctx, KindInvestment, key, TriggerScheduled, "", 2)
		require.NoError(t, err)
		assert.True(t, adm.Admitted)
		assert.Equal(t, "takeover", adm.Reason)
		assert.Equal(t, 2, adm.Lock.Attempt)

		// 被接管的运行无法再释放锁
		err = g.Release(ctx, first.Lock, LockCompleted, nil, nil)
		assert.True(t, errors.Is(err, ErrLockLost))

		require.NoError(t, g.Release(ctx, adm.Lock, LockCompleted, &RunResult{Processed: 3}, nil))
	})

	t.Run("heartbeat keeps a live run", func(t *testing.T) {
		clock := newTestClock(day0)
		g := newTestGuard(t, newStore(t), clock)

		first, err := g.Admit(ctx, KindInvestment, key, TriggerScheduled, "", 1)
		require.NoError(t, err)
		require.True(t, first.Admitted)

		// 开始 40 分钟后仍在续期, 不会被接管
		clock.Advance(20 * time.Minute)
		require.NoError(t, g.Heartbeat(ctx, first.Lock))
		clock.Advance(20 * time.Minute)
		require.NoError(t, g.Heartbeat(ctx, first.Lock))
		assert.Equal(t, day0.Add(40*time.Minute).UnixMilli(), first.Lock.HeartbeatAt)

		clock.Advance(29 * time.Minute)
		adm, err := g.Admit(ctx, KindInvestment, key, TriggerManual, "admin", 2)
		require.NoError(t, err)
		assert.False(t, adm.Admitted)
		assert.Equal(t, ReasonInProgress, adm.Reason)
		assert.Equal(t, first.Lock.HeartbeatAt, adm.Lock.HeartbeatAt)

		// 停止续期超过 StaleAfter 才接管
		clock.Advance(2 * time.Minute)
		adm, err = g.Admit(ctx, KindInvestment, key, TriggerManual, "admin", 3)
		require.NoError(t, err)
		assert.True(t, adm.Admitted)
		assert.Equal(t, "takeover", adm.Reason)

		// 被接管后续期失败
		err = g.Heartbeat(ctx, first.Lock)
		assert.True(t, errors.Is(err, ErrLockLost))
		assert.Equal(t, ClassTransient, ClassOf(err))
		require.NoError(t, g.Heartbeat(ctx, adm.Lock))
	})

	t.Run("failed is re-admitted", func(t *testing.T) {
		clock := newTestClock(day0)
		g := newTestGuard(t, newStore(t), clock)

		adm, err := g.Admit(ctx, KindInvestment, key, TriggerScheduled, "", 1)
		require.NoError(t, err)
		require.NoError(t, g.Release(ctx, adm.Lock, LockFailed, nil, errors.New("boom")))

		adm, err = g.Admit(ctx, KindInvestment, key, TriggerScheduled, "", 2)
		require.NoError(t, err)
		assert.True(t, adm.Admitted)
		assert.Empty(t, adm.Reason)
	})

	t.Run("completed: scheduled rejected, manual after cooldown", func(t *testing.T) {
		clock := newTestClock(day0)
		g := newTestGuard(t, newStore(t), clock)

		adm, err := g.Admit(ctx, KindInvestment, key, TriggerScheduled, "", 1)
		require.NoError(t, err)
		require.NoError(t, g.Release(ctx, adm.Lock, LockCompleted, &RunResult{Processed: 5, TotalAmount: 7500}, nil))

		adm, err = g.Admit(ctx, KindInvestment, key, TriggerScheduled, "", 2)
		require.NoError(t, err)
		assert.False(t, adm.Admitted)
		assert.Equal(t, ReasonAlreadyCompleted, adm.Reason)
		assert.Equal(t, 5, adm.Lock.Processed)
		assert.Equal(t, int64(7500), adm.Lock.TotalAmount)

		clock.Advance(5 * time.Minute)
		adm, err = g.Admit(ctx, KindInvestment, key, TriggerManual, "admin", 3)
		require.NoError(t, err)
		assert.False(t, adm.Admitted)
		assert.Equal(t, ReasonCooldown, adm.Reason)

		clock.Advance(6 * time.Minute)
		adm, err = g.Admit(ctx, KindInvestment, key, TriggerManual, "admin", 4)
		require.NoError(t, err)
		assert.True(t, adm.Admitted)
		assert.Equal(t, TriggerManual, adm.Lock.Trigger)
		assert.Equal(t, "admin", adm.Lock.Operator)
	})

	t.Run("status", func(t *testing.T) {
		clock := newTestClock(day0)
		g := newTestGuard(t, newStore(t), clock)

		adm, err := g.Admit(ctx, KindInvestment, "2026-01-01", TriggerScheduled, "", 1)
		require.NoError(t, err)
		clock.Advance(time.Minute)
		require.NoError(t, g.Release(ctx, adm.Lock, LockCompleted, nil, nil))

		clock.Advance(24 * time.Hour)
		_, err = g.Admit(ctx, KindInvestment, "2026-01-02", TriggerScheduled, "", 2)
		require.NoError(t, err)

		running, last, err := g.Status(ctx, KindInvestment)
		require.NoError(t, err)
		require.Len(t, running, 1)
		assert.Equal(t, "2026-01-02", running[0].PeriodKey)
		require.NotNil(t, last)
		assert.Equal(t, "2026-01-01", last.PeriodKey)

		running, last, err = g.Status(ctx, KindLiveTrade)
		require.NoError(t, err)
		assert.Empty(t, running)
		assert.Nil(t, last)
	})

	t.Run("status: late backfill is not the last period", func(t *testing.T) {
		clock := newTestClock(day0.AddDate(0, 0, 5))
		g := newTestGuard(t, newStore(t), clock)

		for i, key := range []string{"2026-01-05", "2026-01-02"} {
			adm, err := g.Admit(ctx, KindInvestment, key, TriggerManual, "ops", int64(i+1))
			require.NoError(t, err)
			require.True(t, adm.Admitted)
			clock.Advance(time.Minute)
			require.NoError(t, g.Release(ctx, adm.Lock, LockCompleted, nil, nil))
		}

		_, last, err := g.Status(ctx, KindInvestment)
		require.NoError(t, err)
		require.NotNil(t, last)
		assert.Equal(t, "2026-01-05", last.PeriodKey)
	})

	t.Run("concurrent admits: exactly one wins", func(t *testing.T) {
		clock := newTestClock(day0)
		g := newTestGuard(t, newStore(t), clock)

		var admitted atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				trigger := TriggerScheduled
				if i%2 == 1 {
					trigger = TriggerManual
				}
				adm, err := g.Admit(ctx, KindInvestment, key, trigger, "", int64(100+i))
				assert.NoError(t, err)
				if err == nil && adm.Admitted {
					admitted.Add(1)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(1), admitted.Load())
	})
}

func TestGuard_GormStore(t *testing.T) {
	runGuardRules(t, func(t *testing.T) LockStore {
		return NewGormLockStore(newTestDB(t))
	})
}

func TestGormLockStore_CompareAndSwap(t *testing.T) {
	store := NewGormLockStore(newTestDB(t))
	ctx := context.Background()

	lock := &RunLock{Kind: KindInvestment, PeriodKey: "2026-01-01", RunID: 1, Status: LockFailed, Attempt: 1}
	created, err := store.Create(ctx, lock)
	require.NoError(t, err)
	require.True(t, created)

	created, err = store.Create(ctx, lock)
	require.NoError(t, err)
	assert.False(t, created)

	next := *lock
	next.RunID, next.Status, next.Attempt = 2, LockInProgress, 2
	ok, err := store.CompareAndSwap(ctx, lock, &next)
	require.NoError(t, err)
	assert.True(t, ok)

	// 旧版本再 CAS 失败
	other := *lock
	other.RunID, other.Status, other.Attempt = 3, LockInProgress, 2
	ok, err = store.CompareAndSwap(ctx, lock, &other)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.Get(ctx, KindInvestment, "2026-01-01")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.RunID)

	missing, err := store.Get(ctx, KindInvestment, "2026-01-02")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
