package distribution

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yieldcore.com/pkg/fund"
)

func TestLedger_Credit(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	ledger := NewLedger(db, newTestIDs(t), nil)

	pos := seedPosition(t, db, 1, 10, 100000, "0.015", 10, day0)
	period := mustPeriod(t, UnitDay, day0)

	res, err := ledger.Credit(ctx, pos, period, 1500, 42, "")
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	require.NotNil(t, res.Record)
	require.NotNil(t, res.Journal)
	assert.Equal(t, 1, res.Record.PeriodIndex)
	assert.Equal(t, int64(42), res.Record.RunID)
	assert.Equal(t, fund.EventID(fund.ChangeTypeProfit, res.Record.ID), res.Journal.EventID)
	assert.Equal(t, int64(0), res.Journal.ProfitBefore)
	assert.Equal(t, int64(1500), res.Journal.ProfitAfter)

	bal := mustBalance(t, db, 10)
	assert.Equal(t, int64(1500), bal.Profit)
	assert.Equal(t, int64(1500), bal.Available)

	reloaded, err := NewPositionRepo(db).GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.PeriodsCredited)
}

func TestLedger_CreditReplay(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	ledger := NewLedger(db, newTestIDs(t), nil)

	pos := seedPosition(t, db, 1, 10, 100000, "0.015", 10, day0)
	period := mustPeriod(t, UnitDay, day0)

	first, err := ledger.Credit(ctx, pos, period, 1500, 1, "")
	require.NoError(t, err)

	// 同一个快照再入账一次: 唯一索引命中, 什么都不写
	again, err := ledger.Credit(ctx, pos, period, 1500, 2, "")
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Nil(t, again.Journal)
	assert.Equal(t, first.Record.ID, again.Record.ID)
	assert.Equal(t, int64(1), again.Record.RunID)

	assert.Equal(t, int64(1), countRows(t, db, &DistributionRecord{}, "position_id = ?", 1))
	assert.Equal(t, int64(1), countRows(t, db, &fund.Journal{}, "change_type = ?", fund.ChangeTypeProfit))
	assert.Equal(t, int64(1500), mustBalance(t, db, 10).Profit)
}

func TestLedger_CreditConcurrentSamePeriod(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	ledger := NewLedger(db, newTestIDs(t), nil)

	pos := seedPosition(t, db, 1, 10, 100000, "0.015", 10, day0)
	period := mustPeriod(t, UnitDay, day0)

	var wg sync.WaitGroup
	results := make([]*CreditResult, 8)
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snapshot := *pos
			results[i], errs[i] = ledger.Credit(ctx, &snapshot, period, 1500, int64(i+1), "")
		}(i)
	}
	wg.Wait()

	var fresh int
	for i := range results {
		require.NoError(t, errs[i])
		if !results[i].Replayed {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
	assert.Equal(t, int64(1500), mustBalance(t, db, 10).Profit)
}

func TestLedger_CreditAtomicRollback(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	ledger := NewLedger(db, newTestIDs(t), nil)

	pos := seedPosition(t, db, 1, 10, 100000, "0.015", 10, day0)
	period := mustPeriod(t, UnitDay, day0)

	// 流水写入失败 → 记录/持仓/余额全部回滚
	failing := injectJournalFailure(t, db, errLocked)
	_, err := ledger.Credit(ctx, pos, period, 1500, 1, "")
	require.Error(t, err)
	assert.True(t, IsTransient(err))

	assert.Equal(t, int64(0), countRows(t, db, &DistributionRecord{}, ""))
	assert.Equal(t, int64(0), countRows(t, db, &fund.Balance{}, ""))
	reloaded, err := NewPositionRepo(db).GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, reloaded.PeriodsCredited)

	// 故障恢复后重试成功, 只入账一次
	failing.Store(false)
	res, err := ledger.Credit(ctx, pos, period, 1500, 1, "")
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, int64(1500), mustBalance(t, db, 10).Profit)
}

func TestLedger_CreditStaleSnapshot(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	ledger := NewLedger(db, newTestIDs(t), nil)

	pos := seedPosition(t, db, 1, 10, 100000, "0.015", 10, day0)
	_, err := ledger.Credit(ctx, pos, mustPeriod(t, UnitDay, day0), 1500, 1, "")
	require.NoError(t, err)

	// 快照仍是 periods_credited=0, 下一期入账应被版本条件拦下
	stale := *pos
	_, err = ledger.Credit(ctx, &stale, mustPeriod(t, UnitDay, day0.AddDate(0, 0, 1)), 1500, 2, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStalePosition))
	assert.Equal(t, ClassTransient, ClassOf(err))
	assert.Equal(t, int64(1), countRows(t, db, &DistributionRecord{}, ""))
}

func TestLedger_CreditNotCreditable(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	ledger := NewLedger(db, newTestIDs(t), nil)

	pos := seedPosition(t, db, 1, 10, 100000, "0.015", 10, day0)
	require.NoError(t, db.Model(pos).Update("status", StatusCancelled).Error)

	_, err := ledger.Credit(ctx, pos, mustPeriod(t, UnitDay, day0), 1500, 1, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPositionNotCreditable))
	assert.True(t, errors.Is(err, ErrPositionClosed))
	assert.Equal(t, ClassIntegrity, ClassOf(err))
	assert.Equal(t, int64(0), countRows(t, db, &DistributionRecord{}, ""))
}

func TestLedger_BoundedByDuration(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	ledger := NewLedger(db, newTestIDs(t), nil)

	pos := seedPosition(t, db, 1, 10, 1000, "0.1", 2, day0)
	for d := 0; d < 2; d++ {
		cur, err := NewPositionRepo(db).GetByID(ctx, 1)
		require.NoError(t, err)
		_, err = ledger.Credit(ctx, cur, mustPeriod(t, UnitDay, day0.AddDate(0, 0, d)), 100, 1, "")
		require.NoError(t, err)
	}

	cur, err := NewPositionRepo(db).GetByID(ctx, pos.ID)
	require.NoError(t, err)
	_, err = ledger.Credit(ctx, cur, mustPeriod(t, UnitDay, day0.AddDate(0, 0, 2)), 100, 1, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPositionNotCreditable))
	assert.False(t, errors.Is(err, ErrPositionClosed))
	assert.Equal(t, int64(2), countRows(t, db, &DistributionRecord{}, ""))
	assert.Equal(t, int64(200), mustBalance(t, db, 10).Profit)
}

func TestLedger_ZeroAndNegativeAmount(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	ledger := NewLedger(db, newTestIDs(t), nil)

	pos := seedPosition(t, db, 1, 10, 1, "0.0001", 10, day0)

	_, err := ledger.Credit(ctx, pos, mustPeriod(t, UnitDay, day0), -1, 1, "")
	assert.True(t, errors.Is(err, ErrNegativeAmount))

	// 金额为 0 仍然记一期 (推进周期数), 余额不变, 流水照写
	res, err := ledger.Credit(ctx, pos, mustPeriod(t, UnitDay, day0), 0, 1, "")
	require.NoError(t, err)
	require.NotNil(t, res.Journal)
	assert.Equal(t, fund.EventID(fund.ChangeTypeProfit, res.Record.ID), res.Journal.EventID)
	assert.Equal(t, int64(0), res.Journal.Amount)
	assert.Equal(t, int64(1), countRows(t, db, &DistributionRecord{}, ""))
	assert.Equal(t, int64(1), countRows(t, db, &fund.Journal{}, "biz_id = ?", res.Record.ID))
	assert.Equal(t, int64(0), mustBalance(t, db, 10).Profit)

	diff, err := ledger.Reconcile(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(0), diff)
}

func TestLedger_Reconcile(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	ledger := NewLedger(db, newTestIDs(t), nil)

	a := seedPosition(t, db, 1, 10, 100000, "0.015", 10, day0)
	b := seedPosition(t, db, 2, 10, 20000, "0.01", 10, day0)
	period := mustPeriod(t, UnitDay, day0)
	_, err := ledger.Credit(ctx, a, period, 1500, 1, "")
	require.NoError(t, err)
	_, err = ledger.Credit(ctx, b, period, 200, 1, "")
	require.NoError(t, err)

	// 充值提现不影响累计收益
	deposit(t, db, 10, 5000)
	require.NoError(t, fund.NewBalanceRepo(db).Withdraw(ctx, 10, 3000, 77))

	diff, err := ledger.Reconcile(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(0), diff)

	sum, err := ledger.SumByUser(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1700), sum)
	assert.Equal(t, int64(1700+5000-3000), mustBalance(t, db, 10).Available)

	records, err := ledger.ListRecords(ctx, 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
}
