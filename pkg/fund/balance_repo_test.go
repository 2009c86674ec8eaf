package fund

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&Balance{}, &Journal{}))
	return db
}

func TestBalanceRepo_DepositWithdraw(t *testing.T) {
	repo := NewBalanceRepo(newTestDB(t))
	ctx := context.Background()

	bal, err := repo.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, bal)

	require.NoError(t, repo.Deposit(ctx, 1, 1000, 100))
	require.NoError(t, repo.Deposit(ctx, 1, 500, 101))
	require.NoError(t, repo.Withdraw(ctx, 1, 300, 200))

	bal, err = repo.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1200), bal.Available)
	assert.Equal(t, int64(0), bal.Profit)
	assert.Equal(t, int64(2), bal.Version) // 首次创建不计版本

	// 余额不足: 什么都不变
	err = repo.Withdraw(ctx, 1, 5000, 201)
	assert.True(t, errors.Is(err, ErrInsufficientBalance))

	journals, err := repo.ListJournals(ctx, 1, 10, 0)
	require.NoError(t, err)
	require.Len(t, journals, 3)
	w := journals[0]
	assert.Equal(t, ChangeTypeWithdraw, w.ChangeType)
	assert.Equal(t, int64(1500), w.AvailableBefore)
	assert.Equal(t, int64(1200), w.AvailableAfter)
	assert.Equal(t, "WITHDRAW_200", w.EventID)
}

func TestBalanceRepo_DuplicateEventRollsBack(t *testing.T) {
	repo := NewBalanceRepo(newTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Deposit(ctx, 1, 1000, 100))
	err := repo.Deposit(ctx, 1, 1000, 100)
	assert.True(t, errors.Is(err, ErrDuplicateJournal))

	bal, err := repo.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), bal.Available, "balance update must roll back with the journal")

	j, err := repo.GetJournalByEventID(ctx, "DEPOSIT_100")
	require.NoError(t, err)
	require.NotNil(t, j)
	missing, err := repo.GetJournalByEventID(ctx, "DEPOSIT_999")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestBalanceRepo_ApplyProfit(t *testing.T) {
	db := newTestDB(t)
	repo := NewBalanceRepo(db)
	ctx := context.Background()

	_, err := repo.Apply(ctx, Change{UserID: 1, ChangeType: ChangeTypeProfit, Amount: -1})
	assert.True(t, errors.Is(err, ErrInvalidAmount))
	_, err = repo.Apply(ctx, Change{UserID: 1, ChangeType: ChangeTypeCapital, Amount: 0})
	assert.True(t, errors.Is(err, ErrInvalidAmount))

	err = db.Transaction(func(tx *gorm.DB) error {
		j, err := repo.WithTx(tx).Apply(ctx, Change{
			UserID:         1,
			ChangeType:     ChangeTypeProfit,
			Amount:         1500,
			AvailableDelta: 1500,
			ProfitDelta:    1500,
			BizType:        BizTypeDistribution,
			BizID:          42,
			Operator:       "ops-1",
		})
		if err != nil {
			return err
		}
		assert.Equal(t, int64(0), j.ProfitBefore)
		assert.Equal(t, int64(1500), j.ProfitAfter)
		return nil
	})
	require.NoError(t, err)

	journals, err := repo.ListJournalsByBiz(ctx, BizTypeDistribution, 42)
	require.NoError(t, err)
	require.Len(t, journals, 1)
	assert.Equal(t, "ops-1", journals[0].Operator)
	assert.Equal(t, "PROFIT_42", journals[0].EventID)

	bal, err := repo.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), bal.Profit)
	assert.Equal(t, int64(1500), bal.Available)
}

func TestBalanceRepo_ApplyZeroProfit(t *testing.T) {
	db := newTestDB(t)
	repo := NewBalanceRepo(db)
	ctx := context.Background()

	// 0 分的分润只写审计流水, 余额不变
	j, err := repo.Apply(ctx, Change{
		UserID:     3,
		ChangeType: ChangeTypeProfit,
		Amount:     0,
		BizType:    BizTypeDistribution,
		BizID:      77,
	})
	require.NoError(t, err)
	assert.Equal(t, "PROFIT_77", j.EventID)
	assert.Equal(t, int64(0), j.Amount)
	assert.Equal(t, j.AvailableBefore, j.AvailableAfter)

	bal, err := repo.GetBalance(ctx, 3)
	require.NoError(t, err)
	require.NotNil(t, bal)
	assert.Equal(t, int64(0), bal.Available)
	assert.Equal(t, int64(0), bal.Profit)
}
