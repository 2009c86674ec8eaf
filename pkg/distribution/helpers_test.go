package distribution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"yieldcore.com/pkg/fund"
	"yieldcore.com/pkg/idgen"
)

// newTestDB 内存 SQLite, 单连接 (多连接时 :memory: 每个连接是独立的库)
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	models := append(Models(), &fund.Balance{}, &fund.Journal{})
	require.NoError(t, db.AutoMigrate(models...))
	return db
}

func newTestIDs(t *testing.T) idgen.Generator {
	t.Helper()
	node, err := idgen.NewNode(1)
	require.NoError(t, err)
	return node
}

// testClock 可手动推进的时钟
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock(t time.Time) *testClock {
	return &testClock{t: t}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var day0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

var depositSeq atomic.Int64

// deposit 给用户充值
func deposit(t *testing.T, db *gorm.DB, userID, amount int64) {
	t.Helper()
	require.NoError(t, fund.NewBalanceRepo(db).Deposit(context.Background(), userID, amount, depositSeq.Add(1)))
}

// seedPosition 直接写入一个活跃持仓 (不动余额)
func seedPosition(t *testing.T, db *gorm.DB, id, userID, principal int64, rate string, duration int, started time.Time) *Position {
	t.Helper()
	pos := &Position{
		ID:              id,
		UserID:          userID,
		Kind:            KindInvestment,
		Principal:       principal,
		Rate:            decimal.RequireFromString(rate),
		PeriodUnit:      UnitDay,
		StartedAt:       started.UnixMilli(),
		DurationPeriods: duration,
		Status:          StatusActive,
	}
	require.NoError(t, NewPositionRepo(db).Create(context.Background(), pos))
	return pos
}

func mustPeriod(t *testing.T, unit PeriodUnit, at time.Time) Period {
	t.Helper()
	p, err := PeriodOf(unit, at, time.UTC)
	require.NoError(t, err)
	return p
}

func mustBalance(t *testing.T, db *gorm.DB, userID int64) *fund.Balance {
	t.Helper()
	b, err := fund.NewBalanceRepo(db).GetBalance(context.Background(), userID)
	require.NoError(t, err)
	require.NotNil(t, b)
	return b
}

func countRows(t *testing.T, db *gorm.DB, model any, query string, args ...any) int64 {
	t.Helper()
	var n int64
	q := db.Model(model)
	if query != "" {
		q = q.Where(query, args...)
	}
	require.NoError(t, q.Count(&n).Error)
	return n
}

// =============================================================================
// 故障注入 (GORM 回调)
// =============================================================================

// failRecordInsert 在插入指定持仓的分润记录前注入错误, times < 0 表示一直失败
type failRecordInsert struct {
	positionID int64
	err        error
	remaining  atomic.Int64
	hits       atomic.Int64
}

func injectRecordFailure(t *testing.T, db *gorm.DB, positionID int64, err error, times int64) *failRecordInsert {
	t.Helper()
	f := &failRecordInsert{positionID: positionID, err: err}
	f.remaining.Store(times)
	name := fmt.Sprintf("test:fail_record_%d", positionID)
	require.NoError(t, db.Callback().Create().Before("gorm:create").Register(name, func(tx *gorm.DB) {
		rec, ok := tx.Statement.Dest.(*DistributionRecord)
		if !ok || rec.PositionID != f.positionID {
			return
		}
		left := f.remaining.Load()
		if left == 0 {
			return
		}
		if left > 0 {
			f.remaining.Add(-1)
		}
		f.hits.Add(1)
		_ = tx.AddError(f.err)
	}))
	return f
}

// disable 之后不再注入
func (f *failRecordInsert) disable() {
	f.remaining.Store(0)
}

// injectJournalFailure 所有流水插入失败 (入账事务最后一步)
func injectJournalFailure(t *testing.T, db *gorm.DB, err error) *atomic.Bool {
	t.Helper()
	var on atomic.Bool
	on.Store(true)
	name := "test:fail_journal"
	require.NoError(t, db.Callback().Create().Before("gorm:create").Register(name, func(tx *gorm.DB) {
		if !on.Load() {
			return
		}
		if _, ok := tx.Statement.Dest.(*fund.Journal); ok {
			_ = tx.AddError(err)
		}
	}))
	return &on
}

var (
	errLocked     = errors.New("database is locked")
	errConstraint = errors.New("CHECK constraint failed: amount")
)
