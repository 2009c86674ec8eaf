// 文件: pkg/distribution/ledger.go
// 分润入账
//
// 【核心保证】同一个 (持仓, 周期) 无论调用多少次, 效果都是"恰好入账一次"
//
// 【事务内三步】
// 1. 插入分润记录 (position_id, period_key) 唯一, 冲突即"已入账", 直接返回成功
// 2. 新插入时: 持仓 periods_credited + 1 (带版本条件), 余额 profit/available + amount
// 3. 写资金流水, 引用分润记录 ID (金额为 0 时只有流水, 余额不变)
//
// 任一步失败整个事务回滚: 不会出现有余额没记录, 或有记录没余额

package distribution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"yieldcore.com/pkg/fund"
	"yieldcore.com/pkg/idgen"
)

// CreditResult 入账结果
type CreditResult struct {
	Record   *DistributionRecord
	Journal  *fund.Journal // 重放时为 nil
	Replayed bool          // 该周期之前已经入过账, 本次什么都没写
}

// Ledger 分润入账
type Ledger struct {
	db       *gorm.DB
	balances *fund.BalanceRepo
	ids      idgen.Generator
	logger   *zap.Logger
	now      func() time.Time
}

// NewLedger 创建入账器
func NewLedger(db *gorm.DB, ids idgen.Generator, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		db:       db,
		balances: fund.NewBalanceRepo(db),
		ids:      ids,
		logger:   logger,
		now:      time.Now,
	}
}

// Credit 为持仓入账一个周期
//
// pos 是筛选时读到的快照, pos.PeriodsCredited 作为乐观锁版本:
// 快照过期 (其他运行已经推进了这个持仓) 返回 ErrStalePosition (可重试)
func (l *Ledger) Credit(
	ctx context.Context,
	pos *Position,
	period Period,
	amount int64,
	runID int64,
	operator string,
) (*CreditResult, error) {
	if amount < 0 {
		return nil, newError(ClassIntegrity, "ledger.credit", pos.ID, ErrNegativeAmount)
	}

	var result *CreditResult
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res, err := l.credit(ctx, tx, pos, period, amount, runID, operator)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, wrap("ledger.credit", pos.ID, err)
	}
	return result, nil
}

func (l *Ledger) credit(
	ctx context.Context,
	tx *gorm.DB,
	pos *Position,
	period Period,
	amount int64,
	runID int64,
	operator string,
) (*CreditResult, error) {
	now := l.now().UnixMilli()

	// 1. 插入分润记录 (冲突则什么都不做)
	record := &DistributionRecord{
		ID:          l.ids.NextID(),
		PositionID:  pos.ID,
		PeriodKey:   period.Key,
		Kind:        pos.Kind,
		UserID:      pos.UserID,
		PeriodIndex: pos.PeriodsCredited + 1,
		Amount:      amount,
		RunID:       runID,
		CreatedAt:   now,
	}
	res := tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "position_id"}, {Name: "period_key"}},
			DoNothing: true,
		}).
		Create(record)
	if res.Error != nil {
		return nil, fmt.Errorf("insert distribution record: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		existing, err := findRecord(ctx, tx, pos.ID, period.Key)
		if err != nil {
			return nil, err
		}
		return &CreditResult{Record: existing, Replayed: true}, nil
	}

	// 2. 推进持仓 (版本条件 + 上限条件)
	upd := tx.WithContext(ctx).
		Model(&Position{}).
		Where("id = ? AND status = ? AND periods_credited = ? AND periods_credited < duration_periods",
			pos.ID, StatusActive, pos.PeriodsCredited).
		Updates(map[string]interface{}{
			"periods_credited": gorm.Expr("periods_credited + 1"),
			"updated_at":       now,
		})
	if upd.Error != nil {
		return nil, fmt.Errorf("advance periods_credited: %w", upd.Error)
	}
	if upd.RowsAffected == 0 {
		return nil, diagnose(ctx, tx, pos)
	}

	// 3. 余额 + 流水 (金额为 0 也写一条流水)
	journal, err := l.balances.WithTx(tx).Apply(ctx, fund.Change{
		UserID:         pos.UserID,
		ChangeType:     fund.ChangeTypeProfit,
		Amount:         amount,
		AvailableDelta: amount,
		ProfitDelta:    amount,
		BizType:        fund.BizTypeDistribution,
		BizID:          record.ID,
		Operator:       operator,
	})
	if err != nil {
		return nil, fmt.Errorf("apply balance: %w", err)
	}

	return &CreditResult{Record: record, Journal: journal}, nil
}

// diagnose 版本条件更新失败时判断原因
func diagnose(ctx context.Context, tx *gorm.DB, snapshot *Position) error {
	var cur Position
	err := tx.WithContext(ctx).Where("id = ?", snapshot.ID).First(&cur).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return newError(ClassIntegrity, "ledger.credit", snapshot.ID, ErrPositionNotFound)
	}
	if err != nil {
		return err
	}
	if cur.Status != StatusActive {
		// 入账过程中被取消或已完成, 协调器按 skipped 处理
		return newError(ClassIntegrity, "ledger.credit", snapshot.ID,
			fmt.Errorf("%w: %w: status=%s", ErrPositionNotCreditable, ErrPositionClosed, cur.Status))
	}
	if !cur.Creditable() {
		return newError(ClassIntegrity, "ledger.credit", snapshot.ID,
			fmt.Errorf("%w: status=%s credited=%d/%d",
				ErrPositionNotCreditable, cur.Status, cur.PeriodsCredited, cur.DurationPeriods))
	}
	return newError(ClassTransient, "ledger.credit", snapshot.ID,
		fmt.Errorf("%w: expected credited=%d, got %d", ErrStalePosition, snapshot.PeriodsCredited, cur.PeriodsCredited))
}

// FindRecord 查询分润记录, 不存在返回 nil
//
// 入账超时 (结果未知) 时协调器先用它确认, 再决定要不要重试
func (l *Ledger) FindRecord(ctx context.Context, positionID int64, periodKey string) (*DistributionRecord, error) {
	return findRecord(ctx, l.db, positionID, periodKey)
}

func findRecord(ctx context.Context, db *gorm.DB, positionID int64, periodKey string) (*DistributionRecord, error) {
	var rec DistributionRecord
	err := db.WithContext(ctx).
		Where("position_id = ? AND period_key = ?", positionID, periodKey).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListRecords 持仓的全部分润记录 (按周期顺序)
func (l *Ledger) ListRecords(ctx context.Context, positionID int64) ([]*DistributionRecord, error) {
	var records []*DistributionRecord
	err := l.db.WithContext(ctx).
		Where("position_id = ?", positionID).
		Order("period_index ASC").
		Find(&records).Error
	return records, err
}

// SumByUser 用户全部分润记录金额之和 (对账用, 应当等于 fund_balances.profit)
func (l *Ledger) SumByUser(ctx context.Context, userID int64) (int64, error) {
	var sum int64
	err := l.db.WithContext(ctx).
		Model(&DistributionRecord{}).
		Where("user_id = ?", userID).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&sum).Error
	return sum, err
}

// Reconcile 核对用户累计收益与分润记录, 不一致时记日志并返回差额
func (l *Ledger) Reconcile(ctx context.Context, userID int64) (int64, error) {
	sum, err := l.SumByUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	bal, err := l.balances.GetBalance(ctx, userID)
	if err != nil {
		return 0, err
	}
	var profit int64
	if bal != nil {
		profit = bal.Profit
	}
	diff := profit - sum
	if diff != 0 {
		l.logger.Error("[Ledger] profit balance drift",
			zap.Int64("user_id", userID),
			zap.Int64("profit", profit),
			zap.Int64("records_sum", sum),
			zap.Int64("diff", diff))
	}
	return diff, nil
}
