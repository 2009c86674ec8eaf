// 文件: pkg/fund/balance_repo.go
// 资金模块 - 余额仓库 (GORM 实现)
//
// 【设计】
// - 余额变更 + 流水写入必须在同一个事务里 (调用方负责开启事务, 见 WithTx)
// - 余额更新只用增量表达式 col = col ± ?, 不做 读-改-写
// - 扣减类操作带 WHERE 条件防止余额变负

package fund

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// =============================================================================
// 错误定义
// =============================================================================

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrDuplicateJournal    = errors.New("journal event already exists")
	ErrInvalidAmount       = errors.New("amount must be positive")
)

// =============================================================================
// BalanceRepo - 余额仓库
// =============================================================================

// BalanceRepo 余额仓库
type BalanceRepo struct {
	db *gorm.DB
}

// NewBalanceRepo 创建余额仓库
func NewBalanceRepo(db *gorm.DB) *BalanceRepo {
	return &BalanceRepo{db: db}
}

// WithTx 绑定到外部事务 (分润入账时和 distribution_records 共用一个事务)
func (r *BalanceRepo) WithTx(tx *gorm.DB) *BalanceRepo {
	return &BalanceRepo{db: tx}
}

// Transaction 执行事务
func (r *BalanceRepo) Transaction(ctx context.Context, fn func(tx *BalanceRepo) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&BalanceRepo{db: tx})
	})
}

// =============================================================================
// 查询
// =============================================================================

// GetBalance 获取用户余额, 不存在返回 nil
func (r *BalanceRepo) GetBalance(ctx context.Context, userID int64) (*Balance, error) {
	var b Balance
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// GetJournalByEventID 根据 EventID 查询流水
func (r *BalanceRepo) GetJournalByEventID(ctx context.Context, eventID string) (*Journal, error) {
	var j Journal
	err := r.db.WithContext(ctx).
		Where("event_id = ?", eventID).
		First(&j).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// ListJournals 查询用户流水列表 (新到旧)
func (r *BalanceRepo) ListJournals(ctx context.Context, userID int64, limit, offset int) ([]*Journal, error) {
	var records []*Journal
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		Limit(limit).
		Offset(offset).
		Find(&records).Error
	return records, err
}

// ListJournalsByBiz 按业务查询流水
func (r *BalanceRepo) ListJournalsByBiz(ctx context.Context, bizType BizType, bizID int64) ([]*Journal, error) {
	var records []*Journal
	err := r.db.WithContext(ctx).
		Where("biz_type = ? AND biz_id = ?", bizType, bizID).
		Order("id ASC").
		Find(&records).Error
	return records, err
}

// =============================================================================
// 余额变更
// =============================================================================

// Change 一次余额变更 (三个分量的增量 + 对应流水)
type Change struct {
	UserID     int64
	ChangeType ChangeType
	Amount     int64 // 流水金额 (正数; 分润允许 0, 只留审计流水)

	AvailableDelta int64
	InvestedDelta  int64
	ProfitDelta    int64

	BizType  BizType
	BizID    int64
	Operator string
}

// Apply 应用余额变更并写流水
//
// 【必须在事务中调用】余额更新和流水写入要么都成功要么都失败
//
// 【流程】
// 1. 全部增量 >= 0: upsert (记录不存在时按增量创建)
// 2. 存在负增量: 条件更新, 余额不足返回 ErrInsufficientBalance
// 3. 读回变更后余额, 推出变更前余额
// 4. 写流水, EventID 重复返回 ErrDuplicateJournal
func (r *BalanceRepo) Apply(ctx context.Context, c Change) (*Journal, error) {
	if c.Amount < 0 || (c.Amount == 0 && c.ChangeType != ChangeTypeProfit) {
		return nil, ErrInvalidAmount
	}
	now := time.Now().UnixMilli()

	if c.AvailableDelta >= 0 && c.InvestedDelta >= 0 && c.ProfitDelta >= 0 {
		if err := r.upsertAdd(ctx, c, now); err != nil {
			return nil, err
		}
	} else {
		if err := r.conditionalAdd(ctx, c, now); err != nil {
			return nil, err
		}
	}

	after, err := r.GetBalance(ctx, c.UserID)
	if err != nil {
		return nil, err
	}
	if after == nil {
		return nil, gorm.ErrRecordNotFound
	}

	j := &Journal{
		EventID:         EventID(c.ChangeType, c.BizID),
		UserID:          c.UserID,
		ChangeType:      c.ChangeType,
		Amount:          c.Amount,
		AvailableBefore: after.Available - c.AvailableDelta,
		AvailableAfter:  after.Available,
		ProfitBefore:    after.Profit - c.ProfitDelta,
		ProfitAfter:     after.Profit,
		BizType:         c.BizType,
		BizID:           c.BizID,
		Operator:        c.Operator,
		CreatedAt:       now,
	}
	inserted, err := r.InsertJournal(ctx, j)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, ErrDuplicateJournal
	}
	return j, nil
}

// upsertAdd 增量 upsert
func (r *BalanceRepo) upsertAdd(ctx context.Context, c Change, now int64) error {
	record := &Balance{
		UserID:    c.UserID,
		Available: c.AvailableDelta,
		Invested:  c.InvestedDelta,
		Profit:    c.ProfitDelta,
		UpdatedAt: now,
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"available":  gorm.Expr("available + ?", c.AvailableDelta),
				"invested":   gorm.Expr("invested + ?", c.InvestedDelta),
				"profit":     gorm.Expr("profit + ?", c.ProfitDelta),
				"version":    gorm.Expr("version + 1"),
				"updated_at": now,
			}),
		}).
		Create(record).Error
}

// conditionalAdd 带余额检查的增量更新
func (r *BalanceRepo) conditionalAdd(ctx context.Context, c Change, now int64) error {
	result := r.db.WithContext(ctx).
		Model(&Balance{}).
		Where("user_id = ? AND available + ? >= 0 AND invested + ? >= 0 AND profit + ? >= 0",
			c.UserID, c.AvailableDelta, c.InvestedDelta, c.ProfitDelta).
		Updates(map[string]interface{}{
			"available":  gorm.Expr("available + ?", c.AvailableDelta),
			"invested":   gorm.Expr("invested + ?", c.InvestedDelta),
			"profit":     gorm.Expr("profit + ?", c.ProfitDelta),
			"version":    gorm.Expr("version + 1"),
			"updated_at": now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrInsufficientBalance
	}
	return nil
}

// InsertJournal 插入流水 (幂等), 返回是否真正插入
func (r *BalanceRepo) InsertJournal(ctx context.Context, j *Journal) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}},
			DoNothing: true,
		}).
		Create(j)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// =============================================================================
// 便捷操作 (充值/提现, 本引擎之外的协作方也走这里)
// =============================================================================

// Deposit 充值
func (r *BalanceRepo) Deposit(ctx context.Context, userID, amount, bizID int64) error {
	return r.Transaction(ctx, func(tx *BalanceRepo) error {
		_, err := tx.Apply(ctx, Change{
			UserID:         userID,
			ChangeType:     ChangeTypeDeposit,
			Amount:         amount,
			AvailableDelta: amount,
			BizType:        BizTypeDeposit,
			BizID:          bizID,
		})
		return err
	})
}

// Withdraw 提现 (只扣可用余额, 累计收益不变)
func (r *BalanceRepo) Withdraw(ctx context.Context, userID, amount, bizID int64) error {
	return r.Transaction(ctx, func(tx *BalanceRepo) error {
		_, err := tx.Apply(ctx, Change{
			UserID:         userID,
			ChangeType:     ChangeTypeWithdraw,
			Amount:         amount,
			AvailableDelta: -amount,
			BizType:        BizTypeWithdraw,
			BizID:          bizID,
		})
		return err
	})
}
