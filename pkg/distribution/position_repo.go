// 文件: pkg/distribution/position_repo.go
// 持仓存储 (GORM)
//
// 持仓的 periods_credited 只由 Ledger 在入账事务里修改,
// status 只由 Lifecycle 修改; 这里只提供创建和查询

package distribution

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// PositionRepo 持仓仓库
type PositionRepo struct {
	db *gorm.DB
}

// NewPositionRepo 创建持仓仓库
func NewPositionRepo(db *gorm.DB) *PositionRepo {
	return &PositionRepo{db: db}
}

// Create 创建持仓
func (r *PositionRepo) Create(ctx context.Context, pos *Position) error {
	return r.db.WithContext(ctx).Create(pos).Error
}

// GetByID 根据 ID 查询, 不存在返回 ErrPositionNotFound
func (r *PositionRepo) GetByID(ctx context.Context, id int64) (*Position, error) {
	var pos Position
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&pos).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPositionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &pos, nil
}

// ListCandidates 查询某类型下可能到期的活跃持仓 (按 id 游标分页)
//
// 【分页设计】
// 用 id > afterID 而不是 OFFSET: 已入账的持仓会从结果集中消失,
// OFFSET 分页会因此跳过数据
func (r *PositionRepo) ListCandidates(
	ctx context.Context,
	kind Kind,
	period Period,
	afterID int64,
	limit int,
) ([]*Position, error) {
	var positions []*Position
	err := r.db.WithContext(ctx).
		Where("kind = ? AND period_unit = ? AND status = ?", kind, period.Unit, StatusActive).
		Where("periods_credited < duration_periods").
		Where("started_at <= ?", period.Start.UnixMilli()).
		Where("id > ?", afterID).
		Where("NOT EXISTS (SELECT 1 FROM distribution_records d WHERE d.position_id = positions.id AND d.period_key = ?)", period.Key).
		Order("id ASC").
		Limit(limit).
		Find(&positions).Error
	return positions, err
}

// ListCompletable 已入满但仍是 active 的持仓 (生命周期补偿用)
func (r *PositionRepo) ListCompletable(ctx context.Context, kind Kind, limit int) ([]*Position, error) {
	var positions []*Position
	err := r.db.WithContext(ctx).
		Where("kind = ? AND status = ? AND periods_credited >= duration_periods", kind, StatusActive).
		Order("id ASC").
		Limit(limit).
		Find(&positions).Error
	return positions, err
}
