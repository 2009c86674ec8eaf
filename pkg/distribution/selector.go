// 文件: pkg/distribution/selector.go
// 到期持仓筛选 (只读)
//
// 【到期条件】
// 1. status = active, 类型和周期单位匹配
// 2. periods_credited < duration_periods
// 3. 该周期还没有分润记录 (查 distribution_records, 不依赖缓存标记)
// 4. started_at + periods_credited 个周期 <= 周期开始时间
//
// 条件 1-3 和粗筛 started_at 在 SQL 里完成, 条件 4 需要按日历计算, 在内存里完成

package distribution

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Selector 到期持仓筛选器
type Selector struct {
	db        *gorm.DB
	positions *PositionRepo
	loc       *time.Location
}

// NewSelector 创建筛选器
func NewSelector(db *gorm.DB, loc *time.Location) *Selector {
	if loc == nil {
		loc = time.UTC
	}
	return &Selector{db: db, positions: NewPositionRepo(db), loc: loc}
}

// Page 取一页到期持仓
//
// 返回值 next 是下一页的游标; 本页原始结果为空 (done=true) 时表示扫描结束
func (s *Selector) Page(
	ctx context.Context,
	kind Kind,
	period Period,
	afterID int64,
	limit int,
) (due []*Position, next int64, done bool, err error) {
	candidates, err := s.positions.ListCandidates(ctx, kind, period, afterID, limit)
	if err != nil {
		return nil, afterID, false, err
	}
	if len(candidates) == 0 {
		return nil, afterID, true, nil
	}

	due = make([]*Position, 0, len(candidates))
	for _, pos := range candidates {
		if pos.DueFor(period, s.loc) {
			due = append(due, pos)
		}
	}
	return due, candidates[len(candidates)-1].ID, false, nil
}

// Eligible 返回该周期全部到期持仓
func (s *Selector) Eligible(ctx context.Context, kind Kind, period Period, batchSize int) ([]*Position, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	var (
		all    []*Position
		cursor int64
	)
	for {
		due, next, done, err := s.Page(ctx, kind, period, cursor, batchSize)
		if err != nil {
			return nil, err
		}
		if done {
			return all, nil
		}
		all = append(all, due...)
		cursor = next
	}
}

// CountCredited 该周期已经存在的分润记录数
func (s *Selector) CountCredited(ctx context.Context, kind Kind, periodKey string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&DistributionRecord{}).
		Where("kind = ? AND period_key = ?", kind, periodKey).
		Count(&n).Error
	return n, err
}
