// 文件: pkg/distribution/lock_repo.go
// 运行锁存储
//
// 【原子原语】
// - Create:         INSERT ... ON CONFLICT DO NOTHING, 主键 (kind, period_key)
// - CompareAndSwap: UPDATE ... WHERE attempt = ? AND status = ? (乐观锁)
// - Heartbeat:      UPDATE heartbeat_at WHERE run_id = ?, 持有者续期
// - Finish:         UPDATE ... WHERE run_id = ?, 只有持有者能释放
//
// 准入策略 (冷却/接管) 在 Guard 里, 这里只保证原语本身是原子的

package distribution

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LockStore 运行锁存储接口 (GORM / Redis 两种实现)
type LockStore interface {
	// Create 锁不存在时创建, 返回是否创建成功
	Create(ctx context.Context, lock *RunLock) (bool, error)
	// Get 读取锁, 不存在返回 nil
	Get(ctx context.Context, kind Kind, periodKey string) (*RunLock, error)
	// CompareAndSwap prev 仍是当前值 (attempt + status) 时替换为 next
	CompareAndSwap(ctx context.Context, prev, next *RunLock) (bool, error)
	// Heartbeat 持有者 (run_id 匹配) 刷新 heartbeat_at; 已被接管返回 ErrLockLost
	Heartbeat(ctx context.Context, lock *RunLock) error
	// Finish 持有者 (run_id 匹配) 写入终态; 已被接管返回 ErrLockLost
	Finish(ctx context.Context, lock *RunLock) error
	// Status 该类型正在运行的锁和最近完成的锁
	Status(ctx context.Context, kind Kind) (running []*RunLock, last *RunLock, err error)
}

// GormLockStore 基于数据库表 run_locks
type GormLockStore struct {
	db *gorm.DB
}

// NewGormLockStore 创建数据库锁存储
func NewGormLockStore(db *gorm.DB) *GormLockStore {
	return &GormLockStore{db: db}
}

// Create 插入新锁
func (s *GormLockStore) Create(ctx context.Context, lock *RunLock) (bool, error) {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "kind"}, {Name: "period_key"}},
			DoNothing: true,
		}).
		Create(lock)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Get 读取锁
func (s *GormLockStore) Get(ctx context.Context, kind Kind, periodKey string) (*RunLock, error) {
	var lock RunLock
	err := s.db.WithContext(ctx).
		Where("kind = ? AND period_key = ?", kind, periodKey).
		First(&lock).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &lock, nil
}

// CompareAndSwap 乐观锁替换
func (s *GormLockStore) CompareAndSwap(ctx context.Context, prev, next *RunLock) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&RunLock{}).
		Where("kind = ? AND period_key = ? AND attempt = ? AND status = ?",
			prev.Kind, prev.PeriodKey, prev.Attempt, prev.Status).
		Updates(lockColumns(next))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Heartbeat 续期
func (s *GormLockStore) Heartbeat(ctx context.Context, lock *RunLock) error {
	res := s.db.WithContext(ctx).
		Model(&RunLock{}).
		Where("kind = ? AND period_key = ? AND run_id = ? AND status = ?",
			lock.Kind, lock.PeriodKey, lock.RunID, LockInProgress).
		Update("heartbeat_at", lock.HeartbeatAt)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	// MySQL 值没变时 RowsAffected 为 0, 再读一次确认持有者
	cur, err := s.Get(ctx, lock.Kind, lock.PeriodKey)
	if err != nil {
		return err
	}
	if cur == nil || cur.RunID != lock.RunID || cur.Status != LockInProgress {
		return ErrLockLost
	}
	return nil
}

// Finish 写入终态
func (s *GormLockStore) Finish(ctx context.Context, lock *RunLock) error {
	res := s.db.WithContext(ctx).
		Model(&RunLock{}).
		Where("kind = ? AND period_key = ? AND run_id = ? AND status = ?",
			lock.Kind, lock.PeriodKey, lock.RunID, LockInProgress).
		Updates(map[string]interface{}{
			"status":       lock.Status,
			"finished_at":  lock.FinishedAt,
			"processed":    lock.Processed,
			"skipped":      lock.Skipped,
			"failed":       lock.Failed,
			"total_amount": lock.TotalAmount,
			"error":        lock.Error,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLockLost
	}
	return nil
}

// Status 运行中的锁和周期键最大的已完成锁
//
// 周期键按字典序即时间序, 补跑旧周期不会变成"最近完成"
func (s *GormLockStore) Status(ctx context.Context, kind Kind) ([]*RunLock, *RunLock, error) {
	var running []*RunLock
	err := s.db.WithContext(ctx).
		Where("kind = ? AND status = ?", kind, LockInProgress).
		Order("started_at DESC").
		Find(&running).Error
	if err != nil {
		return nil, nil, err
	}

	var last RunLock
	err = s.db.WithContext(ctx).
		Where("kind = ? AND status = ?", kind, LockCompleted).
		Order("period_key DESC").
		First(&last).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return running, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return running, &last, nil
}

// lockColumns 更新时写入的列 (Updates 用 map 才会写零值)
func lockColumns(l *RunLock) map[string]interface{} {
	return map[string]interface{}{
		"run_id":       l.RunID,
		"status":       l.Status,
		"trigger_type": l.Trigger,
		"operator":     l.Operator,
		"attempt":      l.Attempt,
		"started_at":   l.StartedAt,
		"heartbeat_at": l.HeartbeatAt,
		"finished_at":  l.FinishedAt,
		"processed":    l.Processed,
		"skipped":      l.Skipped,
		"failed":       l.Failed,
		"total_amount": l.TotalAmount,
		"error":        l.Error,
	}
}
