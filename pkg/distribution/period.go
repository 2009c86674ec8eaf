// 文件: pkg/distribution/period.go
// 周期键
//
// 【规则】
// - 按天: 日历日期 "2006-01-02" (按配置时区切日)
// - 按小时: UTC 整点 "2006-01-02T15"
//
// 周期键只由 (单位, 时间) 决定, 两个独立触发的运行不需要协调就能对"哪一期"达成一致

package distribution

import (
	"fmt"
	"time"
)

const (
	dayKeyLayout  = "2006-01-02"
	hourKeyLayout = "2006-01-02T15"
)

// Period 一个分润周期 [Start, End)
type Period struct {
	Unit  PeriodUnit `json:"unit"`
	Key   string     `json:"key"`
	Start time.Time  `json:"start"`
	End   time.Time  `json:"end"`
}

// PeriodOf 计算 t 所在的周期
func PeriodOf(unit PeriodUnit, t time.Time, loc *time.Location) (Period, error) {
	if loc == nil {
		loc = time.UTC
	}
	switch unit {
	case UnitDay:
		y, m, d := t.In(loc).Date()
		start := time.Date(y, m, d, 0, 0, 0, 0, loc)
		return Period{Unit: unit, Key: start.Format(dayKeyLayout), Start: start, End: start.AddDate(0, 0, 1)}, nil
	case UnitHour:
		start := t.UTC().Truncate(time.Hour)
		return Period{Unit: unit, Key: start.Format(hourKeyLayout), Start: start, End: start.Add(time.Hour)}, nil
	}
	return Period{}, fmt.Errorf("%w: unit %q", ErrUnknownKind, unit)
}

// ParsePeriod 由周期键还原周期 (手动补跑时传入)
func ParsePeriod(unit PeriodUnit, key string, loc *time.Location) (Period, error) {
	if loc == nil {
		loc = time.UTC
	}
	var (
		t   time.Time
		err error
	)
	switch unit {
	case UnitDay:
		t, err = time.ParseInLocation(dayKeyLayout, key, loc)
	case UnitHour:
		t, err = time.ParseInLocation(hourKeyLayout, key, time.UTC)
	default:
		return Period{}, fmt.Errorf("%w: unit %q", ErrUnknownKind, unit)
	}
	if err != nil {
		return Period{}, fmt.Errorf("%w: %q", ErrBadPeriodKey, key)
	}
	p, err := PeriodOf(unit, t, loc)
	if err != nil {
		return Period{}, err
	}
	if p.Key != key {
		return Period{}, fmt.Errorf("%w: %q", ErrBadPeriodKey, key)
	}
	return p, nil
}

// Add 在 t 上加 n 个周期 (按天时按日历加, 跨夏令时也正确)
func (u PeriodUnit) Add(t time.Time, n int, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	switch u {
	case UnitDay:
		return t.In(loc).AddDate(0, 0, n)
	case UnitHour:
		return t.Add(time.Duration(n) * time.Hour)
	}
	return t
}
