// 文件: pkg/distribution/calculator.go
// 分润计算 (纯函数)
//
// 【公式】
// 单期收益 = 本金 × 单期收益率
//
// 【舍入规则】
// 银行家舍入 (四舍六入五成双), 舍入到最小货币单位
// 全部持仓统一使用这一条规则
//
// 【累计误差】
// 第 n 期金额 = R(n) - R(n-1), 其中 R(k) = round(本金 × 收益率 × k)
// 前 n 期合计恒等于 R(n), 与"不舍入的精确值"相差不超过半个最小单位,
// 不会随期数线性累积
//
// 例: 本金 10.01 (1001 分), 收益率 0.75%
//   每期精确值 7.5075 分
//   逐期舍入: 每期 8 分, 10 期合计 80, 精确值 75.075, 多发 4.925 分
//   累计舍入: 8, 7, 8, 7, 8, 7, 8, 7, 8, 7 → 合计 R(10) = round(75.075) = 75

package distribution

import (
	"github.com/shopspring/decimal"
)

// Amount 单期收益 (最小货币单位)
func Amount(principal int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(principal).Mul(rate).RoundBank(0).IntPart()
}

// AmountForPeriod 第 n 期 (从 1 开始) 的收益
func AmountForPeriod(principal int64, rate decimal.Decimal, n int) int64 {
	if n <= 0 {
		return 0
	}
	return cumulative(principal, rate, n) - cumulative(principal, rate, n-1)
}

// MaxTotal 整个持仓周期的收益上限
func MaxTotal(principal int64, rate decimal.Decimal, duration int) int64 {
	return cumulative(principal, rate, duration)
}

// cumulative R(k) = round(principal × rate × k)
func cumulative(principal int64, rate decimal.Decimal, k int) int64 {
	if k <= 0 {
		return 0
	}
	return decimal.NewFromInt(principal).
		Mul(rate).
		Mul(decimal.NewFromInt(int64(k))).
		RoundBank(0).
		IntPart()
}
