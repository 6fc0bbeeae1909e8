package order

import "github.com/shopspring/decimal"

// SliceQuantities 将总数量等分为 sliceCount 份子数量。每份按步长向下截断，
// 截断产生的余量全部追加到最后一份，保证各份之和与总量完全相等。
func SliceQuantities(total decimal.Decimal, sliceCount int, stepSize decimal.Decimal) ([]decimal.Decimal, error) {
	if sliceCount < 1 {
		return nil, invalid(KindDegenerateSlice, "slice_count",
			"切片数量必须大于等于1，当前 %d", sliceCount)
	}
	if !total.IsPositive() {
		return nil, invalid(KindBadQuantity, "quantity", "总数量必须为正，当前 %s", total)
	}

	base := total.Div(decimal.NewFromInt(int64(sliceCount)))
	if stepSize.IsPositive() {
		base = base.Div(stepSize).Floor().Mul(stepSize)
	}
	if !base.IsPositive() {
		return nil, invalid(KindDegenerateSlice, "quantity",
			"总数量 %s 按 %d 份切分后不足一个步长 %s", total, sliceCount, stepSize)
	}

	slices := make([]decimal.Decimal, sliceCount)
	for i := range slices {
		slices[i] = base
	}

	// 余量并入最后一份，下游派发的总量严格等于请求总量。
	dispatched := base.Mul(decimal.NewFromInt(int64(sliceCount)))
	if rem := total.Sub(dispatched); !rem.IsZero() {
		slices[sliceCount-1] = slices[sliceCount-1].Add(rem)
	}

	return slices, nil
}
