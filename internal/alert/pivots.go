package alert

import (
	"github.com/tickwatch/tickwatch/internal/model"
)

// Pivots holds every level derived from one day's OHLC, rounded to the
// 2-decimal wire precision.
type Pivots struct {
	Pivot  float64
	Levels map[model.Level]float64
}

// ComputePivots derives the classic floor-trader pivots from a completed
// day. R4..R6 and S4..S6 extend the ladder in whole ranges past R3/S3.
func ComputePivots(ohlc model.DayOHLC) Pivots {
	h, l, c := ohlc.High, ohlc.Low, ohlc.Close
	p := (h + l + c) / 3
	rng := h - l

	levels := map[model.Level]float64{
		model.LevelHigh: h,
		model.LevelLow:  l,
		model.LevelR1:   2*p - l,
		model.LevelS1:   2*p - h,
		model.LevelR2:   p + rng,
		model.LevelS2:   p - rng,
		model.LevelR3:   h + 2*(p-l),
		model.LevelS3:   l - 2*(h-p),
	}
	levels[model.LevelR4] = levels[model.LevelR3] + rng
	levels[model.LevelR5] = levels[model.LevelR4] + rng
	levels[model.LevelR6] = levels[model.LevelR5] + rng
	levels[model.LevelS4] = levels[model.LevelS3] - rng
	levels[model.LevelS5] = levels[model.LevelS4] - rng
	levels[model.LevelS6] = levels[model.LevelS5] - rng

	for lv, price := range levels {
		levels[lv] = model.RoundPrice(price)
	}

	return Pivots{
		Pivot:  model.RoundPrice(p),
		Levels: levels,
	}
}

// ConditionFor picks the crossing direction for a level relative to the
// reference close. A level sitting exactly on the close resolves by
// family: resistances watch upward, supports downward.
func ConditionFor(level model.Level, price, refClose float64) model.AlertCondition {
	switch {
	case price > refClose:
		return model.ConditionAbove
	case price < refClose:
		return model.ConditionBelow
	case level.IsResistance():
		return model.ConditionAbove
	default:
		return model.ConditionBelow
	}
}
