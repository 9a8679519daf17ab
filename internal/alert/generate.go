package alert

import (
	"time"

	"github.com/google/uuid"

	"github.com/tickwatch/tickwatch/internal/model"
)

// GenerateAuto builds armed auto alerts for an instrument from its
// reference-day OHLC. levels limits generation to a subset; nil or empty
// means every level. The caller replaces any existing auto alerts for
// the token with the result.
func GenerateAuto(inst model.Instrument, ohlc model.DayOHLC, levels []model.Level, now time.Time) []model.Alert {
	if len(levels) == 0 {
		levels = model.AllLevels()
	}

	pivots := ComputePivots(ohlc)

	alerts := make([]model.Alert, 0, len(levels))
	for _, level := range levels {
		price, ok := pivots.Levels[level]
		if !ok {
			continue
		}
		// Levels at or below zero happen on deep-discount days when the
		// extended ladder runs past zero; they can never trade.
		if price <= 0 {
			continue
		}
		alerts = append(alerts, model.Alert{
			ID:         uuid.NewString(),
			Instrument: inst,
			Condition:  ConditionFor(level, price, ohlc.Close),
			Price:      price,
			Kind:       model.AutoKind(level),
			Armed:      true,
			CreatedAt:  now,
		})
	}

	return alerts
}
