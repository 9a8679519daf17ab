package alert

import (
	"time"

	"github.com/tickwatch/tickwatch/internal/model"
)

// Trigger is one alert fired by a tick.
type Trigger struct {
	Alert model.Alert
	At    time.Time
	Price float64
}

// LogEntry converts the trigger into its alert-log shape.
func (t Trigger) LogEntry() model.AlertLogEntry {
	return model.AlertLogEntry{
		Alert:         t.Alert,
		TriggeredAt:   t.At,
		PriceObserved: t.Price,
	}
}

// Evaluate runs the edge-trigger rule over the armed alerts for one
// ticking instrument. prev is the last price observed for the token
// (seeded from the reference-day close before the first tick). Alerts
// must arrive in creation order; each fires at most once.
//
// ABOVE fires when the price crosses the rule level upward, BELOW when
// it crosses downward. A price already past the level does not fire:
// only the crossing edge does.
func Evaluate(alerts []model.Alert, key model.InstrumentKey, prev, ltp float64, now time.Time) []Trigger {
	var fired []Trigger

	for _, a := range alerts {
		if !a.Armed || a.Instrument.Key() != key {
			continue
		}

		var hit bool
		switch a.Condition {
		case model.ConditionAbove:
			hit = prev < a.Price && ltp >= a.Price
		case model.ConditionBelow:
			hit = prev > a.Price && ltp <= a.Price
		}

		if hit {
			fired = append(fired, Trigger{Alert: a, At: now, Price: ltp})
		}
	}

	return fired
}
