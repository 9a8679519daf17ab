package httpapi

import (
	"net/http"
	"testing"

	"github.com/tickwatch/tickwatch/internal/model"
)

func TestWatchlistAddBySymbol(t *testing.T) {
	e := newEnv(t)
	sid := e.login()
	e.stub.setLTP("2885", 2500)
	e.stub.setDayCandle("2885", 2490, 2520, 2480, 2500)

	status, payload := e.do(http.MethodPost, "/api/watchlist", map[string]string{
		"session_id": sid,
		"symbol":     "RELIANCE-EQ",
	})
	if status != http.StatusOK {
		t.Fatalf("status = %d, payload = %v", status, payload)
	}

	item, _ := payload["item"].(map[string]any)
	inst, _ := item["instrument"].(map[string]any)
	if inst["token"] != "2885" {
		t.Errorf("token = %v, want 2885", inst["token"])
	}
	if item["ltp"] != float64(2500) {
		t.Errorf("ltp = %v, want 2500", item["ltp"])
	}
	ohlc, _ := inst["ohlc"].(map[string]any)
	if ohlc == nil || ohlc["close"] != float64(2500) {
		t.Errorf("ohlc = %v, want close 2500", ohlc)
	}

	subs := e.feed.subscribed()
	want := model.InstrumentKey{Exchange: model.ExchangeNSE, Token: "2885"}
	if len(subs) != 1 || subs[0] != want {
		t.Errorf("feed subscriptions = %v, want [%v]", subs, want)
	}
}

func TestWatchlistAddByToken(t *testing.T) {
	e := newEnv(t)
	sid := e.login()
	e.stub.setLTP("11536", 3900)
	e.stub.setDayCandle("11536", 3880, 3950, 3850, 3900)

	status, payload := e.do(http.MethodPost, "/api/watchlist", map[string]string{
		"session_id": sid,
		"token":      "11536",
	})
	if status != http.StatusOK {
		t.Fatalf("status = %d, payload = %v", status, payload)
	}
	item, _ := payload["item"].(map[string]any)
	inst, _ := item["instrument"].(map[string]any)
	if inst["symbol"] != "TCS-EQ" {
		t.Errorf("symbol = %v, want TCS-EQ", inst["symbol"])
	}
}

func TestWatchlistAddIndexToken(t *testing.T) {
	e := newEnv(t)
	sid := e.login()
	e.stub.setLTP("99926000", 24800)
	e.stub.setDayCandle("99926000", 24700, 24900, 24600, 24800)

	status, payload := e.do(http.MethodPost, "/api/watchlist", map[string]string{
		"session_id": sid,
		"token":      "99926000",
	})
	if status != http.StatusOK {
		t.Fatalf("status = %d, payload = %v", status, payload)
	}
	item, _ := payload["item"].(map[string]any)
	inst, _ := item["instrument"].(map[string]any)
	if inst["symbol"] != "NIFTY 50" {
		t.Errorf("symbol = %v, want NIFTY 50", inst["symbol"])
	}
}

func TestWatchlistAddUnknownInstrument(t *testing.T) {
	e := newEnv(t)
	sid := e.login()

	status, payload := e.do(http.MethodPost, "/api/watchlist", map[string]string{
		"session_id": sid,
		"symbol":     "NOSUCH-EQ",
	})
	if status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", status)
	}
	if payload["error"] != "unknown_instrument" {
		t.Errorf("error = %v, want unknown_instrument", payload["error"])
	}
}

func TestWatchlistAddDuplicate(t *testing.T) {
	e := newEnv(t)
	sid := e.login()
	e.watch(sid, "2885", "RELIANCE-EQ", 2500)

	status, payload := e.do(http.MethodPost, "/api/watchlist", map[string]string{
		"session_id": sid,
		"symbol":     "RELIANCE-EQ",
	})
	if status != http.StatusConflict {
		t.Errorf("status = %d, want 409", status)
	}
	if payload["error"] != "duplicate" {
		t.Errorf("error = %v, want duplicate", payload["error"])
	}
}

func TestWatchlistRemove(t *testing.T) {
	e := newEnv(t)
	sid := e.login()
	e.watch(sid, "2885", "RELIANCE-EQ", 2500)

	status, _ := e.do(http.MethodDelete, "/api/watchlist/2885?session_id="+sid, nil)
	if status != http.StatusOK {
		t.Fatalf("remove status = %d", status)
	}

	_, payload := e.do(http.MethodGet, "/api/watchlist?session_id="+sid, nil)
	items, _ := payload["watchlist"].([]any)
	if len(items) != 0 {
		t.Errorf("watchlist after remove = %d items, want 0", len(items))
	}
}

func TestWatchlistRemoveMissing(t *testing.T) {
	e := newEnv(t)
	sid := e.login()

	status, payload := e.do(http.MethodDelete, "/api/watchlist/404404?session_id="+sid, nil)
	if status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", status)
	}
	if payload["error"] != "watch_not_found" {
		t.Errorf("error = %v, want watch_not_found", payload["error"])
	}
}

func TestReferenceDate(t *testing.T) {
	e := newEnv(t)
	sid := e.login()

	t.Run("valid date", func(t *testing.T) {
		status, _ := e.do(http.MethodPost, "/api/watchlist/reference-date", map[string]string{
			"session_id": sid,
			"date":       "2026-08-21",
		})
		if status != http.StatusOK {
			t.Fatalf("status = %d", status)
		}
		_, payload := e.do(http.MethodGet, "/api/watchlist?session_id="+sid, nil)
		if payload["reference_date"] != "2026-08-21" {
			t.Errorf("reference_date = %v, want 2026-08-21", payload["reference_date"])
		}
	})

	t.Run("malformed date", func(t *testing.T) {
		status, payload := e.do(http.MethodPost, "/api/watchlist/reference-date", map[string]string{
			"session_id": sid,
			"date":       "21-08-2026",
		})
		if status != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", status)
		}
		if payload["error"] != "invalid" {
			t.Errorf("error = %v, want invalid", payload["error"])
		}
	})

	t.Run("clear with empty date", func(t *testing.T) {
		status, _ := e.do(http.MethodPost, "/api/watchlist/reference-date", map[string]string{
			"session_id": sid,
			"date":       "",
		})
		if status != http.StatusOK {
			t.Fatalf("status = %d", status)
		}
	})
}

func TestWatchlistRefresh(t *testing.T) {
	e := newEnv(t)
	sid := e.login()
	e.watch(sid, "2885", "RELIANCE-EQ", 2500)

	// The broker publishes a new previous-day candle.
	e.stub.setDayCandle("2885", 2500, 2580, 2450, 2550)

	status, payload := e.do(http.MethodPost, "/api/watchlist/refresh", map[string]string{
		"session_id": sid,
	})
	if status != http.StatusOK {
		t.Fatalf("refresh status = %d, payload = %v", status, payload)
	}
	if payload["refreshed"] != float64(1) {
		t.Errorf("refreshed = %v, want 1", payload["refreshed"])
	}

	_, listPayload := e.do(http.MethodGet, "/api/watchlist?session_id="+sid, nil)
	items, _ := listPayload["watchlist"].([]any)
	if len(items) != 1 {
		t.Fatalf("watchlist = %d items, want 1", len(items))
	}
	item, _ := items[0].(map[string]any)
	inst, _ := item["instrument"].(map[string]any)
	ohlc, _ := inst["ohlc"].(map[string]any)
	if ohlc == nil || ohlc["close"] != float64(2550) {
		t.Errorf("ohlc after refresh = %v, want close 2550", ohlc)
	}
}
