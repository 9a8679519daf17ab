package httpapi

import (
	"encoding/csv"
	"net/http"
	"testing"
)

func TestPaperToggle(t *testing.T) {
	e := newEnv(t)
	sid := e.login()

	status, payload := e.do(http.MethodPost, "/api/paper/toggle", map[string]any{
		"session_id": sid,
		"enabled":    true,
	})
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if payload["enabled"] != true {
		t.Errorf("enabled = %v, want true", payload["enabled"])
	}

	_, summary := e.do(http.MethodGet, "/api/paper/summary?session_id="+sid, nil)
	if summary["enabled"] != true {
		t.Errorf("summary enabled = %v, want true", summary["enabled"])
	}
}

func TestPaperBalance(t *testing.T) {
	e := newEnv(t)
	sid := e.login()

	t.Run("set", func(t *testing.T) {
		status, payload := e.do(http.MethodPost, "/api/paper/balance", map[string]any{
			"session_id": sid,
			"balance":    50000.0,
		})
		if status != http.StatusOK {
			t.Fatalf("status = %d", status)
		}
		if payload["virtual_balance"] != float64(50000) {
			t.Errorf("virtual_balance = %v, want 50000", payload["virtual_balance"])
		}
	})

	t.Run("negative rejected", func(t *testing.T) {
		status, payload := e.do(http.MethodPost, "/api/paper/balance", map[string]any{
			"session_id": sid,
			"balance":    -5.0,
		})
		if status != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", status)
		}
		if payload["error"] != "invalid" {
			t.Errorf("error = %v, want invalid", payload["error"])
		}
	})
}

func TestManualTradeLifecycle(t *testing.T) {
	e := newEnv(t)
	sid := e.login()
	e.watch(sid, "2885", "RELIANCE-EQ", 2500)

	// Open: no explicit quantity, so sizing uses balance x cap / price.
	status, payload := e.do(http.MethodPost, "/api/paper/trade", map[string]any{
		"session_id": sid,
		"token":      "2885",
		"side":       "buy",
	})
	if status != http.StatusOK {
		t.Fatalf("trade status = %d, payload = %v", status, payload)
	}
	trade, _ := payload["trade"].(map[string]any)
	if trade["status"] != "OPEN" {
		t.Errorf("status = %v, want OPEN", trade["status"])
	}
	if trade["side"] != "BUY" {
		t.Errorf("side = %v, want BUY", trade["side"])
	}
	// floor(100000 * 0.95 / 2500) = 38
	if trade["quantity"] != float64(38) {
		t.Errorf("quantity = %v, want 38", trade["quantity"])
	}
	tradeID, _ := trade["id"].(string)

	// Protective levels.
	if status, _ := e.do(http.MethodPost, "/api/paper/stop-loss", map[string]any{
		"session_id": sid, "trade_id": tradeID, "stop_loss": 2450.0,
	}); status != http.StatusOK {
		t.Errorf("stop-loss status = %d", status)
	}
	if status, _ := e.do(http.MethodPost, "/api/paper/target", map[string]any{
		"session_id": sid, "trade_id": tradeID, "target": 2600.0,
	}); status != http.StatusOK {
		t.Errorf("target status = %d", status)
	}

	// Close at an explicit price.
	status, payload = e.do(http.MethodPost, "/api/paper/close", map[string]any{
		"session_id": sid, "trade_id": tradeID, "price": 2550.0,
	})
	if status != http.StatusOK {
		t.Fatalf("close status = %d, payload = %v", status, payload)
	}
	closed, _ := payload["trade"].(map[string]any)
	if closed["status"] != "CLOSED" {
		t.Errorf("status = %v, want CLOSED", closed["status"])
	}
	if closed["exit_price"] != float64(2550) {
		t.Errorf("exit_price = %v, want 2550", closed["exit_price"])
	}

	// Realized pnl (2550-2500)*38 = 1900 lands in the wallet.
	_, summary := e.do(http.MethodGet, "/api/paper/summary?session_id="+sid, nil)
	if summary["virtual_balance"] != float64(101900) {
		t.Errorf("virtual_balance = %v, want 101900", summary["virtual_balance"])
	}
	totals, _ := summary["summary"].(map[string]any)
	if totals["realized_pnl"] != float64(1900) {
		t.Errorf("realized_pnl = %v, want 1900", totals["realized_pnl"])
	}
}

func TestManualTradeExplicitQuantity(t *testing.T) {
	e := newEnv(t)
	sid := e.login()
	e.watch(sid, "2885", "RELIANCE-EQ", 2500)

	status, payload := e.do(http.MethodPost, "/api/paper/trade", map[string]any{
		"session_id": sid,
		"token":      "2885",
		"side":       "SELL",
		"quantity":   10,
	})
	if status != http.StatusOK {
		t.Fatalf("status = %d, payload = %v", status, payload)
	}
	trade, _ := payload["trade"].(map[string]any)
	if trade["quantity"] != float64(10) {
		t.Errorf("quantity = %v, want 10", trade["quantity"])
	}
	if trade["side"] != "SELL" {
		t.Errorf("side = %v, want SELL", trade["side"])
	}
}

func TestManualTradeRequiresWatchlist(t *testing.T) {
	e := newEnv(t)
	sid := e.login()

	status, payload := e.do(http.MethodPost, "/api/paper/trade", map[string]any{
		"session_id": sid,
		"token":      "2885",
		"side":       "BUY",
	})
	if status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", status)
	}
	if payload["error"] != "watch_not_found" {
		t.Errorf("error = %v, want watch_not_found", payload["error"])
	}
}

func TestManualTradeWithoutAnyPrice(t *testing.T) {
	e := newEnv(t)
	sid := e.login()

	// Watched, but no tick has arrived and the broker quotes zero.
	e.stub.setLTP("1594", 0)
	if status, _ := e.do(http.MethodPost, "/api/watchlist", map[string]string{
		"session_id": sid, "symbol": "INFY-EQ",
	}); status != http.StatusOK {
		t.Fatalf("watch add failed: %d", status)
	}

	status, payload := e.do(http.MethodPost, "/api/paper/trade", map[string]any{
		"session_id": sid,
		"token":      "1594",
		"side":       "BUY",
	})
	if status != http.StatusConflict {
		t.Errorf("status = %d, want 409", status)
	}
	if payload["error"] != "no_price" {
		t.Errorf("error = %v, want no_price", payload["error"])
	}
}

func TestManualTradeStopAndReverse(t *testing.T) {
	e := newEnv(t)
	sid := e.login()
	e.watch(sid, "2885", "RELIANCE-EQ", 2500)

	if status, _ := e.do(http.MethodPost, "/api/paper/trade", map[string]any{
		"session_id": sid, "token": "2885", "side": "BUY", "quantity": 10,
	}); status != http.StatusOK {
		t.Fatalf("open failed: %d", status)
	}

	// Opposite side closes the open position and opens nothing.
	status, payload := e.do(http.MethodPost, "/api/paper/trade", map[string]any{
		"session_id": sid, "token": "2885", "side": "SELL", "quantity": 10,
	})
	if status != http.StatusOK {
		t.Fatalf("reverse failed: %d, payload = %v", status, payload)
	}
	trade, _ := payload["trade"].(map[string]any)
	if trade["status"] != "CLOSED" {
		t.Errorf("status = %v, want CLOSED", trade["status"])
	}

	_, summary := e.do(http.MethodGet, "/api/paper/summary?session_id="+sid, nil)
	totals, _ := summary["summary"].(map[string]any)
	if totals["open_trades"] != float64(0) {
		t.Errorf("open_trades = %v, want 0", totals["open_trades"])
	}
	if totals["closed_trades"] != float64(1) {
		t.Errorf("closed_trades = %v, want 1", totals["closed_trades"])
	}
}

func TestPaperStopLossErrors(t *testing.T) {
	e := newEnv(t)
	sid := e.login()
	e.watch(sid, "2885", "RELIANCE-EQ", 2500)

	t.Run("unknown trade", func(t *testing.T) {
		status, payload := e.do(http.MethodPost, "/api/paper/stop-loss", map[string]any{
			"session_id": sid, "trade_id": "nope", "stop_loss": 2450.0,
		})
		if status != http.StatusNotFound {
			t.Errorf("status = %d, want 404", status)
		}
		if payload["error"] != "trade_not_found" {
			t.Errorf("error = %v, want trade_not_found", payload["error"])
		}
	})

	t.Run("closed trade", func(t *testing.T) {
		_, payload := e.do(http.MethodPost, "/api/paper/trade", map[string]any{
			"session_id": sid, "token": "2885", "side": "BUY", "quantity": 5,
		})
		trade, _ := payload["trade"].(map[string]any)
		tradeID, _ := trade["id"].(string)

		if status, _ := e.do(http.MethodPost, "/api/paper/close", map[string]any{
			"session_id": sid, "trade_id": tradeID, "price": 2510.0,
		}); status != http.StatusOK {
			t.Fatalf("close failed: %d", status)
		}

		status, errPayload := e.do(http.MethodPost, "/api/paper/stop-loss", map[string]any{
			"session_id": sid, "trade_id": tradeID, "stop_loss": 2450.0,
		})
		if status != http.StatusConflict {
			t.Errorf("status = %d, want 409", status)
		}
		if errPayload["error"] != "trade_not_open" {
			t.Errorf("error = %v, want trade_not_open", errPayload["error"])
		}
	})
}

func TestPaperClear(t *testing.T) {
	e := newEnv(t)
	sid := e.login()
	e.watch(sid, "2885", "RELIANCE-EQ", 2500)

	_, payload := e.do(http.MethodPost, "/api/paper/trade", map[string]any{
		"session_id": sid, "token": "2885", "side": "BUY", "quantity": 5,
	})
	trade, _ := payload["trade"].(map[string]any)
	tradeID, _ := trade["id"].(string)

	if status, _ := e.do(http.MethodPost, "/api/paper/close", map[string]any{
		"session_id": sid, "trade_id": tradeID, "price": 2510.0,
	}); status != http.StatusOK {
		t.Fatalf("close failed: %d", status)
	}

	status, clearPayload := e.do(http.MethodPost, "/api/paper/clear", map[string]string{
		"session_id": sid,
	})
	if status != http.StatusOK {
		t.Fatalf("clear status = %d", status)
	}
	if clearPayload["cleared"] != float64(1) {
		t.Errorf("cleared = %v, want 1", clearPayload["cleared"])
	}
}

func TestPaperExportCSV(t *testing.T) {
	e := newEnv(t)
	sid := e.login()
	e.watch(sid, "2885", "RELIANCE-EQ", 2500)

	_, payload := e.do(http.MethodPost, "/api/paper/trade", map[string]any{
		"session_id": sid, "token": "2885", "side": "BUY", "quantity": 38,
	})
	trade, _ := payload["trade"].(map[string]any)
	tradeID, _ := trade["id"].(string)
	if status, _ := e.do(http.MethodPost, "/api/paper/close", map[string]any{
		"session_id": sid, "trade_id": tradeID, "price": 2550.0,
	}); status != http.StatusOK {
		t.Fatalf("close failed: %d", status)
	}

	resp, err := http.Get(e.api.URL + "/api/paper/export?session_id=" + sid)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/csv; charset=utf-8" {
		t.Errorf("Content-Type = %q, want text/csv", ct)
	}

	rows, err := csv.NewReader(resp.Body).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want header + 1 trade", len(rows))
	}
	if rows[0][0] != "trade_id" {
		t.Errorf("header[0] = %q, want trade_id", rows[0][0])
	}

	row := rows[1]
	if row[1] != "RELIANCE-EQ" {
		t.Errorf("symbol = %q, want RELIANCE-EQ", row[1])
	}
	if row[9] != "CLOSED" {
		t.Errorf("status = %q, want CLOSED", row[9])
	}
	if row[12] != "1900.00" {
		t.Errorf("realized_pnl = %q, want 1900.00", row[12])
	}
}
