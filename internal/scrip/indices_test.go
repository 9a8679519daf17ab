package scrip

import (
	"testing"

	"github.com/tickwatch/tickwatch/internal/model"
)

func TestIndices(t *testing.T) {
	list := Indices()
	if len(list) != 11 {
		t.Fatalf("len = %d, want 11", len(list))
	}
	if list[0].Symbol != "NIFTY 50" || list[0].Token != "99926000" {
		t.Errorf("first index = %+v, want NIFTY 50/99926000", list[0])
	}

	// Returned slice is a copy.
	list[0].Symbol = "MUTATED"
	if Indices()[0].Symbol != "NIFTY 50" {
		t.Error("Indices() exposed internal slice")
	}
}

func TestFindIndex(t *testing.T) {
	tests := []struct {
		query     string
		wantToken string
		wantOK    bool
	}{
		{"NIFTY 50", "99926000", true},
		{"nifty bank", "99926009", true},
		{"SENSEX", "99919000", true},
		{"NIFTY FIN SERVICE", "99926012", true},
		{"DOW JONES", "", false},
	}

	for _, tt := range tests {
		ix, ok := FindIndex(tt.query)
		if ok != tt.wantOK {
			t.Errorf("FindIndex(%q) ok = %v, want %v", tt.query, ok, tt.wantOK)
			continue
		}
		if ok && ix.Token != tt.wantToken {
			t.Errorf("FindIndex(%q) token = %q, want %q", tt.query, ix.Token, tt.wantToken)
		}
	}
}

func TestFindIndexToken(t *testing.T) {
	ix, ok := FindIndexToken("99919000")
	if !ok {
		t.Fatal("FindIndexToken(99919000) not found")
	}
	if ix.Symbol != "SENSEX" {
		t.Errorf("Symbol = %q, want SENSEX", ix.Symbol)
	}
	if ix.Exchange != model.ExchangeBSE {
		t.Errorf("Exchange = %q, want BSE", ix.Exchange)
	}

	if _, ok := FindIndexToken("12345"); ok {
		t.Error("FindIndexToken(12345) should not be found")
	}
}
