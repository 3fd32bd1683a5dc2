package domain

import (
	"testing"
	"time"
)

func TestEnumValues(t *testing.T) {
	if OrderSideBuy != "buy" || OrderSideSell != "sell" {
		t.Error("order side constants have unexpected values")
	}
	if DirectionLong != "long" || DirectionShort != "short" {
		t.Error("direction constants have unexpected values")
	}
	if KindQuote != "quote" || KindAccountStatus != "account_status" {
		t.Error("event kind constants have unexpected values")
	}
	if !OrderStatusFilled.Terminal() || !OrderStatusCancelled.Terminal() || !OrderStatusRejected.Terminal() {
		t.Error("filled/cancelled/rejected should be terminal")
	}
	if OrderStatusWorking.Terminal() || OrderStatusPending.Terminal() {
		t.Error("working/pending should not be terminal")
	}
	if !OrderTypeStop.IsProtective() || !OrderTypeTrailing.IsProtective() {
		t.Error("stop and trailing_stop should count as protective")
	}
	if OrderTypeLimit.IsProtective() {
		t.Error("limit should not count as protective")
	}
}

func TestSignedSize(t *testing.T) {
	long := Position{Direction: DirectionLong, Size: 3}
	if got := long.SignedSize(); got != 3 {
		t.Errorf("long SignedSize = %d, want 3", got)
	}
	short := Position{Direction: DirectionShort, Size: 2}
	if got := short.SignedSize(); got != -2 {
		t.Errorf("short SignedSize = %d, want -2", got)
	}
}

func TestUnrealizedPnL(t *testing.T) {
	spec := ContractSpec{ContractID: "CON.F.US.MNQ", TickSize: 0.25, TickValue: 0.50, SymbolRoot: "MNQ"}

	// Long 2 @ 21000.00, quote moves to 20700.00:
	// (20700 - 21000) / 0.25 * 0.50 * 2 = -1200.
	long := Position{Direction: DirectionLong, Size: 2, AvgPrice: 21000.00}
	if got := spec.UnrealizedPnL(long, 20700.00); got != -1200.00 {
		t.Errorf("long UnrealizedPnL = %v, want -1200", got)
	}

	// The same move is a gain for a short.
	short := Position{Direction: DirectionShort, Size: 2, AvgPrice: 21000.00}
	if got := spec.UnrealizedPnL(short, 20700.00); got != 1200.00 {
		t.Errorf("short UnrealizedPnL = %v, want 1200", got)
	}

	// Zero tick size must not divide by zero.
	if got := (ContractSpec{}).UnrealizedPnL(long, 20700.00); got != 0 {
		t.Errorf("zero-spec UnrealizedPnL = %v, want 0", got)
	}
}

func TestProfitTicks(t *testing.T) {
	spec := ContractSpec{TickSize: 0.25, TickValue: 0.50}
	long := Position{Direction: DirectionLong, Size: 1, AvgPrice: 100.00}
	if got := spec.ProfitTicks(long, 102.50); got != 10 {
		t.Errorf("ProfitTicks = %v, want 10", got)
	}
	short := Position{Direction: DirectionShort, Size: 1, AvgPrice: 100.00}
	if got := spec.ProfitTicks(short, 102.50); got != -10 {
		t.Errorf("short ProfitTicks = %v, want -10", got)
	}
}

func TestQuoteStaleAt(t *testing.T) {
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	q := Quote{ReceivedAt: now.Add(-10 * time.Second)}

	if q.StaleAt(now, 30*time.Second) {
		t.Error("quote 10s old should not be stale with 30s max age")
	}
	if !q.StaleAt(now, 5*time.Second) {
		t.Error("quote 10s old should be stale with 5s max age")
	}
	if q.StaleAt(now, 0) {
		t.Error("zero max age disables staleness checks")
	}
}

func TestLockScopeKeys(t *testing.T) {
	acct := AccountScope("acc-1")
	sym := SymbolScope("acc-1", "NQ")
	cd := CooldownScope("acc-1", "loss")

	if !acct.AccountWide() {
		t.Error("account scope should be account-wide")
	}
	if sym.AccountWide() || cd.AccountWide() {
		t.Error("symbol/cooldown scopes should not be account-wide")
	}

	keys := map[string]bool{acct.Key(): true, sym.Key(): true, cd.Key(): true}
	if len(keys) != 3 {
		t.Errorf("scope keys collide: %v", keys)
	}

	// Symbol scopes are case-normalized so lock install and lookup agree
	// regardless of how a contract spec cases its root.
	if got := SymbolScope("acc-1", "nq").Key(); got != sym.Key() {
		t.Errorf("lowercase root key = %q, want %q", got, sym.Key())
	}
}

func TestAccountStatusFailOpen(t *testing.T) {
	// A missing can_trade field is treated as true.
	if !(AccountStatusEvent{AccountID: "a"}).Allowed() {
		t.Error("nil CanTrade should be allowed (fail-open)")
	}
	f := false
	if (AccountStatusEvent{AccountID: "a", CanTrade: &f}).Allowed() {
		t.Error("explicit false CanTrade should not be allowed")
	}
}

func TestEventAccessors(t *testing.T) {
	events := []struct {
		ev       Event
		account  string
		contract string
	}{
		{PositionEvent{Position: Position{AccountID: "a", ContractID: "c1"}}, "a", "c1"},
		{OrderEvent{Order: Order{AccountID: "a", ContractID: "c2"}}, "a", "c2"},
		{TradeEvent{Trade: Trade{AccountID: "b", ContractID: "c3"}}, "b", "c3"},
		{QuoteEvent{Quote: Quote{ContractID: "c4"}}, "", "c4"},
		{GraceExpiredEvent{AccountID: "a", PositionID: "p1"}, "a", ""},
		{ClockTickEvent{AccountID: "b"}, "b", ""},
	}
	for _, tc := range events {
		if got := EventAccount(tc.ev); got != tc.account {
			t.Errorf("EventAccount(%s) = %q, want %q", tc.ev.Kind(), got, tc.account)
		}
		if got := EventContract(tc.ev); got != tc.contract {
			t.Errorf("EventContract(%s) = %q, want %q", tc.ev.Kind(), got, tc.contract)
		}
	}
}
