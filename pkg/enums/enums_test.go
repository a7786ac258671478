package enums

import "testing"

func TestStockLogStatusRoundTrip(t *testing.T) {
	for _, status := range []StockLogStatus{StockLogInit, StockLogDecremented, StockLogRolledBack} {
		parsed, err := ParseStockLogStatus(status.String())
		if err != nil {
			t.Fatalf("parse %s: %v", status, err)
		}
		if parsed != status {
			t.Fatalf("expected %s got %s", status, parsed)
		}
	}
	if _, err := ParseStockLogStatus("PENDING"); err == nil {
		t.Fatalf("expected unknown status to fail")
	}
}

func TestStockLogStatusPersistedValues(t *testing.T) {
	if StockLogInit != 1 || StockLogDecremented != 2 || StockLogRolledBack != 3 {
		t.Fatalf("persisted status codes changed")
	}
	if StockLogStatus(0).IsValid() {
		t.Fatalf("zero status must be invalid")
	}
	if StockLogInit.IsResolved() {
		t.Fatalf("INIT is not resolved")
	}
	if !StockLogRolledBack.IsResolved() || !StockLogDecremented.IsResolved() {
		t.Fatalf("terminal statuses must be resolved")
	}
}

func TestTxMessageStateFinal(t *testing.T) {
	tests := map[TxMessageState]bool{
		TxMessageHalf:       false,
		TxMessageCommitted:  false,
		TxMessageRolledBack: true,
		TxMessagePublished:  true,
		TxMessageDiscarded:  true,
	}
	for state, final := range tests {
		if state.IsFinal() != final {
			t.Fatalf("state %s expected final=%v", state, final)
		}
		if _, err := ParseTxMessageState(string(state)); err != nil {
			t.Fatalf("parse %s: %v", state, err)
		}
	}
	if _, err := ParseTxMessageDLQReason("nope"); err == nil {
		t.Fatalf("expected invalid reason error")
	}
}
