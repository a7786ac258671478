package enums

import "fmt"

// StockLogStatus tracks a decrement intent. Values are persisted as integers.
type StockLogStatus int

const (
	StockLogInit        StockLogStatus = 1
	StockLogDecremented StockLogStatus = 2
	StockLogRolledBack  StockLogStatus = 3
)

var validStockLogStatuses = []StockLogStatus{
	StockLogInit,
	StockLogDecremented,
	StockLogRolledBack,
}

func (s StockLogStatus) String() string {
	switch s {
	case StockLogInit:
		return "INIT"
	case StockLogDecremented:
		return "DECREMENTED"
	case StockLogRolledBack:
		return "ROLLED_BACK"
	default:
		return fmt.Sprintf("StockLogStatus(%d)", int(s))
	}
}

// IsValid reports whether the value is one of the persisted statuses.
func (s StockLogStatus) IsValid() bool {
	for _, candidate := range validStockLogStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsResolved reports whether the entry has left INIT.
func (s StockLogStatus) IsResolved() bool {
	return s == StockLogDecremented || s == StockLogRolledBack
}

// ParseStockLogStatus converts the textual name into a StockLogStatus.
func ParseStockLogStatus(value string) (StockLogStatus, error) {
	for _, candidate := range validStockLogStatuses {
		if candidate.String() == value {
			return candidate, nil
		}
	}
	return 0, fmt.Errorf("invalid stock log status %q", value)
}
