package types

import (
	"fmt"
	"time"
)

// PriceRecord is the electricity and diesel pricing in effect for a given
// calendar month. There is at most one record per (year, month); records
// are created on first settings write or by the monthly rollover, mutated
// by explicit edits and never deleted.
type PriceRecord struct {
	Year  int        `json:"year"`
	Month time.Month `json:"month"`

	// ElectricityPrice is in currency per kWh.
	ElectricityPrice float64 `json:"electricityPrice"`
	// DieselPrice is in currency per liter.
	DieselPrice float64 `json:"dieselPrice"`
	// DieselEfficiency is the burner efficiency, in (0, 1].
	DieselEfficiency float64 `json:"dieselEfficiency"`
}

// Key returns the canonical "YYYY-MM" storage key for the record, which
// sorts lexicographically in calendar order.
func (p PriceRecord) Key() string {
	return MonthKey(p.Year, p.Month)
}

// Validate rejects invalid pricing input. Values are never clamped; a bad
// edit must be surfaced to the caller before it reaches the recalculator.
func (p PriceRecord) Validate() error {
	if p.Year < 2000 || p.Year > 9999 {
		return fmt.Errorf("invalid year %d", p.Year)
	}
	if p.Month < time.January || p.Month > time.December {
		return fmt.Errorf("invalid month %d", p.Month)
	}
	if p.ElectricityPrice <= 0 {
		return fmt.Errorf("electricity price must be positive, got %v", p.ElectricityPrice)
	}
	if p.DieselPrice <= 0 {
		return fmt.Errorf("diesel price must be positive, got %v", p.DieselPrice)
	}
	if p.DieselEfficiency <= 0 || p.DieselEfficiency > 1 {
		return fmt.Errorf("diesel efficiency must be in (0, 1], got %v", p.DieselEfficiency)
	}
	return nil
}

// MonthKey formats a (year, month) pair as "YYYY-MM".
func MonthKey(year int, month time.Month) string {
	return fmt.Sprintf("%04d-%02d", year, int(month))
}
