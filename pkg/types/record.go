package types

import "time"

// Series identifies one of the independently sourced daily series.
type Series string

const (
	// SeriesEnergy is the heat-pump energy series from the telemetry provider.
	SeriesEnergy Series = "energy"
	// SeriesTemperature is the outdoor temperature series from the climate provider.
	SeriesTemperature Series = "temperature"
)

// DateFormat is the canonical key format for daily records.
const DateFormat = "2006-01-02"

// DailyRecord is one calendar day's merged energy, temperature and cost
// facts. There is exactly one record per date; an upsert replaces the
// whole record.
//
// TotalConsumed, TotalProduced and OutdoorTemp are pointers because
// "absent" is meaningful: a stored row whose defining field is nil still
// counts as a gap for that series.
type DailyRecord struct {
	Date time.Time `json:"date"`

	HeatingConsumed  float64  `json:"heatingConsumed"`
	HotWaterConsumed float64  `json:"hotWaterConsumed"`
	TotalConsumed    *float64 `json:"totalConsumed,omitempty"`

	HeatingProduced  float64  `json:"heatingProduced"`
	HotWaterProduced float64  `json:"hotWaterProduced"`
	TotalProduced    *float64 `json:"totalProduced,omitempty"`

	// COP is the coefficient of performance: produced/consumed, or the
	// provider-supplied value when the report carries one.
	COP float64 `json:"cop"`

	PowerConsumption float64 `json:"powerConsumption"`
	Cost             float64 `json:"cost"`

	OutdoorTemp *float64 `json:"outdoorTemp,omitempty"`
	FlowTemp    float64  `json:"flowTemp"`
	ReturnTemp  float64  `json:"returnTemp"`

	// Provenance
	DeviceID         int     `json:"deviceID"`
	DeviceName       string  `json:"deviceName"`
	OperationMode    string  `json:"operationMode"`
	DemandPercentage float64 `json:"demandPercentage"`
}

// Day returns the record's date truncated to midnight UTC, the canonical
// key used by storage.
func (r DailyRecord) Day() time.Time {
	return Day(r.Date)
}

// ComputeTotals sets TotalConsumed and TotalProduced from the per-use
// sub-fields, treating absent as zero.
func (r *DailyRecord) ComputeTotals() {
	consumed := r.HeatingConsumed + r.HotWaterConsumed
	produced := r.HeatingProduced + r.HotWaterProduced
	r.TotalConsumed = &consumed
	r.TotalProduced = &produced
}

// HasEnergy reports whether the energy series has a value for this date.
func (r DailyRecord) HasEnergy() bool {
	return r.TotalConsumed != nil
}

// HasTemperature reports whether the temperature series has a value for
// this date.
func (r DailyRecord) HasTemperature() bool {
	return r.OutdoorTemp != nil
}

// Has reports whether the given series has a value for this date.
func (r DailyRecord) Has(s Series) bool {
	switch s {
	case SeriesEnergy:
		return r.HasEnergy()
	case SeriesTemperature:
		return r.HasTemperature()
	}
	return false
}

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Float returns a pointer to v, for filling the nullable record fields.
func Float(v float64) *float64 {
	return &v
}
