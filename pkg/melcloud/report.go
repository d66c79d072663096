package melcloud

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/heatwatch/heatwatch/pkg/types"
)

// Sample is one entry of a report's metric arrays. The API is inconsistent
// about the shape: an entry may be a bare number, an object with a "Value"
// field, or null. Sample is the single place that ambiguity is decoded;
// everything downstream just calls Float.
type Sample struct {
	value   float64
	present bool
}

// Float returns the sample's numeric value, 0 when absent.
func (s Sample) Float() float64 {
	return s.value
}

// Present reports whether the report actually carried a value here.
func (s Sample) Present() bool {
	return s.present
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Sample) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*s = Sample{}
		return nil
	}
	if data[0] == '{' {
		var wrapped struct {
			Value *float64 `json:"Value"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return fmt.Errorf("failed to decode wrapped sample: %w", err)
		}
		if wrapped.Value == nil {
			*s = Sample{}
			return nil
		}
		*s = Sample{value: *wrapped.Value, present: true}
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("failed to decode numeric sample: %w", err)
	}
	*s = Sample{value: v, present: true}
	return nil
}

// Label is one entry of a report's Labels array, which is sometimes a bare
// day-of-month number and sometimes an ISO date string.
type Label struct {
	day   int
	text  string
	isDay bool
}

// Day returns the day-of-month number when the label is numeric.
func (l Label) Day() (int, bool) {
	return l.day, l.isDay
}

// Text returns the label's string form when it is not numeric.
func (l Label) Text() (string, bool) {
	return l.text, !l.isDay
}

// UnmarshalJSON implements json.Unmarshaler.
func (l *Label) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("failed to decode label string: %w", err)
		}
		// Some firmwares send day numbers as strings.
		if day, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			*l = Label{day: day, isDay: true}
		} else {
			*l = Label{text: s}
		}
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("failed to decode label number: %w", err)
	}
	*l = Label{day: int(v), isDay: true}
	return nil
}

// Report is the raw energy report returned by the provider for a nominal
// date window. The metric arrays are parallel; their index space is only
// loosely tied to calendar dates through Labels, which is why resolution
// goes through Resolve rather than direct indexing.
type Report struct {
	FromDate string  `json:"FromDate"`
	ToDate   string  `json:"ToDate"`
	Labels   []Label `json:"Labels"`

	Heating          []Sample `json:"Heating"`
	HotWater         []Sample `json:"HotWater"`
	ProducedHeating  []Sample `json:"ProducedHeating"`
	ProducedHotWater []Sample `json:"ProducedHotWater"`
	CoP              []Sample `json:"CoP"`
}

// Window returns the report's nominal [from, to] date window. ok is false
// when either bound is missing or unparseable.
func (r Report) Window() (from, to time.Time, ok bool) {
	from, okFrom := parseReportDate(r.FromDate)
	to, okTo := parseReportDate(r.ToDate)
	return from, to, okFrom && okTo
}

func parseReportDate(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if i := strings.IndexByte(s, 'T'); i >= 0 {
		s = s[:i]
	}
	t, err := time.Parse(types.DateFormat, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Validate reports whether the payload is usable at all. Every resolver
// rule, including the window-offset one, indexes into Labels, so a report
// without any labels can never resolve a date regardless of its window.
func (r Report) Validate() error {
	if len(r.Labels) == 0 {
		return fmt.Errorf("%w: report has no labels", ErrMalformedReport)
	}
	return nil
}

// DayValues is the resolved per-metric result for a single calendar date.
// Found is false when the report does not cover the date; callers treat
// that as "no data", never as an error.
type DayValues struct {
	Found bool
	Index int

	HeatingConsumed  float64
	HotWaterConsumed float64
	HeatingProduced  float64
	HotWaterProduced float64

	// COP is the provider-supplied value when the report carries one at
	// the resolved index, otherwise produced/consumed (0 when consumption
	// is 0).
	COP float64
}

// TotalConsumed returns the summed consumption for the day.
func (v DayValues) TotalConsumed() float64 {
	return v.HeatingConsumed + v.HotWaterConsumed
}

// TotalProduced returns the summed production for the day.
func (v DayValues) TotalProduced() float64 {
	return v.HeatingProduced + v.HotWaterProduced
}

// IsZero reports whether every energy metric resolved to zero. A zero day
// is still a valid answer ("no usage"), but callers log it as
// low-confidence.
func (v DayValues) IsZero() bool {
	return v.HeatingConsumed == 0 && v.HotWaterConsumed == 0 &&
		v.HeatingProduced == 0 && v.HotWaterProduced == 0
}

// Resolve maps a target calendar date to an index of the report's metric
// arrays and extracts the values there. The rules are tried in order,
// first match wins:
//
//  1. a string label containing the date's YYYY-MM-DD form
//  2. a day-number label confirmed by FromDate's month and year
//  3. a day-number label confirmed by the next label continuing the
//     sequence (labels[i+1] == labels[i]+1)
//  4. the date's offset inside the report's nominal window
//
// A report that covers none of these yields a zero DayValues with
// Found == false.
func (r Report) Resolve(date time.Time) DayValues {
	date = types.Day(date)
	idx, ok := r.indexFor(date)
	if !ok {
		return DayValues{}
	}

	v := DayValues{
		Found:            true,
		Index:            idx,
		HeatingConsumed:  sampleAt(r.Heating, idx).Float(),
		HotWaterConsumed: sampleAt(r.HotWater, idx).Float(),
		HeatingProduced:  sampleAt(r.ProducedHeating, idx).Float(),
		HotWaterProduced: sampleAt(r.ProducedHotWater, idx).Float(),
	}

	if cop := sampleAt(r.CoP, idx); cop.Present() {
		v.COP = cop.Float()
	} else if consumed := v.TotalConsumed(); consumed > 0 {
		v.COP = v.TotalProduced() / consumed
	}
	return v
}

func (r Report) indexFor(date time.Time) (int, bool) {
	dateStr := date.Format(types.DateFormat)
	from, to, haveWindow := r.Window()

	// Rule 1: direct date-string match.
	for i, l := range r.Labels {
		if text, ok := l.Text(); ok && strings.Contains(text, dateStr) {
			return i, true
		}
	}

	// Rules 2 and 3: bare day-of-month labels. A matching day number alone
	// is not enough, it must be confirmed either by the window starting in
	// the target month or by the next label continuing the day sequence.
	// The sequence check deliberately fails at month boundaries (31
	// followed by 1) so we never silently pick the wrong month.
	sameMonth := haveWindow && from.Month() == date.Month() && from.Year() == date.Year()
	for i, l := range r.Labels {
		day, ok := l.Day()
		if !ok || day != date.Day() {
			continue
		}
		if sameMonth {
			return i, true
		}
		if i+1 < len(r.Labels) {
			if next, ok := r.Labels[i+1].Day(); ok && next == day+1 {
				return i, true
			}
		}
	}

	// Rule 4: position inside the nominal window.
	if haveWindow && !date.Before(from) && !date.After(to) {
		offset := int(date.Sub(from).Hours() / 24)
		if offset >= 0 && offset < len(r.Labels) {
			return offset, true
		}
	}

	return 0, false
}

func sampleAt(samples []Sample, idx int) Sample {
	if idx < 0 || idx >= len(samples) {
		return Sample{}
	}
	return samples[idx]
}
