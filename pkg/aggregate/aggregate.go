// Package aggregate buckets the daily series into coarser views for
// presentation.
package aggregate

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/heatwatch/heatwatch/pkg/types"
)

// Level is an aggregation granularity.
type Level string

const (
	LevelDay     Level = "day"
	LevelWeek    Level = "week"
	LevelMonth   Level = "month"
	LevelQuarter Level = "quarter"
	LevelYear    Level = "year"
)

// DetermineLevel picks a granularity from the range width so the number
// of plotted points stays bounded regardless of how wide the range is.
func DetermineLevel(start, end time.Time) Level {
	days := int(types.Day(end).Sub(types.Day(start)).Hours()/24) + 1
	switch {
	case days <= 31:
		return LevelDay
	case days <= 90:
		return LevelWeek
	case days <= 365:
		return LevelMonth
	case days <= 730:
		return LevelQuarter
	default:
		return LevelYear
	}
}

// BucketKey returns the bucket a date falls in at the given level. Keys
// at every level sort lexicographically in chronological order.
func BucketKey(date time.Time, level Level) string {
	d := types.Day(date)
	switch level {
	case LevelWeek:
		// Monday of the ISO week.
		offset := (int(d.Weekday()) + 6) % 7
		return d.AddDate(0, 0, -offset).Format(types.DateFormat)
	case LevelMonth:
		return time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC).Format(types.DateFormat)
	case LevelQuarter:
		return fmt.Sprintf("%d-Q%d", d.Year(), (int(d.Month())-1)/3+1)
	case LevelYear:
		return strconv.Itoa(d.Year())
	default:
		return d.Format(types.DateFormat)
	}
}

// Row is one merged bucket. Consumed, produced and cost fields are sums
// over the bucket's days; COP and OutdoorTemp are averages.
type Row struct {
	Key  string
	Date time.Time
	Days int

	HeatingConsumed  float64
	HotWaterConsumed float64
	TotalConsumed    float64
	HeatingProduced  float64
	HotWaterProduced float64
	TotalProduced    float64
	COP              float64
	Cost             float64
	OutdoorTemp      float64
}

// Columns renders the row in the positional order the chart layer
// consumes. The order is a frozen contract; append, never reorder.
func (r Row) Columns() []any {
	return []any{
		r.Key,
		r.HeatingConsumed,
		r.HotWaterConsumed,
		r.TotalConsumed,
		r.HeatingProduced,
		r.HotWaterProduced,
		r.TotalProduced,
		r.COP,
		r.Cost,
		r.OutdoorTemp,
	}
}

// Aggregate folds daily records into one Row per bucket at the given
// level, sorted ascending by bucket key. The first record seen for a
// bucket seeds it; Date keeps the seed's date. Empty input yields an
// empty result.
func Aggregate(records []types.DailyRecord, level Level) []Row {
	buckets := make(map[string]*Row)
	// Tracked separately because a day can lack a temperature reading
	// and a missing day must not drag the average toward zero.
	tempDays := make(map[string]int)

	for _, rec := range records {
		key := BucketKey(rec.Date, level)
		row, ok := buckets[key]
		if !ok {
			row = &Row{Key: key, Date: rec.Day()}
			buckets[key] = row
		}
		row.Days++
		row.HeatingConsumed += rec.HeatingConsumed
		row.HotWaterConsumed += rec.HotWaterConsumed
		if rec.TotalConsumed != nil {
			row.TotalConsumed += *rec.TotalConsumed
		}
		row.HeatingProduced += rec.HeatingProduced
		row.HotWaterProduced += rec.HotWaterProduced
		if rec.TotalProduced != nil {
			row.TotalProduced += *rec.TotalProduced
		}
		row.COP += rec.COP
		row.Cost += rec.Cost
		if rec.OutdoorTemp != nil {
			row.OutdoorTemp += *rec.OutdoorTemp
			tempDays[key]++
		}
	}

	rows := make([]Row, 0, len(buckets))
	for key, row := range buckets {
		if row.Days > 0 {
			row.COP /= float64(row.Days)
		}
		if n := tempDays[key]; n > 0 {
			row.OutdoorTemp /= float64(n)
		}
		rows = append(rows, *row)
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].Key < rows[j].Key
	})
	return rows
}
