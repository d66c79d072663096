package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/heatwatch/heatwatch/pkg/storage"
	"github.com/heatwatch/heatwatch/pkg/types"
)

// overridable in tests
var timeNow = time.Now

// FindGaps scans the stored daily records between windowStart and
// windowEnd and returns, keyed by formatted date, the series that have no
// value there. A stored row whose defining field is nil still counts as a
// gap for that series. The window is clamped to yesterday so today and
// future dates never appear.
func FindGaps(ctx context.Context, db storage.Database, series []types.Series, windowStart, windowEnd time.Time) (map[string][]types.Series, error) {
	start := types.Day(windowStart)
	end := types.Day(windowEnd)
	if yesterday := types.Day(timeNow()).AddDate(0, 0, -1); end.After(yesterday) {
		end = yesterday
	}
	if end.Before(start) {
		return map[string][]types.Series{}, nil
	}

	records, err := db.GetDailyRecords(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to load daily records for gap scan: %w", err)
	}
	byDate := make(map[string]types.DailyRecord, len(records))
	for _, r := range records {
		byDate[r.Day().Format(types.DateFormat)] = r
	}

	gaps := make(map[string][]types.Series)
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		key := d.Format(types.DateFormat)
		rec, ok := byDate[key]
		for _, s := range series {
			if !ok || !rec.Has(s) {
				gaps[key] = append(gaps[key], s)
			}
		}
	}
	return gaps, nil
}
