// Package pricing keeps the derived cost fields of daily records in sync
// with the monthly price records.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/heatwatch/heatwatch/pkg/log"
	"github.com/heatwatch/heatwatch/pkg/storage"
	"github.com/heatwatch/heatwatch/pkg/types"
)

// dieselKWHPerLiter is the heat energy content of a liter of diesel used
// for the diesel-equivalent comparison.
const dieselKWHPerLiter = 10.5

// Defaults used when a month has to be created and no earlier price
// record exists to copy from.
const (
	DefaultElectricityPrice = 0.1946
	DefaultDieselPrice      = 1.65
	DefaultDieselEfficiency = 0.85
)

// Recalculator rewrites daily cost fields whenever prices change.
type Recalculator struct {
	DB storage.Database
}

// PriceFor returns the price record that applies to the given month.
// When the month has no record it falls back to the most recent earlier
// month, then to the nearest record of any month. Returns
// storage.ErrPriceNotFound only when no prices exist at all.
func (r *Recalculator) PriceFor(ctx context.Context, year int, month time.Month) (types.PriceRecord, error) {
	rec, err := r.DB.GetPriceRecord(ctx, year, month)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, storage.ErrPriceNotFound) {
		return types.PriceRecord{}, err
	}

	all, err := r.DB.GetPriceRecords(ctx)
	if err != nil {
		return types.PriceRecord{}, err
	}
	if len(all) == 0 {
		return types.PriceRecord{}, storage.ErrPriceNotFound
	}

	targetKey := types.MonthKey(year, month)
	var earlier *types.PriceRecord
	for i := range all {
		if all[i].Key() <= targetKey {
			earlier = &all[i]
		}
	}
	if earlier != nil {
		return *earlier, nil
	}
	// No earlier month exists, so the nearest record of any month is the
	// earliest one.
	return all[0], nil
}

// RecalculateMonth rewrites the cost of every daily record in the month
// using the currently applicable electricity price. Returns the number of
// records updated.
func (r *Recalculator) RecalculateMonth(ctx context.Context, year int, month time.Month) (int, error) {
	start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, -1)
	return r.RecalculateRange(ctx, start, end)
}

// RecalculateRange rewrites the cost of every daily record between start
// and end inclusive. Each month's price is resolved once via PriceFor.
func (r *Recalculator) RecalculateRange(ctx context.Context, start, end time.Time) (int, error) {
	records, err := r.DB.GetDailyRecords(ctx, start, end)
	if err != nil {
		return 0, fmt.Errorf("failed to load daily records: %w", err)
	}

	prices := make(map[string]types.PriceRecord)
	var updated int
	for _, rec := range records {
		if !rec.HasEnergy() {
			continue
		}

		key := types.MonthKey(rec.Date.Year(), rec.Date.Month())
		price, ok := prices[key]
		if !ok {
			price, err = r.PriceFor(ctx, rec.Date.Year(), rec.Date.Month())
			if errors.Is(err, storage.ErrPriceNotFound) {
				log.Ctx(ctx).WarnContext(ctx, "no price records exist, skipping cost recalculation",
					log.Date("date", rec.Date))
				return updated, nil
			}
			if err != nil {
				return updated, err
			}
			prices[key] = price
		}

		cost := *rec.TotalConsumed * price.ElectricityPrice
		if rec.Cost == cost {
			continue
		}
		rec.Cost = cost
		if err := r.DB.UpsertDailyRecord(ctx, rec); err != nil {
			return updated, fmt.Errorf("failed to store recalculated cost: %w", err)
		}
		updated++
	}
	log.Ctx(ctx).InfoContext(ctx, "recalculated costs",
		log.Date("start", start),
		log.Date("end", end),
		slog.Int("updated", updated))
	return updated, nil
}

// UpdatePrices validates and stores an edited price record, then
// recalculates the affected month so historical costs always reflect the
// latest price knowledge.
func (r *Recalculator) UpdatePrices(ctx context.Context, price types.PriceRecord) error {
	if err := price.Validate(); err != nil {
		return err
	}
	if err := r.DB.UpsertPriceRecord(ctx, price); err != nil {
		return err
	}
	_, err := r.RecalculateMonth(ctx, price.Year, price.Month)
	return err
}

// EnsureCurrentMonth creates the price record for now's month if it does
// not exist yet, copying the most recent record, or the defaults when no
// prices were ever stored. Rerunning it mid-month is a no-op.
func (r *Recalculator) EnsureCurrentMonth(ctx context.Context, now time.Time) error {
	year, month := now.Year(), now.Month()
	_, err := r.DB.GetPriceRecord(ctx, year, month)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrPriceNotFound) {
		return err
	}

	rec := types.PriceRecord{
		Year:             year,
		Month:            month,
		ElectricityPrice: DefaultElectricityPrice,
		DieselPrice:      DefaultDieselPrice,
		DieselEfficiency: DefaultDieselEfficiency,
	}
	latest, err := r.DB.GetLatestPriceRecord(ctx)
	if err == nil {
		rec.ElectricityPrice = latest.ElectricityPrice
		rec.DieselPrice = latest.DieselPrice
		rec.DieselEfficiency = latest.DieselEfficiency
	} else if !errors.Is(err, storage.ErrPriceNotFound) {
		return err
	}

	log.Ctx(ctx).InfoContext(ctx, "creating price record for new month",
		slog.String("month", rec.Key()),
		slog.Float64("electricityPrice", rec.ElectricityPrice))
	return r.DB.UpsertPriceRecord(ctx, rec)
}

// DieselCost returns what producing the given heat with a diesel boiler
// would have cost. Used for comparison only, never stored.
func DieselCost(producedKWH float64, price types.PriceRecord) float64 {
	if price.DieselEfficiency <= 0 {
		return 0
	}
	liters := producedKWH / (price.DieselEfficiency * dieselKWHPerLiter)
	return liters * price.DieselPrice
}
