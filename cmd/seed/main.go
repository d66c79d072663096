// Command seed fills the Firestore emulator with a few months of
// plausible daily records and prices for local development.
package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/heatwatch/heatwatch/pkg/log"
	"github.com/heatwatch/heatwatch/pkg/pricing"
	"github.com/heatwatch/heatwatch/pkg/storage"
	"github.com/heatwatch/heatwatch/pkg/types"
	"github.com/levenlabs/go-lflag"
)

func main() {
	os.Setenv("FIRESTORE_EMULATOR_HOST", "127.0.0.1:8087")
	s := storage.Configured()
	lflag.Configure()

	ctx := context.Background()

	log.Ctx(ctx).InfoContext(ctx, "seeding mock data")

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	now := time.Now()
	start := types.Day(now).AddDate(0, 0, -120)

	// seed prices first so ingestion-time costs are realistic
	for m := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC); !m.After(now); m = m.AddDate(0, 1, 0) {
		price := types.PriceRecord{
			Year:             m.Year(),
			Month:            m.Month(),
			ElectricityPrice: pricing.DefaultElectricityPrice + (rng.Float64()*0.04 - 0.02),
			DieselPrice:      pricing.DefaultDieselPrice + (rng.Float64()*0.2 - 0.1),
			DieselEfficiency: pricing.DefaultDieselEfficiency,
		}
		if err := s.UpsertPriceRecord(ctx, price); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to seed price", "error", err)
			os.Exit(1)
		}
	}

	rec := &pricing.Recalculator{DB: s}

	for d := start; d.Before(types.Day(now)); d = d.AddDate(0, 0, 1) {
		// colder around the new year, warmer toward the edges of the window
		yearFrac := float64(d.YearDay()) / 365.0
		outdoor := 12.0 - 10.0*math.Cos(2*math.Pi*yearFrac) + (rng.Float64()*4 - 2)

		// heating demand scales inversely with outdoor temperature
		heating := math.Max(0, (16.0-outdoor)*1.4) + rng.Float64()
		hotWater := 1.5 + rng.Float64()
		cop := 3.2 + rng.Float64()*0.8

		daily := types.DailyRecord{
			Date:             d,
			HeatingConsumed:  heating,
			HotWaterConsumed: hotWater,
			HeatingProduced:  heating * cop,
			HotWaterProduced: hotWater * cop,
			COP:              cop,
			OutdoorTemp:      types.Float(outdoor),
			DeviceID:         42,
			DeviceName:       "Heat Pump",
			OperationMode:    "Heat",
		}
		daily.ComputeTotals()

		// leave the occasional gap for the collector to find
		if rng.Float64() < 0.05 {
			daily.TotalConsumed = nil
			daily.TotalProduced = nil
		}
		if rng.Float64() < 0.05 {
			daily.OutdoorTemp = nil
		}

		if err := s.UpsertDailyRecord(ctx, daily); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to seed daily record", "error", err)
			os.Exit(1)
		}

		fmt.Printf("Seeded %s: consumed %.1f kWh, COP %.2f, outdoor %.1f°C\n",
			d.Format(types.DateFormat), heating+hotWater, cop, outdoor)
	}

	// make the stored costs consistent with the seeded prices
	updated, err := rec.RecalculateRange(ctx, start, types.Day(now))
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to recalculate costs", "error", err)
		os.Exit(1)
	}

	log.Ctx(ctx).InfoContext(ctx, "seeded mock data successfully")
	fmt.Printf("Recalculated cost on %d records\n", updated)
}
