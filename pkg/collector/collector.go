// Package collector drives the periodic reconciliation loop: it finds
// gaps in the stored daily series and backfills them from the upstream
// providers.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/heatwatch/heatwatch/pkg/log"
	"github.com/heatwatch/heatwatch/pkg/melcloud"
	"github.com/heatwatch/heatwatch/pkg/metrics"
	"github.com/heatwatch/heatwatch/pkg/pricing"
	"github.com/heatwatch/heatwatch/pkg/storage"
	"github.com/heatwatch/heatwatch/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// TelemetrySource provides ranged energy reports and device state.
// Implemented by melcloud.Client.
type TelemetrySource interface {
	EnergyReport(ctx context.Context, from, to time.Time) (melcloud.Report, error)
	DeviceState(ctx context.Context) (melcloud.DeviceState, error)
	Device() (int, string)
}

// TemperatureSource provides a day's outdoor temperature reading.
// Implemented by hass.Client.
type TemperatureSource interface {
	OutdoorTemperature(ctx context.Context, date time.Time) (float64, bool, error)
}

// Collector periodically reconciles the daily store against the upstream
// providers.
type Collector struct {
	telemetry   TelemetrySource
	temperature TemperatureSource
	db          storage.Database
	prices      *pricing.Recalculator

	pollInterval  time.Duration
	retryInterval time.Duration
	windowDays    int
	maxBatchDays  int

	now func() time.Time
}

// maxBatchDaysLimit is a hard cap on batch width: the provider truncates
// wider report windows unpredictably.
const maxBatchDaysLimit = 14

// Configured sets up flags for the collector and returns the instance.
func Configured(telemetry TelemetrySource, temperature TemperatureSource, db storage.Database, prices *pricing.Recalculator) *Collector {
	c := &Collector{
		telemetry:   telemetry,
		temperature: temperature,
		db:          db,
		prices:      prices,
		now:         time.Now,
	}
	poll := lflag.Duration("collector-poll-interval", 24*time.Hour, "Interval between backfill passes")
	retry := lflag.Duration("collector-retry-interval", 2*time.Hour, "Sleep before retrying after a failed pass")
	window := lflag.Int("collector-window-days", 180, "Lookback window scanned for gaps, in days")
	batch := lflag.Int("collector-batch-days", maxBatchDaysLimit, "Maximum width of one ranged report request, in days")

	lflag.Do(func() {
		c.pollInterval = *poll
		c.retryInterval = *retry
		c.windowDays = *window
		c.maxBatchDays = *batch
		if c.maxBatchDays <= 0 || c.maxBatchDays > maxBatchDaysLimit {
			c.maxBatchDays = maxBatchDaysLimit
		}
	})

	return c
}

// Validate ensures the configuration is valid.
func (c *Collector) Validate() error {
	if c.windowDays <= 0 {
		return fmt.Errorf("collector-window-days must be positive")
	}
	return nil
}

// RunForever runs passes until the context is canceled. A failed pass is
// logged and retried after the retry interval; it never exits the loop.
func (c *Collector) RunForever(ctx context.Context) error {
	for {
		sleep := c.pollInterval
		if _, err := c.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Ctx(ctx).ErrorContext(ctx, "backfill pass failed", slog.Any("err", err),
				slog.Duration("retryIn", c.retryInterval))
			sleep = c.retryInterval
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// RunOnce executes a single reconciliation pass: ensure the current
// month has prices, find the gaps in the lookback window and fill them
// most recent first. Store errors and exhausted provider auth abort the
// pass; everything else just leaves the date as a gap for the next pass.
func (c *Collector) RunOnce(ctx context.Context) (PassReport, error) {
	started := c.now()
	report := PassReport{Started: started}
	err := c.runPass(ctx, &report)
	report.Finished = c.now()

	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	}
	metrics.ObservePass(result, report.Finished.Sub(started))
	for _, s := range []types.Series{types.SeriesEnergy, types.SeriesTemperature} {
		metrics.SetGapsRemaining(string(s), report.Remaining(s))
	}

	log.Ctx(ctx).InfoContext(ctx, "backfill pass finished",
		slog.Int("stored", report.Count(StateStored)),
		slog.Int("retryable", report.Count(StateFailedRetryable)),
		slog.Int("permanent", report.Count(StateFailedPermanent)),
		slog.Duration("took", report.Finished.Sub(started)),
		slog.Any("err", err))
	return report, err
}

func (c *Collector) runPass(ctx context.Context, report *PassReport) error {
	if err := c.prices.EnsureCurrentMonth(ctx, c.now()); err != nil {
		return fmt.Errorf("failed to ensure current month prices: %w", err)
	}

	end := types.Day(c.now()).AddDate(0, 0, -1)
	start := end.AddDate(0, 0, -(c.windowDays - 1))
	gaps, err := FindGaps(ctx, c.db, []types.Series{types.SeriesEnergy, types.SeriesTemperature}, start, end)
	if err != nil {
		return err
	}

	energyDates := datesFor(gaps, types.SeriesEnergy)
	temperatureDates := datesFor(gaps, types.SeriesTemperature)
	log.Ctx(ctx).InfoContext(ctx, "gap scan finished",
		log.Date("windowStart", start),
		log.Date("windowEnd", end),
		slog.Int("energyGaps", len(energyDates)),
		slog.Int("temperatureGaps", len(temperatureDates)))

	if err := c.fillEnergy(ctx, report, energyDates); err != nil {
		return err
	}
	if err := c.fillTemperature(ctx, report, temperatureDates); err != nil {
		return err
	}
	return nil
}

// datesFor extracts the gap dates of one series, most recent first.
func datesFor(gaps map[string][]types.Series, series types.Series) []time.Time {
	var dates []time.Time
	for key, missing := range gaps {
		for _, s := range missing {
			if s != series {
				continue
			}
			d, err := time.Parse(types.DateFormat, key)
			if err == nil {
				dates = append(dates, d)
			}
			break
		}
	}
	sort.Slice(dates, func(i, j int) bool {
		return dates[i].After(dates[j])
	})
	return dates
}

// batch is one contiguous run of gap dates, fetched with a single ranged
// report request.
type batch struct {
	from, to time.Time
	dates    []time.Time
}

// batches groups dates (most recent first) into contiguous runs capped at
// maxDays. Order is preserved so the newest batch is fetched first.
func batches(dates []time.Time, maxDays int) []batch {
	var out []batch
	for _, d := range dates {
		if n := len(out); n > 0 {
			cur := &out[n-1]
			if cur.from.Sub(d) == 24*time.Hour && len(cur.dates) < maxDays {
				cur.from = d
				cur.dates = append(cur.dates, d)
				continue
			}
		}
		out = append(out, batch{from: d, to: d, dates: []time.Time{d}})
	}
	return out
}

func (c *Collector) fillEnergy(ctx context.Context, report *PassReport, dates []time.Time) error {
	for _, b := range batches(dates, c.maxBatchDays) {
		for _, d := range b.dates {
			report.record(d, types.SeriesEnergy, StateFetching, "")
		}

		providerReport, err := c.telemetry.EnergyReport(ctx, b.from, b.to)
		if errors.Is(err, melcloud.ErrAuth) {
			// No app version variant got us a session; nothing in this
			// pass can succeed.
			metrics.IncProviderRequest("melcloud", metrics.ResultError)
			return fmt.Errorf("telemetry auth failed: %w", err)
		}
		if err != nil {
			metrics.IncProviderRequest("melcloud", metrics.ResultError)
			log.Ctx(ctx).WarnContext(ctx, "energy report failed, batch left for next pass",
				log.Date("from", b.from),
				log.Date("to", b.to),
				slog.Any("err", err))
			for _, d := range b.dates {
				report.record(d, types.SeriesEnergy, StateFailedRetryable, err.Error())
			}
			continue
		}
		metrics.IncProviderRequest("melcloud", metrics.ResultSuccess)

		for _, d := range b.dates {
			values := providerReport.Resolve(d)
			if !values.Found {
				log.Ctx(ctx).WarnContext(ctx, "report does not cover date",
					log.Date("date", d),
					slog.String("reportFrom", providerReport.FromDate),
					slog.String("reportTo", providerReport.ToDate))
				report.record(d, types.SeriesEnergy, StateFailedRetryable, "date not in report")
				continue
			}
			if values.IsZero() {
				log.Ctx(ctx).WarnContext(ctx, "storing all-zero energy day, low confidence",
					log.Date("date", d))
			}
			if err := c.storeEnergy(ctx, d, values); err != nil {
				return err
			}
			report.record(d, types.SeriesEnergy, StateStored, "")
		}
	}

	c.enrichYesterday(ctx, report)
	return nil
}

// storeEnergy merges the resolved energy values into the day's record,
// keeping whatever the temperature series already put there.
func (c *Collector) storeEnergy(ctx context.Context, date time.Time, values melcloud.DayValues) error {
	rec, err := c.db.GetDailyRecord(ctx, date)
	if errors.Is(err, storage.ErrRecordNotFound) {
		rec = types.DailyRecord{Date: types.Day(date)}
	} else if err != nil {
		return fmt.Errorf("failed to load record for merge: %w", err)
	}

	rec.Date = types.Day(date)
	rec.HeatingConsumed = values.HeatingConsumed
	rec.HotWaterConsumed = values.HotWaterConsumed
	rec.HeatingProduced = values.HeatingProduced
	rec.HotWaterProduced = values.HotWaterProduced
	rec.ComputeTotals()
	rec.COP = values.COP
	rec.DeviceID, rec.DeviceName = c.telemetry.Device()

	price, err := c.prices.PriceFor(ctx, date.Year(), date.Month())
	if err == nil {
		rec.Cost = *rec.TotalConsumed * price.ElectricityPrice
	} else if !errors.Is(err, storage.ErrPriceNotFound) {
		return err
	}

	if err := c.db.UpsertDailyRecord(ctx, rec); err != nil {
		return fmt.Errorf("failed to store energy for %s: %w", rec.Day().Format(types.DateFormat), err)
	}
	return nil
}

// enrichYesterday adds the device's live state to yesterday's record when
// this pass stored it. The state endpoint only reflects "now", so only
// the freshest day gets provenance from it.
func (c *Collector) enrichYesterday(ctx context.Context, report *PassReport) {
	yesterday := types.Day(c.now()).AddDate(0, 0, -1)
	var stored bool
	for _, o := range report.Outcomes {
		if o.Series == types.SeriesEnergy && o.State == StateStored && o.Date.Equal(yesterday) {
			stored = true
			break
		}
	}
	if !stored {
		return
	}

	state, err := c.telemetry.DeviceState(ctx)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to fetch device state", slog.Any("err", err))
		return
	}
	rec, err := c.db.GetDailyRecord(ctx, yesterday)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to reload yesterday for enrichment", slog.Any("err", err))
		return
	}
	rec.FlowTemp = state.FlowTemp
	rec.ReturnTemp = state.ReturnTemp
	rec.OperationMode = state.OperationModeName()
	rec.DemandPercentage = state.DemandPercentage
	if err := c.db.UpsertDailyRecord(ctx, rec); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to store device state enrichment", slog.Any("err", err))
	}
}

func (c *Collector) fillTemperature(ctx context.Context, report *PassReport, dates []time.Time) error {
	for _, d := range dates {
		report.record(d, types.SeriesTemperature, StateFetching, "")

		temp, ok, err := c.temperature.OutdoorTemperature(ctx, d)
		if err != nil {
			metrics.IncProviderRequest("hass", metrics.ResultError)
			log.Ctx(ctx).WarnContext(ctx, "temperature fetch failed",
				log.Date("date", d),
				slog.Any("err", err))
			report.record(d, types.SeriesTemperature, StateFailedRetryable, err.Error())
			continue
		}
		metrics.IncProviderRequest("hass", metrics.ResultSuccess)
		if !ok {
			report.record(d, types.SeriesTemperature, StateFailedRetryable, "no valid reading")
			continue
		}

		rec, err := c.db.GetDailyRecord(ctx, d)
		if errors.Is(err, storage.ErrRecordNotFound) {
			rec = types.DailyRecord{Date: types.Day(d)}
		} else if err != nil {
			return fmt.Errorf("failed to load record for merge: %w", err)
		}
		rec.Date = types.Day(d)
		rec.OutdoorTemp = types.Float(temp)
		if err := c.db.UpsertDailyRecord(ctx, rec); err != nil {
			return fmt.Errorf("failed to store temperature for %s: %w", rec.Day().Format(types.DateFormat), err)
		}
		report.record(d, types.SeriesTemperature, StateStored, "")
	}
	return nil
}
