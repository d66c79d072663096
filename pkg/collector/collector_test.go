package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/heatwatch/heatwatch/pkg/melcloud"
	"github.com/heatwatch/heatwatch/pkg/pricing"
	"github.com/heatwatch/heatwatch/pkg/storage"
	"github.com/heatwatch/heatwatch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memDB is a stateful in-memory Database so the read-modify-write merge
// of the two series can be exercised for real.
type memDB struct {
	daily  map[string]types.DailyRecord
	prices map[string]types.PriceRecord
}

func newMemDB() *memDB {
	return &memDB{
		daily:  make(map[string]types.DailyRecord),
		prices: make(map[string]types.PriceRecord),
	}
}

func (m *memDB) UpsertDailyRecord(ctx context.Context, record types.DailyRecord) error {
	m.daily[record.Day().Format(types.DateFormat)] = record
	return nil
}

func (m *memDB) GetDailyRecord(ctx context.Context, date time.Time) (types.DailyRecord, error) {
	rec, ok := m.daily[types.Day(date).Format(types.DateFormat)]
	if !ok {
		return types.DailyRecord{}, storage.ErrRecordNotFound
	}
	return rec, nil
}

func (m *memDB) GetDailyRecords(ctx context.Context, start, end time.Time) ([]types.DailyRecord, error) {
	var out []types.DailyRecord
	for _, rec := range m.daily {
		if !rec.Day().Before(types.Day(start)) && !rec.Day().After(types.Day(end)) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (m *memDB) UpsertPriceRecord(ctx context.Context, price types.PriceRecord) error {
	if err := price.Validate(); err != nil {
		return err
	}
	m.prices[price.Key()] = price
	return nil
}

func (m *memDB) GetPriceRecord(ctx context.Context, year int, month time.Month) (types.PriceRecord, error) {
	rec, ok := m.prices[types.MonthKey(year, month)]
	if !ok {
		return types.PriceRecord{}, storage.ErrPriceNotFound
	}
	return rec, nil
}

func (m *memDB) GetPriceRecords(ctx context.Context) ([]types.PriceRecord, error) {
	var out []types.PriceRecord
	for _, rec := range m.prices {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func (m *memDB) GetLatestPriceRecord(ctx context.Context) (types.PriceRecord, error) {
	all, _ := m.GetPriceRecords(context.Background())
	if len(all) == 0 {
		return types.PriceRecord{}, storage.ErrPriceNotFound
	}
	return all[len(all)-1], nil
}

func (m *memDB) Close() error { return nil }

type fetchRange struct{ from, to time.Time }

type fakeTelemetry struct {
	report   melcloud.Report
	err      error
	state    melcloud.DeviceState
	stateErr error
	fetches  []fetchRange
}

func (f *fakeTelemetry) EnergyReport(ctx context.Context, from, to time.Time) (melcloud.Report, error) {
	f.fetches = append(f.fetches, fetchRange{from: from, to: to})
	if f.err != nil {
		return melcloud.Report{}, f.err
	}
	return f.report, nil
}

func (f *fakeTelemetry) DeviceState(ctx context.Context) (melcloud.DeviceState, error) {
	return f.state, f.stateErr
}

func (f *fakeTelemetry) Device() (int, string) { return 42, "Heat Pump" }

type fakeTemperature struct {
	temps map[string]float64
	err   error
}

func (f *fakeTemperature) OutdoorTemperature(ctx context.Context, date time.Time) (float64, bool, error) {
	if f.err != nil {
		return 0, false, f.err
	}
	temp, ok := f.temps[types.Day(date).Format(types.DateFormat)]
	return temp, ok, nil
}

func parseReport(t *testing.T, payload string) melcloud.Report {
	t.Helper()
	var r melcloud.Report
	require.NoError(t, json.Unmarshal([]byte(payload), &r))
	return r
}

func day(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := time.Parse(types.DateFormat, s)
	require.NoError(t, err)
	return d
}

// fixedNow pins both the collector clock and the gap-scan clamp.
func fixedNow(t *testing.T, now time.Time) {
	t.Helper()
	prev := timeNow
	timeNow = func() time.Time { return now }
	t.Cleanup(func() { timeNow = prev })
}

func newTestCollector(db *memDB, tel *fakeTelemetry, temp *fakeTemperature, now time.Time) *Collector {
	return &Collector{
		telemetry:     tel,
		temperature:   temp,
		db:            db,
		prices:        &pricing.Recalculator{DB: db},
		pollInterval:  time.Hour,
		retryInterval: time.Minute,
		windowDays:    3,
		maxBatchDays:  maxBatchDaysLimit,
		now:           func() time.Time { return now },
	}
}

func TestBatches(t *testing.T) {
	d := func(s string) time.Time { return day(t, s) }

	// most recent first, one gap in the middle
	dates := []time.Time{d("2024-03-07"), d("2024-03-06"), d("2024-03-05"), d("2024-03-03")}
	got := batches(dates, 14)
	require.Len(t, got, 2)
	assert.Equal(t, d("2024-03-05"), got[0].from)
	assert.Equal(t, d("2024-03-07"), got[0].to)
	assert.Len(t, got[0].dates, 3)
	assert.Equal(t, d("2024-03-03"), got[1].from)
	assert.Equal(t, d("2024-03-03"), got[1].to)

	// width cap splits a contiguous run
	got = batches([]time.Time{d("2024-03-07"), d("2024-03-06"), d("2024-03-05")}, 2)
	require.Len(t, got, 2)
	assert.Len(t, got[0].dates, 2)
	assert.Len(t, got[1].dates, 1)
}

func TestFindGaps(t *testing.T) {
	now := time.Date(2024, 3, 8, 10, 0, 0, 0, time.UTC)
	fixedNow(t, now)

	db := newMemDB()
	// day 6 has energy only, day 7 has both
	energyOnly := types.DailyRecord{Date: day(t, "2024-03-06"), HeatingConsumed: 5}
	energyOnly.ComputeTotals()
	full := types.DailyRecord{Date: day(t, "2024-03-07"), HeatingConsumed: 5, OutdoorTemp: types.Float(4)}
	full.ComputeTotals()
	require.NoError(t, db.UpsertDailyRecord(context.Background(), energyOnly))
	require.NoError(t, db.UpsertDailyRecord(context.Background(), full))

	series := []types.Series{types.SeriesEnergy, types.SeriesTemperature}
	// window runs past today and must be clamped to yesterday
	gaps, err := FindGaps(context.Background(), db, series, day(t, "2024-03-05"), day(t, "2024-03-09"))
	require.NoError(t, err)

	assert.ElementsMatch(t, series, gaps["2024-03-05"])
	assert.Equal(t, []types.Series{types.SeriesTemperature}, gaps["2024-03-06"])
	assert.NotContains(t, gaps, "2024-03-07")
	assert.NotContains(t, gaps, "2024-03-08")
	assert.NotContains(t, gaps, "2024-03-09")
}

func TestFindGapsEmptyWindow(t *testing.T) {
	now := time.Date(2024, 3, 8, 10, 0, 0, 0, time.UTC)
	fixedNow(t, now)

	gaps, err := FindGaps(context.Background(), newMemDB(), []types.Series{types.SeriesEnergy}, day(t, "2024-03-08"), day(t, "2024-03-09"))
	require.NoError(t, err)
	assert.Empty(t, gaps)
}

const fullWeekReport = `{
	"FromDate": "2024-03-05T00:00:00",
	"ToDate": "2024-03-07T00:00:00",
	"Labels": ["2024-03-05", "2024-03-06", "2024-03-07"],
	"Heating": [10, {"Value": 11}, 12],
	"HotWater": [2, 2, 2],
	"ProducedHeating": [30, 33, 36],
	"ProducedHotWater": [6, 6, 6],
	"CoP": [3, 3, 3]
}`

func TestRunOnceFillsBothSeries(t *testing.T) {
	now := time.Date(2024, 3, 8, 10, 0, 0, 0, time.UTC)
	fixedNow(t, now)

	db := newMemDB()
	require.NoError(t, db.UpsertPriceRecord(context.Background(), types.PriceRecord{
		Year: 2024, Month: time.March, ElectricityPrice: 0.2, DieselPrice: 1.65, DieselEfficiency: 0.85,
	}))

	tel := &fakeTelemetry{report: parseReport(t, fullWeekReport)}
	temp := &fakeTemperature{temps: map[string]float64{
		"2024-03-05": 4.5,
		"2024-03-06": 5.5,
		"2024-03-07": 6.5,
	}}

	c := newTestCollector(db, tel, temp, now)
	report, err := c.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 6, report.Count(StateStored))
	assert.Zero(t, report.Count(StateFailedRetryable))
	assert.Zero(t, report.Remaining(types.SeriesEnergy))

	// one ranged request covering the whole contiguous run
	require.Len(t, tel.fetches, 1)
	assert.Equal(t, day(t, "2024-03-05"), tel.fetches[0].from)
	assert.Equal(t, day(t, "2024-03-07"), tel.fetches[0].to)

	// both series merged into the same record
	rec, err := db.GetDailyRecord(context.Background(), day(t, "2024-03-06"))
	require.NoError(t, err)
	require.NotNil(t, rec.TotalConsumed)
	assert.Equal(t, 13.0, *rec.TotalConsumed)
	require.NotNil(t, rec.OutdoorTemp)
	assert.Equal(t, 5.5, *rec.OutdoorTemp)
	assert.Equal(t, 42, rec.DeviceID)
	assert.InDelta(t, 13.0*0.2, rec.Cost, 1e-9)

	// nothing left as a gap
	gaps, err := FindGaps(context.Background(), db, []types.Series{types.SeriesEnergy, types.SeriesTemperature}, day(t, "2024-03-05"), day(t, "2024-03-07"))
	require.NoError(t, err)
	assert.Empty(t, gaps)
}

func TestRunOnceAuthFailureAbortsPass(t *testing.T) {
	now := time.Date(2024, 3, 8, 10, 0, 0, 0, time.UTC)
	fixedNow(t, now)

	db := newMemDB()
	tel := &fakeTelemetry{err: fmt.Errorf("login: %w", melcloud.ErrAuth)}
	temp := &fakeTemperature{temps: map[string]float64{"2024-03-07": 6.5}}

	c := newTestCollector(db, tel, temp, now)
	_, err := c.RunOnce(context.Background())
	require.ErrorIs(t, err, melcloud.ErrAuth)

	// the pass aborted before the temperature series ran
	_, err = db.GetDailyRecord(context.Background(), day(t, "2024-03-07"))
	assert.ErrorIs(t, err, storage.ErrRecordNotFound)
}

func TestRunOnceMalformedReportLeavesBatchRetryable(t *testing.T) {
	now := time.Date(2024, 3, 8, 10, 0, 0, 0, time.UTC)
	fixedNow(t, now)

	db := newMemDB()
	tel := &fakeTelemetry{err: fmt.Errorf("%w: no labels", melcloud.ErrMalformedReport)}
	temp := &fakeTemperature{temps: map[string]float64{
		"2024-03-05": 4.5, "2024-03-06": 5.5, "2024-03-07": 6.5,
	}}

	c := newTestCollector(db, tel, temp, now)
	report, err := c.RunOnce(context.Background())
	require.NoError(t, err)

	// energy stays a gap, the pass still fills temperature
	assert.Equal(t, 3, report.Remaining(types.SeriesEnergy))
	assert.Zero(t, report.Remaining(types.SeriesTemperature))
	rec, err := db.GetDailyRecord(context.Background(), day(t, "2024-03-06"))
	require.NoError(t, err)
	assert.False(t, rec.HasEnergy())
	assert.True(t, rec.HasTemperature())
}

func TestRunOnceShiftedWindowResolvesUncoveredDateRetryable(t *testing.T) {
	now := time.Date(2024, 3, 8, 10, 0, 0, 0, time.UTC)
	fixedNow(t, now)

	// the provider answered with a window missing 2024-03-05
	shifted := parseReport(t, `{
		"FromDate": "2024-03-06T00:00:00",
		"ToDate": "2024-03-07T00:00:00",
		"Labels": ["2024-03-06", "2024-03-07"],
		"Heating": [11, 12],
		"HotWater": [2, 2],
		"ProducedHeating": [33, 36],
		"ProducedHotWater": [6, 6],
		"CoP": [3, 3]
	}`)

	db := newMemDB()
	tel := &fakeTelemetry{report: shifted}
	temp := &fakeTemperature{}

	c := newTestCollector(db, tel, temp, now)
	report, err := c.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Count(StateStored))
	assert.Equal(t, 1, report.Remaining(types.SeriesEnergy))
	_, err = db.GetDailyRecord(context.Background(), day(t, "2024-03-05"))
	assert.ErrorIs(t, err, storage.ErrRecordNotFound)
}

func TestRunOnceStoresZeroDay(t *testing.T) {
	now := time.Date(2024, 3, 8, 10, 0, 0, 0, time.UTC)
	fixedNow(t, now)

	zeroes := parseReport(t, `{
		"FromDate": "2024-03-05T00:00:00",
		"ToDate": "2024-03-07T00:00:00",
		"Labels": ["2024-03-05", "2024-03-06", "2024-03-07"],
		"Heating": [0, 0, 0],
		"HotWater": [0, 0, 0],
		"ProducedHeating": [0, 0, 0],
		"ProducedHotWater": [0, 0, 0],
		"CoP": [0, 0, 0]
	}`)

	db := newMemDB()
	c := newTestCollector(db, &fakeTelemetry{report: zeroes}, &fakeTemperature{}, now)
	report, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Count(StateStored))

	// a zero day is still present, not a gap
	rec, err := db.GetDailyRecord(context.Background(), day(t, "2024-03-06"))
	require.NoError(t, err)
	assert.True(t, rec.HasEnergy())
	assert.Zero(t, *rec.TotalConsumed)
}

func TestRunOnceCreatesCurrentMonthPrices(t *testing.T) {
	now := time.Date(2024, 3, 8, 10, 0, 0, 0, time.UTC)
	fixedNow(t, now)

	db := newMemDB()
	require.NoError(t, db.UpsertPriceRecord(context.Background(), types.PriceRecord{
		Year: 2024, Month: time.January, ElectricityPrice: 0.19, DieselPrice: 1.7, DieselEfficiency: 0.8,
	}))

	c := newTestCollector(db, &fakeTelemetry{report: parseReport(t, fullWeekReport)}, &fakeTemperature{}, now)
	_, err := c.RunOnce(context.Background())
	require.NoError(t, err)

	march, err := db.GetPriceRecord(context.Background(), 2024, time.March)
	require.NoError(t, err)
	assert.Equal(t, 0.19, march.ElectricityPrice)
}

func TestRunOnceEnrichesYesterdayWithDeviceState(t *testing.T) {
	now := time.Date(2024, 3, 8, 10, 0, 0, 0, time.UTC)
	fixedNow(t, now)

	db := newMemDB()
	tel := &fakeTelemetry{
		report: parseReport(t, fullWeekReport),
		state: melcloud.DeviceState{
			FlowTemp:         38.5,
			ReturnTemp:       32.0,
			OperationMode:    0,
			DemandPercentage: 65,
		},
	}

	c := newTestCollector(db, tel, &fakeTemperature{}, now)
	_, err := c.RunOnce(context.Background())
	require.NoError(t, err)

	rec, err := db.GetDailyRecord(context.Background(), day(t, "2024-03-07"))
	require.NoError(t, err)
	assert.Equal(t, 38.5, rec.FlowTemp)
	assert.Equal(t, "Heat", rec.OperationMode)
	assert.Equal(t, 65.0, rec.DemandPercentage)

	// older days only get report-derived fields
	older, err := db.GetDailyRecord(context.Background(), day(t, "2024-03-06"))
	require.NoError(t, err)
	assert.Zero(t, older.FlowTemp)
}

func TestRunOnceTemperatureErrorRetryable(t *testing.T) {
	now := time.Date(2024, 3, 8, 10, 0, 0, 0, time.UTC)
	fixedNow(t, now)

	db := newMemDB()
	temp := &fakeTemperature{err: errors.New("connection refused")}
	c := newTestCollector(db, &fakeTelemetry{report: parseReport(t, fullWeekReport)}, temp, now)

	report, err := c.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Remaining(types.SeriesTemperature))
	assert.Zero(t, report.Remaining(types.SeriesEnergy))
}

func TestRunForeverStopsOnCancel(t *testing.T) {
	now := time.Date(2024, 3, 8, 10, 0, 0, 0, time.UTC)
	fixedNow(t, now)

	c := newTestCollector(newMemDB(), &fakeTelemetry{report: parseReport(t, fullWeekReport)}, &fakeTemperature{}, now)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- c.RunForever(ctx) }()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("RunForever did not stop on cancel")
	}
}
