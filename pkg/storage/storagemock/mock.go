package storagemock

import (
	"context"
	"time"

	"github.com/heatwatch/heatwatch/pkg/storage"
	"github.com/heatwatch/heatwatch/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) UpsertDailyRecord(ctx context.Context, record types.DailyRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockDatabase) GetDailyRecord(ctx context.Context, date time.Time) (types.DailyRecord, error) {
	args := m.Called(ctx, date)
	if len(args) > 0 {
		return args.Get(0).(types.DailyRecord), args.Error(1)
	}
	return types.DailyRecord{}, nil
}

func (m *MockDatabase) GetDailyRecords(ctx context.Context, start, end time.Time) ([]types.DailyRecord, error) {
	args := m.Called(ctx, start, end)
	if len(args) > 0 {
		return args.Get(0).([]types.DailyRecord), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) UpsertPriceRecord(ctx context.Context, price types.PriceRecord) error {
	args := m.Called(ctx, price)
	return args.Error(0)
}

func (m *MockDatabase) GetPriceRecord(ctx context.Context, year int, month time.Month) (types.PriceRecord, error) {
	args := m.Called(ctx, year, month)
	if len(args) > 0 {
		return args.Get(0).(types.PriceRecord), args.Error(1)
	}
	return types.PriceRecord{}, nil
}

func (m *MockDatabase) GetPriceRecords(ctx context.Context) ([]types.PriceRecord, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).([]types.PriceRecord), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) GetLatestPriceRecord(ctx context.Context) (types.PriceRecord, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).(types.PriceRecord), args.Error(1)
	}
	return types.PriceRecord{}, nil
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
