package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/heatwatch/heatwatch/pkg/types"
	"github.com/levenlabs/go-lflag"
)

var (
	ErrRecordNotFound = errors.New("daily record not found")
	ErrPriceNotFound  = errors.New("price record not found")
)

// Database defines the interface for persisting daily records and monthly
// price records.
type Database interface {
	// Daily records
	// UpsertDailyRecord adds or updates the record for its calendar day.
	UpsertDailyRecord(ctx context.Context, record types.DailyRecord) error
	GetDailyRecord(ctx context.Context, date time.Time) (types.DailyRecord, error)
	GetDailyRecords(ctx context.Context, start, end time.Time) ([]types.DailyRecord, error)

	// Prices
	// UpsertPriceRecord adds or updates the price record for its month.
	UpsertPriceRecord(ctx context.Context, price types.PriceRecord) error
	GetPriceRecord(ctx context.Context, year int, month time.Month) (types.PriceRecord, error)
	GetPriceRecords(ctx context.Context) ([]types.PriceRecord, error)
	GetLatestPriceRecord(ctx context.Context) (types.PriceRecord, error)

	// Lifecycle
	Close() error
}

// Configured sets up the Storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "firestore", "Storage provider to use (available: firestore)")

	var p struct{ Database }

	fs := configuredFirestore()

	lflag.Do(func() {
		switch *provider {
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			p.Database = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
