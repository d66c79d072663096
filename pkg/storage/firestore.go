package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/heatwatch/heatwatch/pkg/log"
	"github.com/heatwatch/heatwatch/pkg/types"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreProvider implements the Database interface using Google Cloud
// Firestore. Daily records and monthly prices are stored as JSON blobs.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// Project ID verification could be here, but we allow empty if inferred.
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

// UpsertDailyRecord adds or updates a daily record in the "daily" collection.
// The document ID is the formatted date for lexicographic ordering and
// efficient range queries.
func (f *FirestoreProvider) UpsertDailyRecord(ctx context.Context, record types.DailyRecord) error {
	if record.Date.IsZero() {
		return fmt.Errorf("daily record missing date")
	}
	jsonBytes, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal daily record: %w", err)
	}

	docID := record.Day().Format(types.DateFormat)
	_, err = f.client.Collection("daily").Doc(docID).Set(ctx, map[string]interface{}{
		"json": string(jsonBytes),
		"date": record.Day(),
	})
	if err != nil {
		return fmt.Errorf("failed to upsert daily record: %w", err)
	}
	return nil
}

// GetDailyRecord retrieves the record for a single calendar day.
// Returns ErrRecordNotFound when the day has never been stored.
func (f *FirestoreProvider) GetDailyRecord(ctx context.Context, date time.Time) (types.DailyRecord, error) {
	docID := types.Day(date).Format(types.DateFormat)
	doc, err := f.client.Collection("daily").Doc(docID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.DailyRecord{}, fmt.Errorf("%w: %s", ErrRecordNotFound, docID)
		}
		return types.DailyRecord{}, fmt.Errorf("failed to fetch daily record %s: %w", docID, err)
	}
	return decodeDailyRecord(ctx, doc)
}

// GetDailyRecords retrieves daily records within the specified date range,
// start and end inclusive, in ascending date order. Uses document ID range
// queries for efficient filtering without reading all documents.
func (f *FirestoreProvider) GetDailyRecords(ctx context.Context, start, end time.Time) ([]types.DailyRecord, error) {
	coll := f.client.Collection("daily")
	startDocID := types.Day(start).Format(types.DateFormat)
	endDocID := types.Day(end).Format(types.DateFormat)

	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(startDocID)).
		Where(firestore.DocumentID, "<=", coll.Doc(endDocID)).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var records []types.DailyRecord
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating daily records: %w", err)
		}
		r, err := decodeDailyRecord(ctx, doc)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, nil
}

func decodeDailyRecord(ctx context.Context, doc *firestore.DocumentSnapshot) (types.DailyRecord, error) {
	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "daily record doc missing json", slog.String("docID", doc.Ref.ID), slog.Any("err", err))
		return types.DailyRecord{}, fmt.Errorf("daily record doc %s missing 'json' field: %w", doc.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "daily record doc json not string", slog.String("docID", doc.Ref.ID))
		return types.DailyRecord{}, fmt.Errorf("daily record doc %s 'json' field is not string", doc.Ref.ID)
	}

	var r types.DailyRecord
	if err := json.Unmarshal([]byte(jsonStr), &r); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal daily record", slog.String("docID", doc.Ref.ID), slog.Any("err", err))
		return types.DailyRecord{}, fmt.Errorf("failed to unmarshal daily record (id=%s): %w", doc.Ref.ID, err)
	}
	return r, nil
}

// UpsertPriceRecord adds or updates a price record in the "prices" collection.
// The document ID is the month key so months sort lexicographically.
func (f *FirestoreProvider) UpsertPriceRecord(ctx context.Context, price types.PriceRecord) error {
	if err := price.Validate(); err != nil {
		return fmt.Errorf("invalid price record: %w", err)
	}
	jsonBytes, err := json.Marshal(price)
	if err != nil {
		return fmt.Errorf("failed to marshal price record: %w", err)
	}

	_, err = f.client.Collection("prices").Doc(price.Key()).Set(ctx, map[string]interface{}{
		"json": string(jsonBytes),
	})
	if err != nil {
		return fmt.Errorf("failed to upsert price record: %w", err)
	}
	return nil
}

// GetPriceRecord retrieves the price record for a specific month.
// Returns ErrPriceNotFound when the month has no stored prices.
func (f *FirestoreProvider) GetPriceRecord(ctx context.Context, year int, month time.Month) (types.PriceRecord, error) {
	docID := types.MonthKey(year, month)
	doc, err := f.client.Collection("prices").Doc(docID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.PriceRecord{}, fmt.Errorf("%w: %s", ErrPriceNotFound, docID)
		}
		return types.PriceRecord{}, fmt.Errorf("failed to fetch price record %s: %w", docID, err)
	}
	return decodePriceRecord(ctx, doc)
}

// GetPriceRecords retrieves all stored price records in ascending month order.
func (f *FirestoreProvider) GetPriceRecords(ctx context.Context) ([]types.PriceRecord, error) {
	iter := f.client.Collection("prices").
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var prices []types.PriceRecord
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating price records: %w", err)
		}
		p, err := decodePriceRecord(ctx, doc)
		if err != nil {
			return nil, err
		}
		prices = append(prices, p)
	}
	return prices, nil
}

// GetLatestPriceRecord retrieves the price record for the most recent month
// that has one. Returns ErrPriceNotFound when no prices were ever stored.
func (f *FirestoreProvider) GetLatestPriceRecord(ctx context.Context) (types.PriceRecord, error) {
	iter := f.client.Collection("prices").
		OrderBy(firestore.DocumentID, firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return types.PriceRecord{}, ErrPriceNotFound
	}
	if err != nil {
		return types.PriceRecord{}, fmt.Errorf("failed to get latest price record: %w", err)
	}
	return decodePriceRecord(ctx, doc)
}

func decodePriceRecord(ctx context.Context, doc *firestore.DocumentSnapshot) (types.PriceRecord, error) {
	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "price doc missing json", slog.String("docID", doc.Ref.ID), slog.Any("err", err))
		return types.PriceRecord{}, fmt.Errorf("price doc %s missing 'json' field: %w", doc.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "price doc json not string", slog.String("docID", doc.Ref.ID))
		return types.PriceRecord{}, fmt.Errorf("price doc %s 'json' field is not string", doc.Ref.ID)
	}

	var p types.PriceRecord
	if err := json.Unmarshal([]byte(jsonStr), &p); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal price record", slog.String("docID", doc.Ref.ID), slog.Any("err", err))
		return types.PriceRecord{}, fmt.Errorf("failed to unmarshal price record (id=%s): %w", doc.Ref.ID, err)
	}
	return p, nil
}
