package txlog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Prometheus metric for recorded transactions.
var transactionsRecorded = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "creditledger_transactions_recorded_total",
		Help: "Total number of transactions appended to the log",
	},
	[]string{"token_type"},
)

// MongoDBStore implements Store for MongoDB.
type MongoDBStore struct {
	collection *mongo.Collection
}

// NewMongoDBStore creates a MongoDB transaction store.
// It creates indexes for the common query fields.
func NewMongoDBStore(database *mongo.Database) (*MongoDBStore, error) {
	if database == nil {
		return nil, fmt.Errorf("database is required")
	}

	collection := database.Collection("transactions")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "user", Value: 1}}},
		{Keys: bson.D{{Key: "tokenType", Value: 1}}},
		{Keys: bson.D{{Key: "model", Value: 1}}},
		{Keys: bson.D{{Key: "createdAt", Value: -1}}},
	}

	_, err := collection.Indexes().CreateMany(ctx, indexes)
	if err != nil {
		// Log warning but don't fail - indexes may already exist
		slog.Warn("failed to create some MongoDB indexes for transactions", "error", err)
	}

	return &MongoDBStore{collection: collection}, nil
}

// Record appends one transaction.
func (s *MongoDBStore) Record(ctx context.Context, txn *Transaction) error {
	_, err := s.collection.InsertOne(ctx, txn)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	transactionsRecorded.WithLabelValues(txn.TokenType).Inc()
	return nil
}

// Query returns transactions matching the filter.
func (s *MongoDBStore) Query(ctx context.Context, filter Filter) ([]Transaction, error) {
	query := bson.D{}
	if filter.User != "" {
		query = append(query, bson.E{Key: "user", Value: filter.User})
	}
	if filter.TokenType != "" {
		query = append(query, bson.E{Key: "tokenType", Value: filter.TokenType})
	}
	if filter.Context != "" {
		query = append(query, bson.E{Key: "context", Value: filter.Context})
	}
	if filter.Model != "" {
		query = append(query, bson.E{Key: "model", Value: filter.Model})
	}

	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}})
	cursor, err := s.collection.Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer cursor.Close(ctx)

	var results []Transaction
	if err := cursor.All(ctx, &results); err != nil {
		return nil, fmt.Errorf("failed to decode transactions: %w", err)
	}
	return results, nil
}

// Close is a no-op for MongoDB as the client is managed by the storage layer.
func (s *MongoDBStore) Close() error {
	return nil
}
