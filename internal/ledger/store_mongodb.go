package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoDBStore implements Store for MongoDB. The conditional update is
// a FindOneAndUpdate whose filter pins the pool field to its previously
// observed value; the unique index on user turns insert races into
// duplicate-key errors the updater can retry on.
type MongoDBStore struct {
	collection *mongo.Collection
}

// NewMongoDBStore creates a MongoDB balance store and ensures the
// unique index on the user field exists.
func NewMongoDBStore(database *mongo.Database) (*MongoDBStore, error) {
	if database == nil {
		return nil, fmt.Errorf("database is required")
	}

	collection := database.Collection("balances")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		// Log warning but don't fail - the index may already exist
		slog.Warn("failed to create MongoDB index for balances", "error", err)
	}

	return &MongoDBStore{collection: collection}, nil
}

// poolField returns the document field holding the given pool.
func poolField(credit CreditType) string {
	if credit == "" {
		return "tokenCredits"
	}
	return "availableCredits." + string(credit)
}

// Find returns the balance document for user, or nil, nil when absent.
func (s *MongoDBStore) Find(ctx context.Context, user string) (*Balance, error) {
	var balance Balance
	err := s.collection.FindOne(ctx, bson.D{{Key: "user", Value: user}}).Decode(&balance)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find balance for user %s: %w", user, err)
	}
	return &balance, nil
}

// CompareAndSwap updates the pool only if it still equals expected.
func (s *MongoDBStore) CompareAndSwap(ctx context.Context, user string, credit CreditType, expected, next int64, set SetValues) (*Balance, error) {
	filter := bson.D{
		{Key: "user", Value: user},
		{Key: poolField(credit), Value: expected},
	}

	setFields := bson.D{{Key: poolField(credit), Value: next}}
	if set.LastRefill != nil {
		setFields = append(setFields, bson.E{Key: "lastRefill", Value: *set.LastRefill})
	}
	update := bson.D{{Key: "$set", Value: setFields}}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var balance Balance
	err := s.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&balance)
	if errors.Is(err, mongo.ErrNoDocuments) {
		// The pool changed between the caller's read and this write.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update balance for user %s: %w", user, err)
	}
	return &balance, nil
}

// Insert creates the balance document for user. A concurrent creation
// surfaces as ErrDuplicateKey via the unique index on user.
func (s *MongoDBStore) Insert(ctx context.Context, user string, credit CreditType, value int64, set SetValues) (*Balance, error) {
	balance := &Balance{User: user}
	switch credit {
	case CreditText:
		balance.AvailableCredits.Text = value
	case CreditImage:
		balance.AvailableCredits.Image = value
	case CreditPresentation:
		balance.AvailableCredits.Presentation = value
	case CreditVideo:
		balance.AvailableCredits.Video = value
	default:
		balance.TokenCredits = value
	}
	balance.LastRefill = set.LastRefill

	_, err := s.collection.InsertOne(ctx, balance)
	if mongo.IsDuplicateKeyError(err) {
		return nil, ErrDuplicateKey
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert balance for user %s: %w", user, err)
	}
	return balance, nil
}

// Close is a no-op for MongoDB as the client is managed by the storage layer.
func (s *MongoDBStore) Close() error {
	return nil
}
