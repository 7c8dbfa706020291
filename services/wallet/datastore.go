package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const statsCollection = "wallet_stats"

// Datastore abstracts over wallet stats storage
type Datastore interface {
	GetStats(ctx context.Context, userID, currency string) (*Stats, error)
	RecordDeposit(ctx context.Context, tenantID, userID, currency string, amount decimal.Decimal) error
	RecordWithdrawal(ctx context.Context, tenantID, userID, currency string, amount decimal.Decimal) error
	RecordReversal(ctx context.Context, userID, currency string, amount decimal.Decimal) error
}

// MongoStore is the mongo backed wallet stats store
type MongoStore struct {
	db *mongo.Database
}

// NewMongoStore creates the store
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{db: db}
}

func statsID(userID, currency string) string {
	return userID + ":" + currency
}

// GetStats fetches the lifetime counters, zero valued when absent
func (s *MongoStore) GetStats(ctx context.Context, userID, currency string) (*Stats, error) {
	var st Stats
	err := s.db.Collection(statsCollection).FindOne(ctx, bson.M{"_id": statsID(userID, currency)}).Decode(&st)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return &Stats{ID: statsID(userID, currency), UserID: userID, Currency: currency}, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *MongoStore) bump(ctx context.Context, tenantID, userID, currency string, inc bson.M) error {
	now := time.Now().UTC()
	_, err := s.db.Collection(statsCollection).UpdateOne(ctx,
		bson.M{"_id": statsID(userID, currency)},
		bson.M{
			"$inc": inc,
			"$set": bson.M{"lastActivityAt": now, "updatedAt": now},
			"$setOnInsert": bson.M{
				"userId": userID, "tenantId": tenantID, "currency": currency,
			},
		},
		options.Update().SetUpsert(true))
	return err
}

// RecordDeposit bumps the deposit counters
func (s *MongoStore) RecordDeposit(ctx context.Context, tenantID, userID, currency string, amount decimal.Decimal) error {
	return s.bump(ctx, tenantID, userID, currency, bson.M{
		"totalDeposited": amount,
		"depositCount":   1,
	})
}

// RecordWithdrawal bumps the withdrawal counters
func (s *MongoStore) RecordWithdrawal(ctx context.Context, tenantID, userID, currency string, amount decimal.Decimal) error {
	return s.bump(ctx, tenantID, userID, currency, bson.M{
		"totalWithdrawn":  amount,
		"withdrawalCount": 1,
	})
}

// RecordReversal backs a deposit out of the lifetime counters
func (s *MongoStore) RecordReversal(ctx context.Context, userID, currency string, amount decimal.Decimal) error {
	now := time.Now().UTC()
	_, err := s.db.Collection(statsCollection).UpdateOne(ctx,
		bson.M{"_id": statsID(userID, currency)},
		bson.M{
			"$inc": bson.M{"totalDeposited": amount.Neg(), "depositCount": -1},
			"$set": bson.M{"lastActivityAt": now, "updatedAt": now},
		})
	return err
}
