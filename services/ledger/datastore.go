package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/quillpay/platform/libs/datastore"
	errorutils "github.com/quillpay/platform/libs/errorutils"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	accountsCollection     = "ledger_accounts"
	transactionsCollection = "ledger_transactions"
	holdsCollection        = "ledger_holds"
	ratesCollection        = "ledger_rate_overrides"
)

// Datastore abstracts over ledger storage. Writes that must be atomic are
// run through WithTransaction; the passed context then carries the mongo
// session.
type Datastore interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error)

	EnsureAccount(ctx context.Context, account *Account) (*Account, error)
	GetAccount(ctx context.Context, id string) (*Account, error)
	UpdateAccountSettings(ctx context.Context, id string, allowNegative bool, creditLimit *decimal.Decimal) error
	ApplyEntries(ctx context.Context, entries []Entry) error

	InsertTransaction(ctx context.Context, txn *Transaction) error
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	GetTransactionByExternalRef(ctx context.Context, tenantID, externalRef string) (*Transaction, error)
	MarkTransactionReversed(ctx context.Context, id string) error
	ListTransactions(ctx context.Context, accountID string, limit int, before time.Time) ([]Transaction, error)

	InsertHold(ctx context.Context, hold *Hold) error
	GetHold(ctx context.Context, id string) (*Hold, error)
	TransitionHold(ctx context.Context, id, from, to string) error
	ActiveHoldsTotal(ctx context.Context, accountID string) (decimal.Decimal, error)
	ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]Hold, error)

	GetRateOverride(ctx context.Context, from, to string) (decimal.Decimal, error)
	SetRateOverride(ctx context.Context, from, to string, rate decimal.Decimal) error

	RecomputeBalances(ctx context.Context) (map[string]decimal.Decimal, error)
	ListAccounts(ctx context.Context, limit int, afterID string) ([]Account, error)
}

// MongoStore is the mongo backed ledger datastore
type MongoStore struct {
	db *mongo.Database
}

// NewMongoStore creates the store and ensures its indexes
func NewMongoStore(ctx context.Context, db *mongo.Database) (*MongoStore, error) {
	s := &MongoStore{db: db}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	// externalRef uniqueness is the idempotency guarantee; partial so
	// transactions without a ref are unconstrained
	if _, err := s.db.Collection(transactionsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "tenantId", Value: 1}, {Key: "externalRef", Value: 1}},
		Options: options.Index().SetUnique(true).
			SetPartialFilterExpression(bson.M{"externalRef": bson.M{"$exists": true, "$gt": ""}}),
	}); err != nil {
		return err
	}
	if _, err := s.db.Collection(transactionsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "entries.accountId", Value: 1}, {Key: "createdAt", Value: -1}},
	}); err != nil {
		return err
	}
	if _, err := s.db.Collection(holdsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "accountId", Value: 1}, {Key: "status", Value: 1}},
	}); err != nil {
		return err
	}
	_, err := s.db.Collection(holdsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "status", Value: 1}, {Key: "expiresAt", Value: 1}},
	})
	return err
}

// WithTransaction runs fn in a session transaction with snapshot reads and
// majority writes.
func (s *MongoStore) WithTransaction(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	session, err := s.db.Client().StartSession()
	if err != nil {
		return nil, errorutils.Transient(err, "failed to start mongo session")
	}
	defer session.EndSession(ctx)

	return session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return fn(sc)
	}, datastore.TxnOptions())
}

// EnsureAccount opens the account if missing and returns the stored state.
// The deterministic id makes the upsert race free.
func (s *MongoStore) EnsureAccount(ctx context.Context, account *Account) (*Account, error) {
	now := time.Now().UTC()
	filter := bson.M{"_id": account.ID}
	update := bson.M{
		"$setOnInsert": bson.M{
			"tenantId":      account.TenantID,
			"ownerType":     account.OwnerType,
			"ownerId":       account.OwnerID,
			"subtype":       account.Subtype,
			"currency":      account.Currency,
			"balance":       decimal.Zero,
			"allowNegative": account.AllowNegative,
			"createdAt":     now,
			"updatedAt":     now,
		},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var out Account
	if err := s.db.Collection(accountsCollection).FindOneAndUpdate(ctx, filter, update, opts).Decode(&out); err != nil {
		return nil, errorutils.Wrap(err, "failed to open ledger account")
	}
	return &out, nil
}

// GetAccount fetches an account by id
func (s *MongoStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	var a Account
	err := s.db.Collection(accountsCollection).FindOne(ctx, bson.M{"_id": id}).Decode(&a)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errorutils.NotFound("ledger account not found")
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// UpdateAccountSettings adjusts the overdraft policy of an account
func (s *MongoStore) UpdateAccountSettings(ctx context.Context, id string, allowNegative bool, creditLimit *decimal.Decimal) error {
	sets := bson.M{"allowNegative": allowNegative, "updatedAt": time.Now().UTC()}
	update := bson.M{"$set": sets}
	if creditLimit != nil {
		sets["creditLimit"] = *creditLimit
	} else {
		update["$unset"] = bson.M{"creditLimit": ""}
	}
	res, err := s.db.Collection(accountsCollection).UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return errorutils.NotFound("ledger account not found")
	}
	return nil
}

// ApplyEntries applies the balance deltas of committed entries
func (s *MongoStore) ApplyEntries(ctx context.Context, entries []Entry) error {
	coll := s.db.Collection(accountsCollection)
	now := time.Now().UTC()
	for _, e := range entries {
		// the decimal codec on the client registry encodes the delta as
		// Decimal128, which $inc handles natively
		res, err := coll.UpdateOne(ctx, bson.M{"_id": e.AccountID}, bson.M{
			"$inc": bson.M{"balance": e.Signed()},
			"$set": bson.M{"updatedAt": now},
		})
		if err != nil {
			return err
		}
		if res.MatchedCount == 0 {
			return errorutils.NotFound("ledger account not found: " + e.AccountID)
		}
	}
	return nil
}

// InsertTransaction writes a committed transaction, Conflict on a
// duplicate externalRef.
func (s *MongoStore) InsertTransaction(ctx context.Context, txn *Transaction) error {
	_, err := s.db.Collection(transactionsCollection).InsertOne(ctx, txn)
	if datastore.IsDuplicateKey(err) {
		return errorutils.Conflict("transaction externalRef already used", map[string]interface{}{
			"externalRef": txn.ExternalRef,
		})
	}
	return err
}

// GetTransaction fetches a transaction by id
func (s *MongoStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	var t Transaction
	err := s.db.Collection(transactionsCollection).FindOne(ctx, bson.M{"_id": id}).Decode(&t)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errorutils.NotFound("ledger transaction not found")
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTransactionByExternalRef fetches the transaction holding a ref
func (s *MongoStore) GetTransactionByExternalRef(ctx context.Context, tenantID, externalRef string) (*Transaction, error) {
	var t Transaction
	err := s.db.Collection(transactionsCollection).FindOne(ctx,
		bson.M{"tenantId": tenantID, "externalRef": externalRef}).Decode(&t)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errorutils.NotFound("ledger transaction not found")
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// MarkTransactionReversed flips a committed transaction to reversed,
// Precondition when it is already reversed.
func (s *MongoStore) MarkTransactionReversed(ctx context.Context, id string) error {
	res, err := s.db.Collection(transactionsCollection).UpdateOne(ctx,
		bson.M{"_id": id, "status": TxnStatusCommitted},
		bson.M{"$set": bson.M{"status": TxnStatusReversed}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return errorutils.Precondition("transaction is not reversible", map[string]interface{}{"transactionId": id})
	}
	return nil
}

// ListTransactions pages an account's history newest first
func (s *MongoStore) ListTransactions(ctx context.Context, accountID string, limit int, before time.Time) ([]Transaction, error) {
	filter := bson.M{"entries.accountId": accountID}
	if !before.IsZero() {
		filter["createdAt"] = bson.M{"$lt": before}
	}
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}}).SetLimit(int64(limit))
	cur, err := s.db.Collection(transactionsCollection).Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var txns []Transaction
	if err := cur.All(ctx, &txns); err != nil {
		return nil, err
	}
	return txns, nil
}

// InsertHold writes a hold
func (s *MongoStore) InsertHold(ctx context.Context, hold *Hold) error {
	_, err := s.db.Collection(holdsCollection).InsertOne(ctx, hold)
	return err
}

// GetHold fetches a hold by id
func (s *MongoStore) GetHold(ctx context.Context, id string) (*Hold, error) {
	var h Hold
	err := s.db.Collection(holdsCollection).FindOne(ctx, bson.M{"_id": id}).Decode(&h)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errorutils.NotFound("hold not found")
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// TransitionHold moves a hold between statuses with a compare and set so
// concurrent capture/release cannot both win.
func (s *MongoStore) TransitionHold(ctx context.Context, id, from, to string) error {
	res, err := s.db.Collection(holdsCollection).UpdateOne(ctx,
		bson.M{"_id": id, "status": from},
		bson.M{"$set": bson.M{"status": to, "updatedAt": time.Now().UTC()}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return errorutils.Precondition("hold is not "+from, map[string]interface{}{"holdId": id})
	}
	return nil
}

// ActiveHoldsTotal sums the active holds against an account
func (s *MongoStore) ActiveHoldsTotal(ctx context.Context, accountID string) (decimal.Decimal, error) {
	cur, err := s.db.Collection(holdsCollection).Aggregate(ctx, mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.M{"accountId": accountID, "status": HoldStatusActive}}},
		bson.D{{Key: "$group", Value: bson.M{"_id": nil, "total": bson.M{"$sum": "$amount"}}}},
	})
	if err != nil {
		return decimal.Zero, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var out []struct {
		Total decimal.Decimal `bson:"total"`
	}
	if err := cur.All(ctx, &out); err != nil {
		return decimal.Zero, err
	}
	if len(out) == 0 {
		return decimal.Zero, nil
	}
	return out[0].Total, nil
}

// ListExpiredHolds lists active holds whose expiry has passed
func (s *MongoStore) ListExpiredHolds(ctx context.Context, now time.Time, limit int) ([]Hold, error) {
	cur, err := s.db.Collection(holdsCollection).Find(ctx,
		bson.M{"status": HoldStatusActive, "expiresAt": bson.M{"$lte": now}},
		options.Find().SetLimit(int64(limit)))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var holds []Hold
	if err := cur.All(ctx, &holds); err != nil {
		return nil, err
	}
	return holds, nil
}

type rateOverride struct {
	ID        string          `bson:"_id"`
	Rate      decimal.Decimal `bson:"rate"`
	UpdatedAt time.Time       `bson:"updatedAt"`
}

// GetRateOverride fetches the stored manual rate for a pair
func (s *MongoStore) GetRateOverride(ctx context.Context, from, to string) (decimal.Decimal, error) {
	var o rateOverride
	err := s.db.Collection(ratesCollection).FindOne(ctx, bson.M{"_id": from + ":" + to}).Decode(&o)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return decimal.Zero, errorutils.NotFound("rate override not found")
	}
	if err != nil {
		return decimal.Zero, err
	}
	return o.Rate, nil
}

// SetRateOverride stores a manual rate for a pair
func (s *MongoStore) SetRateOverride(ctx context.Context, from, to string, rate decimal.Decimal) error {
	_, err := s.db.Collection(ratesCollection).ReplaceOne(ctx,
		bson.M{"_id": from + ":" + to},
		rateOverride{ID: from + ":" + to, Rate: rate, UpdatedAt: time.Now().UTC()},
		options.Replace().SetUpsert(true))
	return err
}

// RecomputeBalances folds the whole transaction log into per account
// balances. Used by reconciliation only; it streams the log, so it never
// loads everything at once.
func (s *MongoStore) RecomputeBalances(ctx context.Context) (map[string]decimal.Decimal, error) {
	cur, err := s.db.Collection(transactionsCollection).Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	balances := map[string]decimal.Decimal{}
	for cur.Next(ctx) {
		var t Transaction
		if err := cur.Decode(&t); err != nil {
			return nil, err
		}
		for _, e := range t.Entries {
			balances[e.AccountID] = balances[e.AccountID].Add(e.Signed())
		}
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return balances, nil
}

// ListAccounts pages accounts by id for reconciliation
func (s *MongoStore) ListAccounts(ctx context.Context, limit int, afterID string) ([]Account, error) {
	filter := bson.M{}
	if afterID != "" {
		filter["_id"] = bson.M{"$gt": afterID}
	}
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetLimit(int64(limit))
	cur, err := s.db.Collection(accountsCollection).Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var accounts []Account
	if err := cur.All(ctx, &accounts); err != nil {
		return nil, err
	}
	return accounts, nil
}
