package bonus

import (
	"context"
	"errors"
	"time"

	errorutils "github.com/quillpay/platform/libs/errorutils"
	uuid "github.com/satori/go.uuid"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	templatesCollection    = "bonus_templates"
	userBonusesCollection  = "user_bonuses"
	bonusTxnsCollection    = "bonus_transactions"
)

// Datastore abstracts over bonus storage
type Datastore interface {
	GetTemplate(ctx context.Context, id string) (*Template, error)
	GetTemplateByCode(ctx context.Context, tenantID, code string) (*Template, error)
	GetActiveTemplate(ctx context.Context, tenantID, bonusType string, now time.Time) (*Template, error)
	UpsertTemplate(ctx context.Context, tpl *Template) error
	ListTemplates(ctx context.Context, tenantID string) ([]Template, error)
	IncrementTemplateUses(ctx context.Context, id string) error

	InsertUserBonus(ctx context.Context, ub *UserBonus) error
	GetUserBonus(ctx context.Context, id string) (*UserBonus, error)
	ListUserBonuses(ctx context.Context, userID string, statuses []string) ([]UserBonus, error)
	CountUserUses(ctx context.Context, userID, templateID string) (int, error)
	HasBonusOfTypes(ctx context.Context, userID string, types []string) (bool, error)
	HasTournamentClaim(ctx context.Context, userID, tournamentID string) (bool, error)
	HasLeaderboardClaim(ctx context.Context, userID, leaderboardID, period string) (bool, error)
	LastBonusOfType(ctx context.Context, userID, bonusType string) (*UserBonus, error)
	TransitionUserBonus(ctx context.Context, id, from, to string, entry StatusHistoryEntry, sets bson.M) (*UserBonus, error)
	ApplyTurnover(ctx context.Context, id string, contribution decimal.Decimal) (*UserBonus, error)
	ListLapsed(ctx context.Context, now time.Time, limit int) ([]UserBonus, error)

	InsertBonusTransaction(ctx context.Context, txn *BonusTransaction) error
	ListBonusTransactions(ctx context.Context, userBonusID string) ([]BonusTransaction, error)
}

// MongoStore is the mongo backed bonus datastore
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
	if _, err := s.db.Collection(templatesCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "tenantId", Value: 1}, {Key: "code", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return err
	}
	if _, err := s.db.Collection(userBonusesCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "userId", Value: 1}, {Key: "status", Value: 1}},
	}); err != nil {
		return err
	}
	_, err := s.db.Collection(userBonusesCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "status", Value: 1}, {Key: "expiresAt", Value: 1}},
	})
	return err
}

// GetTemplate fetches a template by id
func (s *MongoStore) GetTemplate(ctx context.Context, id string) (*Template, error) {
	var t Template
	err := s.db.Collection(templatesCollection).FindOne(ctx, bson.M{"_id": id}).Decode(&t)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errorutils.NotFound("bonus template not found")
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTemplateByCode fetches a template by its tenant scoped code
func (s *MongoStore) GetTemplateByCode(ctx context.Context, tenantID, code string) (*Template, error) {
	var t Template
	err := s.db.Collection(templatesCollection).FindOne(ctx,
		bson.M{"tenantId": tenantID, "code": code}).Decode(&t)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errorutils.NotFound("bonus template not found")
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetActiveTemplate returns the highest priority live template of a type
func (s *MongoStore) GetActiveTemplate(ctx context.Context, tenantID, bonusType string, now time.Time) (*Template, error) {
	var t Template
	err := s.db.Collection(templatesCollection).FindOne(ctx, bson.M{
		"tenantId":   tenantID,
		"type":       bonusType,
		"isActive":   true,
		"validFrom":  bson.M{"$lte": now},
		"validUntil": bson.M{"$gte": now},
	}, options.FindOne().SetSort(bson.D{{Key: "priority", Value: -1}})).Decode(&t)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errorutils.NotFound("no active bonus template for type")
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// UpsertTemplate writes a template, assigning an id when absent
func (s *MongoStore) UpsertTemplate(ctx context.Context, tpl *Template) error {
	now := time.Now().UTC()
	if tpl.ID == "" {
		tpl.ID = uuid.NewV4().String()
		tpl.CreatedAt = now
	}
	tpl.UpdatedAt = now
	_, err := s.db.Collection(templatesCollection).ReplaceOne(ctx,
		bson.M{"_id": tpl.ID}, tpl, options.Replace().SetUpsert(true))
	return err
}

// ListTemplates lists a tenant's templates
func (s *MongoStore) ListTemplates(ctx context.Context, tenantID string) ([]Template, error) {
	cur, err := s.db.Collection(templatesCollection).Find(ctx, bson.M{"tenantId": tenantID},
		options.Find().SetSort(bson.D{{Key: "priority", Value: -1}}))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var tpls []Template
	if err := cur.All(ctx, &tpls); err != nil {
		return nil, err
	}
	return tpls, nil
}

// IncrementTemplateUses bumps the total use counter
func (s *MongoStore) IncrementTemplateUses(ctx context.Context, id string) error {
	_, err := s.db.Collection(templatesCollection).UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$inc": bson.M{"currentUsesTotal": 1}, "$set": bson.M{"updatedAt": time.Now().UTC()}})
	return err
}

// InsertUserBonus writes a new user bonus
func (s *MongoStore) InsertUserBonus(ctx context.Context, ub *UserBonus) error {
	_, err := s.db.Collection(userBonusesCollection).InsertOne(ctx, ub)
	return err
}

// GetUserBonus fetches a user bonus by id
func (s *MongoStore) GetUserBonus(ctx context.Context, id string) (*UserBonus, error) {
	var ub UserBonus
	err := s.db.Collection(userBonusesCollection).FindOne(ctx, bson.M{"_id": id}).Decode(&ub)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errorutils.NotFound("user bonus not found")
	}
	if err != nil {
		return nil, err
	}
	return &ub, nil
}

// ListUserBonuses lists a user's bonuses, optionally filtered by status
func (s *MongoStore) ListUserBonuses(ctx context.Context, userID string, statuses []string) ([]UserBonus, error) {
	filter := bson.M{"userId": userID}
	if len(statuses) > 0 {
		filter["status"] = bson.M{"$in": statuses}
	}
	cur, err := s.db.Collection(userBonusesCollection).Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}}))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var bonuses []UserBonus
	if err := cur.All(ctx, &bonuses); err != nil {
		return nil, err
	}
	return bonuses, nil
}

// CountUserUses counts the user's bonuses from a template
func (s *MongoStore) CountUserUses(ctx context.Context, userID, templateID string) (int, error) {
	n, err := s.db.Collection(userBonusesCollection).CountDocuments(ctx, bson.M{
		"userId":     userID,
		"templateId": templateID,
		"status":     bson.M{"$nin": []string{StatusCancelled}},
	})
	return int(n), err
}

// HasBonusOfTypes reports whether the user ever received a bonus of any of
// the given types (cancelled ones do not count).
func (s *MongoStore) HasBonusOfTypes(ctx context.Context, userID string, types []string) (bool, error) {
	n, err := s.db.Collection(userBonusesCollection).CountDocuments(ctx, bson.M{
		"userId": userID,
		"type":   bson.M{"$in": types},
		"status": bson.M{"$nin": []string{StatusCancelled}},
	}, options.Count().SetLimit(1))
	return n > 0, err
}

// HasTournamentClaim reports whether the user already claimed a bonus for
// the tournament.
func (s *MongoStore) HasTournamentClaim(ctx context.Context, userID, tournamentID string) (bool, error) {
	n, err := s.db.Collection(userBonusesCollection).CountDocuments(ctx, bson.M{
		"userId":       userID,
		"tournamentId": tournamentID,
		"status":       bson.M{"$nin": []string{StatusCancelled}},
	}, options.Count().SetLimit(1))
	return n > 0, err
}

// HasLeaderboardClaim reports whether the user already claimed a bonus for
// the (leaderboard, period) pair.
func (s *MongoStore) HasLeaderboardClaim(ctx context.Context, userID, leaderboardID, period string) (bool, error) {
	n, err := s.db.Collection(userBonusesCollection).CountDocuments(ctx, bson.M{
		"userId":            userID,
		"leaderboardId":     leaderboardID,
		"leaderboardPeriod": period,
		"status":            bson.M{"$nin": []string{StatusCancelled}},
	}, options.Count().SetLimit(1))
	return n > 0, err
}

// LastBonusOfType fetches the user's most recent bonus of a type
func (s *MongoStore) LastBonusOfType(ctx context.Context, userID, bonusType string) (*UserBonus, error) {
	var ub UserBonus
	err := s.db.Collection(userBonusesCollection).FindOne(ctx,
		bson.M{"userId": userID, "type": bonusType, "status": bson.M{"$nin": []string{StatusCancelled}}},
		options.FindOne().SetSort(bson.D{{Key: "createdAt", Value: -1}})).Decode(&ub)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errorutils.NotFound("user bonus not found")
	}
	if err != nil {
		return nil, err
	}
	return &ub, nil
}

// TransitionUserBonus applies a status move with a compare and set on the
// current status, appending the history entry and any extra field sets.
// Returns the updated document.
func (s *MongoStore) TransitionUserBonus(ctx context.Context, id, from, to string, entry StatusHistoryEntry, sets bson.M) (*UserBonus, error) {
	if sets == nil {
		sets = bson.M{}
	}
	sets["status"] = to
	sets["updatedAt"] = time.Now().UTC()

	var ub UserBonus
	err := s.db.Collection(userBonusesCollection).FindOneAndUpdate(ctx,
		bson.M{"_id": id, "status": from},
		bson.M{"$set": sets, "$push": bson.M{"history": entry}},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&ub)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errorutils.Precondition("bonus is not in the expected status", map[string]interface{}{
			"expected": from,
		})
	}
	if err != nil {
		return nil, err
	}
	return &ub, nil
}

// ApplyTurnover atomically adds the contribution to turnover progress.
// Progress only ever grows.
func (s *MongoStore) ApplyTurnover(ctx context.Context, id string, contribution decimal.Decimal) (*UserBonus, error) {
	var ub UserBonus
	err := s.db.Collection(userBonusesCollection).FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{
			"$inc": bson.M{"turnoverProgress": contribution},
			"$set": bson.M{"updatedAt": time.Now().UTC()},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&ub)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errorutils.NotFound("user bonus not found")
	}
	if err != nil {
		return nil, err
	}
	return &ub, nil
}

// ListLapsed lists live bonuses whose expiry has passed
func (s *MongoStore) ListLapsed(ctx context.Context, now time.Time, limit int) ([]UserBonus, error) {
	cur, err := s.db.Collection(userBonusesCollection).Find(ctx, bson.M{
		"status":    bson.M{"$in": []string{StatusActive, StatusInProgress, StatusRequirementsMet}},
		"expiresAt": bson.M{"$lte": now},
	}, options.Find().SetLimit(int64(limit)))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var bonuses []UserBonus
	if err := cur.All(ctx, &bonuses); err != nil {
		return nil, err
	}
	return bonuses, nil
}

// InsertBonusTransaction appends a bonus transaction
func (s *MongoStore) InsertBonusTransaction(ctx context.Context, txn *BonusTransaction) error {
	if txn.ID == "" {
		txn.ID = uuid.NewV4().String()
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Collection(bonusTxnsCollection).InsertOne(ctx, txn)
	return err
}

// ListBonusTransactions lists the transactions of a user bonus
func (s *MongoStore) ListBonusTransactions(ctx context.Context, userBonusID string) ([]BonusTransaction, error) {
	cur, err := s.db.Collection(bonusTxnsCollection).Find(ctx, bson.M{"userBonusId": userBonusID},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() { _ = cur.Close(ctx) }()

	var txns []BonusTransaction
	if err := cur.All(ctx, &txns); err != nil {
		return nil, err
	}
	return txns, nil
}
