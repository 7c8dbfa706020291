package datastore

import (
	"context"
	"errors"
	"time"

	errorutils "github.com/quillpay/platform/libs/errorutils"
	"github.com/quillpay/platform/libs/logging"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

// DefaultMaxPoolSize bounds each physical connection pool
const DefaultMaxPoolSize = 100

// Mongo wraps a connected mongo client
type Mongo struct {
	*mongo.Client
}

// NewMongo establishes a client against the passed connection uri
func NewMongo(ctx context.Context, uri string) (*Mongo, error) {
	logger := logging.Logger(ctx, "datastore.NewMongo")

	opts := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(DefaultMaxPoolSize).
		SetRegistry(Registry())

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, errorutils.Wrap(err, "failed to connect to mongo")
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		logger.Error().Err(err).Msg("failed to ping mongo")
		return nil, errorutils.Wrap(err, "failed to ping mongo")
	}

	return &Mongo{Client: client}, nil
}

// HealthCheck pings the primary
func (m *Mongo) HealthCheck(ctx context.Context) error {
	return m.Ping(ctx, readpref.Primary())
}

// TxnOptions are the transaction options every saga and ledger write uses:
// snapshot reads, majority acknowledged writes, primary reads.
func TxnOptions() *options.TransactionOptions {
	return options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority()).
		SetReadPreference(readpref.Primary())
}

// WithTransaction runs fn inside a session transaction with the standard
// options, returning fn's result.
func (m *Mongo) WithTransaction(ctx context.Context, fn func(sc mongo.SessionContext) (interface{}, error)) (interface{}, error) {
	session, err := m.StartSession()
	if err != nil {
		return nil, errorutils.Transient(err, "failed to start mongo session")
	}
	defer session.EndSession(ctx)

	return session.WithTransaction(ctx, fn, TxnOptions())
}

// IsTransient reports whether a mongo error is safe to retry
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.HasErrorLabel("TransientTransactionError") ||
			cmdErr.HasErrorLabel("UnknownTransactionCommitResult") ||
			cmdErr.HasErrorCode(112) // WriteConflict
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return true
	}
	return errorutils.IsTransient(err)
}

// IsDuplicateKey reports whether the error is a unique index violation
func IsDuplicateKey(err error) bool {
	return mongo.IsDuplicateKeyError(err)
}
