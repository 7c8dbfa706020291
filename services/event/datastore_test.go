package event

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/quillpay/platform/libs/datastore"
	errorutils "github.com/quillpay/platform/libs/errorutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPGStore(&datastore.Postgres{DB: sqlx.NewDb(db, "postgres")}), mock
}

func TestPGStoreInsertEvent(t *testing.T) {
	store, mock := newMockStore(t)
	e := &Event{
		ID: "evt-1", Type: TypeDepositCompleted, TenantID: "tenant-1",
		UserID: "user-1", Payload: []byte(`{"amount":"100"}`),
		OccurredAt: time.Now().UTC(),
	}

	mock.ExpectExec("insert into events").
		WithArgs(e.ID, e.Type, e.TenantID, e.UserID, []byte(e.Payload), e.OccurredAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.InsertEvent(context.Background(), e))

	// a duplicate id surfaces as a conflict, not a raw pq error
	mock.ExpectExec("insert into events").
		WillReturnError(&pq.Error{Code: "23505"})
	err := store.InsertEvent(context.Background(), e)
	assert.Equal(t, errorutils.KindConflict, errorutils.KindOf(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreGetEventNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("select id, type, tenant_id").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.GetEvent(context.Background(), "missing")
	assert.Equal(t, errorutils.KindNotFound, errorutils.KindOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreUpdateSubscription(t *testing.T) {
	store, mock := newMockStore(t)
	sub := &Subscription{ID: "sub-1", URL: "https://example.com/hook", Types: "wallet.*", Active: true}

	mock.ExpectExec("update webhook_subscriptions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.UpdateSubscription(context.Background(), sub))

	mock.ExpectExec("update webhook_subscriptions").
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := store.UpdateSubscription(context.Background(), sub)
	assert.Equal(t, errorutils.KindNotFound, errorutils.KindOf(err))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreDueDeliveries(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{
		"id", "subscription_id", "event_id", "event_type", "tenant_id", "body",
		"attempts", "status", "last_error", "next_attempt_at", "created_at", "updated_at",
	}).AddRow(
		"del-1", "sub-1", "evt-1", TypeDepositCompleted, "tenant-1", []byte(`{}`),
		0, DeliveryStatusPending, nil, now, now, now,
	)
	mock.ExpectQuery("update webhook_deliveries").
		WithArgs(DeliveryStatusPending, now, 10).
		WillReturnRows(rows)

	deliveries, err := store.DueDeliveries(context.Background(), now, 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, "del-1", deliveries[0].ID)
	assert.Nil(t, deliveries[0].LastError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreRecordDeliveryFailure(t *testing.T) {
	store, mock := newMockStore(t)
	next := time.Now().UTC().Add(time.Minute)

	mock.ExpectExec("update webhook_deliveries").
		WithArgs("del-1", 3, "connection refused", next, DeliveryStatusPending).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.RecordDeliveryFailure(context.Background(), "del-1", 3, "connection refused", next, false))

	// exhausted attempts finalize the delivery
	mock.ExpectExec("update webhook_deliveries").
		WithArgs("del-1", 10, "connection refused", next, DeliveryStatusFailed).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.RecordDeliveryFailure(context.Background(), "del-1", 10, "connection refused", next, true))

	assert.NoError(t, mock.ExpectationsWereMet())
}
