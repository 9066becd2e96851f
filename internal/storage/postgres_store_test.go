package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPostgres(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStoreFromDB(db), mock
}

func TestOpenPostgresClosesOnPingFailure(t *testing.T) {
	_, mock, err := sqlmock.NewWithDSN("pingfail", sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	mock.ExpectPing().WillReturnError(errors.New("connection refused"))
	mock.ExpectClose()

	s, err := openPostgres("sqlmock", "pingfail")
	assert.Nil(t, s)
	assert.EqualError(t, err, "connection refused")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetMissing(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectQuery("SELECT doc FROM records").
		WithArgs("rides", "r1").
		WillReturnRows(sqlmock.NewRows([]string{"doc"}))

	_, err := s.Get(context.Background(), "rides", "r1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueryDecodesRows(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectQuery("SELECT doc FROM records WHERE collection").
		WithArgs("drivers", "active", "true").
		WillReturnRows(sqlmock.NewRows([]string{"doc"}).
			AddRow([]byte(`{"driverId":"d1","active":true}`)).
			AddRow([]byte(`{"driverId":"d2","active":true}`)))

	docs, err := s.Query(context.Background(), "drivers", "active", true)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "d2", docs[1]["driverId"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresConditionalUpdate(t *testing.T) {
	ctx := context.Background()

	t.Run("applied", func(t *testing.T) {
		s, mock := newMockPostgres(t)
		mock.ExpectExec("UPDATE records SET doc").
			WithArgs("rideRequests", "r1", sqlmock.AnyArg(), "state", `"awaiting_offers"`).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := s.ConditionalUpdate(ctx, "rideRequests", "r1", "state", "awaiting_offers", Doc{"state": "resolved"})
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("conflict", func(t *testing.T) {
		s, mock := newMockPostgres(t)
		mock.ExpectExec("UPDATE records SET doc").
			WithArgs("rideRequests", "r1", sqlmock.AnyArg(), "state", `"awaiting_offers"`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("rideRequests", "r1").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		err := s.ConditionalUpdate(ctx, "rideRequests", "r1", "state", "awaiting_offers", Doc{"state": "resolved"})
		assert.ErrorIs(t, err, ErrConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing", func(t *testing.T) {
		s, mock := newMockPostgres(t)
		mock.ExpectExec("UPDATE records SET doc").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT EXISTS").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		err := s.ConditionalUpdate(ctx, "rideRequests", "r1", "state", "awaiting_offers", Doc{"state": "resolved"})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
