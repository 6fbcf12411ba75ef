package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"

	"github.com/ichristine180/iproxy-sub001/internal/errs"
	"github.com/ichristine180/iproxy-sub001/internal/models"
)

var reservationCols = []string{"id", "order_id", "user_id", "connections_held", "state", "created_at", "expires_at"}

func TestReserve_DecrementsAndInserts(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	orderID := uuid.New()
	userID := uuid.New()
	resID := uuid.New()
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("WITH lapsed AS")).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, order_id, user_id, connections_held, state, created_at, expires_at")).
		WithArgs(orderID).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE quota")).
		WithArgs(2).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO quota_reservations")).
		WithArgs(orderID, userID, 2, 15*time.Minute).
		WillReturnRows(pgxmock.NewRows(reservationCols).
			AddRow(resID, orderID, userID, 2, models.ReservationStatePending, now, now.Add(15*time.Minute)))
	mock.ExpectCommit()

	repo := NewQuotaRepository(mock)
	res, err := repo.Reserve(context.Background(), orderID, userID, 2, 15*time.Minute)
	if err != nil {
		t.Fatalf("Reserve returned err: %v", err)
	}
	if res.ID != resID || res.ConnectionsHeld != 2 || res.State != models.ReservationStatePending {
		t.Fatalf("unexpected reservation: %+v", res)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestReserve_InsufficientQuotaReportsShortfall(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	orderID := uuid.New()
	userID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("WITH lapsed AS")).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, order_id, user_id, connections_held, state, created_at, expires_at")).
		WithArgs(orderID).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE quota")).
		WithArgs(5).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT available FROM quota")).
		WillReturnRows(pgxmock.NewRows([]string{"available"}).AddRow(3))
	mock.ExpectRollback()

	repo := NewQuotaRepository(mock)
	_, err = repo.Reserve(context.Background(), orderID, userID, 5, 15*time.Minute)
	if !errs.Is(err, errs.ErrInsufficientQuota) {
		t.Fatalf("expected ErrInsufficientQuota, got %v", err)
	}
	var short *errs.InsufficientQuotaError
	if !errs.As(err, &short) {
		t.Fatalf("expected InsufficientQuotaError detail, got %v", err)
	}
	if short.Requested != 5 || short.Available != 3 {
		t.Fatalf("unexpected shortfall detail: %+v", short)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestReserve_ExistingPendingHoldIsIdempotent(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	orderID := uuid.New()
	userID := uuid.New()
	resID := uuid.New()
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("WITH lapsed AS")).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, order_id, user_id, connections_held, state, created_at, expires_at")).
		WithArgs(orderID).
		WillReturnRows(pgxmock.NewRows(reservationCols).
			AddRow(resID, orderID, userID, 3, models.ReservationStatePending, now, now.Add(10*time.Minute)))
	mock.ExpectCommit()

	repo := NewQuotaRepository(mock)
	res, err := repo.Reserve(context.Background(), orderID, userID, 3, 15*time.Minute)
	if err != nil {
		t.Fatalf("Reserve returned err: %v", err)
	}
	if res.ID != resID {
		t.Fatalf("expected existing hold %s, got %s", resID, res.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestReserve_QuantityMismatchConflicts(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	orderID := uuid.New()
	userID := uuid.New()
	resID := uuid.New()
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("WITH lapsed AS")).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, order_id, user_id, connections_held, state, created_at, expires_at")).
		WithArgs(orderID).
		WillReturnRows(pgxmock.NewRows(reservationCols).
			AddRow(resID, orderID, userID, 2, models.ReservationStatePending, now, now.Add(10*time.Minute)))
	mock.ExpectRollback()

	repo := NewQuotaRepository(mock)
	_, err = repo.Reserve(context.Background(), orderID, userID, 3, 15*time.Minute)
	if !errs.Is(err, errs.ErrReservationConflict) {
		t.Fatalf("expected reservation conflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRelease_AlreadyReleasedIsNoop(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	resID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT state, connections_held")).
		WithArgs(resID).
		WillReturnRows(pgxmock.NewRows([]string{"state", "connections_held"}).
			AddRow(models.ReservationStateReleased, 2))
	mock.ExpectRollback()

	repo := NewQuotaRepository(mock)
	if err := repo.Release(context.Background(), resID); err != nil {
		t.Fatalf("Release on released hold should be a no-op, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRelease_ConfirmedHoldFails(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	resID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT state, connections_held")).
		WithArgs(resID).
		WillReturnRows(pgxmock.NewRows([]string{"state", "connections_held"}).
			AddRow(models.ReservationStateConfirmed, 2))
	mock.ExpectRollback()

	repo := NewQuotaRepository(mock)
	err = repo.Release(context.Background(), resID)
	if !errs.Is(err, errs.ErrReservationFinal) {
		t.Fatalf("expected ErrReservationFinal, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestConfirm_ExpiredPendingHoldIsReleased(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	resID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT state, expires_at, connections_held")).
		WithArgs(resID).
		WillReturnRows(pgxmock.NewRows([]string{"state", "expires_at", "connections_held"}).
			AddRow(models.ReservationStatePending, time.Now().UTC().Add(-time.Minute), 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE quota_reservations SET state = 'released'")).
		WithArgs(resID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE quota SET available = available +")).
		WithArgs(1).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	repo := NewQuotaRepository(mock)
	err = repo.Confirm(context.Background(), resID)
	if !errs.Is(err, errs.ErrReservationFinal) {
		t.Fatalf("expected ErrReservationFinal for lapsed hold, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
