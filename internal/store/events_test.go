package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"

	"asv8/internal/clock"
	"asv8/pkg/types"
)

func testEvent() *types.OrderEvent {
	return &types.OrderEvent{
		TraceID:       "tr-1",
		Service:       types.ServiceStrategyEngine,
		Exchange:      "binance",
		Symbol:        "BTCUSDT",
		ClientOrderID: "asv8-BTCUSDT-BUY-15m-1700000000000-a1b2c3",
		EventType:     types.EventCreated,
		Side:          types.BUY,
		Qty:           decimal.RequireFromString("0.5"),
		Status:        "NEW",
		Action:        "OPEN_LONG",
		Actor:         "strategy-engine",
	}
}

func TestAppendOrderEventStampsClock(t *testing.T) {
	t.Parallel()
	s, mock := newTestStore(t)

	mock.ExpectExec("INSERT INTO order_events").WillReturnResult(sqlmock.NewResult(1, 1))

	ev := testEvent()
	inserted, err := s.AppendOrderEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("AppendOrderEvent: %v", err)
	}
	if !inserted {
		t.Error("inserted = false, want true")
	}
	if !ev.EventTsUTC.Equal(testNow) {
		t.Errorf("EventTsUTC = %v, want %v", ev.EventTsUTC, testNow)
	}
	if want := clock.ToHK(testNow); !ev.EventTsHK.Equal(want) {
		t.Errorf("EventTsHK = %v, want %v", ev.EventTsHK, want)
	}
	if string(ev.RawPayloadJSON) != "{}" {
		t.Errorf("RawPayloadJSON = %q, want {}", ev.RawPayloadJSON)
	}
	expectMet(t, mock)
}

func TestAppendOrderEventReplayNotInserted(t *testing.T) {
	t.Parallel()
	s, mock := newTestStore(t)

	// The unique constraint swallows the duplicate; zero rows is not an error.
	mock.ExpectExec("INSERT INTO order_events").WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := s.AppendOrderEvent(context.Background(), testEvent())
	if err != nil {
		t.Fatalf("AppendOrderEvent: %v", err)
	}
	if inserted {
		t.Error("inserted = true for replay, want false")
	}
	expectMet(t, mock)
}

func TestAppendOrderEventKeepsCallerTimestamps(t *testing.T) {
	t.Parallel()
	s, mock := newTestStore(t)

	mock.ExpectExec("INSERT INTO order_events").WillReturnResult(sqlmock.NewResult(1, 1))

	ev := testEvent()
	venueTs := testNow.Add(-2 * time.Second)
	ev.EventTsUTC = venueTs
	ev.EventTsHK = clock.ToHK(venueTs)

	if _, err := s.AppendOrderEvent(context.Background(), ev); err != nil {
		t.Fatalf("AppendOrderEvent: %v", err)
	}
	if !ev.EventTsUTC.Equal(venueTs) {
		t.Errorf("EventTsUTC = %v, want caller-supplied %v", ev.EventTsUTC, venueTs)
	}
	expectMet(t, mock)
}

func TestHasOrderEvent(t *testing.T) {
	t.Parallel()
	s, mock := newTestStore(t)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("asv8-BTCUSDT-BUY-15m-1700000000000-a1b2c3", string(types.EventStopArmed)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := s.HasOrderEvent(context.Background(), "asv8-BTCUSDT-BUY-15m-1700000000000-a1b2c3", types.EventStopArmed)
	if err != nil {
		t.Fatalf("HasOrderEvent: %v", err)
	}
	if !ok {
		t.Error("HasOrderEvent = false, want true")
	}
	expectMet(t, mock)
}

func TestEntryEventExistsMatchesPrefix(t *testing.T) {
	t.Parallel()
	s, mock := newTestStore(t)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(string(types.EventCreated), "asv8-BTCUSDT-BUY-15m-1700000000000").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := s.EntryEventExists(context.Background(), "asv8-BTCUSDT-BUY-15m-1700000000000")
	if err != nil {
		t.Fatalf("EntryEventExists: %v", err)
	}
	if !ok {
		t.Error("EntryEventExists = false, want true")
	}
	expectMet(t, mock)
}

func TestLatestEventForMissing(t *testing.T) {
	t.Parallel()
	s, mock := newTestStore(t)

	mock.ExpectQuery("FROM order_events").
		WithArgs("never-seen").
		WillReturnError(sql.ErrNoRows)

	ev, err := s.LatestEventFor(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("LatestEventFor: %v", err)
	}
	if ev != nil {
		t.Errorf("event = %+v, want nil", ev)
	}
	expectMet(t, mock)
}
