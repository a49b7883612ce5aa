package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"asv8/pkg/types"
)

var commandColumns = []string{
	"id", "command", "payload_json", "trace_id", "actor",
	"reason_code", "reason", "status", "created_at", "processed_at",
}

func TestClaimNextCommand(t *testing.T) {
	t.Parallel()
	s, mock := newTestStore(t)

	created := testNow.Add(-time.Minute)
	mock.ExpectQuery("UPDATE control_commands").
		WithArgs(string(types.CommandProcessed), string(types.CommandNew)).
		WillReturnRows(sqlmock.NewRows(commandColumns).AddRow(
			int64(7), string(types.CommandHalt), []byte(`{}`), "tr-9", "ops",
			"OPERATOR_HALT", "manual halt", string(types.CommandProcessed), created, testNow))

	cmd, err := s.ClaimNextCommand(context.Background())
	if err != nil {
		t.Fatalf("ClaimNextCommand: %v", err)
	}
	if cmd == nil {
		t.Fatal("ClaimNextCommand returned nil, want command")
	}
	if cmd.ID != 7 {
		t.Errorf("ID = %d, want 7", cmd.ID)
	}
	if cmd.Command != types.CommandHalt {
		t.Errorf("Command = %s, want %s", cmd.Command, types.CommandHalt)
	}
	if cmd.Status != types.CommandProcessed {
		t.Errorf("Status = %s, want %s", cmd.Status, types.CommandProcessed)
	}
	expectMet(t, mock)
}

func TestClaimNextCommandEmptyQueue(t *testing.T) {
	t.Parallel()
	s, mock := newTestStore(t)

	mock.ExpectQuery("UPDATE control_commands").
		WithArgs(string(types.CommandProcessed), string(types.CommandNew)).
		WillReturnError(sql.ErrNoRows)

	cmd, err := s.ClaimNextCommand(context.Background())
	if err != nil {
		t.Fatalf("ClaimNextCommand: %v", err)
	}
	if cmd != nil {
		t.Errorf("command = %+v, want nil for empty queue", cmd)
	}
	expectMet(t, mock)
}

func TestFailCommand(t *testing.T) {
	t.Parallel()
	s, mock := newTestStore(t)

	mock.ExpectExec("UPDATE control_commands SET status").
		WithArgs(string(types.CommandError), int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.FailCommand(context.Background(), 7); err != nil {
		t.Fatalf("FailCommand: %v", err)
	}
	expectMet(t, mock)
}

func TestWriteSystemConfigUpdateAudited(t *testing.T) {
	t.Parallel()
	s, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT config_value FROM system_config").
		WithArgs("HALT_TRADING").
		WillReturnRows(sqlmock.NewRows([]string{"config_value"}).AddRow("false"))
	mock.ExpectExec("INSERT INTO system_config").
		WithArgs("HALT_TRADING", "true", "risk-breaker").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO config_audit").
		WithArgs("risk-breaker", "UPDATE_CONFIG", "HALT_TRADING", "false", "true",
			"tr-3", string(types.ReasonBreakerOrderFailures), "consecutive order failures").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := s.WriteSystemConfig(context.Background(), "HALT_TRADING", "true",
		"risk-breaker", "tr-3", types.ReasonBreakerOrderFailures, "consecutive order failures")
	if err != nil {
		t.Fatalf("WriteSystemConfig: %v", err)
	}
	expectMet(t, mock)
}

func TestWriteSystemConfigFirstWriteIsCreate(t *testing.T) {
	t.Parallel()
	s, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT config_value FROM system_config").
		WithArgs("FEATURE_VERSION").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO system_config").
		WithArgs("FEATURE_VERSION", "3", "ops").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO config_audit").
		WithArgs("ops", "CREATE_CONFIG", "FEATURE_VERSION", nil, "3",
			"tr-4", string(types.ReasonAdminUpdateConfig), "bootstrap").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := s.WriteSystemConfig(context.Background(), "FEATURE_VERSION", "3",
		"ops", "tr-4", types.ReasonAdminUpdateConfig, "bootstrap")
	if err != nil {
		t.Fatalf("WriteSystemConfig: %v", err)
	}
	expectMet(t, mock)
}

func TestGetSystemConfigMissingKey(t *testing.T) {
	t.Parallel()
	s, mock := newTestStore(t)

	mock.ExpectQuery("SELECT config_value FROM system_config").
		WithArgs("NO_SUCH_KEY").
		WillReturnError(sql.ErrNoRows)

	val, ok, err := s.GetSystemConfig(context.Background(), "NO_SUCH_KEY")
	if err != nil {
		t.Fatalf("GetSystemConfig: %v", err)
	}
	if ok || val != "" {
		t.Errorf("got (%q, %v), want (\"\", false)", val, ok)
	}
	expectMet(t, mock)
}
