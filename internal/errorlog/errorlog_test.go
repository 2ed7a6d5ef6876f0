package errorlog_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/tenantrt/internal/errorlog"
	"github.com/leapstack-labs/tenantrt/internal/state"
	"github.com/leapstack-labs/tenantrt/internal/testutil"
	"github.com/leapstack-labs/tenantrt/pkg/core"
)

func newMaster(t *testing.T) *state.SQLiteStore {
	t.Helper()
	master, err := state.OpenMaster(context.Background(), ":memory:", testutil.NewTestLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = master.Close() })
	return master
}

func TestLog_PersistsAndCaps(t *testing.T) {
	ctx := context.Background()
	master := newMaster(t)
	svc := errorlog.New(errorlog.Config{Store: master, Logger: testutil.NewTestLogger(t)})

	entry := &core.ErrorLog{
		TenantID:  "tenant-a",
		Message:   strings.Repeat("m", 600),
		Details:   strings.Repeat("d", 12000),
		CodeClass: "com.acme.Trigger",
		CodeLine:  7,
		UserID:    "u-1",
	}
	require.NoError(t, svc.Log(ctx, entry))

	logs, err := svc.List(ctx, "tenant-a", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Len(t, logs[0].Message, errorlog.DefaultMessageCap)
	assert.Len(t, logs[0].Details, errorlog.DefaultDetailsCap)
	assert.Equal(t, core.ErrorSeverityError, logs[0].Severity)
	assert.Equal(t, "com.acme.Trigger", logs[0].CodeClass)
	assert.Equal(t, 7, logs[0].CodeLine)
	assert.Equal(t, "u-1", logs[0].UserID)

	other, err := svc.List(ctx, "tenant-b", 10)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestLog_Defaults(t *testing.T) {
	tests := []struct {
		name    string
		entry   core.ErrorLog
		wantMsg string
		wantSev core.ErrorSeverity
	}{
		{name: "empty message", entry: core.ErrorLog{}, wantMsg: errorlog.NoMessage, wantSev: core.ErrorSeverityError},
		{name: "severity kept", entry: core.ErrorLog{Message: "x", Severity: core.ErrorSeverityWarning}, wantMsg: "x", wantSev: core.ErrorSeverityWarning},
		{name: "multibyte cap", entry: core.ErrorLog{Message: strings.Repeat("é", 501)}, wantMsg: strings.Repeat("é", 500), wantSev: core.ErrorSeverityError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := errorlog.New(errorlog.Config{})
			entry := tt.entry
			require.NoError(t, svc.Log(context.Background(), &entry))
			assert.Equal(t, tt.wantMsg, entry.Message)
			assert.Equal(t, tt.wantSev, entry.Severity)
		})
	}
}

func TestLog_CustomCaps(t *testing.T) {
	svc := errorlog.New(errorlog.Config{MessageCap: 3, DetailsCap: 4})
	entry := &core.ErrorLog{Message: "abcdef", Details: "0123456789"}
	require.NoError(t, svc.Log(context.Background(), entry))
	assert.Equal(t, "abc", entry.Message)
	assert.Equal(t, "0123", entry.Details)
}

type failingStore struct{}

func (failingStore) SaveErrorLog(context.Context, *core.ErrorLog) error {
	return errors.New("disk full")
}

func (failingStore) ListErrorLogs(context.Context, string, int) ([]*core.ErrorLog, error) {
	return nil, nil
}

func TestLog_StoreFailure(t *testing.T) {
	svc := errorlog.New(errorlog.Config{Store: failingStore{}})
	err := svc.Log(context.Background(), &core.ErrorLog{Message: "boom"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}
