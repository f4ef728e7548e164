package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcilerError(t *testing.T) {
	tests := []struct {
		name       string
		category   ErrorCategory
		code       ErrorCode
		message    string
		cause      error
		expectCode int
	}{
		{
			name:       "file error",
			category:   CategoryFile,
			code:       CodeFileNotFound,
			message:    "file not found",
			cause:      stderrors.New("no such file"),
			expectCode: 2,
		},
		{
			name:       "schema error",
			category:   CategorySchema,
			code:       CodeMissingColumn,
			message:    "missing column",
			expectCode: 3,
		},
		{
			name:       "configuration error",
			category:   CategoryConfiguration,
			code:       CodeInvalidConfig,
			message:    "invalid config",
			cause:      stderrors.New("missing field"),
			expectCode: 4,
		},
		{
			name:       "internal error",
			category:   CategoryInternal,
			code:       CodeEnsembleInconsistency,
			message:    "partition violated",
			expectCode: 5,
		},
		{
			name:       "storage error",
			category:   CategoryStorage,
			code:       CodeStorageWrite,
			message:    "write failed",
			cause:      stderrors.New("disk full"),
			expectCode: 6,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err *ReconcilerError
			if tt.cause != nil {
				err = Wrap(tt.cause, tt.category, tt.code, tt.message)
			} else {
				err = New(tt.category, tt.code, tt.message)
			}

			assert.Equal(t, tt.category, err.Category)
			assert.Equal(t, tt.code, err.Code)
			assert.Equal(t, tt.message, err.Error())
			assert.Equal(t, tt.expectCode, err.GetExitCode())
			assert.NotEmpty(t, err.StackTrace)
			if tt.cause != nil {
				assert.Equal(t, tt.cause, err.Unwrap())
			}
		})
	}
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, CategoryFile, CodeFileNotFound, "x"))
}

func TestWarnings(t *testing.T) {
	defect := MatchingDefect("ledger", 3)
	assert.True(t, defect.IsWarning())
	assert.Equal(t, CategoryMatching, defect.Category)
	assert.Equal(t, 3, defect.Context["count"])
	assert.Contains(t, defect.Error(), "3 ledger record(s)")

	degraded := AnomalyDegraded("ml", "need at least 20 transactions, got 4")
	assert.True(t, degraded.IsWarning())
	assert.Equal(t, CodeAnomalyDegraded, degraded.Code)

	fatal := InternalError(CodeEnsembleInconsistency, "matching", nil)
	assert.False(t, fatal.IsWarning())
}

func TestSchemaErrors(t *testing.T) {
	expected := []string{"txn_id", "date", "amount", "account_id", "counterparty"}

	missing := MissingColumnsError("/tmp/tx.csv", expected, []string{"txn_id", "Date", "amount"})
	assert.True(t, IsSchemaError(missing))
	assert.Equal(t, []string{"account_id", "counterparty"}, missing.Context["missing"])
	assert.Contains(t, missing.Message, "tx.csv")

	unknown := UnknownColumnsError("tx.csv", expected, append(expected, "memo"))
	assert.Equal(t, CodeUnknownColumn, unknown.Code)
	assert.Equal(t, []string{"memo"}, unknown.Context["unknown"])

	assert.False(t, IsSchemaError(stderrors.New("plain")))
}

func TestAsReconcilerErrorThroughWrapping(t *testing.T) {
	base := FileError(CodeFileNotFound, "missing.csv", nil)
	wrapped := fmt.Errorf("loading: %w", base)

	got, ok := AsReconcilerError(wrapped)
	require.True(t, ok)
	assert.Same(t, base, got)
	assert.True(t, HasCode(wrapped, CodeFileNotFound))
	assert.False(t, HasCode(wrapped, CodeMissingColumn))

	_, ok = AsReconcilerError(stderrors.New("boom"))
	assert.False(t, ok)
}

func TestSummarize(t *testing.T) {
	empty := Summarize(nil)
	assert.Equal(t, 0, empty.Total)
	assert.Equal(t, "0", empty.String())

	summary := Summarize([]*ReconcilerError{
		AnomalyDegraded("ml", "disabled by configuration"),
		MatchingDefect("transactions", 2),
		MatchingDefect("general_ledger", 1),
	})
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.ByCategory[CategoryMatching])
	assert.Equal(t, 1, summary.ByCode[CodeAnomalyDegraded])
	assert.Equal(t, "3 (anomaly: 1, matching: 2)", summary.String())
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		name     string
		err      *ReconcilerError
		message  string
		exitCode int
	}{
		{"missing file", FileError(CodeFileNotFound, "gl.csv", nil), "file not found: gl.csv", 2},
		{"invalid date", ValidationError(CodeInvalidDate, "date", "2024-02-30", nil), "field 'date' holds an invalid date: 2024-02-30", 3},
		{"missing field", ValidationError(CodeMissingField, "out-dir", "", nil), "required field 'out-dir' is missing or empty", 3},
		{"invalid setting", ConfigurationError(CodeInvalidConfig, "anomaly.nu", 2.5, nil), "invalid configuration for 'anomaly.nu': 2.5", 4},
		{"store write", StorageError(CodeStorageWrite, "save run", stderrors.New("locked")), "failed to persist results during save run", 6},
		{"cancelled", InternalError(CodeRunCancelled, "anomaly_detection", nil), "run cancelled during anomaly_detection", 5},
		{"uncatalogued code", FileError(CodeMissingColumn, "tx.csv", nil), "file error: tx.csv", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.message, tt.err.Message)
			assert.NotEmpty(t, tt.err.Suggestion)
			assert.Equal(t, tt.exitCode, tt.err.GetExitCode())
		})
	}

	stored := StorageError(CodeStorageWrite, "save run", stderrors.New("locked"))
	assert.EqualError(t, stored.Unwrap(), "locked")
	assert.Equal(t, "save run", stored.Context["operation"])
}
