package datagen

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledger-reconciliation-service/internal/anomaly"
	"ledger-reconciliation-service/internal/matcher"
	"ledger-reconciliation-service/internal/models"
	"ledger-reconciliation-service/internal/parsers"
)

func TestGenerateIsDeterministic(t *testing.T) {
	a, err := Generate(DefaultScenario())
	require.NoError(t, err)
	b, err := Generate(DefaultScenario())
	require.NoError(t, err)

	var bufA, bufB bytes.Buffer
	require.NoError(t, a.WriteTransactionsCSV(&bufA))
	require.NoError(t, b.WriteTransactionsCSV(&bufB))
	assert.Equal(t, bufA.String(), bufB.String())
	assert.Equal(t, a.Expected, b.Expected)

	other := DefaultScenario()
	other.Seed = 7
	c, err := Generate(other)
	require.NoError(t, err)
	var bufC bytes.Buffer
	require.NoError(t, c.WriteTransactionsCSV(&bufC))
	assert.NotEqual(t, bufA.String(), bufC.String())
}

func TestGeneratedOutcomeMatchesEngine(t *testing.T) {
	scenarios := []struct {
		name   string
		modify func(*Scenario)
	}{
		{name: "default", modify: func(*Scenario) {}},
		{name: "all matched", modify: func(s *Scenario) {
			s.MismatchRate, s.MissingGLRate, s.OrphanEntries = 0, 0, 0
		}},
		{name: "heavy discrepancies", modify: func(s *Scenario) {
			s.Transactions, s.Accounts = 97, 3
			s.MismatchRate, s.MissingGLRate, s.OrphanEntries = 0.3, 0.3, 11
		}},
		{name: "single account", modify: func(s *Scenario) {
			s.Transactions, s.Accounts, s.Outliers = 40, 1, 0
		}},
	}

	for _, tt := range scenarios {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultScenario()
			tt.modify(s)
			ds, err := Generate(s)
			require.NoError(t, err)

			assert.Len(t, ds.Transactions, s.Transactions)
			assert.Equal(t, s.OrphanEntries, ds.Expected[models.StatusMissingTransaction])

			result, err := matcher.NewEngine(nil).Reconcile(context.Background(), ds.Transactions, ds.Ledger)
			require.NoError(t, err)

			assert.Equal(t, ds.Expected[models.StatusMatched], result.Summary.Matched)
			assert.Equal(t, ds.Expected[models.StatusAmountMismatch], result.Summary.AmountMismatch)
			assert.Equal(t, ds.Expected[models.StatusMissingGL], result.Summary.MissingGL)
			assert.Equal(t, ds.Expected[models.StatusMissingTransaction], result.Summary.MissingTransaction)
			assert.Len(t, result.Results, ds.Total())
		})
	}
}

func TestGeneratedCSVParses(t *testing.T) {
	ds, err := Generate(DefaultScenario())
	require.NoError(t, err)
	ctx := context.Background()

	var txBuf, glBuf bytes.Buffer
	require.NoError(t, ds.WriteTransactionsCSV(&txBuf))
	require.NoError(t, ds.WriteLedgerCSV(&glBuf))

	txParser, err := parsers.NewTransactionParser(nil)
	require.NoError(t, err)
	txns, err := txParser.Parse(ctx, &txBuf, "generated_transactions.csv")
	require.NoError(t, err)
	assert.Empty(t, txns.Defects)
	require.Len(t, txns.Records, len(ds.Transactions))
	assert.True(t, txns.Records[0].Amount.Equal(ds.Transactions[0].Amount))

	glParser, err := parsers.NewLedgerParser(nil)
	require.NoError(t, err)
	entries, err := glParser.Parse(ctx, &glBuf, "generated_gl.csv")
	require.NoError(t, err)
	assert.Empty(t, entries.Defects)
	assert.Len(t, entries.Records, len(ds.Ledger))
}

func TestOutliersAreDetected(t *testing.T) {
	ds, err := Generate(DefaultScenario())
	require.NoError(t, err)
	require.Len(t, ds.OutlierIDs, 2)

	config := anomaly.DefaultConfig()
	config.EnableML = false
	report, err := anomaly.NewDetector(config).Detect(context.Background(), ds.Transactions)
	require.NoError(t, err)

	flagged := make(map[string]models.AnomalyRecord)
	for _, r := range report.Records {
		flagged[r.TransactionID] = r
	}
	for _, id := range ds.OutlierIDs {
		record, ok := flagged[id]
		require.True(t, ok, "outlier %s not flagged", id)
		assert.True(t, record.HasMethod(models.MethodZScore))
		assert.True(t, record.HasMethod(models.MethodIQR))
	}
}

func TestWriteFiles(t *testing.T) {
	s := DefaultScenario()
	s.Transactions = 10
	ds, err := Generate(s)
	require.NoError(t, err)

	txPath, glPath, err := ds.WriteFiles(t.TempDir() + "/nested")
	require.NoError(t, err)

	ledger, err := parsers.NewLedgerParser(nil)
	require.NoError(t, err)
	parsed, err := ledger.ParseFile(context.Background(), glPath)
	require.NoError(t, err)
	assert.Len(t, parsed.Records, len(ds.Ledger))
	assert.FileExists(t, txPath)
}

func TestScenarioValidation(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Scenario)
	}{
		{"no transactions", func(s *Scenario) { s.Transactions = 0 }},
		{"no accounts", func(s *Scenario) { s.Accounts = 0 }},
		{"zero start date", func(s *Scenario) { s.StartDate = time.Time{} }},
		{"inverted amounts", func(s *Scenario) { s.MaxAmount = decimal.NewFromInt(1) }},
		{"zero minimum", func(s *Scenario) { s.MinAmount = decimal.Zero }},
		{"rates above one", func(s *Scenario) { s.MismatchRate, s.MissingGLRate = 0.6, 0.5 }},
		{"negative orphans", func(s *Scenario) { s.OrphanEntries = -1 }},
		{"too many outliers", func(s *Scenario) { s.Outliers = s.Transactions + 1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultScenario()
			tt.modify(s)
			assert.Error(t, s.Validate())
			_, err := Generate(s)
			assert.Error(t, err)
		})
	}
}
