package anomaly

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledger-reconciliation-service/internal/models"
	"ledger-reconciliation-service/pkg/errors"
)

var baseDay = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func makeTxns(amounts []float64) []models.Transaction {
	accounts := []string{"ACC1001", "ACC1002", "ACC1003"}
	txns := make([]models.Transaction, len(amounts))
	for i, a := range amounts {
		txns[i] = models.NewTransaction(
			fmt.Sprintf("TXN%03d", i+1),
			baseDay.AddDate(0, 0, i%28),
			decimal.NewFromFloat(a).Round(2),
			accounts[i%len(accounts)],
			"",
		)
	}
	return txns
}

func randomTxns(seed int64, n int) []models.Transaction {
	rng := rand.New(rand.NewSource(seed))
	amounts := make([]float64, n)
	for i := range amounts {
		amounts[i] = 50 + rng.Float64()*5000
	}
	amounts[n/2] = 250000
	return makeTxns(amounts)
}

func findRecord(records []models.AnomalyRecord, id string) (models.AnomalyRecord, bool) {
	for _, r := range records {
		if r.TransactionID == id {
			return r, true
		}
	}
	return models.AnomalyRecord{}, false
}

func TestLargeOutlierFlaggedByZScoreAndIQR(t *testing.T) {
	amounts := make([]float64, 0, 31)
	for i := 0; i < 30; i++ {
		amounts = append(amounts, 1000+1500*float64(i))
	}
	amounts = append(amounts, 950000)
	txns := makeTxns(amounts)

	report, err := NewDetector(nil).Detect(context.Background(), txns)
	require.NoError(t, err)

	rec, ok := findRecord(report.Records, "TXN031")
	require.True(t, ok)
	assert.True(t, rec.HasMethod(models.MethodZScore))
	assert.True(t, rec.HasMethod(models.MethodIQR))
	assert.Contains(t, []models.AnomalyType{models.AnomalyStatistical, models.AnomalyEnsemble}, rec.AnomalyType)
	assert.GreaterOrEqual(t, rec.AnomalyScore, 1.0)
	assert.Equal(t, "950000.00", rec.Amount.StringFixed(2))

	require.Len(t, report.Stages, 2)
	assert.True(t, report.Stages[1].Ran)
	assert.Empty(t, report.Warnings)
}

func TestSmallSampleDegradesToStatistical(t *testing.T) {
	amounts := []float64{100, 110, 95, 105, 98, 102, 99, 101, 103, 950000}
	report, err := NewDetector(nil).Detect(context.Background(), makeTxns(amounts))
	require.NoError(t, err)

	require.Len(t, report.Warnings, 1)
	assert.Equal(t, errors.CodeAnomalyDegraded, report.Warnings[0].Code)
	assert.True(t, report.Warnings[0].IsWarning())
	assert.False(t, report.Stages[1].Ran)

	// with ten samples no single point can exceed |z| = 3
	require.Len(t, report.Records, 1)
	rec := report.Records[0]
	assert.Equal(t, "TXN010", rec.TransactionID)
	assert.Equal(t, []string{models.MethodIQR}, rec.DetectionMethods)
	assert.Equal(t, models.AnomalyStatistical, rec.AnomalyType)
}

func TestMLDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableML = false

	report, err := NewDetector(cfg).Detect(context.Background(), randomTxns(1, 50))
	require.NoError(t, err)
	require.Len(t, report.Warnings, 1)
	for _, r := range report.Records {
		assert.Equal(t, models.AnomalyStatistical, r.AnomalyType)
	}
}

func TestEmptyAndConstantInput(t *testing.T) {
	report, err := NewDetector(nil).Detect(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, report.Records)

	cfg := DefaultConfig()
	cfg.EnableML = false
	report, err = NewDetector(cfg).Detect(context.Background(), makeTxns([]float64{42, 42, 42, 42, 42}))
	require.NoError(t, err)
	assert.Empty(t, report.Records)
	assert.Zero(t, report.Moments.Std)
}

func TestDeterministicAcrossRunsAndWorkers(t *testing.T) {
	txns := randomTxns(5, 300)

	single := DefaultConfig()
	single.Workers = 1
	many := DefaultConfig()
	many.Workers = 8

	first, err := NewDetector(single).Detect(context.Background(), txns)
	require.NoError(t, err)
	second, err := NewDetector(single).Detect(context.Background(), txns)
	require.NoError(t, err)
	third, err := NewDetector(many).Detect(context.Background(), txns)
	require.NoError(t, err)

	assert.Equal(t, first.Records, second.Records)
	assert.Equal(t, first.Records, third.Records)

	shuffled := append([]models.Transaction(nil), txns...)
	rand.New(rand.NewSource(9)).Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	fourth, err := NewDetector(single).Detect(context.Background(), shuffled)
	require.NoError(t, err)
	assert.Equal(t, first.Records, fourth.Records)
}

func TestRecordInvariants(t *testing.T) {
	txns := randomTxns(3, 120)
	cfg := DefaultConfig()

	report, err := NewDetector(cfg).Detect(context.Background(), txns)
	require.NoError(t, err)
	require.NotEmpty(t, report.Records)

	amountOf := make(map[string]float64, len(txns))
	for _, tx := range txns {
		amountOf[tx.ID] = tx.Amount.InexactFloat64()
	}
	m := report.Moments
	lower := m.Q1 - cfg.IQRMultiplier*m.IQR
	upper := m.Q3 + cfg.IQRMultiplier*m.IQR

	seen := make(map[string]bool)
	for _, r := range report.Records {
		assert.False(t, seen[r.TransactionID], "duplicate record for %s", r.TransactionID)
		seen[r.TransactionID] = true

		assert.GreaterOrEqual(t, r.AnomalyScore, 0.0)
		require.NotEmpty(t, r.DetectionMethods)

		a := amountOf[r.TransactionID]
		if r.HasMethod(models.MethodZScore) {
			assert.Greater(t, math.Abs(a-m.Mean)/m.Std, cfg.ZScoreThreshold)
		}
		if r.HasMethod(models.MethodIQR) {
			assert.True(t, a < lower || a > upper, "%s inside fences", r.TransactionID)
		}

		var max float64
		for _, method := range r.DetectionMethods {
			max = math.Max(max, r.MethodScores[method])
		}
		assert.Equal(t, max, r.AnomalyScore)
	}

	outlier, ok := findRecord(report.Records, "TXN061")
	require.True(t, ok)
	assert.True(t, outlier.HasMethod(models.MethodZScore))
}

func TestMethodsInCanonicalOrder(t *testing.T) {
	report, err := NewDetector(nil).Detect(context.Background(), randomTxns(8, 80))
	require.NoError(t, err)

	rank := make(map[string]int)
	for i, m := range models.MethodOrder {
		rank[m] = i
	}
	for _, r := range report.Records {
		for i := 1; i < len(r.DetectionMethods); i++ {
			assert.Less(t, rank[r.DetectionMethods[i-1]], rank[r.DetectionMethods[i]])
		}
	}
}

func TestDetectCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewDetector(nil).Detect(ctx, randomTxns(2, 40))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeRunCancelled))
}

func TestInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
	}{
		{"zero z threshold", func(c *Config) { c.ZScoreThreshold = 0 }},
		{"negative iqr", func(c *Config) { c.IQRMultiplier = -1 }},
		{"contamination too large", func(c *Config) { c.Contamination = 0.6 }},
		{"no trees", func(c *Config) { c.Trees = 0 }},
		{"nu out of range", func(c *Config) { c.Nu = 1.5 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			_, err := NewDetector(cfg).Detect(context.Background(), nil)
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, errors.CodeInvalidConfig))
		})
	}
}

func TestDuplicateIDsKeepFirst(t *testing.T) {
	txns := makeTxns([]float64{10, 20, 30})
	txns = append(txns, models.NewTransaction("TXN001", baseDay, decimal.NewFromInt(999999), "ACC1001", ""))

	cfg := DefaultConfig()
	cfg.EnableML = false
	report, err := NewDetector(cfg).Detect(context.Background(), txns)
	require.NoError(t, err)
	assert.Empty(t, report.Records)
}
