package matcher

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledger-reconciliation-service/internal/models"
	"ledger-reconciliation-service/pkg/errors"
)

func day(s string) time.Time {
	t, err := time.Parse(models.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func tx(id, date, amount, account string) models.Transaction {
	return models.NewTransaction(id, day(date), dec(amount), account, "")
}

func gl(id, date, debit, credit, account string) models.LedgerEntry {
	return models.NewLedgerEntry(id, day(date), dec(debit), dec(credit), account)
}

func reconcile(t *testing.T, config *MatchingConfig, txns []models.Transaction, entries []models.LedgerEntry) *Result {
	t.Helper()
	result, err := NewEngine(config).Reconcile(context.Background(), txns, entries)
	require.NoError(t, err)
	return result
}

func findByTx(results []models.MatchResult, id string) (models.MatchResult, bool) {
	for _, r := range results {
		if r.TransactionID == id {
			return r, true
		}
	}
	return models.MatchResult{}, false
}

func findByGL(results []models.MatchResult, id string) (models.MatchResult, bool) {
	for _, r := range results {
		if r.GLID == id {
			return r, true
		}
	}
	return models.MatchResult{}, false
}

func TestReconcileScenarios(t *testing.T) {
	t.Run("exact match", func(t *testing.T) {
		res := reconcile(t, nil,
			[]models.Transaction{tx("TXN001", "2024-01-15", "1500.00", "ACC1001")},
			[]models.LedgerEntry{gl("GL001", "2024-01-15", "1500.00", "0", "ACC1001")})

		require.Len(t, res.Results, 1)
		r := res.Results[0]
		assert.Equal(t, models.StatusMatched, r.Status)
		assert.Equal(t, "TXN001", r.TransactionID)
		assert.Equal(t, "GL001", r.GLID)
		assert.Nil(t, r.AmountDifference)
	})

	t.Run("amount mismatch", func(t *testing.T) {
		res := reconcile(t, nil,
			[]models.Transaction{tx("TXN004", "2024-01-18", "750.50", "ACC1002")},
			[]models.LedgerEntry{gl("GL004", "2024-01-18", "800.50", "0", "ACC1002")})

		require.Len(t, res.Results, 1)
		r := res.Results[0]
		assert.Equal(t, models.StatusAmountMismatch, r.Status)
		assert.Equal(t, "GL004", r.GLID)
		require.NotNil(t, r.AmountDifference)
		assert.True(t, r.AmountDifference.Equal(dec("50.00")), "got %s", r.AmountDifference)
	})

	t.Run("missing gl", func(t *testing.T) {
		res := reconcile(t, nil,
			[]models.Transaction{tx("TXN011", "2024-01-25", "500000", "ACC1003")},
			[]models.LedgerEntry{gl("GL099", "2024-01-25", "500000", "0", "ACC9999")})

		r, ok := findByTx(res.Results, "TXN011")
		require.True(t, ok)
		assert.Equal(t, models.StatusMissingGL, r.Status)
		assert.Empty(t, r.GLID)
	})

	t.Run("missing transaction", func(t *testing.T) {
		res := reconcile(t, nil, nil,
			[]models.LedgerEntry{gl("GL028", "2024-02-10", "1250.00", "0", "ACC1001")})

		require.Len(t, res.Results, 1)
		r := res.Results[0]
		assert.Equal(t, models.StatusMissingTransaction, r.Status)
		assert.Equal(t, "GL028", r.GLID)
		assert.Empty(t, r.TransactionID)
		assert.Equal(t, "ACC1001", r.AccountID)
		assert.Equal(t, "2024-02-10", r.Day())
	})

	t.Run("credit entry nets negative", func(t *testing.T) {
		res := reconcile(t, nil,
			[]models.Transaction{tx("T1", "2024-01-16", "-250.75", "ACC1")},
			[]models.LedgerEntry{gl("G1", "2024-01-16", "0", "250.75", "ACC1")})

		assert.Equal(t, models.StatusMatched, res.Results[0].Status)
	})
}

func TestToleranceBoundary(t *testing.T) {
	tests := []struct {
		name   string
		amount string
		debit  string
		want   models.MatchStatus
	}{
		{"equal", "100.00", "100.00", models.StatusMatched},
		{"one cent over", "100.00", "100.01", models.StatusMatched},
		{"one cent under", "100.01", "100.00", models.StatusMatched},
		{"two cents", "100.00", "100.02", models.StatusAmountMismatch},
		{"sub-cent", "100.000", "100.009", models.StatusMatched},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := reconcile(t, nil,
				[]models.Transaction{tx("T1", "2024-01-01", tt.amount, "A")},
				[]models.LedgerEntry{gl("G1", "2024-01-01", tt.debit, "0", "A")})
			assert.Equal(t, tt.want, res.Results[0].Status)
		})
	}
}

func TestTieBreakPrefersToleranceThenID(t *testing.T) {
	txns := []models.Transaction{
		tx("TXN012", "2024-01-26", "300.00", "ACC1001"),
		tx("TXN013", "2024-01-26", "450.00", "ACC1001"),
	}
	entries := []models.LedgerEntry{
		gl("GL013", "2024-01-26", "300.00", "0", "ACC1001"),
		gl("GL012", "2024-01-26", "450.00", "0", "ACC1001"),
	}

	res := reconcile(t, nil, txns, entries)

	r12, _ := findByTx(res.Results, "TXN012")
	r13, _ := findByTx(res.Results, "TXN013")
	assert.Equal(t, models.StatusMatched, r12.Status)
	assert.Equal(t, "GL013", r12.GLID)
	assert.Equal(t, models.StatusMatched, r13.Status)
	assert.Equal(t, "GL012", r13.GLID)
}

func TestMismatchConsumesLowestIDCandidate(t *testing.T) {
	txns := []models.Transaction{
		tx("T1", "2024-01-01", "10.00", "A"),
		tx("T2", "2024-01-01", "20.00", "A"),
	}
	entries := []models.LedgerEntry{
		gl("G2", "2024-01-01", "99.00", "0", "A"),
		gl("G1", "2024-01-01", "98.00", "0", "A"),
		gl("G3", "2024-01-01", "20.00", "0", "A"),
	}

	res := reconcile(t, nil, txns, entries)

	// T1 sees no match, so it takes G1; T2 then finds its exact match G3
	r1, _ := findByTx(res.Results, "T1")
	assert.Equal(t, models.StatusAmountMismatch, r1.Status)
	assert.Equal(t, "G1", r1.GLID)
	assert.True(t, r1.AmountDifference.Equal(dec("88")))

	r2, _ := findByTx(res.Results, "T2")
	assert.Equal(t, models.StatusMatched, r2.Status)
	assert.Equal(t, "G3", r2.GLID)

	g2, ok := findByGL(res.Results, "G2")
	require.True(t, ok)
	assert.Equal(t, models.StatusMissingTransaction, g2.Status)
}

func TestMaxMismatchDifference(t *testing.T) {
	config := DefaultMatchingConfig()
	config.MaxMismatchDifference = dec("100")

	res := reconcile(t, config,
		[]models.Transaction{
			tx("T1", "2024-01-01", "10.00", "A"),
			tx("T2", "2024-01-02", "10.00", "A"),
		},
		[]models.LedgerEntry{
			gl("G1", "2024-01-01", "500.00", "0", "A"),
			gl("G2", "2024-01-02", "60.00", "0", "A"),
		})

	r1, _ := findByTx(res.Results, "T1")
	assert.Equal(t, models.StatusMissingGL, r1.Status)
	g1, _ := findByGL(res.Results, "G1")
	assert.Equal(t, models.StatusMissingTransaction, g1.Status)

	r2, _ := findByTx(res.Results, "T2")
	assert.Equal(t, models.StatusAmountMismatch, r2.Status)
}

func TestKeyDefectsAreExcluded(t *testing.T) {
	noDate := tx("T2", "2024-01-01", "5.00", "A")
	noDate.Date = time.Time{}
	noAccount := tx("T3", "2024-01-01", "5.00", "")
	badEntry := gl("G9", "2024-01-01", "5.00", "0", "A")
	badEntry.Date = time.Time{}

	res := reconcile(t, nil,
		[]models.Transaction{tx("T1", "2024-01-01", "5.00", "A"), noDate, noAccount, tx("T1", "2024-01-01", "7.00", "A")},
		[]models.LedgerEntry{gl("G1", "2024-01-01", "5.00", "0", "A"), badEntry})

	require.Len(t, res.Results, 1)
	assert.Equal(t, models.StatusMatched, res.Results[0].Status)

	require.Len(t, res.Defects, 4)
	assert.Equal(t, "T2", res.Defects[0].RecordID)
	assert.Equal(t, "date", res.Defects[0].Field)
	assert.Equal(t, "account_id", res.Defects[1].Field)
	assert.Contains(t, res.Defects[2].Reason, "duplicate")
	assert.Equal(t, models.DatasetLedger, res.Defects[3].Dataset)
	assert.Equal(t, 4, res.Summary.Excluded)
}

func TestResultOrdering(t *testing.T) {
	res := reconcile(t, nil,
		[]models.Transaction{
			tx("T3", "2024-01-02", "1", "B"),
			tx("T2", "2024-01-02", "1", "A"),
			tx("T1", "2024-01-03", "1", "A"),
		},
		[]models.LedgerEntry{
			gl("G1", "2024-01-01", "1", "0", "Z"),
			gl("G0", "2024-01-02", "1", "0", "A"),
		})

	var order []string
	for _, r := range res.Results {
		order = append(order, r.PrimaryID())
	}
	assert.Equal(t, []string{"G1", "T2", "T3", "T1"}, order)
}

func TestEmptyInput(t *testing.T) {
	res := reconcile(t, nil, nil, nil)
	assert.Empty(t, res.Results)
	assert.Equal(t, 0, res.Summary.Unmatched())
}

func TestInvalidConfig(t *testing.T) {
	config := DefaultMatchingConfig()
	config.AmountTolerance = dec("-1")

	_, err := NewEngine(config).Reconcile(context.Background(), nil, nil)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeInvalidConfig))
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewEngine(nil).Reconcile(ctx, []models.Transaction{tx("T1", "2024-01-01", "1", "A")}, nil)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeRunCancelled))
}

func randomDataset(rng *rand.Rand, nTx, nGL int) ([]models.Transaction, []models.LedgerEntry) {
	accounts := []string{"ACC1", "ACC2", "ACC3"}
	amounts := []string{"10.00", "10.01", "25.50", "99.99", "100.00", "-40.00"}
	base := day("2024-01-01")

	txns := make([]models.Transaction, nTx)
	for i := range txns {
		txns[i] = models.NewTransaction(fmt.Sprintf("T%03d", i), base.AddDate(0, 0, rng.Intn(4)),
			dec(amounts[rng.Intn(len(amounts))]), accounts[rng.Intn(len(accounts))], "")
	}
	entries := make([]models.LedgerEntry, nGL)
	for i := range entries {
		amount := dec(amounts[rng.Intn(len(amounts))])
		debit, credit := amount, decimal.Zero
		if amount.IsNegative() {
			debit, credit = decimal.Zero, amount.Neg()
		}
		entries[i] = models.NewLedgerEntry(fmt.Sprintf("G%03d", i), base.AddDate(0, 0, rng.Intn(4)),
			debit, credit, accounts[rng.Intn(len(accounts))])
	}
	return txns, entries
}

func TestPartitionAndDifferenceProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	eps := DefaultMatchingConfig().AmountTolerance

	for round := 0; round < 50; round++ {
		txns, entries := randomDataset(rng, rng.Intn(40), rng.Intn(40))
		res := reconcile(t, nil, txns, entries)

		assert.Len(t, res.Results, len(txns)+len(entries)-res.Summary.Matched-res.Summary.AmountMismatch)

		amountOf := make(map[string]decimal.Decimal)
		for _, x := range txns {
			amountOf[x.ID] = x.Amount
		}
		netOf := make(map[string]decimal.Decimal)
		for _, g := range entries {
			netOf[g.ID] = g.Net()
		}

		for _, r := range res.Results {
			switch r.Status {
			case models.StatusMatched:
				assert.Nil(t, r.AmountDifference)
				assert.True(t, models.WithinTolerance(amountOf[r.TransactionID], netOf[r.GLID], eps))
			case models.StatusAmountMismatch:
				require.NotNil(t, r.AmountDifference)
				want := amountOf[r.TransactionID].Sub(netOf[r.GLID]).Abs()
				assert.True(t, r.AmountDifference.Equal(want))
				assert.True(t, r.AmountDifference.GreaterThan(eps))
			}
		}
	}
}

func TestIdempotentAndOrderIndependent(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	txns, entries := randomDataset(rng, 60, 60)

	first := reconcile(t, nil, txns, entries)
	second := reconcile(t, nil, txns, entries)
	assert.Equal(t, first.Results, second.Results)

	shuffledTx := append([]models.Transaction(nil), txns...)
	shuffledGL := append([]models.LedgerEntry(nil), entries...)
	rng.Shuffle(len(shuffledTx), func(i, j int) { shuffledTx[i], shuffledTx[j] = shuffledTx[j], shuffledTx[i] })
	rng.Shuffle(len(shuffledGL), func(i, j int) { shuffledGL[i], shuffledGL[j] = shuffledGL[j], shuffledGL[i] })

	third := reconcile(t, nil, shuffledTx, shuffledGL)
	assert.Equal(t, first.Results, third.Results)
}

func TestCheckPartitionDetectsViolations(t *testing.T) {
	t1 := tx("T1", "2024-01-01", "1", "A")
	g1 := gl("G1", "2024-01-01", "1", "0", "A")
	txns := []*models.Transaction{&t1}
	entries := []*models.LedgerEntry{&g1}

	ok := []models.MatchResult{{Status: models.StatusMatched, TransactionID: "T1", GLID: "G1", AccountID: "A", Date: t1.Date}}
	assert.NoError(t, CheckPartition(txns, entries, ok))

	duplicated := append(ok, models.MatchResult{Status: models.StatusMissingGL, TransactionID: "T1", AccountID: "A", Date: t1.Date})
	assert.Error(t, CheckPartition(txns, entries, duplicated))

	missing := []models.MatchResult{{Status: models.StatusMissingGL, TransactionID: "T1", AccountID: "A", Date: t1.Date}}
	assert.Error(t, CheckPartition(txns, entries, missing))

	diff := dec("1")
	badDiff := []models.MatchResult{{Status: models.StatusMatched, TransactionID: "T1", GLID: "G1", AmountDifference: &diff}}
	assert.Error(t, CheckPartition(txns, entries, badDiff))
}

func TestLedgerIndex(t *testing.T) {
	g1 := gl("G2", "2024-01-01", "5", "0", "A")
	g2 := gl("G1", "2024-01-01", "7", "0", "A")
	g3 := gl("G3", "2024-01-02", "5", "0", "A")
	idx := NewLedgerIndex([]*models.LedgerEntry{&g1, &g2, &g3})

	key := Key{AccountID: "A", Day: "2024-01-01"}
	cands := idx.candidates(key)
	require.Len(t, cands, 2)
	assert.Equal(t, "G1", cands[0].ID)

	first, ok := idx.First(key)
	require.True(t, ok)
	assert.Equal(t, "G1", first.ID)

	found, ok := idx.FindWithinTolerance(key, dec("5"), decimal.Zero)
	require.True(t, ok)
	assert.Equal(t, "G2", found.ID)

	assert.True(t, idx.Consume(first))
	assert.False(t, idx.Consume(first))

	next, ok := idx.First(key)
	require.True(t, ok)
	assert.Equal(t, "G2", next.ID)

	stats := idx.Stats()
	assert.Equal(t, 3, stats.Entries)
	assert.Equal(t, 2, stats.Buckets)
	assert.Equal(t, 2, stats.MaxBucket)
	assert.Equal(t, 2, stats.Unconsumed)

	_, ok = idx.First(Key{AccountID: "B", Day: "2024-01-01"})
	assert.False(t, ok)
}

func TestMatchingConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultMatchingConfig().Validate())
	assert.NoError(t, (&MatchingConfig{AmountTolerance: decimal.Zero, MaxMismatchDifference: decimal.Zero}).Validate())

	c := DefaultMatchingConfig()
	c.MaxMismatchDifference = dec("0.005")
	assert.Error(t, c.Validate())

	clone := c.Clone()
	clone.AmountTolerance = dec("5")
	assert.True(t, c.AmountTolerance.Equal(dec("0.01")))
}

func TestKeyDefectsWithoutMatching(t *testing.T) {
	txns := []models.Transaction{
		tx("T1", "2024-01-01", "10.00", "A"),
		tx("T1", "2024-01-02", "20.00", "A"),
		tx("T2", "2024-01-02", "5.00", ""),
	}
	entries := []models.LedgerEntry{
		gl("G1", "2024-01-01", "10.00", "0", "A"),
	}

	defects := KeyDefects(txns, entries)
	require.Len(t, defects, 2)
	assert.Equal(t, "T1", defects[0].RecordID)
	assert.Equal(t, "T2", defects[1].RecordID)
	assert.Empty(t, KeyDefects(nil, entries))
}
