// Package datagen builds synthetic transaction and general ledger datasets
// whose reconciliation outcome is known in advance.
//
// Every transaction gets its own (account_id, date) key, so the outcome of
// matching depends only on which treatment the generator picked for it:
// an exact ledger entry, an entry off by at least one unit, or no entry at
// all. Ledger entries without a transaction use keys after the last
// transaction day.
package datagen

import (
	"encoding/csv"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"ledger-reconciliation-service/internal/models"
	"ledger-reconciliation-service/pkg/errors"
)

// Scenario controls the shape of a generated dataset
type Scenario struct {
	Transactions int       `json:"transactions"`
	Accounts     int       `json:"accounts"`
	StartDate    time.Time `json:"start_date"`

	MinAmount decimal.Decimal `json:"min_amount"`
	MaxAmount decimal.Decimal `json:"max_amount"`

	// Rates are fractions of the transactions. They must sum to at most 1;
	// the remainder is matched exactly.
	MismatchRate  float64 `json:"mismatch_rate"`
	MissingGLRate float64 `json:"missing_gl_rate"`

	// OrphanEntries is the number of ledger entries with no transaction
	OrphanEntries int `json:"orphan_entries"`
	// Outliers is the number of transactions given an amount far above
	// MaxAmount. Their ledger entries match exactly.
	Outliers int `json:"outliers"`

	Seed int64 `json:"seed"`
}

// DefaultScenario returns a month of activity over five accounts
func DefaultScenario() *Scenario {
	return &Scenario{
		Transactions:  200,
		Accounts:      5,
		StartDate:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		MinAmount:     decimal.NewFromInt(10),
		MaxAmount:     decimal.NewFromInt(5000),
		MismatchRate:  0.05,
		MissingGLRate: 0.03,
		OrphanEntries: 4,
		Outliers:      2,
		Seed:          42,
	}
}

// Validate checks the scenario
func (s *Scenario) Validate() error {
	if s.Transactions < 1 {
		return fmt.Errorf("transactions must be at least 1, got %d", s.Transactions)
	}
	if s.Accounts < 1 {
		return fmt.Errorf("accounts must be at least 1, got %d", s.Accounts)
	}
	if s.StartDate.IsZero() {
		return fmt.Errorf("start date is required")
	}
	if !s.MinAmount.IsPositive() || s.MaxAmount.LessThan(s.MinAmount) {
		return fmt.Errorf("amount range [%s, %s] is invalid", s.MinAmount, s.MaxAmount)
	}
	if s.MismatchRate < 0 || s.MissingGLRate < 0 || s.MismatchRate+s.MissingGLRate > 1 {
		return fmt.Errorf("mismatch rate %g and missing GL rate %g must be non-negative and sum to at most 1",
			s.MismatchRate, s.MissingGLRate)
	}
	if s.OrphanEntries < 0 {
		return fmt.Errorf("orphan entries cannot be negative, got %d", s.OrphanEntries)
	}
	if s.Outliers < 0 || s.Outliers > s.Transactions {
		return fmt.Errorf("outliers must be between 0 and %d, got %d", s.Transactions, s.Outliers)
	}
	return nil
}

// Dataset is a generated pair of inputs with the expected outcome
type Dataset struct {
	Transactions []models.Transaction
	Ledger       []models.LedgerEntry

	// Expected counts results by status
	Expected map[models.MatchStatus]int
	// OutlierIDs lists the transactions given an extreme amount
	OutlierIDs []string
}

var counterparties = []string{
	"Acme Supplies", "Globex", "Initech", "Umbrella Corp", "Stark Industries",
	"Wayne Enterprises", "Hooli", "Vandelay Imports",
}

// Generate builds a dataset for s. The same scenario always yields the same
// dataset.
func Generate(s *Scenario) (*Dataset, error) {
	if s == nil {
		s = DefaultScenario()
	}
	if err := s.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "scenario", nil, err)
	}

	r := rand.New(rand.NewSource(s.Seed))
	start := models.TruncateToDay(s.StartDate)
	minCents := s.MinAmount.Shift(2).IntPart()
	maxCents := s.MaxAmount.Shift(2).IntPart()

	ds := &Dataset{
		Transactions: make([]models.Transaction, 0, s.Transactions),
		Ledger:       make([]models.LedgerEntry, 0, s.Transactions+s.OrphanEntries),
		Expected:     make(map[models.MatchStatus]int),
	}

	outliers := pickOutliers(r, s.Transactions, s.Outliers)

	for i := 0; i < s.Transactions; i++ {
		account := accountID(i % s.Accounts)
		date := start.AddDate(0, 0, i/s.Accounts)

		amount := decimal.New(minCents+r.Int63n(maxCents-minCents+1), -2)
		if outliers[i] {
			amount = s.MaxAmount.Mul(decimal.NewFromInt(int64(50 + r.Intn(50)))).Round(2)
		}

		txn := models.NewTransaction(fmt.Sprintf("TXG%06d", i+1), date, amount, account,
			counterparties[r.Intn(len(counterparties))])
		ds.Transactions = append(ds.Transactions, txn)
		if outliers[i] {
			ds.OutlierIDs = append(ds.OutlierIDs, txn.ID)
		}

		glID := fmt.Sprintf("GLG%06d", i+1)
		roll := r.Float64()
		switch {
		case !outliers[i] && roll < s.MismatchRate:
			// at least one whole unit away, well outside any cent tolerance
			delta := decimal.New(100+r.Int63n(10000), -2)
			ds.Ledger = append(ds.Ledger, ledgerEntry(glID, date, amount.Add(delta), account))
			ds.Expected[models.StatusAmountMismatch]++
		case !outliers[i] && roll < s.MismatchRate+s.MissingGLRate:
			ds.Expected[models.StatusMissingGL]++
		default:
			ds.Ledger = append(ds.Ledger, ledgerEntry(glID, date, amount, account))
			ds.Expected[models.StatusMatched]++
		}
	}

	lastDay := (s.Transactions - 1) / s.Accounts
	for j := 0; j < s.OrphanEntries; j++ {
		date := start.AddDate(0, 0, lastDay+1+j/s.Accounts)
		amount := decimal.New(minCents+r.Int63n(maxCents-minCents+1), -2)
		ds.Ledger = append(ds.Ledger, ledgerEntry(fmt.Sprintf("GLO%06d", j+1), date, amount, accountID(j%s.Accounts)))
		ds.Expected[models.StatusMissingTransaction]++
	}

	return ds, nil
}

// pickOutliers chooses n distinct transaction positions
func pickOutliers(r *rand.Rand, total, n int) map[int]bool {
	picked := make(map[int]bool, n)
	for _, i := range r.Perm(total)[:n] {
		picked[i] = true
	}
	return picked
}

// ledgerEntry books net as a debit when positive and a credit otherwise
func ledgerEntry(id string, date time.Time, net decimal.Decimal, account string) models.LedgerEntry {
	if net.IsNegative() {
		return models.NewLedgerEntry(id, date, decimal.Zero, net.Neg(), account)
	}
	return models.NewLedgerEntry(id, date, net, decimal.Zero, account)
}

func accountID(n int) string {
	return fmt.Sprintf("ACC%04d", 1001+n)
}

// Total returns the number of results a reconciliation of d produces
func (d *Dataset) Total() int {
	total := 0
	for _, n := range d.Expected {
		total += n
	}
	return total
}

// WriteTransactionsCSV writes the transactions in the upload format
func (d *Dataset) WriteTransactionsCSV(w io.Writer) error {
	rows := [][]string{{"txn_id", "date", "amount", "account_id", "counterparty"}}
	for _, t := range d.Transactions {
		rows = append(rows, []string{t.ID, t.Day(), t.Amount.StringFixed(2), t.AccountID, t.Counterparty})
	}
	return writeCSV(w, rows)
}

// WriteLedgerCSV writes the ledger entries in the upload format
func (d *Dataset) WriteLedgerCSV(w io.Writer) error {
	rows := [][]string{{"gl_id", "date", "debit_amount", "credit_amount", "account_id"}}
	for _, g := range d.Ledger {
		rows = append(rows, []string{g.ID, g.Day(), g.DebitAmount.StringFixed(2), g.CreditAmount.StringFixed(2), g.AccountID})
	}
	return writeCSV(w, rows)
}

// WriteFiles writes transactions.csv and general_ledger.csv into dir and
// returns their paths.
func (d *Dataset) WriteFiles(dir string) (string, string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", errors.FileError(errors.CodeFilePermission, dir, err)
	}

	txPath := filepath.Join(dir, "transactions.csv")
	if err := writeFile(txPath, d.WriteTransactionsCSV); err != nil {
		return "", "", err
	}
	glPath := filepath.Join(dir, "general_ledger.csv")
	if err := writeFile(glPath, d.WriteLedgerCSV); err != nil {
		return "", "", err
	}
	return txPath, glPath, nil
}

func writeFile(path string, write func(io.Writer) error) error {
	file, err := os.Create(path)
	if err != nil {
		return errors.FileError(errors.CodeFilePermission, path, err)
	}
	if err := write(file); err != nil {
		file.Close()
		return errors.FileError(errors.CodeFilePermission, path, err)
	}
	if err := file.Close(); err != nil {
		return errors.FileError(errors.CodeFilePermission, path, err)
	}
	return nil
}

func writeCSV(w io.Writer, rows [][]string) error {
	writer := csv.NewWriter(w)
	if err := writer.WriteAll(rows); err != nil {
		return err
	}
	return writer.Error()
}
