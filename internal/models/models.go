package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the canonical calendar-day format used in CSV files, keys and
// JSON output.
const DateLayout = "2006-01-02"

// Transaction is an external transaction record
type Transaction struct {
	ID           string          `json:"txn_id" csv:"txn_id"`
	Date         time.Time       `json:"date" csv:"date"`
	Amount       decimal.Decimal `json:"amount" csv:"amount"`
	AccountID    string          `json:"account_id" csv:"account_id"`
	Counterparty string          `json:"counterparty,omitempty" csv:"counterparty"`
}

// NewTransaction creates a new Transaction instance
func NewTransaction(id string, date time.Time, amount decimal.Decimal, accountID, counterparty string) Transaction {
	return Transaction{
		ID:           strings.TrimSpace(id),
		Date:         TruncateToDay(date),
		Amount:       amount,
		AccountID:    strings.TrimSpace(accountID),
		Counterparty: strings.TrimSpace(counterparty),
	}
}

// Validate checks the fields the matcher joins on
func (t Transaction) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("transaction ID cannot be empty")
	}
	if t.Date.IsZero() {
		return fmt.Errorf("transaction %s has no date", t.ID)
	}
	if strings.TrimSpace(t.AccountID) == "" {
		return fmt.Errorf("transaction %s has no account_id", t.ID)
	}
	return nil
}

// Day returns the calendar-day key of the transaction
func (t Transaction) Day() string {
	return t.Date.Format(DateLayout)
}

func (t Transaction) String() string {
	return fmt.Sprintf("Transaction{ID: %s, Date: %s, Amount: %s, Account: %s}",
		t.ID, t.Day(), t.Amount.String(), t.AccountID)
}

// MarshalJSON renders amounts as exact decimal strings and dates as days
func (t Transaction) MarshalJSON() ([]byte, error) {
	type Alias Transaction
	return json.Marshal(&struct {
		Date   string `json:"date"`
		Amount string `json:"amount"`
		*Alias
	}{
		Date:   t.Day(),
		Amount: t.Amount.StringFixed(2),
		Alias:  (*Alias)(&t),
	})
}

// UnmarshalJSON implements custom JSON unmarshaling for Transaction
func (t *Transaction) UnmarshalJSON(data []byte) error {
	type Alias Transaction
	aux := &struct {
		Date   string `json:"date"`
		Amount string `json:"amount"`
		*Alias
	}{
		Alias: (*Alias)(t),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	var err error
	if t.Amount, err = ParseDecimal(aux.Amount); err != nil {
		return err
	}
	if t.Date, err = ParseDate(aux.Date); err != nil {
		return err
	}
	return nil
}

// LedgerEntry is an internal general-ledger posting
type LedgerEntry struct {
	ID           string          `json:"gl_id" csv:"gl_id"`
	Date         time.Time       `json:"date" csv:"date"`
	DebitAmount  decimal.Decimal `json:"debit_amount" csv:"debit_amount"`
	CreditAmount decimal.Decimal `json:"credit_amount" csv:"credit_amount"`
	AccountID    string          `json:"account_id" csv:"account_id"`
}

// NewLedgerEntry creates a new LedgerEntry instance
func NewLedgerEntry(id string, date time.Time, debit, credit decimal.Decimal, accountID string) LedgerEntry {
	return LedgerEntry{
		ID:           strings.TrimSpace(id),
		Date:         TruncateToDay(date),
		DebitAmount:  debit,
		CreditAmount: credit,
		AccountID:    strings.TrimSpace(accountID),
	}
}

// Net is the signed amount compared against a transaction: debit minus credit.
func (g LedgerEntry) Net() decimal.Decimal {
	return g.DebitAmount.Sub(g.CreditAmount)
}

// Validate checks the fields the matcher joins on
func (g LedgerEntry) Validate() error {
	if strings.TrimSpace(g.ID) == "" {
		return fmt.Errorf("ledger entry ID cannot be empty")
	}
	if g.Date.IsZero() {
		return fmt.Errorf("ledger entry %s has no date", g.ID)
	}
	if strings.TrimSpace(g.AccountID) == "" {
		return fmt.Errorf("ledger entry %s has no account_id", g.ID)
	}
	return nil
}

// Day returns the calendar-day key of the entry
func (g LedgerEntry) Day() string {
	return g.Date.Format(DateLayout)
}

func (g LedgerEntry) String() string {
	return fmt.Sprintf("LedgerEntry{ID: %s, Date: %s, Net: %s, Account: %s}",
		g.ID, g.Day(), g.Net().String(), g.AccountID)
}

// MarshalJSON implements custom JSON marshaling for LedgerEntry
func (g LedgerEntry) MarshalJSON() ([]byte, error) {
	type Alias LedgerEntry
	return json.Marshal(&struct {
		Date         string `json:"date"`
		DebitAmount  string `json:"debit_amount"`
		CreditAmount string `json:"credit_amount"`
		*Alias
	}{
		Date:         g.Day(),
		DebitAmount:  g.DebitAmount.StringFixed(2),
		CreditAmount: g.CreditAmount.StringFixed(2),
		Alias:        (*Alias)(&g),
	})
}

// UnmarshalJSON implements custom JSON unmarshaling for LedgerEntry
func (g *LedgerEntry) UnmarshalJSON(data []byte) error {
	type Alias LedgerEntry
	aux := &struct {
		Date         string `json:"date"`
		DebitAmount  string `json:"debit_amount"`
		CreditAmount string `json:"credit_amount"`
		*Alias
	}{
		Alias: (*Alias)(g),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	var err error
	if g.DebitAmount, err = ParseDecimalOrZero(aux.DebitAmount); err != nil {
		return err
	}
	if g.CreditAmount, err = ParseDecimalOrZero(aux.CreditAmount); err != nil {
		return err
	}
	if g.Date, err = ParseDate(aux.Date); err != nil {
		return err
	}
	return nil
}

// ParseDecimal parses an amount, tolerating currency symbols and thousand
// separators.
func ParseDecimal(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("amount string cannot be empty")
	}

	s = strings.ReplaceAll(s, "$", "")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(s)

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal format '%s': %w", s, err)
	}

	return d, nil
}

// ParseDecimalOrZero treats a blank value as zero. Ledger rows carry either a
// debit or a credit and leave the other column empty.
func ParseDecimalOrZero(s string) (decimal.Decimal, error) {
	if strings.TrimSpace(s) == "" {
		return decimal.Zero, nil
	}
	return ParseDecimal(s)
}

var dateFormats = []string{
	DateLayout,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006/01/02",
	"01/02/2006",
}

// ParseDate parses a calendar day from the accepted formats. Time-of-day is
// dropped.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("date string cannot be empty")
	}

	var lastErr error
	for _, format := range dateFormats {
		t, err := time.Parse(format, s)
		if err == nil {
			return TruncateToDay(t), nil
		}
		lastErr = err
	}

	return time.Time{}, fmt.Errorf("unable to parse date '%s': %w", s, lastErr)
}

// TruncateToDay drops the time-of-day and location.
func TruncateToDay(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// WithinTolerance reports whether |a - b| <= tolerance
func WithinTolerance(a, b, tolerance decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(tolerance)
}
