package parsers

import (
	"fmt"
	"strings"

	"ledger-reconciliation-service/internal/models"
)

// Schema is the column contract of one dataset. Files must carry exactly
// these columns, in any order.
type Schema struct {
	Dataset  string
	Columns  []string
	Required []string
}

// Column names of the transaction dataset
const (
	ColTxnID        = "txn_id"
	ColDate         = "date"
	ColAmount       = "amount"
	ColAccountID    = "account_id"
	ColCounterparty = "counterparty"
)

// Column names of the general-ledger dataset
const (
	ColGLID         = "gl_id"
	ColDebitAmount  = "debit_amount"
	ColCreditAmount = "credit_amount"
)

// TransactionSchema is the transaction file contract
var TransactionSchema = Schema{
	Dataset:  models.DatasetTransactions,
	Columns:  []string{ColTxnID, ColDate, ColAmount, ColAccountID, ColCounterparty},
	Required: []string{ColTxnID, ColDate, ColAmount, ColAccountID},
}

// LedgerSchema is the general-ledger file contract
var LedgerSchema = Schema{
	Dataset:  models.DatasetLedger,
	Columns:  []string{ColGLID, ColDate, ColDebitAmount, ColCreditAmount, ColAccountID},
	Required: []string{ColGLID, ColDate, ColAccountID},
}

// IsRequired reports whether a value must be present in every row
func (s Schema) IsRequired(column string) bool {
	for _, c := range s.Required {
		if c == column {
			return true
		}
	}
	return false
}

// ParseConfig holds configuration for CSV parsing
type ParseConfig struct {
	Delimiter        rune
	TrimLeadingSpace bool
	SkipEmptyRows    bool
	// AllowUnknownColumns ignores columns outside the schema instead of
	// rejecting the file.
	AllowUnknownColumns bool
}

// DefaultParseConfig returns a configuration with sensible defaults
func DefaultParseConfig() *ParseConfig {
	return &ParseConfig{
		Delimiter:        ',',
		TrimLeadingSpace: true,
		SkipEmptyRows:    true,
	}
}

// Validate checks the parse configuration
func (c *ParseConfig) Validate() error {
	switch c.Delimiter {
	case 0, '\r', '\n', '"':
		return fmt.Errorf("invalid delimiter %q", c.Delimiter)
	}
	return nil
}

func normalizeHeader(h string) string {
	return strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
}
