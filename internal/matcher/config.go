// Package matcher pairs external transactions with general-ledger entries.
//
// Matching is exact on the join key (account_id, calendar day) and tolerant
// on the amount. Ledger entries are bucketed by key and, inside a bucket,
// ordered by id so that tie-breaks are reproducible. Transactions are visited
// in (date, account_id, id) order and each one consumes at most one entry:
//
//  1. the first unconsumed candidate whose net amount is within the tolerance
//     is a match;
//  2. otherwise the first unconsumed candidate is an amount mismatch;
//  3. otherwise the transaction is missing from the ledger.
//
// Entries never consumed are reported as missing transactions. Every input
// record ends up in exactly one MatchResult; records whose join key cannot be
// used are excluded and returned as defects instead.
//
// Example usage:
//
//	engine := matcher.NewEngine(matcher.DefaultMatchingConfig())
//	result, err := engine.Reconcile(ctx, transactions, entries)
package matcher

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// MatchingConfig holds the thresholds of the matching pass.
type MatchingConfig struct {
	// AmountTolerance is the largest |transaction - net| still classified as
	// a match. The comparison is inclusive.
	AmountTolerance decimal.Decimal `json:"amount_tolerance"`

	// MaxMismatchDifference caps the difference an amount mismatch may carry.
	// A candidate further away leaves the transaction missing_gl and the entry
	// free for later transactions. Zero disables the cap.
	MaxMismatchDifference decimal.Decimal `json:"max_mismatch_difference"`
}

// DefaultMatchingConfig returns a one-cent tolerance and no mismatch cap
func DefaultMatchingConfig() *MatchingConfig {
	return &MatchingConfig{
		AmountTolerance:       decimal.New(1, -2),
		MaxMismatchDifference: decimal.Zero,
	}
}

// Validate checks if the matching configuration is valid
func (mc *MatchingConfig) Validate() error {
	if mc.AmountTolerance.IsNegative() {
		return fmt.Errorf("amount tolerance cannot be negative: %s", mc.AmountTolerance)
	}
	if mc.MaxMismatchDifference.IsNegative() {
		return fmt.Errorf("max mismatch difference cannot be negative: %s", mc.MaxMismatchDifference)
	}
	if mc.MaxMismatchDifference.IsPositive() && mc.MaxMismatchDifference.LessThanOrEqual(mc.AmountTolerance) {
		return fmt.Errorf("max mismatch difference %s must exceed the amount tolerance %s",
			mc.MaxMismatchDifference, mc.AmountTolerance)
	}
	return nil
}

// Clone returns a copy of the configuration
func (mc *MatchingConfig) Clone() *MatchingConfig {
	clone := *mc
	return &clone
}

// mismatchAllowed reports whether diff may be reported as an amount mismatch
func (mc *MatchingConfig) mismatchAllowed(diff decimal.Decimal) bool {
	return mc.MaxMismatchDifference.IsZero() || diff.LessThanOrEqual(mc.MaxMismatchDifference)
}

func (mc *MatchingConfig) String() string {
	return fmt.Sprintf("MatchingConfig{AmountTolerance: %s, MaxMismatchDifference: %s}",
		mc.AmountTolerance, mc.MaxMismatchDifference)
}
