package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// MatchStatus classifies one reconciliation outcome
type MatchStatus string

const (
	StatusMatched            MatchStatus = "matched"
	StatusAmountMismatch     MatchStatus = "amount_mismatch"
	StatusMissingGL          MatchStatus = "missing_gl"
	StatusMissingTransaction MatchStatus = "missing_transaction"
)

// AllStatuses lists every status in reporting order
var AllStatuses = []MatchStatus{
	StatusMatched,
	StatusAmountMismatch,
	StatusMissingGL,
	StatusMissingTransaction,
}

// IsValid reports whether s is a known status
func (s MatchStatus) IsValid() bool {
	switch s {
	case StatusMatched, StatusAmountMismatch, StatusMissingGL, StatusMissingTransaction:
		return true
	}
	return false
}

// MatchResult is one outcome of reconciling transactions against the ledger.
// TransactionID is empty for missing_transaction and GLID is empty for
// missing_gl. AmountDifference is set only for amount_mismatch.
type MatchResult struct {
	Status           MatchStatus      `json:"status"`
	TransactionID    string           `json:"transaction_id,omitempty"`
	GLID             string           `json:"gl_id,omitempty"`
	AccountID        string           `json:"account_id"`
	Date             time.Time        `json:"date"`
	AmountDifference *decimal.Decimal `json:"amount_difference,omitempty"`
}

// PrimaryID returns the transaction id when present and the GL id otherwise
func (r MatchResult) PrimaryID() string {
	if r.TransactionID != "" {
		return r.TransactionID
	}
	return r.GLID
}

// Day returns the calendar-day key of the result
func (r MatchResult) Day() string {
	return r.Date.Format(DateLayout)
}

// MarshalJSON implements custom JSON marshaling for MatchResult
func (r MatchResult) MarshalJSON() ([]byte, error) {
	type Alias MatchResult
	var diff *string
	if r.AmountDifference != nil {
		s := r.AmountDifference.StringFixed(2)
		diff = &s
	}
	return json.Marshal(&struct {
		Date             string  `json:"date"`
		AmountDifference *string `json:"amount_difference,omitempty"`
		*Alias
	}{
		Date:             r.Day(),
		AmountDifference: diff,
		Alias:            (*Alias)(&r),
	})
}

// UnmarshalJSON implements custom JSON unmarshaling for MatchResult
func (r *MatchResult) UnmarshalJSON(data []byte) error {
	type Alias MatchResult
	aux := &struct {
		Date             string  `json:"date"`
		AmountDifference *string `json:"amount_difference,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(r),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	var err error
	if r.Date, err = ParseDate(aux.Date); err != nil {
		return err
	}
	r.AmountDifference = nil
	if aux.AmountDifference != nil {
		d, err := ParseDecimal(*aux.AmountDifference)
		if err != nil {
			return err
		}
		r.AmountDifference = &d
	}
	return nil
}

// Detection method tags, in canonical order
const (
	MethodZScore          = "z_score"
	MethodIQR             = "iqr"
	MethodIsolationForest = "isolation_forest"
	MethodOneClassSVM     = "one_class_svm"
)

// MethodOrder is the canonical order of detection methods
var MethodOrder = []string{MethodZScore, MethodIQR, MethodIsolationForest, MethodOneClassSVM}

// AnomalyType says which detection stages flagged a transaction
type AnomalyType string

const (
	AnomalyStatistical AnomalyType = "statistical"
	AnomalyML          AnomalyType = "ml"
	AnomalyEnsemble    AnomalyType = "ensemble"
)

// AnomalyRecord describes one flagged transaction
type AnomalyRecord struct {
	TransactionID    string             `json:"transaction_id"`
	AccountID        string             `json:"account_id"`
	Date             time.Time          `json:"-"`
	Amount           decimal.Decimal    `json:"-"`
	DetectionMethods []string           `json:"detection_methods"`
	AnomalyType      AnomalyType        `json:"anomaly_type"`
	AnomalyScore     float64            `json:"anomaly_score"`
	MethodScores     map[string]float64 `json:"method_scores"`
}

// HasMethod reports whether the given method flagged the transaction
func (a AnomalyRecord) HasMethod(method string) bool {
	for _, m := range a.DetectionMethods {
		if m == method {
			return true
		}
	}
	return false
}

// MarshalJSON implements custom JSON marshaling for AnomalyRecord
func (a AnomalyRecord) MarshalJSON() ([]byte, error) {
	type Alias AnomalyRecord
	return json.Marshal(&struct {
		Date   string `json:"date"`
		Amount string `json:"amount"`
		*Alias
	}{
		Date:   a.Date.Format(DateLayout),
		Amount: a.Amount.StringFixed(2),
		Alias:  (*Alias)(&a),
	})
}

// UnmarshalJSON implements custom JSON unmarshaling for AnomalyRecord
func (a *AnomalyRecord) UnmarshalJSON(data []byte) error {
	type Alias AnomalyRecord
	aux := &struct {
		Date   string `json:"date"`
		Amount string `json:"amount"`
		*Alias
	}{
		Alias: (*Alias)(a),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	var err error
	if a.Date, err = ParseDate(aux.Date); err != nil {
		return err
	}
	if a.Amount, err = ParseDecimal(aux.Amount); err != nil {
		return err
	}
	return nil
}

// DataQualityReport summarizes the health of one ingested dataset
type DataQualityReport struct {
	DatasetName       string    `json:"dataset_name"`
	TotalRecords      int       `json:"total_records"`
	DuplicateCount    int       `json:"duplicate_count"`
	DefectCount       int       `json:"defect_count"`
	CompletenessScore float64   `json:"completeness_score"`
	ConsistencyScore  float64   `json:"consistency_score"`
	QualityScore      float64   `json:"quality_score"`
	Issues            []string  `json:"issues"`
	CheckedAt         time.Time `json:"checked_at"`
}

// Defect is a record excluded from matching because a join key was unusable.
type Defect struct {
	Dataset  string `json:"dataset"`
	RecordID string `json:"record_id,omitempty"`
	Line     int    `json:"line,omitempty"`
	Field    string `json:"field,omitempty"`
	Value    string `json:"value,omitempty"`
	Reason   string `json:"reason"`
}

// Dataset names used in defects and quality reports
const (
	DatasetTransactions = "transactions"
	DatasetLedger       = "general_ledger"
)

// DashboardSummary is the headline view of one run
type DashboardSummary struct {
	TotalTransactions      int     `json:"total_transactions"`
	TotalGLEntries         int     `json:"total_gl_entries"`
	MatchedCount           int     `json:"matched_count"`
	UnmatchedCount         int     `json:"unmatched_count"`
	AnomaliesDetected      int     `json:"anomalies_detected"`
	DataQualityScore       float64 `json:"data_quality_score"`
	ReconciliationAccuracy float64 `json:"reconciliation_accuracy"`
}
