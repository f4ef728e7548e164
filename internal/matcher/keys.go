package matcher

import (
	"fmt"
	"strings"

	"ledger-reconciliation-service/internal/models"
)

// screenTransactions drops transactions whose join key is unusable or whose
// id repeats an earlier one. The first occurrence of an id wins.
func screenTransactions(txns []models.Transaction) ([]*models.Transaction, []models.Defect) {
	valid := make([]*models.Transaction, 0, len(txns))
	var defects []models.Defect
	seen := make(map[string]bool, len(txns))

	for i := range txns {
		t := &txns[i]
		if reason, field, value := keyProblem(t.ID, t.Date.IsZero(), t.AccountID, t.Day()); reason != "" {
			defects = append(defects, models.Defect{
				Dataset: models.DatasetTransactions, RecordID: t.ID, Field: field, Value: value, Reason: reason,
			})
			continue
		}
		if seen[t.ID] {
			defects = append(defects, duplicateDefect(models.DatasetTransactions, t.ID))
			continue
		}
		seen[t.ID] = true
		valid = append(valid, t)
	}
	return valid, defects
}

// screenEntries is screenTransactions for the ledger side
func screenEntries(entries []models.LedgerEntry) ([]*models.LedgerEntry, []models.Defect) {
	valid := make([]*models.LedgerEntry, 0, len(entries))
	var defects []models.Defect
	seen := make(map[string]bool, len(entries))

	for i := range entries {
		g := &entries[i]
		if reason, field, value := keyProblem(g.ID, g.Date.IsZero(), g.AccountID, g.Day()); reason != "" {
			defects = append(defects, models.Defect{
				Dataset: models.DatasetLedger, RecordID: g.ID, Field: field, Value: value, Reason: reason,
			})
			continue
		}
		if seen[g.ID] {
			defects = append(defects, duplicateDefect(models.DatasetLedger, g.ID))
			continue
		}
		seen[g.ID] = true
		valid = append(valid, g)
	}
	return valid, defects
}

func keyProblem(id string, noDate bool, account, day string) (reason, field, value string) {
	switch {
	case strings.TrimSpace(id) == "":
		return "missing id", "id", ""
	case noDate:
		return "missing or unreadable date", "date", ""
	case strings.TrimSpace(account) == "":
		return "missing account_id", "account_id", ""
	}
	return "", "", ""
}

func duplicateDefect(dataset, id string) models.Defect {
	return models.Defect{
		Dataset:  dataset,
		RecordID: id,
		Field:    "id",
		Value:    id,
		Reason:   fmt.Sprintf("duplicate id %s", id),
	}
}

// KeyDefects lists the records Reconcile would exclude from matching
func KeyDefects(txns []models.Transaction, entries []models.LedgerEntry) []models.Defect {
	_, txDefects := screenTransactions(txns)
	_, glDefects := screenEntries(entries)
	return append(txDefects, glDefects...)
}
