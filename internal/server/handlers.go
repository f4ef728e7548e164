package server

import (
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"ledger-reconciliation-service/internal/aggregator"
	"ledger-reconciliation-service/internal/models"
	"ledger-reconciliation-service/internal/reconciler"
	"ledger-reconciliation-service/internal/reporter"
	"ledger-reconciliation-service/pkg/errors"
	"ledger-reconciliation-service/pkg/logger"
)

type uploadResponse struct {
	Message         string                    `json:"message"`
	SnapshotVersion uint64                    `json:"snapshot_version"`
	Records         int                       `json:"records"`
	Defects         int                       `json:"defects"`
	DataQuality     *models.DataQualityReport `json:"data_quality,omitempty"`
}

func (s *Server) handleUploadTransactions(w http.ResponseWriter, r *http.Request) {
	body, name, err := s.uploadedFile(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer body.Close()

	snapshot, err := s.service.LoadTransactions(r.Context(), body, name)
	if err != nil {
		s.writeError(w, err)
		return
	}

	set := snapshot.Transactions
	s.writeJSON(w, http.StatusOK, uploadResponse{
		Message:         fmt.Sprintf("Successfully uploaded %d transactions", len(set.Records)),
		SnapshotVersion: snapshot.Version,
		Records:         len(set.Records),
		Defects:         len(set.Defects),
		DataQuality:     set.Quality,
	})
}

func (s *Server) handleUploadLedger(w http.ResponseWriter, r *http.Request) {
	body, name, err := s.uploadedFile(w, r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer body.Close()

	snapshot, err := s.service.LoadLedger(r.Context(), body, name)
	if err != nil {
		s.writeError(w, err)
		return
	}

	set := snapshot.Ledger
	s.writeJSON(w, http.StatusOK, uploadResponse{
		Message:         fmt.Sprintf("Successfully uploaded %d general ledger entries", len(set.Records)),
		SnapshotVersion: snapshot.Version,
		Records:         len(set.Records),
		Defects:         len(set.Defects),
		DataQuality:     set.Quality,
	})
}

// uploadedFile returns the CSV carried by r: the "file" part of a multipart
// form, or the raw body for text/csv requests.
func (s *Server) uploadedFile(w http.ResponseWriter, r *http.Request) (io.ReadCloser, string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)

	if strings.HasPrefix(r.Header.Get("Content-Type"), "text/csv") {
		return r.Body, "upload.csv", nil
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, "", errors.Wrap(err, errors.CategoryFile, errors.CodeMissingField, "expected a multipart form with a CSV in the \"file\" field").
			WithSuggestion("upload with: curl -F file=@transactions.csv ...")
	}
	if !strings.EqualFold(filepath.Ext(header.Filename), ".csv") {
		file.Close()
		return nil, "", errors.New(errors.CategoryFile, errors.CodeFileCorrupted, "file must be a CSV").
			WithContext("filename", header.Filename)
	}
	return file, header.Filename, nil
}

type runResponse struct {
	Message   string                  `json:"message"`
	RunID     string                  `json:"run_id"`
	Status    reconciler.RunStatus    `json:"status"`
	Summary   models.DashboardSummary `json:"summary"`
	Warnings  []string                `json:"warnings,omitempty"`
	Timestamp time.Time               `json:"timestamp"`
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.Run(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := runResponse{
		Message:   fmt.Sprintf("Reconciliation completed. Generated %d results.", len(result.Results)),
		RunID:     result.RunID,
		Status:    result.Status,
		Summary:   result.Summary,
		Timestamp: result.CompletedAt,
	}
	for _, warning := range result.Warnings {
		resp.Warnings = append(resp.Warnings, warning.Message)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	handle, err := s.service.Start(s.runCtx)
	if err != nil {
		s.writeError(w, err)
		return
	}

	log := s.logger.WithField("run_id", handle.ID)
	go func() {
		if _, err := handle.Wait(s.runCtx); err != nil {
			log.WithError(err).Warn("Background run did not publish a result")
		}
	}()

	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"message":          "Reconciliation and anomaly detection started",
		"run_id":           handle.ID,
		"snapshot_version": handle.SnapshotVersion,
	})
}

type dashboardResponse struct {
	models.DashboardSummary
	RunID string `json:"run_id,omitempty"`
	Stale bool   `json:"stale"`
}

func (s *Server) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	latest, stale := s.service.Latest()
	setStale(w, stale)

	if latest != nil {
		s.writeJSON(w, http.StatusOK, dashboardResponse{
			DashboardSummary: latest.Summary,
			RunID:            latest.RunID,
			Stale:            stale,
		})
		return
	}

	// nothing reconciled yet: report what has been uploaded
	snapshot := s.service.Snapshots().Current()
	summary := aggregator.Summarize(aggregator.Input{
		TotalTransactions: len(snapshot.TransactionRecords()),
		TotalGLEntries:    len(snapshot.LedgerRecords()),
		QualityReports:    snapshot.QualityReports(),
	})
	s.writeJSON(w, http.StatusOK, dashboardResponse{DashboardSummary: summary})
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	status := models.MatchStatus(query.Get("status"))
	if status != "" && !status.IsValid() {
		s.writeError(w, badRequest("status", fmt.Sprintf("unknown status %q", status)))
		return
	}
	limit, err := parseLimit(query.Get("limit"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	account := query.Get("account_id")

	latest, stale := s.service.Latest()
	setStale(w, stale)

	out := make([]models.MatchResult, 0)
	if latest != nil {
		for _, res := range latest.Results {
			if status != "" && res.Status != status {
				continue
			}
			if account != "" && res.AccountID != account {
				continue
			}
			out = append(out, res)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Query().Get("detection_method")
	if method != "" && !knownMethod(method) {
		s.writeError(w, badRequest("detection_method", fmt.Sprintf("unknown detection method %q", method)))
		return
	}

	latest, stale := s.service.Latest()
	setStale(w, stale)

	out := make([]models.AnomalyRecord, 0)
	if latest != nil {
		for _, a := range latest.Anomalies {
			if method == "" || a.HasMethod(method) {
				out = append(out, a)
			}
		}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDataQuality(w http.ResponseWriter, _ *http.Request) {
	latest, stale := s.service.Latest()
	setStale(w, stale)

	if latest != nil && !stale {
		s.writeJSON(w, http.StatusOK, latest.QualityReports)
		return
	}

	reports := s.service.Snapshots().Current().QualityReports()
	if reports == nil {
		reports = []models.DataQualityReport{}
	}
	s.writeJSON(w, http.StatusOK, reports)
}

func (s *Server) handleExport(w http.ResponseWriter, _ *http.Request) {
	latest, stale := s.service.Latest()
	if latest == nil {
		s.writeNotFound(w, "no reconciliation run available to export")
		return
	}
	setStale(w, stale)

	filename := fmt.Sprintf("reconciliation_report_%s.csv", latest.CompletedAt.Format("20060102_150405"))
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)

	if err := reporter.WriteResultsCSV(w, latest.Results, ',', true); err != nil {
		s.logger.WithError(err).WithFields(logger.Fields{"run_id": latest.RunID}).Error("CSV export failed")
	}
}

type latestRunResponse struct {
	*reconciler.RunResult
	Stale bool `json:"stale"`
	// Running is set while a background run is in flight
	Running bool `json:"running"`
}

func (s *Server) handleLatestRun(w http.ResponseWriter, _ *http.Request) {
	latest, stale := s.service.Latest()
	if latest == nil {
		s.writeNotFound(w, "no reconciliation run has completed")
		return
	}
	setStale(w, stale)
	s.writeJSON(w, http.StatusOK, latestRunResponse{
		RunResult: latest,
		Stale:     stale,
		Running:   s.service.Running(),
	})
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, badRequest("limit", fmt.Sprintf("limit must be a non-negative integer, got %q", raw))
	}
	return n, nil
}

func knownMethod(method string) bool {
	for _, m := range models.MethodOrder {
		if m == method {
			return true
		}
	}
	return false
}
