package reporter

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"ledger-reconciliation-service/internal/reconciler"
	"ledger-reconciliation-service/pkg/errors"
	"ledger-reconciliation-service/pkg/logger"
)

// SafeReportGenerator renders a report in memory before writing it, so a
// destination never receives half a report. A destination that rejects the
// report gets it in console format instead, and a report file that cannot
// be written is saved next to it.
type SafeReportGenerator struct {
	*ReportGenerator
	logger logger.Logger
	// notices receives the backup location when a report file is redirected
	notices io.Writer
}

// NewSafeReportGenerator creates a generator for config. A nil config selects
// DefaultReportConfig.
func NewSafeReportGenerator(config *ReportConfig, log logger.Logger) (*SafeReportGenerator, error) {
	if log == nil {
		log = logger.GetGlobalLogger()
	}

	generator, err := NewReportGenerator(config)
	if err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "report", config, err).
			WithSuggestion("Check the output format and report options")
	}

	return &SafeReportGenerator{
		ReportGenerator: generator,
		logger:          log.WithComponent("reporter"),
		notices:         os.Stderr,
	}, nil
}

// GenerateReportSafely writes the report of run to writer
func (g *SafeReportGenerator) GenerateReportSafely(run *reconciler.RunResult, writer io.Writer) error {
	if run == nil {
		return errors.ValidationError(errors.CodeMissingField, "result", nil, nil).
			WithSuggestion("Run a reconciliation before generating a report")
	}
	if writer == nil {
		return errors.ValidationError(errors.CodeMissingField, "writer", nil, nil).
			WithSuggestion("Provide a valid output writer")
	}

	log := g.logger.WithFields(logger.Fields{
		"run_id": run.RunID,
		"format": g.config.Format,
		"output": describeWriter(writer),
	})

	body, err := g.render(run, g.config.Format)
	if err != nil {
		log.WithError(err).Error("Rendering the report failed")
		return wrapReportError(err)
	}

	writeErr := writeAll(writer, body)
	if writeErr == nil {
		log.WithField("bytes", len(body)).Info("Report written")
		return nil
	}
	log.WithError(writeErr).Warn("Writing the report failed")

	if file, ok := writer.(*os.File); ok && file.Name() != "" && isFileError(writeErr) {
		return g.writeBackup(file.Name(), body, writeErr, log)
	}
	if g.config.Format == FormatConsole {
		return wrapReportError(writeErr)
	}
	return g.writeConsoleFallback(run, writer, writeErr, log)
}

// render produces the report of run in format
func (g *SafeReportGenerator) render(run *reconciler.RunResult, format OutputFormat) ([]byte, error) {
	generator := g.ReportGenerator
	if format != g.config.Format {
		config := *g.config
		config.Format = format
		var err error
		if generator, err = NewReportGenerator(&config); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := generator.GenerateReport(run, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (g *SafeReportGenerator) writeConsoleFallback(run *reconciler.RunResult, writer io.Writer, cause error, log logger.Logger) error {
	body, err := g.render(run, FormatConsole)
	if err != nil {
		return wrapReportError(cause)
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "NOTE: Report generated in fallback format due to error with requested format\n")
	fmt.Fprintf(&buf, "Original error: %v\n\n", cause)
	buf.Write(body)

	if err := writeAll(writer, buf.Bytes()); err != nil {
		return errors.InternalError(errors.CodeUnexpectedError, "report_fallback",
			fmt.Errorf("%s report failed (%v) and console fallback failed: %w", g.config.Format, cause, err))
	}
	log.Warn("Report written in console format")
	return nil
}

func (g *SafeReportGenerator) writeBackup(path string, body []byte, cause error, log logger.Logger) error {
	backup := BackupPath(path)
	if err := os.WriteFile(backup, body, 0o644); err != nil {
		return errors.FileError(errors.CodeFilePermission, path, cause).
			WithContext("backup_file", backup)
	}

	log.WithField("backup_file", backup).Warn("Report written to backup location")
	fmt.Fprintf(g.notices, "Warning: Could not write to %s, report saved to %s\n", path, backup)
	return nil
}

func writeAll(w io.Writer, body []byte) error {
	n, err := w.Write(body)
	if err == nil && n < len(body) {
		err = io.ErrShortWrite
	}
	return err
}

func wrapReportError(err error) error {
	if reconcilerErr, ok := errors.AsReconcilerError(err); ok {
		return reconcilerErr
	}
	return errors.InternalError(errors.CodeUnexpectedError, "report_generation", err).
		WithSuggestion("Check the output destination and report format settings")
}

// BackupPath returns the path used when the report file cannot be written
func BackupPath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "_backup" + ext
}

func describeWriter(writer io.Writer) string {
	if f, ok := writer.(*os.File); ok {
		return "file:" + f.Name()
	}
	return fmt.Sprintf("writer:%T", writer)
}

// isFileError reports whether err comes from the file system rather than
// from the report itself
func isFileError(err error) bool {
	return stderrors.Is(err, fs.ErrPermission) ||
		stderrors.Is(err, fs.ErrClosed) ||
		stderrors.Is(err, syscall.ENOSPC) ||
		stderrors.Is(err, syscall.EBADF)
}
