// Package pipeline provides the output sinks for collected rows.
package pipeline

import (
	"errors"
	"fmt"
	"sync"

	"github.com/aluiziolira/rxprice-collector/models"
)

// DualWriter outputs to both CSV and JSONL. The CSV file stays the source of
// truth for which pairs have been written.
type DualWriter struct {
	csvWriter  *CSVWriter
	jsonWriter *JSONWriter
	mu         sync.Mutex
}

// NewDualWriter opens both files for appending.
func NewDualWriter(csvFilename, jsonFilename string) (*DualWriter, error) {
	csvWriter, err := NewCSVWriter(csvFilename)
	if err != nil {
		return nil, fmt.Errorf("create csv writer: %w", err)
	}

	jsonWriter, err := NewJSONWriter(jsonFilename)
	if err != nil {
		csvWriter.Close()
		return nil, fmt.Errorf("create json writer: %w", err)
	}

	return &DualWriter{
		csvWriter:  csvWriter,
		jsonWriter: jsonWriter,
	}, nil
}

// Write appends rows to the CSV file, then to the JSONL file.
func (dw *DualWriter) Write(rows []*models.OutputRow) error {
	dw.mu.Lock()
	defer dw.mu.Unlock()

	if err := dw.csvWriter.Write(rows); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}

	if err := dw.jsonWriter.Write(rows); err != nil {
		return fmt.Errorf("write json: %w", err)
	}

	return nil
}

// HasPair delegates to the CSV index.
func (dw *DualWriter) HasPair(pair models.PairKey) bool {
	return dw.csvWriter.HasPair(pair)
}

// PartialPair delegates to the CSV writer.
func (dw *DualWriter) PartialPair() (models.PairKey, bool) {
	return dw.csvWriter.PartialPair()
}

// DiscardPartial drops the interrupted pair from the CSV file. The JSONL
// sidecar keeps what it received.
func (dw *DualWriter) DiscardPartial(pair models.PairKey) (bool, error) {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	return dw.csvWriter.DiscardPartial(pair)
}

// Close closes both files, reporting every failure.
func (dw *DualWriter) Close() error {
	dw.mu.Lock()
	defer dw.mu.Unlock()

	var errs []error
	if err := dw.csvWriter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close csv: %w", err))
	}
	if err := dw.jsonWriter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close json: %w", err))
	}
	return errors.Join(errs...)
}

// Validate checks both output files.
func (dw *DualWriter) Validate() error {
	var errs []error
	if err := dw.csvWriter.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("validate csv: %w", err))
	}
	if err := dw.jsonWriter.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("validate json: %w", err))
	}
	return errors.Join(errs...)
}
