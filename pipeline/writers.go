package pipeline

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/aluiziolira/rxprice-collector/models"
)

// Header is the fixed CSV column order.
var Header = []string{
	"timestamp", "state", "zip_code", "city", "lat", "lng",
	"procedure_code", "drug_name", "dosage_form", "total_benefit_amount_orig", "claim_count_orig",
	"pharmacy_name", "pharmacy_phone", "pharmacy_address", "pharmacy_distance", "pharmacy_rate", "price_fairness",
	"provider_price", "estimated_member_responsibility", "earned_benefit", "applied_to_deductible",
	"savings", "bill_over_benefit_amount", "facility_benefit_amount", "gsn", "ndc", "qty",
}

const (
	colZip           = 2
	colProcedureCode = 6
)

// CSVWriter appends rows to a CSV file. The header is written only when the
// file is new, so reruns keep extending the same output.
type CSVWriter struct {
	path   string
	file   *os.File
	writer *csv.Writer
	mu     sync.Mutex

	pairs map[models.PairKey]struct{}
	// partial is the last pair of a file whose final write was cut short.
	partial *trailingPair
}

// trailingPair locates the rows of the last pair in the file.
type trailingPair struct {
	pair   models.PairKey
	offset int64
}

// NewCSVWriter opens filename for appending and indexes the pairs it already
// holds. A final line left incomplete by an interrupted write is cut off
// before anything is appended.
func NewCSVWriter(filename string) (*CSVWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	existing, err := scanExisting(filename)
	if err != nil {
		return nil, err
	}
	if existing.torn {
		if err := os.Truncate(filename, existing.validEnd); err != nil {
			return nil, fmt.Errorf("truncate torn csv tail: %w", err)
		}
	}

	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open csv file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat csv file: %w", err)
	}

	writer := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := writer.Write(Header); err != nil {
			f.Close()
			return nil, fmt.Errorf("write csv header: %w", err)
		}
		writer.Flush()
		if err := writer.Error(); err != nil {
			f.Close()
			return nil, fmt.Errorf("flush csv header: %w", err)
		}
	}

	cw := &CSVWriter{
		path:   filename,
		file:   f,
		writer: writer,
		pairs:  existing.pairs,
	}
	if existing.torn && existing.last != nil {
		cw.partial = existing.last
	}
	return cw, nil
}

// existingOutput is what an earlier run left in the file.
type existingOutput struct {
	pairs map[models.PairKey]struct{}
	// torn is set when the file does not end in a newline.
	torn bool
	// validEnd is the offset just past the last complete record.
	validEnd int64
	last     *trailingPair
}

func scanExisting(filename string) (*existingOutput, error) {
	out := &existingOutput{pairs: make(map[models.PairKey]struct{})}

	f, err := os.Open(filename)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return out, nil
		}
		return nil, fmt.Errorf("open existing csv: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat existing csv: %w", err)
	}
	size := info.Size()
	if size == 0 {
		return out, nil
	}
	lastByte := make([]byte, 1)
	if _, err := f.ReadAt(lastByte, size-1); err != nil {
		return nil, fmt.Errorf("read existing csv tail: %w", err)
	}
	out.torn = lastByte[0] != '\n'

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	headerSeen := false
	for {
		start := reader.InputOffset()
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if out.torn && errors.As(err, &parseErr) {
				// Only the incomplete final line may fail to parse.
				if _, next := reader.Read(); next == io.EOF {
					break
				}
			}
			return nil, fmt.Errorf("read existing csv: %w", err)
		}
		end := reader.InputOffset()
		if out.torn && end >= size {
			break
		}

		if !headerSeen {
			if len(record) != len(Header) || record[colZip] != Header[colZip] || record[colProcedureCode] != Header[colProcedureCode] {
				return nil, fmt.Errorf("existing csv %s has an unexpected header", filename)
			}
			headerSeen = true
			out.validEnd = end
			continue
		}
		out.validEnd = end
		if len(record) <= colProcedureCode {
			continue
		}
		pair := models.PairKey{DrugCode: record[colProcedureCode], ZipCode: record[colZip]}
		if out.last == nil || out.last.pair != pair {
			out.last = &trailingPair{pair: pair, offset: start}
		}
		out.pairs[pair] = struct{}{}
	}
	return out, nil
}

// PartialPair reports the last pair of a file whose final write was
// interrupted. Its rows may be incomplete.
func (cw *CSVWriter) PartialPair() (models.PairKey, bool) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if cw.partial == nil {
		return models.PairKey{}, false
	}
	return cw.partial.pair, true
}

// DiscardPartial removes the rows of pair when it is the last pair of a file
// whose final write was interrupted, so the pair can be collected again in
// full. It reports whether rows were removed.
func (cw *CSVWriter) DiscardPartial(pair models.PairKey) (bool, error) {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.partial == nil || cw.partial.pair != pair {
		return false, nil
	}
	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return false, fmt.Errorf("flush csv writer: %w", err)
	}
	if err := cw.file.Truncate(cw.partial.offset); err != nil {
		return false, fmt.Errorf("truncate partial pair: %w", err)
	}
	if err := cw.file.Sync(); err != nil {
		return false, fmt.Errorf("sync csv file: %w", err)
	}
	delete(cw.pairs, pair)
	cw.partial = nil
	return true, nil
}

// HasPair reports whether the file already holds rows for pair.
func (cw *CSVWriter) HasPair(pair models.PairKey) bool {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	_, ok := cw.pairs[pair]
	return ok
}

// Write appends rows to the CSV output.
func (cw *CSVWriter) Write(rows []*models.OutputRow) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	for _, row := range rows {
		if err := cw.writer.Write(Record(row)); err != nil {
			return fmt.Errorf("write csv record: %w", err)
		}
	}
	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("flush csv records: %w", err)
	}
	if err := cw.file.Sync(); err != nil {
		return fmt.Errorf("sync csv file: %w", err)
	}
	for _, row := range rows {
		cw.pairs[row.Key()] = struct{}{}
	}
	if len(rows) > 0 {
		cw.partial = nil
	}
	return nil
}

// Record renders a row in Header order.
func Record(row *models.OutputRow) []string {
	return []string{
		row.Timestamp.Format(time.RFC3339),
		row.State,
		row.ZipCode,
		row.City,
		formatFloat(row.Lat),
		formatFloat(row.Lng),
		row.ProcedureCode,
		row.DrugName,
		row.DosageForm,
		row.TotalBenefitAmountOrig,
		row.ClaimCountOrig,
		row.PharmacyName,
		row.PharmacyPhone,
		row.PharmacyAddress,
		formatFloat(row.PharmacyDistance),
		formatFloat(row.PharmacyRate),
		row.PriceFairness,
		formatFloat(row.ProviderPrice),
		formatFloat(row.EstimatedMemberResponsibility),
		formatFloat(row.EarnedBenefit),
		formatFloat(row.AppliedToDeductible),
		formatFloat(row.Savings),
		formatFloat(row.BillOverBenefitAmount),
		formatFloat(row.FacilityBenefitAmount),
		row.GSN,
		row.NDC,
		formatFloat(row.Qty),
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Close flushes and closes the file handle.
func (cw *CSVWriter) Close() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("flush csv writer: %w", err)
	}
	return cw.file.Close()
}

// Validate ensures the file has at least the header. It may be called after
// Close.
func (cw *CSVWriter) Validate() error {
	info, err := os.Stat(cw.path)
	if err != nil {
		return fmt.Errorf("stat csv file: %w", err)
	}
	if info.Size() <= 0 {
		return fmt.Errorf("csv file is empty")
	}
	return nil
}

// JSONWriter appends newline-delimited JSON records.
type JSONWriter struct {
	path    string
	file    *os.File
	writer  *bufio.Writer
	encoder *json.Encoder
	mu      sync.Mutex
}

// NewJSONWriter opens filename for appending. An incomplete final line is
// cut off first so every line stays a whole JSON document.
func NewJSONWriter(filename string) (*JSONWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}
	if err := trimToLastNewline(filename); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open json file: %w", err)
	}

	buffer := bufio.NewWriter(f)
	return &JSONWriter{
		path:    filename,
		file:    f,
		writer:  buffer,
		encoder: json.NewEncoder(buffer),
	}, nil
}

// Write appends rows in JSONL format.
func (jw *JSONWriter) Write(rows []*models.OutputRow) error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	for _, row := range rows {
		if err := jw.encoder.Encode(row); err != nil {
			return fmt.Errorf("encode json record: %w", err)
		}
	}

	if err := jw.writer.Flush(); err != nil {
		return fmt.Errorf("flush json writer: %w", err)
	}

	return nil
}

// Close flushes buffers and closes the underlying file.
func (jw *JSONWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	if err := jw.writer.Flush(); err != nil {
		return fmt.Errorf("flush json writer: %w", err)
	}
	return jw.file.Close()
}

// Validate ensures the JSON file exists; a run that found no pharmacies
// legitimately leaves it empty.
func (jw *JSONWriter) Validate() error {
	if _, err := os.Stat(jw.path); err != nil {
		return fmt.Errorf("stat json file: %w", err)
	}
	return nil
}

func trimToLastNewline(filename string) error {
	f, err := os.OpenFile(filename, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open existing json: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat existing json: %w", err)
	}
	end := info.Size()
	buf := make([]byte, 4096)
	for pos := end; pos > 0; {
		n := int64(len(buf))
		if pos < n {
			n = pos
		}
		pos -= n
		if _, err := f.ReadAt(buf[:n], pos); err != nil {
			return fmt.Errorf("read existing json: %w", err)
		}
		if i := bytes.LastIndexByte(buf[:n], '\n'); i >= 0 {
			end = pos + int64(i) + 1
			if end == info.Size() {
				return nil
			}
			return f.Truncate(end)
		}
	}
	return f.Truncate(0)
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}
