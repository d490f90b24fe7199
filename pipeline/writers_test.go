package pipeline

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aluiziolira/rxprice-collector/models"
)

func sampleRow(drug, zip, pharmacy string) *models.OutputRow {
	return &models.OutputRow{
		Timestamp:       time.Date(2025, 6, 1, 13, 9, 13, 0, time.UTC),
		State:           "GA",
		ZipCode:         zip,
		City:            "Atlanta",
		Lat:             33.749,
		Lng:             -84.388,
		ProcedureCode:   drug,
		DrugName:        "Atorvastatin 20mg Tablet",
		DosageForm:      "TABLET",
		PharmacyName:    pharmacy,
		PharmacyAddress: "1 Peachtree St, Atlanta, GA 30301",
		ProviderPrice:   12.5,
		NDC:             "00093505698",
		Qty:             30,
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	return records
}

func TestCSVWriterWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results", "pharmacy_data.csv")

	writer, err := NewCSVWriter(path)
	if err != nil {
		t.Fatalf("create csv writer: %v", err)
	}
	if err := writer.Write([]*models.OutputRow{sampleRow("00123", "30301", "CVS")}); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	if err := writer.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close csv: %v", err)
	}

	records := readCSV(t, path)
	if len(records) != 2 {
		t.Fatalf("records=%d, want 2", len(records))
	}
	if strings.Join(records[0], ",") != strings.Join(Header, ",") {
		t.Fatalf("unexpected header: %v", records[0])
	}
	row := records[1]
	if len(row) != len(Header) {
		t.Fatalf("row has %d columns, want %d", len(row), len(Header))
	}
	if row[0] != "2025-06-01T13:09:13Z" || row[colProcedureCode] != "00123" || row[colZip] != "30301" {
		t.Fatalf("unexpected row: %v", row)
	}
	if row[17] != "12.5" || row[26] != "30" {
		t.Fatalf("numeric formatting: provider_price=%q qty=%q", row[17], row[26])
	}
}

func TestCSVWriterAppendsWithoutSecondHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")

	first, err := NewCSVWriter(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := first.Write([]*models.OutputRow{sampleRow("00123", "30301", "CVS")}); err != nil {
		t.Fatalf("write: %v", err)
	}
	first.Close()

	second, err := NewCSVWriter(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if !second.HasPair(models.PairKey{DrugCode: "00123", ZipCode: "30301"}) {
		t.Fatalf("existing pair should be indexed on open")
	}
	if second.HasPair(models.PairKey{DrugCode: "00123", ZipCode: "30302"}) {
		t.Fatalf("unexpected pair in index")
	}
	if err := second.Write([]*models.OutputRow{sampleRow("00123", "30302", "Walgreens")}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !second.HasPair(models.PairKey{DrugCode: "00123", ZipCode: "30302"}) {
		t.Fatalf("written pair should be indexed")
	}
	second.Close()

	records := readCSV(t, path)
	if len(records) != 3 {
		t.Fatalf("records=%d, want 3 (one header)", len(records))
	}
	if records[2][0] == "timestamp" {
		t.Fatalf("header repeated on append")
	}
}

func TestCSVWriterRejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "books.csv")
	if err := os.WriteFile(path, []byte("title,price\nA,1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := NewCSVWriter(path); err == nil {
		t.Fatalf("expected header mismatch error")
	}
}

func csvLine(t *testing.T, row *models.OutputRow) string {
	t.Helper()
	var b strings.Builder
	w := csv.NewWriter(&b)
	if err := w.Write(Record(row)); err != nil {
		t.Fatalf("render row: %v", err)
	}
	w.Flush()
	return b.String()
}

func appendRaw(t *testing.T, path, text string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteString(text); err != nil {
		t.Fatalf("append: %v", err)
	}
	f.Close()
}

func TestCSVWriterRepairsTornLastLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	w, err := NewCSVWriter(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := w.Write([]*models.OutputRow{sampleRow("00123", "30301", "CVS")}); err != nil {
		t.Fatalf("write: %v", err)
	}
	w.Close()

	appendRaw(t, path, `2025-06-01T00:00:00Z,GA,30302,"Atl`)

	reopened, err := NewCSVWriter(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if !reopened.HasPair(models.PairKey{DrugCode: "00123", ZipCode: "30301"}) {
		t.Fatalf("rows before the torn line should be indexed")
	}
	// The writer cannot tell whether the torn line began a new pair, so the
	// last complete pair is reported and the caller decides.
	pair, ok := reopened.PartialPair()
	if !ok || pair != (models.PairKey{DrugCode: "00123", ZipCode: "30301"}) {
		t.Fatalf("partial pair = %v, %v", pair, ok)
	}
	if err := reopened.Write([]*models.OutputRow{sampleRow("00124", "30303", "Kroger")}); err != nil {
		t.Fatalf("write after reopen: %v", err)
	}
	reopened.Close()

	records := readCSV(t, path)
	if len(records) != 3 {
		t.Fatalf("records=%d, want header and two rows", len(records))
	}
	if records[2][colProcedureCode] != "00124" || records[2][colZip] != "30303" {
		t.Fatalf("appended row = %v", records[2])
	}

	again, err := NewCSVWriter(path)
	if err != nil {
		t.Fatalf("second reopen: %v", err)
	}
	defer again.Close()
	if !again.HasPair(models.PairKey{DrugCode: "00124", ZipCode: "30303"}) {
		t.Fatalf("pair written after the repair should be indexed")
	}
	if _, ok := again.PartialPair(); ok {
		t.Fatalf("a cleanly closed file has no partial pair")
	}
}

func TestCSVWriterTornLineWithoutQuotes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	w, err := NewCSVWriter(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := w.Write([]*models.OutputRow{sampleRow("00123", "30301", "CVS")}); err != nil {
		t.Fatalf("write: %v", err)
	}
	w.Close()

	// Cut inside the last field: the fragment parses but is not a full row.
	line := csvLine(t, sampleRow("00123", "30302", "Kroger"))
	appendRaw(t, path, line[:len(line)-2])

	reopened, err := NewCSVWriter(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if reopened.HasPair(models.PairKey{DrugCode: "00123", ZipCode: "30302"}) {
		t.Fatalf("the torn row must not be indexed")
	}
	if records := readCSV(t, path); len(records) != 2 {
		t.Fatalf("records=%d, want 2 after the repair", len(records))
	}
}

func TestCSVWriterDiscardPartialPair(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	w, err := NewCSVWriter(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := w.Write([]*models.OutputRow{sampleRow("00123", "30301", "CVS")}); err != nil {
		t.Fatalf("write: %v", err)
	}
	w.Close()

	// Two of three rows of the next pair made it to disk before the crash.
	partial := []*models.OutputRow{sampleRow("00123", "30302", "Kroger"), sampleRow("00123", "30302", "Publix")}
	var b strings.Builder
	for _, row := range partial {
		b.WriteString(csvLine(t, row))
	}
	b.WriteString(`2025-06-01T13:09:13Z,GA,30302,Atla`)
	appendRaw(t, path, b.String())

	reopened, err := NewCSVWriter(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	torn := models.PairKey{DrugCode: "00123", ZipCode: "30302"}
	if pair, ok := reopened.PartialPair(); !ok || pair != torn {
		t.Fatalf("partial pair = %v, %v; want %v", pair, ok, torn)
	}
	if dropped, err := reopened.DiscardPartial(models.PairKey{DrugCode: "00123", ZipCode: "30301"}); err != nil || dropped {
		t.Fatalf("discarding another pair: dropped=%v err=%v", dropped, err)
	}
	dropped, err := reopened.DiscardPartial(torn)
	if err != nil || !dropped {
		t.Fatalf("discard: dropped=%v err=%v", dropped, err)
	}
	if reopened.HasPair(torn) {
		t.Fatalf("discarded pair still indexed")
	}

	full := append(partial, sampleRow("00123", "30302", "Walmart"))
	if err := reopened.Write(full); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := reopened.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	records := readCSV(t, path)
	if len(records) != 5 {
		t.Fatalf("records=%d, want header, one row of 30301 and three of 30302", len(records))
	}
	if records[1][colZip] != "30301" || records[4][11] != "Walmart" {
		t.Fatalf("unexpected rows: %v", records[1:])
	}
}

func TestCSVWriterTornHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	if err := os.WriteFile(path, []byte("timestamp,state,zi"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	w, err := NewCSVWriter(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := w.Write([]*models.OutputRow{sampleRow("00123", "30301", "CVS")}); err != nil {
		t.Fatalf("write: %v", err)
	}
	w.Close()

	records := readCSV(t, path)
	if len(records) != 2 || strings.Join(records[0], ",") != strings.Join(Header, ",") {
		t.Fatalf("records = %v", records)
	}
}

func TestJSONWriterWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pharmacy_data.jsonl")

	writer, err := NewJSONWriter(path)
	if err != nil {
		t.Fatalf("create json writer: %v", err)
	}
	rows := []*models.OutputRow{sampleRow("00123", "30301", "CVS"), sampleRow("00123", "30301", "Kroger")}
	if err := writer.Write(rows); err != nil {
		t.Fatalf("write json: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close json: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open json: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	count := 0
	for scanner.Scan() {
		var decoded models.OutputRow
		if err := json.Unmarshal(scanner.Bytes(), &decoded); err != nil {
			t.Fatalf("invalid json line: %v", err)
		}
		if decoded.ProcedureCode != "00123" {
			t.Fatalf("procedure code = %q", decoded.ProcedureCode)
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan json: %v", err)
	}
	if count != 2 {
		t.Fatalf("json lines=%d, want 2", count)
	}
}

func TestJSONWriterDropsTornLastLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pharmacy_data.jsonl")
	if err := os.WriteFile(path, []byte("{\"procedure_code\":\"00123\"}\n{\"procedure_co"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	writer, err := NewJSONWriter(path)
	if err != nil {
		t.Fatalf("open json writer: %v", err)
	}
	if err := writer.Write([]*models.OutputRow{sampleRow("00124", "30302", "CVS")}); err != nil {
		t.Fatalf("write json: %v", err)
	}
	writer.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines=%d, want 2:\n%s", len(lines), data)
	}
	for _, line := range lines {
		if !json.Valid([]byte(line)) {
			t.Fatalf("invalid json line %q", line)
		}
	}
}

func TestDualWriterWrite(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "out.csv")
	jsonPath := filepath.Join(dir, "out.jsonl")

	writer, err := NewDualWriter(csvPath, jsonPath)
	if err != nil {
		t.Fatalf("create dual writer: %v", err)
	}
	if err := writer.Write([]*models.OutputRow{sampleRow("00123", "30301", "CVS")}); err != nil {
		t.Fatalf("write dual: %v", err)
	}
	if !writer.HasPair(models.PairKey{DrugCode: "00123", ZipCode: "30301"}) {
		t.Fatalf("dual writer should expose the csv pair index")
	}
	if err := writer.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close dual: %v", err)
	}

	if info, err := os.Stat(csvPath); err != nil || info.Size() == 0 {
		t.Fatalf("csv file missing or empty")
	}
	if info, err := os.Stat(jsonPath); err != nil || info.Size() == 0 {
		t.Fatalf("json file missing or empty")
	}
}
