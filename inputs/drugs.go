package inputs

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/charmap"

	"github.com/aluiziolira/rxprice-collector/models"
)

// Drug table columns.
const (
	ColProcedureCode      = "PROCEDURE_CODE"
	ColDrugName           = "DRUG_NAME_WITH_FORM_STRENGTH"
	ColDosageForm         = "DOSAGE_FORM"
	ColTotalBenefitAmount = "TOTAL_BENEFIT_AMOUNT"
	ColClaimCount         = "CLAIM_COUNT"
	ColCareUUID           = "CARE_UUID"
)

// ReadDrugTable returns the rows of a drug source. Files ending in .xlsx are
// read from their first sheet; anything else is parsed as CSV. The first row
// is the header.
func ReadDrugTable(path string) ([][]string, error) {
	if strings.EqualFold(filepath.Ext(path), ".xlsx") {
		return readXLSX(path)
	}
	return readCSV(path)
}

func readCSV(path string) ([][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if !utf8.Valid(data) {
		// Spreadsheet exports on Windows are usually cp1252.
		decoded, err := charmap.Windows1252.NewDecoder().Bytes(data)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		data = decoded
	}

	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	var rows [][]string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		rows = append(rows, record)
	}
	return rows, nil
}

func readXLSX(path string) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("%s has no sheets", path)
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %q of %s: %w", sheets[0], path, err)
	}
	return rows, nil
}

// LoadUUIDCache reads the procedure code to care UUID map. A missing file is
// an empty cache.
func LoadUUIDCache(path string) (map[string]string, error) {
	cache := make(map[string]string)
	if path == "" {
		return cache, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cache, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, &cache); err != nil {
		return nil, fmt.Errorf("parse uuid cache %s: %w", path, err)
	}
	return cache, nil
}

// ParseDrugs turns a drug table into drugs with resolved UUIDs. limit > 0
// keeps only the first limit data rows. Every drug without a UUID is reported
// in a single ConfigurationError.
func ParseDrugs(rows [][]string, uuids map[string]string, limit int) ([]models.Drug, error) {
	cfgErr := &ConfigurationError{}
	if len(rows) == 0 {
		cfgErr.add("drug source is empty")
		return nil, cfgErr
	}

	index := make(map[string]int, len(rows[0]))
	for i, name := range rows[0] {
		index[strings.ToUpper(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{ColProcedureCode, ColDrugName} {
		if _, ok := index[required]; !ok {
			cfgErr.add("drug source is missing column %s", required)
		}
	}
	if err := cfgErr.orNil(); err != nil {
		return nil, err
	}

	field := func(row []string, col string) string {
		i, ok := index[col]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	drugs := make([]models.Drug, 0, len(rows)-1)
	seen := make(map[string]struct{}, len(rows)-1)
	for line, row := range rows[1:] {
		code := field(row, ColProcedureCode)
		if code == "" {
			continue
		}
		if limit > 0 && len(seen) >= limit {
			break
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}

		drug := models.Drug{
			ProcedureCode:      code,
			UUID:               field(row, ColCareUUID),
			Name:               field(row, ColDrugName),
			DosageForm:         field(row, ColDosageForm),
			TotalBenefitAmount: field(row, ColTotalBenefitAmount),
			ClaimCount:         field(row, ColClaimCount),
		}
		if drug.UUID == "" {
			drug.UUID = strings.TrimSpace(uuids[code])
		}
		if drug.UUID == "" {
			cfgErr.add("no care UUID for drug %s (%s) on row %d", code, drug.Name, line+2)
			continue
		}
		drugs = append(drugs, drug)
	}

	if err := cfgErr.orNil(); err != nil {
		return nil, err
	}
	if len(drugs) == 0 {
		cfgErr.add("drug source has no drugs")
		return nil, cfgErr
	}
	return drugs, nil
}
