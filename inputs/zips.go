package inputs

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ZipEntry is one line of a zip code file. Bare zip codes carry no location
// and are resolved through the geocoder.
type ZipEntry struct {
	Zip       string
	City      string
	Lat       float64
	Lng       float64
	HasCoords bool
}

// ZipFile returns the zip code file of state under dir.
func ZipFile(dir, state string) string {
	return filepath.Join(dir, "zipcode_"+strings.ToLower(state)+".txt")
}

// ReadZipFile parses a zip code file. Lines are either "zip" or
// "zip,city,lat,lng"; blank lines and lines starting with # are ignored.
func ReadZipFile(path string) ([]ZipEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []ZipEntry
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entry, err := parseZipLine(line)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return entries, nil
}

func parseZipLine(line string) (ZipEntry, error) {
	parts := strings.Split(line, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	switch len(parts) {
	case 1:
		return ZipEntry{Zip: parts[0]}, nil
	case 4:
		lat, err := strconv.ParseFloat(parts[2], 64)
		if err != nil {
			return ZipEntry{}, fmt.Errorf("latitude %q: %w", parts[2], err)
		}
		lng, err := strconv.ParseFloat(parts[3], 64)
		if err != nil {
			return ZipEntry{}, fmt.Errorf("longitude %q: %w", parts[3], err)
		}
		return ZipEntry{Zip: parts[0], City: parts[1], Lat: lat, Lng: lng, HasCoords: true}, nil
	default:
		return ZipEntry{}, fmt.Errorf("expected zip or zip,city,lat,lng, got %q", line)
	}
}

// SliceBatch returns the batch-th of total contiguous slices of items
// (1-based). Slice sizes differ by at most one and the remainder goes to the
// earliest slices, so the same inputs always select the same range.
func SliceBatch[T any](items []T, total, batch int) ([]T, error) {
	if total <= 0 {
		return items, nil
	}
	if batch < 1 || batch > total {
		return nil, fmt.Errorf("batch %d out of range 1..%d", batch, total)
	}
	size := len(items) / total
	remainder := len(items) % total

	start := (batch-1)*size + min(batch-1, remainder)
	end := start + size
	if batch <= remainder {
		end++
	}
	return items[start:end], nil
}
