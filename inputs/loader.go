package inputs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/aluiziolira/rxprice-collector/models"
)

// Test mode keeps only the head of each list.
const (
	TestDrugLimit = 10
	TestZipLimit  = 2
)

// Resolver turns a bare zip code into a location.
type Resolver interface {
	Resolve(ctx context.Context, zip, state string) (models.ZipLocation, error)
}

// Saver is implemented by resolvers that keep a persistent cache.
type Saver interface {
	Save() error
}

// Options selects the input files and the slice of work to load.
type Options struct {
	DrugFile     string
	UUIDCache    string
	ZipDir       string
	Batch        int
	TotalBatches int
	TestMode     bool
}

// Plan is the loaded input of a run.
type Plan struct {
	States []string
	Drugs  []models.Drug
	Zips   map[string][]models.ZipLocation

	// Unresolved lists, per state, the selected zip codes left out of the
	// plan because no coordinates could be found for them.
	Unresolved map[string][]string
}

// WorkItems returns the ordered work of state: drugs outer, zips inner.
func (p *Plan) WorkItems(state string) []models.WorkItem {
	zips := p.Zips[state]
	items := make([]models.WorkItem, 0, len(p.Drugs)*len(zips))
	for _, drug := range p.Drugs {
		for _, loc := range zips {
			items = append(items, models.WorkItem{Drug: drug, Location: loc})
		}
	}
	return items
}

// TotalPairs counts the work items over all states.
func (p *Plan) TotalPairs() int {
	total := 0
	for _, state := range p.States {
		total += len(p.Drugs) * len(p.Zips[state])
	}
	return total
}

// Loader reads drugs and zip codes and resolves locations.
type Loader struct {
	opts     Options
	resolver Resolver
	logger   *slog.Logger
}

// NewLoader builds a loader. resolver may be nil when every zip file carries
// coordinates.
func NewLoader(opts Options, resolver Resolver, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{opts: opts, resolver: resolver, logger: logger}
}

// Load reads every input for states. Missing UUIDs and missing zip files are
// collected into one ConfigurationError before any geocoding happens.
func (l *Loader) Load(ctx context.Context, states []string) (*Plan, error) {
	cfgErr := &ConfigurationError{}

	drugs, err := l.loadDrugs()
	if err != nil {
		var ce *ConfigurationError
		if !errors.As(err, &ce) {
			return nil, err
		}
		cfgErr.Problems = append(cfgErr.Problems, ce.Problems...)
	}

	entries := make(map[string][]ZipEntry, len(states))
	for _, state := range states {
		path := ZipFile(l.opts.ZipDir, state)
		list, err := ReadZipFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				cfgErr.add("no zip code file for %s (%s)", state, path)
				continue
			}
			return nil, fmt.Errorf("load zip codes for %s: %w", state, err)
		}
		entries[state] = list
	}
	if err := cfgErr.orNil(); err != nil {
		return nil, err
	}

	plan := &Plan{
		States: append([]string(nil), states...),
		Drugs:  drugs,
		Zips:   make(map[string][]models.ZipLocation, len(states)),

		Unresolved: make(map[string][]string),
	}
	for _, state := range states {
		zips, err := l.selectZips(state, entries[state])
		if err != nil {
			return nil, err
		}
		locs, unresolved, err := l.resolve(ctx, state, zips)
		if err != nil {
			return nil, err
		}
		plan.Zips[state] = locs
		if len(unresolved) > 0 {
			plan.Unresolved[state] = unresolved
		}
		l.logger.Info("zip codes loaded", "state", state, "listed", len(entries[state]), "selected", len(zips), "resolved", len(locs))
	}
	return plan, nil
}

func (l *Loader) loadDrugs() ([]models.Drug, error) {
	rows, err := ReadDrugTable(l.opts.DrugFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &ConfigurationError{Problems: []string{fmt.Sprintf("drug file %s not found", l.opts.DrugFile)}}
		}
		return nil, fmt.Errorf("read drug file: %w", err)
	}
	uuids, err := LoadUUIDCache(l.opts.UUIDCache)
	if err != nil {
		return nil, fmt.Errorf("read uuid cache: %w", err)
	}

	limit := 0
	if l.opts.TestMode {
		limit = TestDrugLimit
	}
	drugs, err := ParseDrugs(rows, uuids, limit)
	if err != nil {
		return nil, err
	}
	l.logger.Info("drugs loaded", "file", l.opts.DrugFile, "count", len(drugs), "test_mode", l.opts.TestMode)
	return drugs, nil
}

// selectZips applies batch slicing to the full list, then test trimming.
func (l *Loader) selectZips(state string, all []ZipEntry) ([]ZipEntry, error) {
	zips, err := SliceBatch(all, l.opts.TotalBatches, l.opts.Batch)
	if err != nil {
		return nil, fmt.Errorf("slice zip codes for %s: %w", state, err)
	}
	if l.opts.TestMode && len(zips) > TestZipLimit {
		zips = zips[:TestZipLimit]
	}
	return zips, nil
}

// resolve returns the located zips and the zip codes that could not be
// located.
func (l *Loader) resolve(ctx context.Context, state string, zips []ZipEntry) ([]models.ZipLocation, []string, error) {
	locs := make([]models.ZipLocation, 0, len(zips))
	var unresolved []string
	for _, entry := range zips {
		if entry.HasCoords {
			locs = append(locs, withCityFallback(models.ZipLocation{
				State: state,
				Zip:   entry.Zip,
				City:  entry.City,
				Lat:   entry.Lat,
				Lng:   entry.Lng,
			}))
			continue
		}
		if l.resolver == nil {
			l.logger.Warn("zip code has no coordinates and no geocoder is configured", "zip", entry.Zip, "state", state)
			unresolved = append(unresolved, entry.Zip)
			continue
		}

		loc, err := l.resolver.Resolve(ctx, entry.Zip, state)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			l.logger.Warn("could not geocode zip code", "zip", entry.Zip, "state", state, "error", err)
			unresolved = append(unresolved, entry.Zip)
			continue
		}
		loc.State = state
		loc.Zip = entry.Zip
		locs = append(locs, withCityFallback(loc))
	}

	if saver, ok := l.resolver.(Saver); ok {
		if err := saver.Save(); err != nil {
			l.logger.Warn("could not save geocoding cache", "error", err)
		}
	}
	return locs, unresolved, nil
}

func withCityFallback(loc models.ZipLocation) models.ZipLocation {
	if loc.City == "" {
		loc.City = loc.State + "_City"
	}
	return loc
}
