// Package icaoresolver maps a four-letter airport code to a lat/lon
// pair, consumed by the HTTP control plane's GET /api/resolve-icao and
// the driver's --icao input path. Full route-file parsing is an
// external concern; this package is the in-memory seed that satisfies
// the interface for manual runs and tests.
package icaoresolver

import "strings"

// Resolver looks up a lat/lon pair for an ICAO airport code.
type Resolver interface {
	Resolve(code string) (lat, lon float64, ok bool)
}

// Static is an in-memory Resolver backed by a fixed table.
type Static struct {
	airports map[string][2]float64
}

// seed is a small handful of airports sufficient to exercise the
// resolve-icao path and manual-mode tests without a network dependency.
var seed = map[string][2]float64{
	"LOWI": {47.2602, 11.3439}, // Innsbruck
	"KSFO": {37.6213, -122.3790},
	"EDDF": {50.0379, 8.5622},
	"EGLL": {51.4700, -0.4543},
	"LFPG": {49.0097, 2.5479},
	"YSSY": {-33.9399, 151.1753},
	"RJTT": {35.5494, 139.7798},
}

// New builds a Static resolver from the built-in seed table.
func New() *Static {
	airports := make(map[string][2]float64, len(seed))
	for k, v := range seed {
		airports[k] = v
	}
	return &Static{airports: airports}
}

// Resolve implements Resolver, matching case-insensitively.
func (s *Static) Resolve(code string) (lat, lon float64, ok bool) {
	coord, found := s.airports[strings.ToUpper(strings.TrimSpace(code))]
	if !found {
		return 0, 0, false
	}
	return coord[0], coord[1], true
}

// Add registers (or overrides) an airport's coordinates, used by tests
// and by callers seeding additional airports from an external source.
func (s *Static) Add(code string, lat, lon float64) {
	s.airports[strings.ToUpper(strings.TrimSpace(code))] = [2]float64{lat, lon}
}
