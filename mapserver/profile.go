// Package mapserver renders tile-fetch URLs from a declarative map
// server profile by placeholder substitution.
package mapserver

import (
	"fmt"
	"strings"
)

// Profile is a declarative map server record.
type Profile struct {
	ID          int
	URLBase     string
	URLTemplate string
	Proxy       string
}

// BBox is a geographic bounding box in degrees.
type BBox struct {
	LonLL, LatLL, LonUR, LatUR float64
}

// PixelSize is the requested chunk raster size.
type PixelSize struct {
	W, H int
}

// Render substitutes {latLL},{lonLL},{latUR},{lonUR},{szWidth},{szHight}
// in the URL template and concatenates it to the base URL. Coordinates
// use 6 fixed-point decimal digits; pixel sizes are plain integers.
func (p Profile) Render(bbox BBox, size PixelSize) string {
	replacer := strings.NewReplacer(
		"{latLL}", fmt.Sprintf("%.6f", bbox.LatLL),
		"{lonLL}", fmt.Sprintf("%.6f", bbox.LonLL),
		"{latUR}", fmt.Sprintf("%.6f", bbox.LatUR),
		"{lonUR}", fmt.Sprintf("%.6f", bbox.LonUR),
		"{szWidth}", fmt.Sprintf("%d", size.W),
		"{szHight}", fmt.Sprintf("%d", size.H),
	)
	return p.URLBase + replacer.Replace(p.URLTemplate)
}

// Registry is a small in-memory table of known server profiles, keyed by
// the numeric ID used by the `--map` CLI surface and the HTTP control
// plane's `map` job field.
type Registry struct {
	servers map[int]Profile
}

// NewRegistry builds a registry from a slice of profiles.
func NewRegistry(profiles []Profile) *Registry {
	r := &Registry{servers: make(map[int]Profile, len(profiles))}
	for _, p := range profiles {
		r.servers[p.ID] = p
	}
	return r
}

// Get returns the profile for id, or false if unknown.
func (r *Registry) Get(id int) (Profile, bool) {
	p, ok := r.servers[id]
	return p, ok
}
