// Package geodesy implements the tile grid: latitude-banded tile widths,
// packed tile identifiers, coordinate round-tripping, great-circle distance
// and adaptive level-of-detail selection.
package geodesy

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

// LatStep is the fixed latitudinal step of every tile, in degrees.
const LatStep = 0.125

// latBands and lonWidths together implement tile_width(lat): the first
// band whose |lat| the value falls under determines the longitudinal
// width of the tile.
var latBands = []float64{90, 89, 86, 83, 76, 62, 22, -22}
var lonWidths = []float64{12, 4, 2, 1, 0.5, 0.25, 0.125}

// WidthPx maps size_id (0..6) to tile pixel width.
var WidthPx = [7]int{512, 1024, 2048, 4096, 8192, 16384, 32768}

// Cols maps size_id (0..6) to the number of chunks per side.
var Cols = [7]int{1, 1, 1, 2, 4, 8, 8}

// TileMetadata describes one tile's geometry and resolution.
type TileMetadata struct {
	ID      int64
	SizeID  int
	LonLL   float64
	LatLL   float64
	LonUR   float64
	LatUR   float64
	X       int
	Y       int
	LonC    float64
	LatC    float64
	LonStep float64
	WidthPx int
	Cols    int
}

// TileWidth returns the longitudinal width in degrees of the tile band
// containing |lat|.
func TileWidth(lat float64) float64 {
	a := math.Abs(lat)
	for i := 0; i < len(lonWidths); i++ {
		if a <= latBands[i] && a > latBands[i+1] {
			return lonWidths[i]
		}
	}
	return lonWidths[len(lonWidths)-1]
}

// Index packs (lat,lon) into the tile's packed integer ID:
//
//	id = (lonShifted<<14) | (latShifted<<6) | (ySub<<3) | xSub
func Index(lat, lon float64) int64 {
	lonBase := math.Floor(lon)
	latBase := math.Floor(lat)

	lonShifted := int64(lonBase) + 180
	latShifted := int64(latBase) + 90

	step := TileWidth(lat)
	ySub := int64(math.Floor((lat - latBase) / LatStep))
	if ySub > 7 {
		ySub = 7
	}
	if ySub < 0 {
		ySub = 0
	}

	xSub := int64(math.Floor((lon - lonBase) / step))
	maxX := int64(colsForWidth(step)) - 1
	if xSub > maxX {
		xSub = maxX
	}
	if xSub < 0 {
		xSub = 0
	}

	return (lonShifted << 14) | (latShifted << 6) | (ySub << 3) | xSub
}

// colsForWidth derives how many x sub-steps fit in one degree of longitude
// for a band of the given width: a 1-degree-wide band still has a single
// column, sub-degree bands subdivide one degree into 1/width columns.
func colsForWidth(width float64) int {
	if width >= 1 {
		return 1
	}
	return int(math.Round(1.0 / width))
}

// CoordFromIndex reverses Index, returning the tile's center, its base
// corner, its sub-grid indices and FlightGear-style directory labels.
func CoordFromIndex(id int64) (lonC, latC, lonBase, latBase float64, x, y int, dir10, dir1 string) {
	xSub := id & 0x7
	ySub := (id >> 3) & 0x7
	latShifted := (id >> 6) & 0xFF
	lonShifted := id >> 14

	lonBase = float64(lonShifted) - 180
	latBase = float64(latShifted) - 90

	x = int(xSub)
	y = int(ySub)
	// Index takes the band from the point's own latitude, so the band is
	// read at the tile's row centre rather than at the whole-degree base.
	step := TileWidth(latBase + float64(y)*LatStep + LatStep/2)

	lonLL := lonBase + float64(x)*step
	latLL := latBase + float64(y)*LatStep
	lonC = lonLL + step/2
	latC = latLL + LatStep/2

	dir10 = dirLabel(lonBase, latBase, 10)
	dir1 = dirLabel(lonBase, latBase, 1)

	return lonC, latC, lonBase, latBase, x, y, dir10, dir1
}

// dirLabel renders the `{e|w}DDD{n|s}DD`-style directory name, flooring
// the magnitude to the nearest multiple of round for the longitude and to
// the same multiple for the latitude.
func dirLabel(lon, lat float64, round int) string {
	ew := "e"
	if lon < 0 {
		ew = "w"
	}
	ns := "n"
	if lat < 0 {
		ns = "s"
	}

	lonMag := floorToMultiple(math.Abs(lon), round)
	latMag := floorToMultiple(math.Abs(lat), round)

	lonDigits := 3
	latDigits := 2

	return fmt.Sprintf("%s%0*d%s%0*d", ew, lonDigits, lonMag, ns, latDigits, latMag)
}

func floorToMultiple(v float64, m int) int {
	return (int(math.Floor(v)) / m) * m
}

// SurfaceDistanceNM returns the great-circle distance in nautical miles
// between two lon/lat points, using orb/geo's haversine-on-mean-radius
// implementation rather than a hand-rolled formula.
func SurfaceDistanceNM(lon1, lat1, lon2, lat2 float64) float64 {
	p1 := orb.Point{lon1, lat1}
	p2 := orb.Point{lon2, lat2}
	meters := geo.DistanceHaversine(p1, p2)
	return meters / 1852.0
}

// AdaptiveSizeID selects a tile's resolution class: a monotone
// non-increasing function of distance that equals base within half the
// radius, decreases by at least one step per 10 nm beyond that, never
// exceeds base, and is clamped at sdwn (the configured floor).
func AdaptiveSizeID(base int, altFt, distNM, fovDeg float64, radiusNM float64, sdwn int) int {
	if base < 0 {
		base = 0
	}
	if base > 6 {
		base = 6
	}

	result := base
	if distNM > radiusNM/2 {
		over := distNM - radiusNM/2
		reduction := int(math.Floor(over/10.0)) + 1
		result = base - reduction

		// Altitude and field-of-view widen the usable viewing distance:
		// beyond half the radius, higher and wider views tolerate one
		// extra step of reduction before the player would notice.
		if altFt > 15000 && fovDeg > 60 {
			result--
		}
	}

	if result > base {
		result = base
	}
	if result < 0 {
		result = 0
	}
	if result < sdwn {
		result = sdwn
	}
	return result
}

// EllipseMetric computes the direction-aware ordering metric: an
// elliptical distance with semi-axis A along heading and B across it.
// Only used for ordering/LOD in "direction-aware" mode; inclusion is
// always a circle of the configured radius.
func EllipseMetric(lon, lat, centerLon, centerLat, headingDeg, radiusNM float64) float64 {
	bearingNM := SurfaceDistanceNM(centerLon, centerLat, lon, lat)
	brg := bearing(centerLon, centerLat, lon, lat)

	theta := (brg - headingDeg) * math.Pi / 180.0

	a := 1.5 * radiusNM
	b := radiusNM

	// Normalize the point into the ellipse's coordinate frame: along-
	// heading component divided by A, cross-heading divided by B.
	along := bearingNM * math.Cos(theta)
	cross := bearingNM * math.Sin(theta)

	return math.Hypot(along/a, cross/b) * radiusNM
}

func bearing(lon1, lat1, lon2, lat2 float64) float64 {
	φ1 := lat1 * math.Pi / 180
	φ2 := lat2 * math.Pi / 180
	Δλ := (lon2 - lon1) * math.Pi / 180

	y := math.Sin(Δλ) * math.Cos(φ2)
	x := math.Cos(φ1)*math.Sin(φ2) - math.Sin(φ1)*math.Cos(φ2)*math.Cos(Δλ)
	θ := math.Atan2(y, x)
	return math.Mod(θ*180/math.Pi+360, 360)
}

// BuildMetadata constructs the immutable TileMetadata for a tile ID at a
// given size_id, deriving bbox, pixel width and column count from the
// grid geometry.
func BuildMetadata(id int64, sizeID int) TileMetadata {
	if sizeID < 0 {
		sizeID = 0
	}
	if sizeID > 6 {
		sizeID = 6
	}

	lonC, latC, lonBase, latBase, x, y, _, _ := CoordFromIndex(id)
	step := TileWidth(latC)

	lonLL := lonBase + float64(x)*step
	latLL := latBase + float64(y)*LatStep
	lonUR := lonLL + step
	latUR := latLL + LatStep

	return TileMetadata{
		ID:      id,
		SizeID:  sizeID,
		LonLL:   lonLL,
		LatLL:   latLL,
		LonUR:   lonUR,
		LatUR:   latUR,
		X:       x,
		Y:       y,
		LonC:    lonC,
		LatC:    latC,
		LonStep: step,
		WidthPx: WidthPx[sizeID],
		Cols:    Cols[sizeID],
	}
}

// DirLabels returns the dir10/dir1 FlightGear-style directory components
// for a tile's base coordinates, used by Placement (C4) to compute the
// destination path.
func DirLabels(id int64) (dir10, dir1 string) {
	_, _, _, _, _, _, dir10, dir1 = CoordFromIndex(id)
	return dir10, dir1
}
