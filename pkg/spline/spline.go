// Package spline provides a single-pass learned index over monotone
// (key, page) points.
//
// The main types are:
//   - [Spline]: greedy-corridor piecewise-linear index with a
//     per-point max-error guarantee
//   - [Radix]: optional radix-bucket accelerator over a Spline
//
// Points are fed in non-decreasing key order, one per flushed data
// page. A knot is emitted whenever extending the current linear
// segment would put some absorbed point's predicted page more than
// maxError away from its true page. Lookups interpolate within the
// segment containing the key and return a bracket guaranteed to
// contain the true page.
//
// The construction follows "RadixSpline: a single-pass learned index"
// (Kipf et al.).
package spline

import "errors"

// Index errors.
var (
	// ErrFull indicates the fixed knot allocation is exhausted.
	ErrFull = errors.New("spline: point allocation exhausted")
	// ErrOutOfOrder indicates a key smaller than the previous key.
	ErrOutOfOrder = errors.New("spline: keys must be non-decreasing")
)

// Point is one (key, page) pair. Keys are the unsigned integer view
// of record keys; pages are logical page ids.
type Point struct {
	Key  uint64
	Page uint32
}

// Spline is a monotone piecewise-linear index.
//
// The knot slice is pre-allocated at construction and never grows;
// when it fills, [Spline.Add] fails with [ErrFull] and the index must
// be rebuilt with a larger capacity or a larger maxError.
//
// The zero value is not usable; construct with [New].
type Spline struct {
	knots    []Point // emitted knots; knots[len-1] is tentative
	capacity int
	maxError uint32

	// Corridor of admissible slopes from the last permanent knot.
	// upper and lower are the points defining the current slope cone.
	upper Point
	lower Point

	seen    uint64 // points fed to Add
	lastKey uint64
}

// New returns an empty spline with a fixed knot capacity and the given
// maximum page prediction error.
func New(capacity int, maxError uint32) *Spline {
	if capacity < 2 {
		capacity = 2
	}

	return &Spline{
		knots:    make([]Point, 0, capacity),
		capacity: capacity,
		maxError: maxError,
	}
}

// MaxError returns the configured prediction error bound.
func (s *Spline) MaxError() uint32 {
	return s.maxError
}

// Len returns the number of knots currently held, including the
// tentative terminal knot.
func (s *Spline) Len() int {
	return len(s.knots)
}

// Knots returns the current knot slice. The slice is owned by the
// spline and valid until the next Add.
func (s *Spline) Knots() []Point {
	return s.knots
}

// Add feeds the next (key, page) point.
//
// Keys must be non-decreasing. A duplicate key is ignored so that
// equal keys map to their first page. Fails with [ErrFull] when
// emitting a knot would exceed the fixed allocation.
func (s *Spline) Add(key uint64, page uint32) error {
	if s.seen > 0 && key < s.lastKey {
		return ErrOutOfOrder
	}
	if s.seen > 0 && key == s.lastKey {
		return nil
	}

	p := Point{Key: key, Page: page}
	s.seen++
	s.lastKey = key

	// First two points seed the knot list and the slope corridor.
	if len(s.knots) < 2 {
		s.knots = append(s.knots, p)
		if len(s.knots) == 2 {
			s.resetCorridor(p)
		}

		return nil
	}

	anchor := s.knots[len(s.knots)-2]

	if s.outsideCorridor(anchor, p) {
		// The tentative knot becomes permanent and a new segment
		// starts from it.
		if len(s.knots) >= s.capacity {
			return ErrFull
		}

		s.knots = append(s.knots, p)
		s.resetCorridor(p)

		return nil
	}

	// Absorb: p replaces the tentative knot and narrows the corridor.
	s.narrowCorridor(anchor, p)
	s.knots[len(s.knots)-1] = p

	return nil
}

// resetCorridor re-arms the slope cone around point p.
func (s *Spline) resetCorridor(p Point) {
	s.upper = Point{Key: p.Key, Page: p.Page + s.maxError}

	lowerPage := uint32(0)
	if p.Page > s.maxError {
		lowerPage = p.Page - s.maxError
	}

	s.lower = Point{Key: p.Key, Page: lowerPage}
}

// outsideCorridor reports whether the slope from anchor to p escapes
// the current cone.
func (s *Spline) outsideCorridor(anchor, p Point) bool {
	slope := slopeOf(anchor, p)

	return slope > slopeOf(anchor, s.upper) || slope < slopeOf(anchor, s.lower)
}

// narrowCorridor tightens the cone with the error bounds of p.
func (s *Spline) narrowCorridor(anchor, p Point) {
	up := Point{Key: p.Key, Page: p.Page + s.maxError}
	if slopeOf(anchor, up) < slopeOf(anchor, s.upper) {
		s.upper = up
	}

	lowPage := uint32(0)
	if p.Page > s.maxError {
		lowPage = p.Page - s.maxError
	}

	low := Point{Key: p.Key, Page: lowPage}
	if slopeOf(anchor, low) > slopeOf(anchor, s.lower) {
		s.lower = low
	}
}

func slopeOf(a, b Point) float64 {
	if b.Key == a.Key {
		return 0
	}

	return (float64(b.Page) - float64(a.Page)) / float64(b.Key-a.Key)
}

// Find returns the predicted logical page for key together with the
// inclusive bracket [lo, hi] that is guaranteed to contain the true
// page of any key that was added.
//
// Keys below the first knot clamp to the first page; keys beyond the
// last point clamp to the last page.
func (s *Spline) Find(key uint64) (loc, lo, hi uint32) {
	if len(s.knots) == 0 {
		return 0, 0, 0
	}

	loc = s.interpolate(key, 0, len(s.knots))

	return loc, s.bracketLow(loc), s.bracketHigh(loc)
}

// interpolate predicts the page for key by linear interpolation within
// the knot range [first, last).
func (s *Spline) interpolate(key uint64, first, last int) uint32 {
	knots := s.knots[first:last]

	if key <= knots[0].Key {
		return knots[0].Page
	}
	if key >= knots[len(knots)-1].Key {
		return knots[len(knots)-1].Page
	}

	// Binary search for the segment with knots[i].Key <= key < knots[i+1].Key.
	left, right := 0, len(knots)-1
	for right-left > 1 {
		mid := (left + right) / 2
		if knots[mid].Key <= key {
			left = mid
		} else {
			right = mid
		}
	}

	a, b := knots[left], knots[right]
	frac := float64(key-a.Key) / float64(b.Key-a.Key)

	return a.Page + uint32(frac*(float64(b.Page)-float64(a.Page)))
}

func (s *Spline) bracketLow(loc uint32) uint32 {
	if loc > s.maxError {
		return loc - s.maxError
	}

	return 0
}

func (s *Spline) bracketHigh(loc uint32) uint32 {
	lastPage := s.knots[len(s.knots)-1].Page

	hi := loc + s.maxError
	if hi > lastPage {
		hi = lastPage
	}

	return hi
}
