package spline

import "math/bits"

// Radix accelerates a [Spline] with a bucket table over key prefixes.
//
// The top radixBits of (key - minKey) select a bucket holding the
// index of the first knot whose shifted key reaches that bucket, so a
// lookup scans only the knots of one bucket instead of binary
// searching the whole knot list. The table is monotone and maintained
// incrementally as knots are emitted; when the key range outgrows the
// current shift, the table is rebuilt from the knot list.
//
// Construct with [NewRadix]; the radix owns the wrapped spline for the
// duration of its use.
type Radix struct {
	spl *Spline

	radixBits uint
	shift     uint
	table     []uint32
	minKey    uint64
	hasMin    bool

	prevPrefix uint64
	filled     int // knots reflected in the table
}

// NewRadix wraps spl with a 2^radixBits bucket table.
func NewRadix(spl *Spline, radixBits uint) *Radix {
	return &Radix{
		spl:       spl,
		radixBits: radixBits,
		table:     make([]uint32, (uint64(1)<<radixBits)+1),
	}
}

// Spline returns the wrapped spline.
func (r *Radix) Spline() *Spline {
	return r.spl
}

// Len returns the wrapped spline's knot count.
func (r *Radix) Len() int {
	return r.spl.Len()
}

// Add feeds the next (key, page) point through to the spline and keeps
// the bucket table in step with emitted knots.
func (r *Radix) Add(key uint64, page uint32) error {
	if !r.hasMin {
		r.minKey = key
		r.hasMin = true
	}

	if err := r.spl.Add(key, page); err != nil {
		return err
	}

	r.ensureShift(key)
	r.extend()

	return nil
}

// ensureShift widens the shift when key no longer fits the current
// prefix width, rebuilding the table from the knot list.
func (r *Radix) ensureShift(key uint64) {
	need := uint(0)
	if width := bits.Len64(key - r.minKey); width > int(r.radixBits) {
		need = uint(width) - r.radixBits
	}

	if need <= r.shift && r.filled > 0 {
		return
	}

	r.shift = need
	r.rebuild()
}

// rebuild refills the whole table from the current knots.
func (r *Radix) rebuild() {
	for i := range r.table {
		r.table[i] = 0
	}

	r.prevPrefix = 0
	r.filled = 0
	r.extend()
}

// extend advances the table over knots emitted since the last call.
// Buckets between the previous prefix and a knot's prefix inherit that
// knot's index.
//
// The terminal knot is excluded: it is tentative, its key still moves
// as points are absorbed, and a bucket filled from it would go stale.
// It enters the table once a successor fixes it.
func (r *Radix) extend() {
	knots := r.spl.Knots()

	fixed := len(knots) - 1
	if fixed < 0 {
		fixed = 0
	}

	for ; r.filled < fixed; r.filled++ {
		prefix := (knots[r.filled].Key - r.minKey) >> r.shift

		for b := r.prevPrefix + 1; b <= prefix; b++ {
			r.table[b] = uint32(r.filled)
		}

		r.prevPrefix = prefix
	}

	// Buckets past the newest fixed prefix point at the tentative knot
	// so that lookups land on the open terminal segment.
	for b := r.prevPrefix + 1; b < uint64(len(r.table)); b++ {
		r.table[b] = uint32(fixed)
	}
}

// Find returns the predicted page and bracket for key, scanning only
// the knots of key's bucket.
func (r *Radix) Find(key uint64) (loc, lo, hi uint32) {
	knots := r.spl.Knots()
	if len(knots) == 0 {
		return 0, 0, 0
	}

	if key <= r.minKey {
		loc = knots[0].Page

		return loc, r.spl.bracketLow(loc), r.spl.bracketHigh(loc)
	}

	prefix := (key - r.minKey) >> r.shift
	if prefix >= uint64(len(r.table))-1 {
		prefix = uint64(len(r.table)) - 2
	}

	first := int(r.table[prefix])
	last := int(r.table[prefix+1])

	// Bucket bounds conservatively widen by one knot on each side: the
	// segment containing key may start at the knot before the bucket.
	if first > 0 {
		first--
	}
	if last < len(knots) {
		last++
	}
	if last > len(knots) {
		last = len(knots)
	}
	if first >= last {
		first, last = 0, len(knots)
	}

	loc = r.spl.interpolate(key, first, last)

	return loc, r.spl.bracketLow(loc), r.spl.bracketHigh(loc)
}
