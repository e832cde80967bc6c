// Package curve maps cumulative XP to levels and back.
//
// Every curve starts at level 0 for 0 XP and is strictly increasing up to its
// highest reachable level, LevelForXP(math.MaxUint64). For any level L from 0
// to that one, LevelForXP(XPRequiredFor(L)) == L. Past it, XPRequiredFor
// saturates at math.MaxUint64.
package curve

import (
	"fmt"
	"math"
	"math/bits"
	"sort"
)

// A Curve is a deterministic XP <-> level mapping
type Curve interface {
	// LevelForXP returns the level reached with the given total
	LevelForXP(totalXP uint64) int
	// XPRequiredFor returns the minimum total needed to be at level
	XPRequiredFor(level int) uint64
}

// Quadratic is the curve level = floor(sqrt(xp) / Step), so reaching level L
// takes (Step*L)^2 XP and each level costs more than the last.
type Quadratic struct {
	Step uint64
}

// Default is the curve used when nothing else is configured: 100 XP for
// level 1, 400 for level 2, 900 for level 3, and so on.
var Default Curve = Quadratic{Step: 10}

func (q Quadratic) LevelForXP(totalXP uint64) int {
	return int(isqrt(totalXP) / q.step())
}

func (q Quadratic) XPRequiredFor(level int) uint64 {
	if level <= 0 {
		return 0
	}
	hi, n := bits.Mul64(q.step(), uint64(level))
	if hi != 0 {
		return math.MaxUint64
	}
	hi, sq := bits.Mul64(n, n)
	if hi != 0 {
		return math.MaxUint64
	}
	return sq
}

func (q Quadratic) step() uint64 {
	if q.Step == 0 {
		return 1
	}
	return q.Step
}

// isqrt is floor(sqrt(n)), corrected for float rounding at large n. The root
// of a uint64 fits in 32 bits, so squaring r below never overflows.
func isqrt(n uint64) uint64 {
	r := uint64(math.Sqrt(float64(n)))
	if r > math.MaxUint32 {
		r = math.MaxUint32
	}
	for r*r > n {
		r--
	}
	for r < math.MaxUint32 && (r+1)*(r+1) <= n {
		r++
	}
	return r
}

// Thresholds is a staircase: element i is the total XP needed for level i.
// Past the last element every level costs the final step again. Build one
// with NewThresholds; the zero value behaves like Default.
type Thresholds struct {
	xp []uint64
}

// NewThresholds validates the table. It must start at 0, be strictly
// increasing, and have at least two entries.
func NewThresholds(xp ...uint64) (Thresholds, error) {
	if len(xp) < 2 {
		return Thresholds{}, fmt.Errorf("need at least two thresholds, got %d", len(xp))
	}
	if xp[0] != 0 {
		return Thresholds{}, fmt.Errorf("first threshold must be 0, got %d", xp[0])
	}
	for i := 1; i < len(xp); i++ {
		if xp[i] <= xp[i-1] {
			return Thresholds{}, fmt.Errorf("thresholds must be strictly increasing: %d at level %d follows %d", xp[i], i, xp[i-1])
		}
	}

	cp := make([]uint64, len(xp))
	copy(cp, xp)
	return Thresholds{xp: cp}, nil
}

func (t Thresholds) LevelForXP(totalXP uint64) int {
	if len(t.xp) < 2 {
		return Default.LevelForXP(totalXP)
	}
	last := len(t.xp) - 1
	if totalXP >= t.xp[last] {
		return last + int((totalXP-t.xp[last])/t.lastStep())
	}
	// First index whose threshold is above totalXP, minus one
	return sort.Search(len(t.xp), func(i int) bool { return t.xp[i] > totalXP }) - 1
}

func (t Thresholds) XPRequiredFor(level int) uint64 {
	if len(t.xp) < 2 {
		return Default.XPRequiredFor(level)
	}
	if level <= 0 {
		return 0
	}
	last := len(t.xp) - 1
	if level <= last {
		return t.xp[level]
	}
	hi, extra := bits.Mul64(uint64(level-last), t.lastStep())
	sum, carry := bits.Add64(t.xp[last], extra, 0)
	if hi != 0 || carry != 0 {
		return math.MaxUint64
	}
	return sum
}

func (t Thresholds) lastStep() uint64 {
	last := len(t.xp) - 1
	return t.xp[last] - t.xp[last-1]
}
