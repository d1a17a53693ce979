package detect

import (
	"fmt"
	"math"
	"strings"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/marker-pose/pkg/types"
)

// Policy chooses one detection when several are found.
type Policy int

const (
	// PolicyFirst keeps the detector's first result.
	PolicyFirst Policy = iota
	// PolicyLargest keeps the detection with the largest image area.
	PolicyLargest
	// PolicyNearest keeps the detection closest to a reference point,
	// falling back to PolicyFirst without one.
	PolicyNearest
)

var policyNames = map[Policy]string{
	PolicyFirst:   "first",
	PolicyLargest: "largest",
	PolicyNearest: "nearest",
}

func (p Policy) String() string {
	if name, ok := policyNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// ParsePolicy maps a policy name to its value.
func ParsePolicy(s string) (Policy, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for p, name := range policyNames {
		if name == s {
			return p, nil
		}
	}
	if s == "" {
		return PolicyFirst, nil
	}
	return PolicyFirst, fmt.Errorf("unknown selection policy %q (want first, largest or nearest)", s)
}

// Select picks one detection. ref is the reference point for
// PolicyNearest and may be nil.
func (p Policy) Select(dets []Detection, ref *types.Point) (Detection, bool) {
	if len(dets) == 0 {
		return Detection{}, false
	}

	best := 0
	switch p {
	case PolicyLargest:
		for i, d := range dets {
			if d.Area > dets[best].Area {
				best = i
			}
		}
	case PolicyNearest:
		if ref == nil {
			break
		}
		bestDist := math.Inf(1)
		for i, d := range dets {
			if dist := math.Hypot(d.Center.X-ref.X, d.Center.Y-ref.Y); dist < bestDist {
				best, bestDist = i, dist
			}
		}
	}
	return dets[best], true
}
