package ekf

import (
	"math"

	"github.com/pkg/errors"
	"github.com/skelterjohn/go.matrix"
)

const bisectSteps = 60

// Mahalanobis returns v' S^-1 v for a column vector v.
func Mahalanobis(v, sinv *matrix.DenseMatrix) float64 {
	return matrix.Product(v.Transpose(), matrix.Product(sinv, v)).Get(0, 0)
}

// HyperDimSelect picks the component of a failing innovation vector most
// responsible for the gate violation.
//
// For every component i it bisects for the scale t_i at which shrinking v_i
// alone, the others held fixed, brings v'S^-1v back onto the gating
// ellipsoid. The excess ratio of the component is 1/t_i and the largest one
// wins. Components that cannot reach the gate on their own are only
// considered when none can, in which case the component whose removal
// leaves the smallest v'S^-1v is chosen. Ties go to the lowest index.
func HyperDimSelect(v, s *matrix.DenseMatrix, gate float64) (int, error) {
	sinv, err := s.Inverse()
	if err != nil {
		return 0, errors.Wrap(err, "innovation covariance")
	}
	d2 := Mahalanobis(v, sinv)
	if math.IsNaN(d2) || d2 <= gate {
		return 0, errors.Errorf("innovation inside gate (%.3f <= %.3f)", d2, gate)
	}

	w := matrix.Product(sinv, v)
	best, bestT := -1, math.Inf(1)
	fallback, fallbackD2 := 0, math.Inf(1)
	for i := 0; i < v.Rows(); i++ {
		vi, wi, sii := v.Get(i, 0), w.Get(i, 0), sinv.Get(i, i)
		// v'S^-1v with v_i scaled by t.
		scaled := func(t float64) float64 {
			d := (t - 1) * vi
			return d2 + 2*d*wi + d*d*sii
		}

		removed := scaled(0)
		if removed > gate {
			if removed < fallbackD2 {
				fallback, fallbackD2 = i, removed
			}
			continue
		}
		lo, hi := 0.0, 1.0
		for k := 0; k < bisectSteps; k++ {
			mid := (lo + hi) / 2
			if scaled(mid) <= gate {
				lo = mid
			} else {
				hi = mid
			}
		}
		if lo < bestT {
			best, bestT = i, lo
		}
	}
	if best < 0 {
		return fallback, nil
	}
	return best, nil
}
