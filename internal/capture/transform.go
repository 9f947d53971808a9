package capture

import (
	"errors"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"wtplotter/internal/store"
)

// Thresholds for accepting a fitted air-view transform. A bad fit is worse
// than none: positions would be projected to nonsense ground coordinates.
const (
	transformMinPoints = 3
	transformScaleMax  = 0.5
	transformErrorMax  = 0.01
)

// Point is a normalized map-space coordinate.
type Point struct {
	X, Y float64
}

var errTransformFit = errors.New("air transform fit rejected")

// fitTransform estimates the affine coefficients mapping ground coordinates
// onto the air map frame (x_air = a*x + b, y_air = c*y + d) from matched
// point pairs, typically capture zones seen in both views. Points are paired
// by sorted order, which is stable because both views preserve the zones'
// relative layout. The fit is rejected when there are too few pairs, the
// scale falls outside the plausible range, or the residual error is too
// large.
func fitTransform(ground, air []Point) (store.Transform, error) {
	var t store.Transform
	if len(ground) < transformMinPoints || len(ground) != len(air) {
		return t, errTransformFit
	}

	g := sortedPoints(ground)
	a := sortedPoints(air)

	gx := make([]float64, len(g))
	gy := make([]float64, len(g))
	ax := make([]float64, len(a))
	ay := make([]float64, len(a))
	for i := range g {
		gx[i], gy[i] = g[i].X, g[i].Y
		ax[i], ay[i] = a[i].X, a[i].Y
	}

	t.B, t.A = stat.LinearRegression(gx, ax, nil, false)
	t.D, t.C = stat.LinearRegression(gy, ay, nil, false)

	if math.Abs(t.A) > transformScaleMax || math.Abs(t.C) > transformScaleMax ||
		t.A == 0 || t.C == 0 {
		return store.Transform{}, errTransformFit
	}

	var residual float64
	for i := range g {
		dx := t.A*gx[i] + t.B - ax[i]
		dy := t.C*gy[i] + t.D - ay[i]
		residual += math.Hypot(dx, dy)
	}
	residual /= float64(len(g))
	if residual > transformErrorMax {
		return store.Transform{}, errTransformFit
	}
	return t, nil
}

func sortedPoints(pts []Point) []Point {
	out := make([]Point, len(pts))
	copy(out, pts)
	sort.Slice(out, func(i, j int) bool {
		if out[i].X != out[j].X {
			return out[i].X < out[j].X
		}
		return out[i].Y < out[j].Y
	})
	return out
}
