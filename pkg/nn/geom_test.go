package nn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRectIntersection(t *testing.T) {
	a := MakeRect(0, 0, 100, 100)
	b := MakeRect(50, 50, 100, 100)
	isect := a.Intersection(b)
	require.Equal(t, MakeRect(50, 50, 50, 50), isect)

	// Disjoint rectangles intersect with zero area
	c := MakeRect(200, 200, 10, 10)
	require.EqualValues(t, 0, a.Intersection(c).Area())
}

func TestRectIOU(t *testing.T) {
	a := MakeRect(0, 0, 100, 100)
	require.InDelta(t, 1.0, a.IOU(a), 1e-6)

	b := MakeRect(50, 0, 100, 100)
	// intersection 50*100 = 5000, union 15000
	require.InDelta(t, 1.0/3.0, a.IOU(b), 1e-6)

	c := MakeRect(500, 500, 10, 10)
	require.InDelta(t, 0, a.IOU(c), 1e-6)
}

func TestRectUnion(t *testing.T) {
	a := MakeRect(10, 10, 20, 20)
	b := MakeRect(40, 5, 10, 10)
	u := a.Union(b)
	require.Equal(t, MakeRect(10, 5, 40, 25), u)
}

func TestPointDistance(t *testing.T) {
	a := Point{X: 0, Y: 0}
	b := Point{X: 3, Y: 4}
	require.InDelta(t, 5, a.Distance(b), 1e-6)
	require.InDelta(t, 5, b.Distance(a), 1e-6)
}

func TestRectAspect(t *testing.T) {
	require.InDelta(t, 2.0, MakeRect(0, 0, 100, 50).Aspect(), 1e-6)
	require.EqualValues(t, 0, MakeRect(0, 0, 100, 0).Aspect())
}
