package rastertile

import (
	"testing"

	"github.com/paulmach/orb"
)

func TestPolygonFromBounds(t *testing.T) {
	b := orb.Bound{Min: orb.Point{-10, -5}, Max: orb.Point{10, 5}}
	poly := PolygonFromBounds(b)
	if len(poly) != 1 || len(poly[0]) != 5 {
		t.Fatalf("Expected one closed ring of 5 points, got %v", poly)
	}
	if !poly[0].Closed() {
		t.Error("Expected the ring to be closed")
	}
	if poly.Bound() != b {
		t.Errorf("Expected bound %v, got %v", b, poly.Bound())
	}

	if got := PolygonFromBounds(orb.Bound{Min: orb.Point{1, 1}, Max: orb.Point{0, 0}}); len(got) != 0 {
		t.Errorf("Expected an empty polygon for an empty bound, got %v", got)
	}
}

func TestFootprintCollectionEmpty(t *testing.T) {
	e := newTestEngine(t, Options{})
	fc := e.FootprintCollection()
	if len(fc.Features) != 0 {
		t.Errorf("Expected no features, got %d", len(fc.Features))
	}
}
