package rastertile

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestPyramidManagerFactors(t *testing.T) {
	m := NewPyramidManager([]int{8, 2, 1, 4, 2, 0}, "", PyramidAlways)
	if got := m.factors(); !reflect.DeepEqual(got, []int{2, 4, 8}) {
		t.Errorf("Expected [2 4 8], got %v", got)
	}
	m = NewPyramidManager(nil, "", PyramidAlways)
	if got := m.factors(); !reflect.DeepEqual(got, DefaultOverviewFactors) {
		t.Errorf("Expected the default factors, got %v", got)
	}
}

func TestSidecarPath(t *testing.T) {
	r := &Raster{Source: "/data/scene.tif"}
	if got := NewPyramidManager(nil, "", PyramidAlways).SidecarPath(r); got != "/data/scene.tif.ovr" {
		t.Errorf("Expected a sidecar next to the source, got %s", got)
	}

	dir := t.TempDir()
	got := NewPyramidManager(nil, dir, PyramidAlways).SidecarPath(r)
	if filepath.Dir(got) != dir || filepath.Ext(got) != ".ovr" {
		t.Errorf("Expected a sidecar in %s, got %s", dir, got)
	}
	other := NewPyramidManager(nil, dir, PyramidAlways).SidecarPath(&Raster{Source: "/data/other.tif"})
	if other == got {
		t.Error("Expected distinct sidecars for distinct sources")
	}

	remote := NewPyramidManager(nil, "", PyramidAlways).SidecarPath(&Raster{Source: "https://example.com/a.tif", remote: true})
	if filepath.Dir(remote) != filepath.Clean(os.TempDir()) {
		t.Errorf("Expected a remote sidecar in the temp dir, got %s", remote)
	}
}

func TestEnsurePyramidBuildsLevels(t *testing.T) {
	r := openTestRaster(t, testRaster{
		Width:        10,
		Height:       7,
		RowsPerStrip: 3,
		Value:        func(_, x, _ int) float64 { return float64(2 * x) },
	})
	m := NewPyramidManager([]int{2, 4}, "", PyramidAlways)

	p, err := m.EnsurePyramid(r)
	if err != nil {
		t.Fatalf("Failed to build pyramid: %v", err)
	}
	if !p.Rebuilt {
		t.Error("Expected the pyramid to be built")
	}
	if p.Path != r.Source+".ovr" {
		t.Errorf("Expected sidecar %s, got %s", r.Source+".ovr", p.Path)
	}
	if _, err := os.Stat(p.Path); err != nil {
		t.Fatalf("Expected sidecar to exist: %v", err)
	}
	if got := r.OverviewFactors(); !reflect.DeepEqual(got, []int{2, 4}) {
		t.Fatalf("Expected factors [2 4], got %v", got)
	}

	l2, l4 := r.overviews[0], r.overviews[1]
	if l2.info.Width != 5 || l2.info.Height != 4 {
		t.Errorf("Expected level 2 to be 5x4, got %dx%d", l2.info.Width, l2.info.Height)
	}
	if l4.info.Width != 3 || l4.info.Height != 2 {
		t.Errorf("Expected level 4 to be 3x2, got %dx%d", l4.info.Width, l4.info.Height)
	}

	data, err := l2.readWindow(Window{Width: 5, Height: 4}, []int{0}, nil)
	if err != nil {
		t.Fatalf("Failed to read level 2: %v", err)
	}
	for y := 0; y < 4; y++ {
		for x := 0; x < 5; x++ {
			// Mean of 4x and 4x+2.
			if got, want := data[y*5+x], float64(4*x+1); got != want {
				t.Errorf("Level 2 at (%d,%d): expected %v, got %v", x, y, want, got)
			}
		}
	}

	// The last column of level 4 averages base columns 8 and 9 only.
	data, err = l4.readWindow(Window{Width: 3, Height: 2}, []int{0}, nil)
	if err != nil {
		t.Fatalf("Failed to read level 4: %v", err)
	}
	if data[2] != 17 {
		t.Errorf("Expected 17 in the partial column, got %v", data[2])
	}
}

func TestEnsurePyramidIsIdempotent(t *testing.T) {
	r := openTestRaster(t, testRaster{Width: 16, Height: 16, Value: gradient})
	m := NewPyramidManager([]int{2, 4}, "", PyramidAlways)

	win := Window{Width: 16, Height: 16}
	var reads [][]float64
	for i := 0; i < 2; i++ {
		p, err := m.EnsurePyramid(r)
		if err != nil {
			t.Fatalf("Pass %d: failed to build pyramid: %v", i, err)
		}
		if !p.Rebuilt {
			t.Errorf("Pass %d: expected the always policy to rebuild", i)
		}
		if got := r.OverviewFactors(); !reflect.DeepEqual(got, []int{2, 4}) {
			t.Errorf("Pass %d: expected factors [2 4], got %v", i, got)
		}

		// A 4x4 read of the full raster is served by the factor 4 level.
		if l := r.selectLevel(win, 4, 4); l.factor != 4 {
			t.Errorf("Pass %d: expected the factor 4 level, got factor %d", i, l.factor)
		}
		grid, err := r.Read(win, 4, 4, []int{1}, Nearest)
		if err != nil {
			t.Fatalf("Pass %d: failed to read from the pyramid: %v", i, err)
		}
		reads = append(reads, grid.Data)
	}
	if !reflect.DeepEqual(reads[0], reads[1]) {
		t.Errorf("Expected identical overview reads, got %v and %v", reads[0], reads[1])
	}

	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(r.Source), "*"))
	for _, m := range matches {
		if base := filepath.Base(m); base != "test.tif" && base != "test.tif.ovr" {
			t.Errorf("Unexpected leftover file %s", base)
		}
	}
}

func TestEnsurePyramidReuse(t *testing.T) {
	r := openTestRaster(t, testRaster{Width: 16, Height: 16, Value: gradient})
	m := NewPyramidManager([]int{2, 4}, "", PyramidReuse)

	p, err := m.EnsurePyramid(r)
	if err != nil {
		t.Fatalf("Failed to build pyramid: %v", err)
	}
	if !p.Rebuilt {
		t.Error("Expected the first call to build the pyramid")
	}
	st, err := os.Stat(p.Path)
	if err != nil {
		t.Fatalf("Failed to stat sidecar: %v", err)
	}

	p, err = m.EnsurePyramid(r)
	if err != nil {
		t.Fatalf("Failed to reuse pyramid: %v", err)
	}
	if p.Rebuilt {
		t.Error("Expected a matching sidecar to be reused")
	}
	st2, err := os.Stat(p.Path)
	if err != nil {
		t.Fatalf("Failed to stat sidecar: %v", err)
	}
	if !st2.ModTime().Equal(st.ModTime()) || st2.Size() != st.Size() {
		t.Error("Expected the reused sidecar to be untouched")
	}

	// A sidecar with other factors does not match.
	p, err = NewPyramidManager([]int{2, 4, 8}, "", PyramidReuse).EnsurePyramid(r)
	if err != nil {
		t.Fatalf("Failed to rebuild pyramid: %v", err)
	}
	if !p.Rebuilt {
		t.Error("Expected a mismatched sidecar to be rebuilt")
	}
}

func TestEnsurePyramidReplacesCorruptSidecar(t *testing.T) {
	for _, policy := range []PyramidPolicy{PyramidAlways, PyramidReuse} {
		t.Run(string(policy), func(t *testing.T) {
			r := openTestRaster(t, testRaster{Width: 12, Height: 12, Value: gradient})
			m := NewPyramidManager([]int{2}, "", policy)
			if err := os.WriteFile(m.SidecarPath(r), []byte("II*\x00garbage"), 0o644); err != nil {
				t.Fatalf("Failed to write corrupt sidecar: %v", err)
			}

			p, err := m.EnsurePyramid(r)
			if err != nil {
				t.Fatalf("Failed to replace corrupt sidecar: %v", err)
			}
			if !p.Rebuilt {
				t.Error("Expected the corrupt sidecar to be rebuilt")
			}
			if len(r.overviews) != 1 || r.overviews[0].info.Width != 6 {
				t.Errorf("Expected one 6 pixel wide level, got %v", r.OverviewFactors())
			}
		})
	}
}

func TestOverviewsExcludeNoData(t *testing.T) {
	values := [][]float64{
		{255, 255, 10, 20},
		{255, 255, 30, 255},
	}
	r := openTestRaster(t, testRaster{
		Width:  4,
		Height: 2,
		NoData: float64p(255),
		Value:  func(_, x, y int) float64 { return values[y][x] },
	})
	if _, err := NewPyramidManager([]int{2}, "", PyramidAlways).EnsurePyramid(r); err != nil {
		t.Fatalf("Failed to build pyramid: %v", err)
	}
	data, err := r.overviews[0].readWindow(Window{Width: 2, Height: 1}, []int{0}, nil)
	if err != nil {
		t.Fatalf("Failed to read level: %v", err)
	}
	if data[0] != 255 {
		t.Errorf("Expected nodata for an all-nodata cell, got %v", data[0])
	}
	if data[1] != 20 {
		t.Errorf("Expected 20 with nodata excluded, got %v", data[1])
	}
}

func TestReadUsesOverviews(t *testing.T) {
	r := openTestRaster(t, testRaster{Width: 64, Height: 64, Value: func(_, x, _ int) float64 { return float64(x) }})
	if _, err := NewPyramidManager([]int{2, 4}, "", PyramidAlways).EnsurePyramid(r); err != nil {
		t.Fatalf("Failed to build pyramid: %v", err)
	}
	g, err := r.Read(Window{Width: 64, Height: 64}, 16, 16, []int{1}, Nearest)
	if err != nil {
		t.Fatalf("Failed to read: %v", err)
	}
	// Level 4 column 0 is round(mean(0..3)) = 2; nearest output 0 maps to it.
	if got := g.At(0, 0, 0); got != 2 {
		t.Errorf("Expected 2 from the factor 4 level, got %v", got)
	}
}
