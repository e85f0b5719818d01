package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/spf13/cobra"

	"github.com/tingold/rastertile"
)

var infoCmd = &cobra.Command{
	Use:   "info <raster>",
	Short: "Print size, CRS, bands and geographic bounds of a raster",
	Args:  cobra.ExactArgs(1),
	RunE:  runInfo,
}

var statsCmd = &cobra.Command{
	Use:   "stats <raster> [band...]",
	Short: "Compute global min/max statistics of raster bands",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runStats,
}

var renderCmd = &cobra.Command{
	Use:   "render <raster> <z> <x> <y>",
	Short: "Render a single tile to a PNG file",
	Args:  cobra.ExactArgs(4),
	RunE:  runRender,
}

func init() {
	renderCmd.Flags().StringP("output", "o", "tile.png", "output PNG path")
	renderCmd.Flags().String("bands", "", "comma separated 1-based bands (default: first three)")
	renderCmd.Flags().String("resampling", "", "resampling filter (default from config)")
	renderCmd.Flags().Bool("normalize", false, "normalize with global band statistics")
	renderCmd.Flags().Int("size", 0, "tile size in pixels (default from config)")
}

// withEngine opens source in a fresh engine and runs fn.
func withEngine(source string, fn func(*rastertile.Engine, rastertile.HandleID) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	engine := rastertile.NewEngine(engineOptions(cfg, logger))
	defer engine.Shutdown()

	id, err := engine.Open(source)
	if err != nil {
		return err
	}
	return fn(engine, id)
}

type rasterInfo struct {
	*rastertile.Description
	Bounds    [4]float64       `json:"bounds"`
	Envelope  *geojson.Feature `json:"envelope"`
	Footprint *geojson.Feature `json:"footprint"`
}

func runInfo(_ *cobra.Command, args []string) error {
	return withEngine(args[0], func(e *rastertile.Engine, id rastertile.HandleID) error {
		d, err := e.Describe(id)
		if err != nil {
			return err
		}
		b, err := e.BoundsInGeographic(id)
		if err != nil {
			return err
		}
		fp, err := e.Footprint(id)
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, rasterInfo{
			Description: d,
			Bounds:      [4]float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]},
			Envelope:    geojson.NewFeature(rastertile.PolygonFromBounds(b)),
			Footprint:   geojson.NewFeature(fp),
		})
	})
}

func runStats(_ *cobra.Command, args []string) error {
	var bands []int
	for _, a := range args[1:] {
		b, err := strconv.Atoi(a)
		if err != nil {
			return fmt.Errorf("invalid band %q", a)
		}
		bands = append(bands, b)
	}
	return withEngine(args[0], func(e *rastertile.Engine, id rastertile.HandleID) error {
		stats, err := e.Stats(id, bands)
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, stats)
	})
}

func runRender(cmd *cobra.Command, args []string) error {
	var zxy [3]int
	for i, a := range args[1:] {
		v, err := strconv.Atoi(a)
		if err != nil {
			return fmt.Errorf("invalid tile coordinate %q", a)
		}
		zxy[i] = v
	}
	addr := rastertile.TileAddress{Z: zxy[0], X: zxy[1], Y: zxy[2]}
	if err := addr.Validate(); err != nil {
		return err
	}

	flags := cmd.Flags()
	output, _ := flags.GetString("output")
	bandList, _ := flags.GetString("bands")
	resampling, _ := flags.GetString("resampling")
	normalize, _ := flags.GetBool("normalize")
	size, _ := flags.GetInt("size")

	bands, err := parseBands(bandList)
	if err != nil {
		return err
	}

	return withEngine(args[0], func(e *rastertile.Engine, id rastertile.HandleID) error {
		req := rastertile.RenderRequest{
			Tile:       &addr,
			Width:      size,
			Height:     size,
			Bands:      bands,
			Resampling: resampling,
			Normalize:  normalize,
		}
		grid, err := e.RenderTile(id, req)
		if err != nil {
			return err
		}
		body, err := encodePNG(grid, grid.Width, grid.Height)
		if err != nil {
			return err
		}
		if err := os.WriteFile(output, body, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", output, err)
		}
		fmt.Printf("wrote %s (%dx%d, tile %s, bbox %v)\n", output, grid.Width, grid.Height, addr, boundString(rastertile.TileToBBox(addr.X, addr.Y, addr.Z)))
		return nil
	})
}

func boundString(b orb.Bound) string {
	return fmt.Sprintf("[%.6f %.6f %.6f %.6f]", b.Min[0], b.Min[1], b.Max[0], b.Max[1])
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
