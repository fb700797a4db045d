// Command sersictest renders Sersic profiles through the PSF pipeline,
// checks their half-light radius and fits one of them back.
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"strings"

	"sourcefit/internal/fit"
	"sourcefit/internal/group"
	"sourcefit/internal/image"
	"sourcefit/internal/model"
	"sourcefit/internal/param"
	"sourcefit/internal/psf"
	"sourcefit/internal/render"
	"sourcefit/pkg/raster"
)

func sersic(name string, free bool, x, y, flux, re, n float64) (*model.Sersic, error) {
	mk := func(field string, v float64, r param.Range) *param.Parameter {
		if !free {
			return param.MustConstant(name+"."+field, v)
		}
		p, err := param.NewFree(name+"."+field, v, r)
		if err != nil {
			panic(err)
		}
		return p
	}
	return model.NewSersic(name, model.SersicParams{
		X:      mk("x", x, param.Unbounded()),
		Y:      mk("y", y, param.Unbounded()),
		Flux:   mk("flux", flux, param.Above(0)),
		Radius: mk("radius", re, param.LogBetween(0.05, 500)),
		Index:  mk("index", n, param.Between(0.3, 8)),
	})
}

func renderTruth(m model.Model, meas *image.Measurement) (*raster.Raster, int, error) {
	r, err := render.New(m, meas, render.DefaultOptions())
	if err != nil {
		return nil, 0, err
	}
	s, err := param.NewSpace(m.Parameters())
	if err != nil {
		return nil, 0, err
	}
	img, err := r.Render(s.NewEvaluator())
	return img, r.Factor(), err
}

// withinRadius returns the fraction of img's flux inside radius of (cx, cy).
func withinRadius(img *raster.Raster, cx, cy, radius float64) float64 {
	in := 0.0
	for y := 0; y < img.Height; y++ {
		for x := 0; x < img.Width; x++ {
			if math.Hypot(float64(x)-cx, float64(y)-cy) <= radius {
				in += img.At(x, y)
			}
		}
	}
	return in / img.Sum()
}

func main() {
	index := flag.Float64("n", 2.5, "Sersic index of the profile fitted back")
	radius := flag.Float64("radius", 4, "Effective radius in pixels")
	flux := flag.Float64("flux", 5000, "Total flux")
	size := flag.Int("size", 64, "Image size in pixels")
	fwhm := flag.Float64("fwhm", 0, "Gaussian PSF FWHM in pixels (0 renders without PSF blur)")
	tiffPath := flag.String("tiff", "", "Write the rendered profile as a 16-bit TIFF")
	flag.Parse()

	if *radius <= 0 || *size < 8 {
		fmt.Println("Usage: sersictest [-n 2.5] [-radius 4] [-flux 5000] [-size 64] [-fwhm 0] [-tiff out.tiff]")
		os.Exit(1)
	}

	sigma := *fwhm / (2 * math.Sqrt(2*math.Ln2))
	if sigma <= 0 {
		// A very narrow PSF approximates none.
		sigma = 0.05
	}
	kernel, err := psf.Gaussian(sigma, 1)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build PSF: %v\n", err)
		os.Exit(1)
	}
	newFrame := func() *image.Measurement {
		v := raster.New(*size, *size)
		v.Fill(1)
		m, err := image.New("test", raster.New(*size, *size), v, kernel)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to build frame: %v\n", err)
			os.Exit(1)
		}
		return m
	}

	c := float64(*size)/2 - 0.5
	fmt.Printf("Image: %dx%d, Re %.2f px, PSF sigma %.2f px\n", *size, *size, *radius, sigma)
	fmt.Printf("\n%-8s %10s %10s %10s %8s\n", "n", "b_n", "Flux", "F(<Re)", "Factor")
	fmt.Println(strings.Repeat("-", 50))
	for _, n := range []float64{0.5, 1, 2, 4, 6, *index} {
		m, err := sersic("s", false, c, c, *flux, *radius, n)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to build model: %v\n", err)
			os.Exit(1)
		}
		img, factor, err := renderTruth(m, newFrame())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Render failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%-8.2f %10.4f %10.1f %10.3f %8d\n",
			n, model.SersicB(n), img.Sum(), withinRadius(img, c, c, *radius), factor)
	}

	// Fit the chosen profile back from a perturbed start.
	truth, _ := sersic("truth", false, c+0.3, c-0.2, *flux, *radius, *index)
	frame := newFrame()
	img, _, err := renderTruth(truth, frame)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Render failed: %v\n", err)
		os.Exit(1)
	}
	frame.Pixels = img
	if *tiffPath != "" {
		if err := image.WriteGray16TIFF(*tiffPath, img, 0, 0); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write TIFF: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("\nWrote %s\n", *tiffPath)
	}

	guess, err := sersic("fit", true, c, c, 0.7*(*flux), 1.3*(*radius), 2)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build model: %v\n", err)
		os.Exit(1)
	}
	g := &group.Group{
		ID:      "sersictest",
		Sources: []group.Source{{ID: "fit", Models: map[string]model.Model{"test": guess}}},
		Frames:  []*image.Measurement{frame},
	}
	fmt.Printf("\nFitting n=%.2f...\n", *index)
	out := group.Fit(context.Background(), g, group.DefaultOptions())
	if out.Status == fit.StatusFailed {
		fmt.Fprintf(os.Stderr, "Fit failed: %v\n", out.Err)
		os.Exit(1)
	}
	res := out.Result
	fmt.Printf("Status: %s (%d iterations, %s)\n", out.Status, res.Iterations, out.Elapsed)
	if res.Flags != 0 {
		fmt.Printf("Flags: %s\n", res.Flags)
	}
	want := map[string]float64{
		"fit.x": c + 0.3, "fit.y": c - 0.2, "fit.flux": *flux, "fit.radius": *radius, "fit.index": *index,
	}
	fmt.Printf("\n%-12s %12s %12s %12s\n", "Parameter", "Truth", "Fitted", "Error")
	fmt.Println(strings.Repeat("-", 52))
	for _, p := range res.Free {
		v := res.Value(p)
		fmt.Printf("%-12s %12.4f %12.4f %12.2e\n", p.Name(), want[p.Name()], v, v-want[p.Name()])
	}
}
