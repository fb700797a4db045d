// Package scene reads the HCL scene files of the command-line tools: a set of
// synthetic frames, the true sources drawn into them and the starting
// guesses the fit begins from.
//
//	seed = 7
//
//	frame "r" {
//	  width    = 48
//	  height   = 48
//	  psf_fwhm = 2.5
//	  noise    = 1
//	}
//
//	source "gal" {
//	  kind   = "sersic"
//	  x      = 24.3
//	  y      = 23.6
//	  radius = 3
//	  index  = 1.5
//	  flux   = { r = 1500 }
//	  guess {
//	    radius = 2
//	  }
//	}
package scene

import (
	"fmt"
	"math"
	"os"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
)

// File is the decoded scene file.
type File struct {
	Seed    *int64             `hcl:"seed,optional"`
	Sky     map[string]float64 `hcl:"sky,optional"`
	Frames  []FrameBlock       `hcl:"frame,block"`
	Sources []SourceBlock      `hcl:"source,block"`
	Groups  []GroupBlock       `hcl:"group,block"`
	Priors  []PriorBlock       `hcl:"prior,block"`
}

// FrameBlock describes one synthetic image.
type FrameBlock struct {
	Band   string `hcl:"band,label"`
	Width  int    `hcl:"width"`
	Height int    `hcl:"height"`
	// PSF: a Gaussian of the given FWHM, or a Moffat when MoffatBeta is set.
	PSFFWHM     float64  `hcl:"psf_fwhm"`
	MoffatBeta  *float64 `hcl:"moffat_beta,optional"`
	PSFSampling *float64 `hcl:"psf_sampling,optional"`
	Noise       float64  `hcl:"noise"`
	Background  *float64 `hcl:"background,optional"`
	Gain        *float64 `hcl:"gain,optional"`
	// Scene-to-pixel mapping: pixel = R(rotation)*scene*scale + offset.
	Scale    *float64 `hcl:"scale,optional"`
	Rotation *float64 `hcl:"rotation,optional"`
	OffsetX  *float64 `hcl:"offset_x,optional"`
	OffsetY  *float64 `hcl:"offset_y,optional"`
}

// SourceBlock is one true source and how its fit starts.
type SourceBlock struct {
	ID          string             `hcl:"id,label"`
	Kind        string             `hcl:"kind"`
	X           float64            `hcl:"x"`
	Y           float64            `hcl:"y"`
	Flux        map[string]float64 `hcl:"flux"`
	Radius      *float64           `hcl:"radius,optional"`
	Index       *float64           `hcl:"index,optional"`
	Ellipticity *float64           `hcl:"ellipticity,optional"`
	Angle       *float64           `hcl:"angle,optional"`
	Fix         []string           `hcl:"fix,optional"`
	Guess       *GuessBlock        `hcl:"guess,block"`
}

// GuessBlock overrides the starting values; anything unset starts from a
// perturbed truth.
type GuessBlock struct {
	X           *float64 `hcl:"x,optional"`
	Y           *float64 `hcl:"y,optional"`
	FluxScale   *float64 `hcl:"flux_scale,optional"`
	Radius      *float64 `hcl:"radius,optional"`
	Index       *float64 `hcl:"index,optional"`
	Ellipticity *float64 `hcl:"ellipticity,optional"`
	Angle       *float64 `hcl:"angle,optional"`
}

// GroupBlock fits the named sources together. Sources in no group are
// fitted alone.
type GroupBlock struct {
	ID      string   `hcl:"id,label"`
	Sources []string `hcl:"sources"`
}

// PriorBlock attaches a prior to a fitted parameter named
// "<source>.<parameter>".
type PriorBlock struct {
	Kind      string   `hcl:"kind,label"`
	Parameter string   `hcl:"parameter,label"`
	Reference *float64 `hcl:"reference,optional"`
	Strength  *float64 `hcl:"strength,optional"`
	Sigma     *float64 `hcl:"sigma,optional"`
}

// evalContext exposes a few numeric helpers to scene expressions.
func evalContext() *hcl.EvalContext {
	fwhmToSigma := function.New(&function.Spec{
		Params: []function.Parameter{{Name: "fwhm", Type: cty.Number}},
		Type:   function.StaticReturnType(cty.Number),
		Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
			f, _ := args[0].AsBigFloat().Float64()
			return cty.NumberFloatVal(f / (2 * math.Sqrt(2*math.Ln2))), nil
		},
	})
	deg := function.New(&function.Spec{
		Params: []function.Parameter{{Name: "degrees", Type: cty.Number}},
		Type:   function.StaticReturnType(cty.Number),
		Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
			d, _ := args[0].AsBigFloat().Float64()
			return cty.NumberFloatVal(d * math.Pi / 180), nil
		},
	})
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"pi": cty.NumberFloatVal(math.Pi),
		},
		Functions: map[string]function.Function{
			"abs":           stdlib.AbsoluteFunc,
			"ceil":          stdlib.CeilFunc,
			"floor":         stdlib.FloorFunc,
			"log":           stdlib.LogFunc,
			"max":           stdlib.MaxFunc,
			"min":           stdlib.MinFunc,
			"pow":           stdlib.PowFunc,
			"fwhm_to_sigma": fwhmToSigma,
			"radians":       deg,
		},
	}
}

// Parse decodes a scene from HCL source; filename is used in diagnostics.
func Parse(src []byte, filename string) (*File, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse scene %s: %s", filename, diags.Error())
	}
	var f File
	if diags := gohcl.DecodeBody(file.Body, evalContext(), &f); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode scene %s: %s", filename, diags.Error())
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("scene %s: %w", filename, err)
	}
	return &f, nil
}

// Load reads and decodes a scene file.
func Load(path string) (*File, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scene: %w", err)
	}
	return Parse(src, path)
}

// Validate checks references and ranges.
func (f *File) Validate() error {
	if len(f.Frames) == 0 {
		return fmt.Errorf("no frame declared")
	}
	bands := make(map[string]bool)
	for _, fr := range f.Frames {
		if fr.Width < 1 || fr.Height < 1 {
			return fmt.Errorf("frame %q: size %dx%d", fr.Band, fr.Width, fr.Height)
		}
		if !(fr.PSFFWHM > 0) || !(fr.Noise > 0) {
			return fmt.Errorf("frame %q: psf_fwhm and noise must be > 0", fr.Band)
		}
		bands[fr.Band] = true
	}
	ids := make(map[string]bool)
	for _, s := range f.Sources {
		if ids[s.ID] {
			return fmt.Errorf("source %q declared twice", s.ID)
		}
		ids[s.ID] = true
		switch s.Kind {
		case KindPoint, KindSersic, KindExponential, KindDeVaucouleurs:
		default:
			return fmt.Errorf("source %q: unknown kind %q", s.ID, s.Kind)
		}
		for band := range s.Flux {
			if !bands[band] {
				return fmt.Errorf("source %q: flux for unknown band %q", s.ID, band)
			}
		}
	}
	grouped := make(map[string]string)
	for _, g := range f.Groups {
		for _, id := range g.Sources {
			if !ids[id] {
				return fmt.Errorf("group %q: unknown source %q", g.ID, id)
			}
			if prev, ok := grouped[id]; ok {
				return fmt.Errorf("source %q in groups %q and %q", id, prev, g.ID)
			}
			grouped[id] = g.ID
		}
	}
	for _, p := range f.Priors {
		switch p.Kind {
		case "tikhonov", "gaussian":
		default:
			return fmt.Errorf("prior on %q: unknown kind %q", p.Parameter, p.Kind)
		}
	}
	return nil
}
