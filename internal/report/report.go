// Package report persists fit outcomes. A report is JSON or MessagePack,
// chosen by file extension, optionally gzip-compressed (".json.gz").
package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/vmihailenco/msgpack/v5"

	"sourcefit/internal/group"
	"sourcefit/internal/version"
)

// FormatVersion is bumped when the file layout changes incompatibly.
const FormatVersion = 1

// ErrFormat is returned for extensions that name no known encoding.
var ErrFormat = errors.New("unknown report format")

// File is a saved set of group outcomes.
type File struct {
	Version  int       `json:"version" msgpack:"version"`
	Name     string    `json:"name" msgpack:"name"`
	Tool     string    `json:"tool" msgpack:"tool"`
	Created  time.Time `json:"created" msgpack:"created"`
	Modified time.Time `json:"modified" msgpack:"modified"`

	// ConfigPath is the engine configuration used, relative to the report.
	ConfigPath string `json:"config,omitempty" msgpack:"config,omitempty"`

	Groups []Group `json:"groups" msgpack:"groups"`
}

// Group is the serialized form of a group.Outcome.
type Group struct {
	ID               string        `json:"id" msgpack:"id"`
	Status           string        `json:"status" msgpack:"status"`
	Flags            string        `json:"flags,omitempty" msgpack:"flags,omitempty"`
	Error            string        `json:"error,omitempty" msgpack:"error,omitempty"`
	Iterations       int           `json:"iterations" msgpack:"iterations"`
	Loss             Float         `json:"loss" msgpack:"loss"`
	ReducedChiSquare Float         `json:"reduced_chi2" msgpack:"reduced_chi2"`
	DataPoints       int           `json:"data_points" msgpack:"data_points"`
	Elapsed          time.Duration `json:"elapsed_ns" msgpack:"elapsed_ns"`
	Sources          []Source      `json:"sources" msgpack:"sources"`

	// CheckImages maps a band to its residual image, relative to the report.
	CheckImages map[string]string `json:"check_images,omitempty" msgpack:"check_images,omitempty"`
}

// Source holds the estimates of one source per band.
type Source struct {
	ID    string             `json:"id" msgpack:"id"`
	Bands map[string][]Value `json:"bands" msgpack:"bands"`
}

// Value is one fitted parameter.
type Value struct {
	Name  string `json:"name" msgpack:"name"`
	Value Float  `json:"value" msgpack:"value"`
	Sigma Float  `json:"sigma" msgpack:"sigma"`
}

// Float is a float64 that survives JSON when it is not finite: NaN and
// infinities are written as null and read back as NaN.
type Float float64

func (f Float) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

func (f *Float) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = Float(math.NaN())
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = Float(v)
	return nil
}

// New creates an empty report.
func New(name string) *File {
	now := time.Now().UTC()
	return &File{
		Version:  FormatVersion,
		Name:     name,
		Tool:     "sourcefit " + version.Version,
		Created:  now,
		Modified: now,
	}
}

// Add appends an outcome. Bands and sources keep a stable order so that
// reports of identical runs compare equal.
func (f *File) Add(o *group.Outcome) {
	g := Group{
		ID:               o.GroupID,
		Status:           o.Status.String(),
		Flags:            o.Flags.String(),
		Loss:             Float(math.NaN()),
		ReducedChiSquare: Float(math.NaN()),
		Elapsed:          o.Elapsed,
	}
	if o.Err != nil {
		g.Error = o.Err.Error()
	}
	if r := o.Result; r != nil {
		g.Iterations = r.Iterations
		g.Loss = Float(r.Loss)
		g.ReducedChiSquare = Float(r.ReducedChiSquare)
		g.DataPoints = r.DataPoints
	}
	for _, s := range o.Sources {
		src := Source{ID: s.ID, Bands: make(map[string][]Value, len(s.Bands))}
		for band, est := range s.Bands {
			vals := make([]Value, len(est))
			for i, e := range est {
				vals[i] = Value{Name: e.Name, Value: Float(e.Value), Sigma: Float(e.Sigma)}
			}
			src.Bands[band] = vals
		}
		g.Sources = append(g.Sources, src)
	}
	f.Groups = append(f.Groups, g)
	f.Modified = time.Now().UTC()
}

// Sort orders groups by ID.
func (f *File) Sort() {
	sort.SliceStable(f.Groups, func(i, j int) bool { return f.Groups[i].ID < f.Groups[j].ID })
}

// SetConfig records the configuration path relative to the report.
func (f *File) SetConfig(reportPath, configPath string) {
	f.ConfigPath = relative(reportPath, configPath)
}

// SetCheckImage records the residual image of one band of group i.
func (f *File) SetCheckImage(reportPath string, i int, band, imagePath string) {
	g := &f.Groups[i]
	if g.CheckImages == nil {
		g.CheckImages = make(map[string]string)
	}
	g.CheckImages[band] = relative(reportPath, imagePath)
}

// CheckImagePath resolves a recorded check image against the report path.
func (f *File) CheckImagePath(reportPath string, i int, band string) string {
	p, ok := f.Groups[i].CheckImages[band]
	if !ok || p == "" {
		return ""
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(filepath.Dir(reportPath), p)
}

func relative(reportPath, path string) string {
	rel, err := filepath.Rel(filepath.Dir(reportPath), path)
	if err != nil {
		return path
	}
	return rel
}

type format struct {
	msgpack bool
	gzip    bool
}

func formatOf(path string) (format, error) {
	name := strings.ToLower(filepath.Base(path))
	var f format
	if strings.HasSuffix(name, ".gz") {
		f.gzip = true
		name = strings.TrimSuffix(name, ".gz")
	}
	switch filepath.Ext(name) {
	case ".json":
	case ".msgpack", ".mpk":
		f.msgpack = true
	default:
		return f, fmt.Errorf("%w: %s", ErrFormat, path)
	}
	return f, nil
}

// Encode writes f to w in the format implied by path.
func (f *File) Encode(w io.Writer, path string) error {
	ft, err := formatOf(path)
	if err != nil {
		return err
	}
	var zw *gzip.Writer
	if ft.gzip {
		zw = gzip.NewWriter(w)
		w = zw
	}
	if ft.msgpack {
		enc := msgpack.NewEncoder(w)
		enc.SetSortMapKeys(true)
		err = enc.Encode(f)
	} else {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		err = enc.Encode(f)
	}
	if err != nil {
		return err
	}
	if zw != nil {
		return zw.Close()
	}
	return nil
}

// Decode reads a report in the format implied by path.
func Decode(r io.Reader, path string) (*File, error) {
	ft, err := formatOf(path)
	if err != nil {
		return nil, err
	}
	if ft.gzip {
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	}
	var f File
	if ft.msgpack {
		err = msgpack.NewDecoder(r).Decode(&f)
	} else {
		err = json.NewDecoder(r).Decode(&f)
	}
	if err != nil {
		return nil, err
	}
	if f.Version > FormatVersion {
		return nil, fmt.Errorf("report version %d is newer than supported %d", f.Version, FormatVersion)
	}
	return &f, nil
}

// Load reads a report file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f, err := Decode(bytes.NewReader(data), path)
	if err != nil {
		return nil, fmt.Errorf("report %s: %w", path, err)
	}
	return f, nil
}

// Save writes the report to path.
func (f *File) Save(path string) error {
	var buf bytes.Buffer
	if err := f.Encode(&buf, path); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0644)
}
