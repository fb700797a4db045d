package report

import (
	"bytes"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sourcefit/internal/fit"
	"sourcefit/internal/group"
)

func sample() *File {
	f := New("field-7")
	f.Add(&group.Outcome{
		GroupID: "g2",
		Status:  fit.StatusConverged,
		Flags:   fit.FlagBroyden,
		Elapsed: 1500 * time.Millisecond,
		Sources: []group.SourceResult{{
			ID: "s1",
			Bands: map[string][]group.Estimate{
				"r": {{Name: "x", Value: 10.5, Sigma: 0.01}, {Name: "flux", Value: 812, Sigma: math.NaN()}},
			},
		}},
	})
	f.Add(&group.Outcome{GroupID: "g1", Status: fit.StatusFailed, Err: errors.New("panic: boom")})
	return f
}

func TestRoundTripFormats(t *testing.T) {
	for _, name := range []string{"out.json", "out.json.gz", "out.msgpack", "out.mpk.gz"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			want := sample()
			require.NoError(t, want.Save(path))

			got, err := Load(path)
			require.NoError(t, err)
			assert.Equal(t, want.Name, got.Name)
			assert.True(t, want.Created.Equal(got.Created))
			require.Len(t, got.Groups, 2)

			g := got.Groups[0]
			assert.Equal(t, "g2", g.ID)
			assert.Equal(t, "converged", g.Status)
			assert.Equal(t, "broyden", g.Flags)
			assert.Equal(t, 1500*time.Millisecond, g.Elapsed)
			vals := g.Sources[0].Bands["r"]
			require.Len(t, vals, 2)
			assert.Equal(t, Float(10.5), vals[0].Value)
			assert.True(t, math.IsNaN(float64(vals[1].Sigma)))

			assert.Equal(t, "panic: boom", got.Groups[1].Error)
			assert.True(t, math.IsNaN(float64(got.Groups[1].Loss)))
		})
	}
}

func TestJSONWritesNullForNaN(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, sample().Encode(&buf, "x.json"))
	assert.Contains(t, buf.String(), `"sigma": null`)
	assert.NotContains(t, buf.String(), "NaN")
}

func TestSortAndPaths(t *testing.T) {
	f := sample()
	f.Sort()
	assert.Equal(t, "g1", f.Groups[0].ID)

	dir := t.TempDir()
	reportPath := filepath.Join(dir, "run", "report.json")
	f.SetCheckImage(reportPath, 1, "r", filepath.Join(dir, "run", "img", "g2_r.tiff"))
	assert.Equal(t, filepath.Join("img", "g2_r.tiff"), f.Groups[1].CheckImages["r"])
	assert.Equal(t, filepath.Join(dir, "run", "img", "g2_r.tiff"), f.CheckImagePath(reportPath, 1, "r"))
	assert.Equal(t, "", f.CheckImagePath(reportPath, 0, "r"))

	f.SetConfig(reportPath, filepath.Join(dir, "engine.toml"))
	assert.Equal(t, filepath.Join("..", "engine.toml"), f.ConfigPath)
}

func TestUnknownFormat(t *testing.T) {
	var buf bytes.Buffer
	assert.ErrorIs(t, sample().Encode(&buf, "report.xml"), ErrFormat)
	_, err := Decode(&buf, "report.txt.gz")
	assert.ErrorIs(t, err, ErrFormat)
}

func TestNewerVersionRejected(t *testing.T) {
	f := sample()
	f.Version = FormatVersion + 1
	var buf bytes.Buffer
	require.NoError(t, f.Encode(&buf, "r.json"))
	_, err := Decode(&buf, "r.json")
	assert.Error(t, err)
}
