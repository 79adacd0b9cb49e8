package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dunamismax/roiflow/internal/operation"
	"github.com/dunamismax/roiflow/internal/raster"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDocument = `{
  "roi": {"x": 1, "y": 2, "width": 3, "height": 4},
  "operations": [
    {"type": "brightness", "parameters": {"factor": 1.5, "label": "ignored", "gone": null}},
    {"type": "blur", "parameters": {"kernel_size": 5, "sigma": 1.0}, "roi": {"x": 0, "y": 0, "width": 8, "height": 8}},
    {"type": "crop"}
  ],
  "input_image": "in.png",
  "output_image": "out.png"
}`

func TestParse(t *testing.T) {
	d, err := Parse([]byte(sampleDocument))
	require.NoError(t, err)

	assert.Equal(t, raster.NewROI(1, 2, 3, 4), d.DefaultROI)
	assert.Equal(t, "in.png", d.InputPath)
	assert.Equal(t, "out.png", d.OutputPath)
	require.Len(t, d.Steps, 3)

	assert.Equal(t, "brightness", d.Steps[0].Type)
	assert.Equal(t, operation.Params{"factor": 1.5}, d.Steps[0].Params)
	assert.True(t, d.Steps[0].ROI.IsFullImage())

	assert.Equal(t, raster.NewROI(0, 0, 8, 8), d.Steps[1].ROI)
	assert.Empty(t, d.Steps[2].Params)
}

func TestParseDefaultsToFullImage(t *testing.T) {
	d, err := Parse([]byte(`{"operations": [{"type": "crop"}]}`))
	require.NoError(t, err)
	assert.True(t, d.DefaultROI.IsFullImage())
	assert.Empty(t, d.InputPath)
}

func TestParseMalformed(t *testing.T) {
	tests := map[string]string{
		"not json":           `{`,
		"missing operations": `{"roi": {"x": 0}}`,
		"operations object":  `{"operations": {"type": "blur"}}`,
		"null operations":    `{"operations": null}`,
		"step without type":  `{"operations": [{"parameters": {}}]}`,
		"numeric type":       `{"operations": [{"type": 4}]}`,
		"negative roi":       `{"roi": {"x": -1, "width": 2, "height": 2}, "operations": []}`,
		"half roi":           `{"operations": [{"type": "blur", "roi": {"width": 2}}]}`,
		"input not string":   `{"operations": [], "input_image": 3}`,
	}

	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedDescription), "got %v", err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleDocument), 0o644))

	d, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, d.Steps, 3)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestResolveROI(t *testing.T) {
	def := raster.NewROI(1, 1, 5, 5)

	assert.Equal(t, def, Step{}.ResolveROI(def))
	assert.Equal(t, raster.NewROI(0, 0, 2, 2), Step{ROI: raster.NewROI(0, 0, 2, 2)}.ResolveROI(def))
	assert.True(t, Step{}.ResolveROI(raster.FullImage).IsFullImage())
}

func TestValidate(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		err := Description{}.Validate(operation.Default, false)
		assert.True(t, errors.Is(err, ErrEmptyPipeline))
		assert.NoError(t, Description{}.Validate(operation.Default, true))
	})

	t.Run("valid", func(t *testing.T) {
		d, err := Parse([]byte(sampleDocument))
		require.NoError(t, err)
		assert.NoError(t, d.Validate(operation.Default, false))
	})

	t.Run("collects problems in order", func(t *testing.T) {
		d := Description{Steps: []Step{
			{Type: "brightness"},
			{Type: "posterize"},
			{Type: "blur", Params: operation.Params{"kernel_size": 5}},
			{Type: "contrast", Params: operation.Params{"factor": 40}},
		}}

		err := d.Validate(operation.Default, false)
		require.Error(t, err)

		var verr *ValidationError
		require.True(t, errors.As(err, &verr))
		require.Len(t, verr.Problems, 3)

		indexes := make([]int, 0, len(verr.Problems))
		for _, p := range verr.Problems {
			var se *StepError
			require.True(t, errors.As(p, &se))
			indexes = append(indexes, se.Index)
		}
		assert.Equal(t, []int{0, 1, 2}, indexes)

		assert.True(t, errors.Is(err, operation.ErrUnknownOperationType))
		assert.True(t, errors.Is(err, ErrMalformedDescription))
		assert.Contains(t, err.Error(), "requires parameter factor")
		assert.Contains(t, err.Error(), "requires parameter sigma")
	})
}
