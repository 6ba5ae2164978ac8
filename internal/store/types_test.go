package store

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpoint_JSONFieldNames(t *testing.T) {
	cp := createTestCheckpoint("json-job")

	data, err := json.Marshal(cp)
	require.NoError(t, err)

	for _, key := range []string{`"jobId"`, `"coefficients"`, `"geometry"`, `"cdims"`, `"voxPerRgn"`, `"numVox"`, `"initialScore"`, `"config"`} {
		assert.True(t, strings.Contains(string(data), key), "missing %s", key)
	}

	var back Checkpoint
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, cp.Coefficients, back.Coefficients)
	assert.Equal(t, cp.Config, back.Config)
}

func TestCheckpoint_Validate(t *testing.T) {
	require.NoError(t, createTestCheckpoint("ok").Validate())

	tests := []struct {
		name   string
		field  string
		mutate func(c *Checkpoint)
	}{
		{"empty job id", "JobID", func(c *Checkpoint) { c.JobID = "" }},
		{"nil coefficients", "Coefficients", func(c *Checkpoint) { c.Coefficients = nil }},
		{"negative stage", "Stage", func(c *Checkpoint) { c.Stage = -1 }},
		{"negative score", "Score", func(c *Checkpoint) { c.Score = -0.5 }},
		{"negative numvox", "NumVox", func(c *Checkpoint) { c.NumVox = -1 }},
		{"zero timestamp", "Timestamp", func(c *Checkpoint) { c.Timestamp = time.Time{} }},
		{"tiny grid", "Geometry.CDims", func(c *Checkpoint) { c.Geometry.CDims[1] = 3 }},
		{"length mismatch", "Coefficients", func(c *Checkpoint) { c.Coefficients = c.Coefficients[:6] }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp := createTestCheckpoint("job")
			tt.mutate(cp)

			err := cp.Validate()
			var ve *ValidationError
			require.True(t, errors.As(err, &ve), "expected ValidationError, got %v", err)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestCheckpoint_IsCompatible(t *testing.T) {
	cp := createTestCheckpoint("job")
	assert.NoError(t, cp.IsCompatible(cp.Geometry))

	other := cp.Geometry
	other.LUT = "separable"
	other.Origin = [3]float64{1, 2, 3}
	assert.NoError(t, cp.IsCompatible(other), "LUT strategy and origin do not change the coefficient layout")

	other = cp.Geometry
	other.VoxPerRgn = [3]int{6, 12, 8}
	err := cp.IsCompatible(other)
	var ce *CompatibilityError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "VoxPerRgn", ce.Field)
	assert.Contains(t, ce.Error(), "[12 12 8]")
}

func TestCheckpointInfo(t *testing.T) {
	cp := createTestCheckpoint("info")
	info := cp.ToInfo()

	assert.Equal(t, "info", info.JobID)
	assert.Equal(t, 1, info.Stage)
	assert.Equal(t, len(cp.Coefficients), info.NumCoeff)
	assert.Equal(t, "parallel", info.Backend)
	assert.Equal(t, "lbfgs", info.Optimizer)
	assert.InDelta(t, 1234.5/2304, info.MSE(), 1e-12)
	assert.Zero(t, CheckpointInfo{Score: 3}.MSE())
}
