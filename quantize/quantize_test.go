package quantize

import (
	"math"
	"math/rand"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsUnsupportedCombinations(t *testing.T) {
	_, err := New(4, SchemeInt8, dtypes.Float16, false)
	require.ErrorContains(t, err, "4-bit quantization requires")

	_, err = New(8, SchemeNF4, dtypes.Float16, false)
	require.ErrorContains(t, err, "8-bit quantization requires")

	_, err = New(3, SchemeNF4, dtypes.Float16, false)
	require.ErrorContains(t, err, "unsupported quantization bit-width")

	_, err = New(4, SchemeNF4, dtypes.Int32, false)
	require.ErrorContains(t, err, "unsupported compute dtype")

	cfg, err := New(4, SchemeNF4, dtypes.Float16, false)
	require.NoError(t, err)
	assert.Equal(t, DefaultBlockSize, cfg.BlockSize)
	assert.Equal(t, dtypes.Float16, cfg.ScaleDType())

	cfg, err = New(4, SchemeFP4, dtypes.BFloat16, true)
	require.NoError(t, err)
	assert.Equal(t, dtypes.Float32, cfg.ScaleDType())
}

func TestQuantizeShapeMismatch(t *testing.T) {
	cfg, err := New(4, SchemeNF4, dtypes.Float32, false)
	require.NoError(t, err)
	_, err = Quantize(cfg, make([]float32, 10), 3, 4)
	require.ErrorContains(t, err, "12 elements, got 10")
}

// Codebook values scaled by the block absmax must survive the round trip exactly.
func TestNF4CodebookIsExact(t *testing.T) {
	cfg, err := New(4, SchemeNF4, dtypes.Float32, false)
	require.NoError(t, err)

	flat := make([]float32, DefaultBlockSize)
	const scale = float32(0.125)
	for i := range flat {
		flat[i] = nf4Codebook[i%16] * scale
	}
	q, err := Quantize(cfg, flat, DefaultBlockSize)
	require.NoError(t, err)
	require.Equal(t, DefaultBlockSize/2, len(q.Packed))

	back := q.Dequantize()
	for i := range flat {
		assert.InDelta(t, flat[i], back[i], 1e-6, "element %d", i)
	}
}

func TestPackedNibbleOrder(t *testing.T) {
	cfg, err := New(4, SchemeNF4, dtypes.Float32, false)
	require.NoError(t, err)
	cfg.BlockSize = 2

	// -1 and +1 are codebook entries 0 and 15: even element goes to the low nibble.
	q, err := Quantize(cfg, []float32{-1, 1}, 2)
	require.NoError(t, err)
	require.Equal(t, []uint8{0x0F<<4 | 0x00}, q.Packed)
}

func TestRoundTripError(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	flat := make([]float32, 1024)
	for i := range flat {
		flat[i] = float32(rng.NormFloat64()) * 0.02
	}

	for _, scheme := range []Scheme{SchemeNF4, SchemeFP4} {
		cfg, err := New(4, scheme, dtypes.Float32, false)
		require.NoError(t, err)
		q, err := Quantize(cfg, flat, 32, 32)
		require.NoError(t, err)
		back := q.Dequantize()
		require.Equal(t, len(flat), len(back))
		var sumSq float64
		for i := range flat {
			d := float64(flat[i] - back[i])
			sumSq += d * d
			// Per-element error is bounded by the block absmax times the largest
			// codebook gap (< 0.35 for FP4).
			assert.Less(t, math.Abs(d), 0.35*0.1)
		}
		rmse := math.Sqrt(sumSq / float64(len(flat)))
		assert.Less(t, rmse, 0.01, "scheme %s", scheme)
	}
}

func TestInt8RoundTrip(t *testing.T) {
	cfg, err := New(8, SchemeInt8, dtypes.Float32, false)
	require.NoError(t, err)
	flat := []float32{-0.5, 0, 0.25, 0.5}
	cfg.BlockSize = 4
	q, err := Quantize(cfg, flat, 4)
	require.NoError(t, err)
	back := q.Dequantize()
	for i := range flat {
		assert.InDelta(t, flat[i], back[i], 0.5/127+1e-6)
	}
}

func TestDoubleQuantScales(t *testing.T) {
	cfg, err := New(4, SchemeNF4, dtypes.Float16, true)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	flat := make([]float32, 300*DefaultBlockSize) // 300 blocks: forces group padding.
	for i := range flat {
		flat[i] = float32(rng.NormFloat64())
	}
	q, err := Quantize(cfg, flat, len(flat))
	require.NoError(t, err)
	require.Nil(t, q.Scales)
	require.Equal(t, 2*scaleGroupSize, len(q.ScalesQ))
	require.Equal(t, 2, len(q.GroupScales))

	// Double-quantized scales lose at most 1/127 of the group absmax each.
	direct, err := Quantize(Config{Bits: 4, Scheme: SchemeNF4, ComputeDType: dtypes.Float16, BlockSize: DefaultBlockSize}, flat, len(flat))
	require.NoError(t, err)
	wantScales := direct.Scales
	gotScales := q.blockScales()
	for b := range wantScales {
		assert.InDelta(t, wantScales[b], gotScales[b], float64(q.GroupScales[b/scaleGroupSize])+1e-6)
	}
}

func TestTensorsDTypes(t *testing.T) {
	flat := make([]float32, DefaultBlockSize)
	for i := range flat {
		flat[i] = float32(i) / DefaultBlockSize
	}

	cfg, err := New(4, SchemeNF4, dtypes.Float16, false)
	require.NoError(t, err)
	q, err := Quantize(cfg, flat, DefaultBlockSize)
	require.NoError(t, err)
	packed, scales, groupScales := q.Tensors()
	assert.Equal(t, dtypes.Uint8, packed.DType())
	assert.Equal(t, dtypes.Float16, scales.DType())
	assert.Nil(t, groupScales)

	cfg, err = New(8, SchemeInt8, dtypes.Float32, false)
	require.NoError(t, err)
	q, err = Quantize(cfg, flat, DefaultBlockSize)
	require.NoError(t, err)
	packed, scales, _ = q.Tensors()
	assert.Equal(t, dtypes.Int8, packed.DType())
	assert.Equal(t, dtypes.Float32, scales.DType())
}
