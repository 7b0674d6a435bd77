// Package quantize implements blockwise low-bit quantization of weight tensors.
//
// Weights are split into fixed-size blocks, each block is scaled by its absolute
// maximum and every value is snapped to the nearest entry of a 16-value codebook
// (NF4 or FP4) packed two values per byte, or kept as a signed byte (Int8).
//
// The package keeps two synchronized implementations of dequantization: a pure Go
// one (reference, used by tests and by tooling that needs the weights back on the
// host) and a graph one (used by the model forward pass, so the packed weights
// live on the accelerator and are expanded on the fly).
package quantize

import (
	"math"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/types/xslices"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Scheme selects the codebook used for 4-bit quantization, or Int8.
type Scheme int

const (
	SchemeUnknown Scheme = iota
	SchemeNF4
	SchemeFP4
	SchemeInt8
)

// String returns the tag used in configs and adapter metadata ("nf4", "fp4", "int8").
func (s Scheme) String() string {
	switch s {
	case SchemeNF4:
		return "nf4"
	case SchemeFP4:
		return "fp4"
	case SchemeInt8:
		return "int8"
	}
	return "unknown"
}

// SchemeFromString parses the scheme tags accepted in configuration.
func SchemeFromString(tag string) (Scheme, error) {
	switch tag {
	case "nf4":
		return SchemeNF4, nil
	case "fp4":
		return SchemeFP4, nil
	case "int8":
		return SchemeInt8, nil
	}
	return SchemeUnknown, errors.Errorf("unknown quantization scheme %q", tag)
}

const (
	// DefaultBlockSize is the number of weights sharing one absmax scale.
	DefaultBlockSize = 64

	// scaleGroupSize is the number of block scales sharing one group scale when
	// double quantization is enabled.
	scaleGroupSize = 256
)

// Config bundles the quantization options applied when loading base weights.
// It is immutable after construction; build it with New so that unsupported
// combinations are rejected up-front rather than deep inside the model loader.
type Config struct {
	// Bits per weight: 4 (NF4/FP4) or 8 (Int8).
	Bits int

	// Scheme is the codebook (NF4 or FP4) for 4-bit, or Int8.
	Scheme Scheme

	// ComputeDType is the dtype the dequantized weights (and hence activations)
	// take inside the graph: Float16, BFloat16 or Float32.
	ComputeDType dtypes.DType

	// DoubleQuant additionally quantizes the per-block scales to int8, with one
	// float32 scale per group of 256 blocks.
	DoubleQuant bool

	// BlockSize defaults to DefaultBlockSize.
	BlockSize int
}

// New validates and builds a quantization Config.
func New(bits int, scheme Scheme, computeDType dtypes.DType, doubleQuant bool) (Config, error) {
	cfg := Config{
		Bits:         bits,
		Scheme:       scheme,
		ComputeDType: computeDType,
		DoubleQuant:  doubleQuant,
		BlockSize:    DefaultBlockSize,
	}
	switch bits {
	case 4:
		if scheme != SchemeNF4 && scheme != SchemeFP4 {
			return Config{}, errors.Errorf("4-bit quantization requires scheme nf4 or fp4, got %q", scheme)
		}
	case 8:
		if scheme != SchemeInt8 {
			return Config{}, errors.Errorf("8-bit quantization requires scheme int8, got %q", scheme)
		}
	default:
		return Config{}, errors.Errorf("unsupported quantization bit-width %d, only 4 and 8 are supported", bits)
	}
	switch computeDType {
	case dtypes.Float16, dtypes.BFloat16, dtypes.Float32:
		// ok
	default:
		return Config{}, errors.Errorf("unsupported compute dtype %s for quantized weights", computeDType)
	}
	return cfg, nil
}

// ScaleDType is the storage dtype of the per-block scales: float16 when computing
// in float16 (halves the scale overhead), float32 otherwise. Irrelevant under
// double quantization, where scales are stored as int8.
func (cfg Config) ScaleDType() dtypes.DType {
	if cfg.ComputeDType == dtypes.Float16 {
		return dtypes.Float16
	}
	return dtypes.Float32
}

// nf4Codebook holds the 16 quantiles of a standard normal, normalized to [-1, 1].
var nf4Codebook = [16]float32{
	-1.0, -0.6961928009986877, -0.5250730514526367, -0.39491748809814453,
	-0.28444138169288635, -0.18477343022823334, -0.09105003625154495, 0.0,
	0.07958029955625534, 0.16093020141124725, 0.24611230194568634, 0.33791524171829224,
	0.44070982933044434, 0.5626170039176941, 0.7229568362236023, 1.0,
}

// fp4Codebook holds the 16 values representable in a sign+e2m1 float, normalized.
var fp4Codebook = [16]float32{
	0.0, 0.0052083334, 0.6666667, 1.0, 0.33333334, 0.5, 0.16666667, 0.25,
	-0.0, -0.0052083334, -0.6666667, -1.0, -0.33333334, -0.5, -0.16666667, -0.25,
}

func (cfg Config) codebook() []float32 {
	if cfg.Scheme == SchemeFP4 {
		return fp4Codebook[:]
	}
	return nf4Codebook[:]
}

// Quantized is a weight tensor compressed per Config. Packed holds two 4-bit
// codebook indices per byte (even element in the low nibble) for 4-bit schemes,
// or one signed byte per weight for Int8. Exactly one of Scales or
// (ScalesQ, GroupScales) is set, depending on DoubleQuant.
type Quantized struct {
	Config
	Dims []int

	Packed []uint8

	// Scales has one absmax scale per block (DoubleQuant off).
	Scales []float32

	// ScalesQ/GroupScales hold the double-quantized scales: int8 per block, plus
	// one float32 per group of 256 blocks. Padded to a whole number of groups.
	ScalesQ     []int8
	GroupScales []float32
}

// NumElements of the original (unquantized) tensor.
func (q *Quantized) NumElements() int {
	n := 1
	for _, d := range q.Dims {
		n *= d
	}
	return n
}

func (q *Quantized) numBlocks() int {
	return (q.NumElements() + q.BlockSize - 1) / q.BlockSize
}

// Quantize compresses flat (the row-major data of a tensor shaped dims) per cfg.
func Quantize(cfg Config, flat []float32, dims ...int) (*Quantized, error) {
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	n := 1
	for _, d := range dims {
		if d <= 0 {
			return nil, errors.Errorf("invalid dimension %d in shape %v", d, dims)
		}
		n *= d
	}
	if n != len(flat) {
		return nil, errors.Errorf("shape %v has %d elements, got %d values", dims, n, len(flat))
	}

	q := &Quantized{Config: cfg, Dims: append([]int(nil), dims...)}
	numBlocks := q.numBlocks()
	scales := make([]float32, numBlocks)
	indices := make([]uint8, numBlocks*cfg.BlockSize) // zero-padded tail block
	codebook := cfg.codebook()
	for b := 0; b < numBlocks; b++ {
		start := b * cfg.BlockSize
		end := min(start+cfg.BlockSize, n)
		block := flat[start:end]
		absMax := float32(0)
		for _, v := range block {
			a := float32(math.Abs(float64(v)))
			if a > absMax {
				absMax = a
			}
		}
		scales[b] = absMax
		if absMax == 0 {
			continue
		}
		for i, v := range block {
			normalized := v / absMax
			if cfg.Scheme == SchemeInt8 {
				indices[start+i] = uint8(int8(math.RoundToEven(float64(normalized * 127))))
			} else {
				indices[start+i] = nearestCode(codebook, normalized)
			}
		}
	}

	if cfg.Bits == 4 {
		q.Packed = make([]uint8, len(indices)/2)
		for i := range q.Packed {
			q.Packed[i] = indices[2*i] | indices[2*i+1]<<4
		}
	} else {
		q.Packed = indices
	}

	if cfg.DoubleQuant {
		q.ScalesQ, q.GroupScales = quantizeScales(scales)
	} else {
		q.Scales = scales
	}
	return q, nil
}

func nearestCode(codebook []float32, v float32) uint8 {
	best := 0
	bestDist := float32(math.Inf(1))
	for i, c := range codebook {
		d := v - c
		if d < 0 {
			d = -d
		}
		if d < bestDist {
			bestDist = d
			best = i
		}
	}
	return uint8(best)
}

// quantizeScales applies the second quantization level: absmax int8 per group of
// scaleGroupSize block scales. The int8 slice is padded to whole groups.
func quantizeScales(scales []float32) (scalesQ []int8, groupScales []float32) {
	numGroups := (len(scales) + scaleGroupSize - 1) / scaleGroupSize
	scalesQ = make([]int8, numGroups*scaleGroupSize)
	groupScales = make([]float32, numGroups)
	for g := 0; g < numGroups; g++ {
		start := g * scaleGroupSize
		end := min(start+scaleGroupSize, len(scales))
		group := scales[start:end]
		absMax := float32(0)
		for _, v := range group {
			if v > absMax {
				absMax = v
			}
		}
		groupScales[g] = absMax / 127
		if absMax == 0 {
			continue
		}
		// Scales are non-negative, so the full [0, 127] range maps absMax to 127.
		for i, v := range group {
			scalesQ[start+i] = int8(math.RoundToEven(float64(v / absMax * 127)))
		}
	}
	return
}

// blockScales returns the dequantized per-block scales (host side).
func (q *Quantized) blockScales() []float32 {
	if !q.DoubleQuant {
		return q.Scales
	}
	scales := make([]float32, q.numBlocks())
	for i := range scales {
		scales[i] = float32(q.ScalesQ[i]) * q.GroupScales[i/scaleGroupSize]
	}
	return scales
}

// Dequantize is the host-side reference decompression, returning the row-major
// float32 data of the original tensor shape.
func (q *Quantized) Dequantize() []float32 {
	n := q.NumElements()
	out := make([]float32, n)
	scales := q.blockScales()
	codebook := q.codebook()
	for i := 0; i < n; i++ {
		var v float32
		if q.Bits == 4 {
			idx := q.Packed[i/2]
			if i%2 == 1 {
				idx >>= 4
			}
			v = codebook[idx&0x0F]
		} else {
			v = float32(int8(q.Packed[i])) / 127
		}
		out[i] = v * scales[i/q.BlockSize]
	}
	return out
}

// Tensors converts the packed data and scales into gomlx tensors, ready to become
// frozen context variables. For double quantization it returns the int8 scales and
// the float32 group scales; otherwise groupScales is nil.
func (q *Quantized) Tensors() (packed, scales, groupScales *tensors.Tensor) {
	if q.Scheme == SchemeInt8 {
		signed := make([]int8, len(q.Packed))
		for i, b := range q.Packed {
			signed[i] = int8(b)
		}
		packed = tensors.FromFlatDataAndDimensions(signed, len(signed))
	} else {
		packed = tensors.FromFlatDataAndDimensions(q.Packed, len(q.Packed))
	}
	if q.DoubleQuant {
		scales = tensors.FromFlatDataAndDimensions(q.ScalesQ, len(q.ScalesQ))
		groupScales = tensors.FromFlatDataAndDimensions(q.GroupScales, len(q.GroupScales))
		return
	}
	if q.ScaleDType() == dtypes.Float16 {
		halves := xslices.Map(q.Scales, float16.Fromfloat32)
		scales = tensors.FromFlatDataAndDimensions(halves, len(halves))
	} else {
		scales = tensors.FromFlatDataAndDimensions(q.Scales, len(q.Scales))
	}
	return
}

// Dequantize rebuilds the weight tensor inside the graph: unpack the 4-bit
// indices, gather from the codebook, rescale per block and reshape to dims.
// groupScales is nil unless the config has double quantization enabled.
//
// The result has cfg.ComputeDType, so everything downstream (including the LoRA
// path) computes in the configured reduced precision.
func Dequantize(cfg Config, packed, scales, groupScales *Node, dims ...int) *Node {
	g := packed.Graph()
	numElements := 1
	for _, d := range dims {
		numElements *= d
	}
	numBlocks := (numElements + cfg.BlockSize - 1) / cfg.BlockSize

	var values *Node
	if cfg.Bits == 4 {
		p := ConvertDType(packed, dtypes.Int32)
		high := Div(p, Scalar(g, dtypes.Int32, 16))
		low := Sub(p, MulScalar(high, 16))
		pairs := Concatenate([]*Node{ExpandDims(low, -1), ExpandDims(high, -1)}, -1)
		indices := Reshape(pairs, numBlocks*cfg.BlockSize)
		codebook := Const(g, cfg.codebook())
		values = Gather(codebook, ExpandDims(indices, -1))
	} else {
		values = DivScalar(ConvertDType(packed, dtypes.Float32), 127)
	}
	values = Reshape(values, numBlocks, cfg.BlockSize)

	blockScales := ConvertDType(scales, dtypes.Float32)
	if cfg.DoubleQuant {
		numGroups := groupScales.Shape().Dim(0)
		blockScales = Reshape(blockScales, numGroups, scaleGroupSize)
		blockScales = Mul(blockScales, ExpandDims(ConvertDType(groupScales, dtypes.Float32), -1))
		blockScales = Reshape(blockScales, numGroups*scaleGroupSize)
		blockScales = Slice(blockScales, AxisRange(0, numBlocks))
	}
	values = Mul(values, ExpandDims(blockScales, -1))

	// Drop the zero padding of the tail block, if any.
	values = Reshape(values, numBlocks*cfg.BlockSize)
	if numBlocks*cfg.BlockSize != numElements {
		values = Slice(values, AxisRange(0, numElements))
	}
	return ConvertDType(Reshape(values, dims...), cfg.ComputeDType)
}
