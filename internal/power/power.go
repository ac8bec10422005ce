package power

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-crossbar/internal/cpu"
	"github.com/23skdu/longbow-crossbar/internal/metrics"
	"github.com/23skdu/longbow-crossbar/internal/quant"
)

// Input sites in input mode carry raw [0,1] data that the crossbar drives
// with this many bits.
const rawInputBits = 8

// Accumulator is a caller-owned running energy total. Layers only add to it.
type Accumulator struct {
	total float64
}

// Add folds one forward call's estimate into the total.
func (a *Accumulator) Add(v float64) {
	a.total += v
}

// Total returns the energy accumulated since construction or the last Reset.
func (a *Accumulator) Total() float64 {
	return a.total
}

// Reset zeroes the total.
func (a *Accumulator) Reset() {
	a.total = 0
}

// Convolver runs a convolution with the layer's geometry. *cpu.Context
// satisfies it.
type Convolver interface {
	Conv2D(input, weight *cpu.Tensor, bias []float64, g cpu.Geometry) (*cpu.Tensor, error)
}

// Operands are the quantized tensors and scales of one forward call.
type Operands struct {
	Input        *cpu.Tensor
	Weight       *cpu.Tensor
	Scales       quant.Scales
	InputPolicy  quant.Policy
	WeightPolicy quant.Policy
}

// Estimator computes the crossbar energy of one quantized convolution.
type Estimator struct {
	conv     Convolver
	pool     *cpu.Context
	geometry cpu.Geometry
}

// NewEstimator builds an estimator. pool receives scratch tensors back and
// may be nil.
func NewEstimator(conv Convolver, pool *cpu.Context, g cpu.Geometry) *Estimator {
	return &Estimator{conv: conv, pool: pool, geometry: g}
}

func (e *Estimator) release(t *cpu.Tensor) {
	if e.pool != nil {
		e.pool.PutTensor(t)
	}
}

// Accumulate adds the estimate for op into acc, using the continuous proxy
// when training and the bit-serial simulation otherwise.
func (e *Estimator) Accumulate(acc *Accumulator, training bool, op Operands) (float64, error) {
	var (
		v   float64
		err error
	)
	if training {
		v, err = e.Training(op)
	} else {
		v, err = e.Evaluation(op)
	}
	if err != nil {
		return 0, err
	}
	acc.Add(v)
	return v, nil
}

// Training returns sum(conv(x^2, |w|)) / combined scale.
func (e *Estimator) Training(op Operands) (float64, error) {
	sq := op.Input.Map(func(v float64) float64 { return v * v })
	abs := op.Weight.Map(math.Abs)
	out, err := e.conv.Conv2D(sq, abs, nil, e.geometry)
	if err != nil {
		return 0, fmt.Errorf("training power conv: %w", err)
	}
	defer e.release(out)
	return cpu.Sum(out) / op.Scales.Combined, nil
}

// Levels rescales the quantized operands to crossbar drive levels and
// returns them with their bit widths. The weight levels are magnitudes; the
// sign bit is not driven.
func Levels(op Operands) (in *cpu.Tensor, inBits int, w *cpu.Tensor, wBits int) {
	inBits = op.InputPolicy.QBit
	if op.InputPolicy.Mode == quant.ModeInput {
		inBits = rawInputBits
	}
	inStep := op.Scales.Activation / (math.Exp2(float64(inBits)) - 1)
	in = op.Input.Map(func(v float64) float64 { return v / inStep })

	wBits = op.WeightPolicy.QBit - 1
	wStep := op.Scales.Weight / op.WeightPolicy.Threshold()
	w = op.Weight.Map(func(v float64) float64 { return math.Abs(v / wStep) })
	return in, inBits, w, wBits
}

// Evaluation simulates a bit-serial crossbar: every input bit plane is
// convolved with every weight bit plane, weight bits mapped to the two cell
// conductances {1, 5}.
func (e *Estimator) Evaluation(op Operands) (float64, error) {
	in, inBits, w, wBits := Levels(op)

	inPlanes := Decompose(in, inBits)
	wPlanes := Decompose(w, wBits)
	for _, p := range wPlanes {
		for k, b := range p.Data() {
			p.Data()[k] = b*4 + 1
		}
	}

	var total float64
	for i, inPlane := range inPlanes {
		for j, wPlane := range wPlanes {
			out, err := e.conv.Conv2D(inPlane, wPlane, nil, e.geometry)
			if err != nil {
				return 0, fmt.Errorf("bit-plane conv (%d, %d): %w", i, j, err)
			}
			metrics.RecordBitPlaneConvolution()
			total += cpu.Sum(out) * (noiseMargin(out) + 1)
			e.release(out)
		}
	}
	return total, nil
}

// noiseMargin is an empirical data-dependent correction, std(result)/10.
// The constant has no derivation and needs validating against hardware.
func noiseMargin(out *cpu.Tensor) float64 {
	_, std := cpu.MeanStd(out)
	return std / 10
}

// splitBit returns round(fmod(x, 2)) and replaces x with floor(x / 2).
func splitBit(x *cpu.Tensor) *cpu.Tensor {
	data := x.Data()
	plane := x.Map(func(v float64) float64 { return math.RoundToEven(math.Mod(v, 2)) })
	for k, v := range data {
		data[k] = math.Floor(v / 2)
	}
	return plane
}

// Decompose splits non-negative levels into bits planes, least significant
// first. For integer levels below 2^bits, sum(plane[i] * 2^i) == levels.
func Decompose(levels *cpu.Tensor, bits int) []*cpu.Tensor {
	rest := levels.Clone()
	planes := make([]*cpu.Tensor, bits)
	for i := range planes {
		planes[i] = splitBit(rest)
	}
	return planes
}
