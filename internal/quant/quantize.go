package quant

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-crossbar/internal/cpu"
)

// Boundary is the output of a quantization step. Forward it carries the
// quantized values; backward it passes gradients through unchanged, so the
// rounding never reaches the autodiff graph.
type Boundary struct {
	Value   *cpu.Tensor
	Scale   float64
	Clipped int
}

func (Boundary) Backward(grad *cpu.Tensor) *cpu.Tensor {
	return grad
}

// Quantize applies p to x. est is required for tracked modes and is only
// updated when training. sc receives the scale side effects of the input,
// activation_in and weight modes.
//
// A zero scale is not guarded: the result is NaN/Inf and propagates.
func Quantize(x *cpu.Tensor, p Policy, training bool, est *RunningEstimate, sc *Scales) (Boundary, error) {
	if p.Mode.Tracked() && est == nil {
		return Boundary{}, fmt.Errorf("%w: mode %s requires a running estimate", ErrInvalidPolicy, p.Mode)
	}

	switch p.Mode {
	case ModeInput:
		sc.Combined = 1
		sc.Activation = 1
		return Boundary{Value: x, Scale: 1}, nil

	case ModeActivationIn:
		if training {
			est.Update(p.Momentum, cpu.MaxAbs(x))
		}
		scale := est.Value()
		if m := cpu.Min(x); m/scale < 0 {
			return Boundary{}, fmt.Errorf("%w: min %v at scale %v", ErrNegativeActivation, m, scale)
		}
		sc.Combined = scale * scale
		sc.Activation = scale
		out, clipped := fixedPoint(x, scale, p.Threshold())
		return Boundary{Value: out, Scale: scale, Clipped: clipped}, nil

	case ModeWeight:
		scale := cpu.MaxAbs(x)
		sc.Combined *= scale
		sc.Weight = scale
		out, clipped := fixedPoint(x, scale, p.Threshold())
		return Boundary{Value: out, Scale: scale, Clipped: clipped}, nil

	case ModeActivationOut:
		if training {
			mean, std := cpu.MeanStd(x)
			est.Update(p.Momentum, 3*std+math.Abs(mean))
		}
		scale := est.Value()
		out, clipped := fixedPoint(x, scale, p.Threshold())
		return Boundary{Value: out, Scale: scale, Clipped: clipped}, nil

	default:
		return Boundary{}, fmt.Errorf("%w: mode %s", ErrNotImplemented, p.Mode)
	}
}

// fixedPoint maps x onto the 2*thres+1 levels k*scale/thres, k in [-thres, thres].
func fixedPoint(x *cpu.Tensor, scale, thres float64) (*cpu.Tensor, int) {
	step := thres / scale
	clipped := 0
	out := x.Map(func(v float64) float64 {
		r := v / scale
		if r > 1 {
			r = 1
			clipped++
		} else if r < -1 {
			r = -1
			clipped++
		}
		return math.RoundToEven(r*thres) / step
	})
	return out, clipped
}
