package layer

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/23skdu/longbow-crossbar/internal/cpu"
	"github.com/23skdu/longbow-crossbar/internal/logger"
	"github.com/23skdu/longbow-crossbar/internal/metrics"
	"github.com/23skdu/longbow-crossbar/internal/power"
	"github.com/23skdu/longbow-crossbar/internal/quant"
)

var (
	ErrNoPowerModel = errors.New("layer does not track power")
	ErrNoForward    = errors.New("backward called before forward")
)

type Options struct {
	Geometry cpu.Geometry
	Bias     bool
	Seed     int64
}

func DefaultOptions() Options {
	return Options{Geometry: cpu.DefaultGeometry(), Bias: true, Seed: 1}
}

// Parameter is a trainable tensor and its accumulated gradient. Running
// range estimates are never exposed as parameters.
type Parameter struct {
	Name  string
	Value []float64
	Grad  []float64
}

type forwardCache struct {
	input  quant.Boundary
	weight quant.Boundary
	output quant.Boundary
}

// Conv2d is a 2D convolution whose input, weight and output pass through
// fixed-point quantization. It is not safe for concurrent use.
type Conv2d struct {
	name      string
	sites     quant.SitePolicies
	geometry  cpu.Geometry
	weight    *cpu.Tensor
	bias      []float64
	inputEst  *quant.RunningEstimate
	outputEst *quant.RunningEstimate
	training  bool

	ctx       *cpu.Context
	estimator *power.Estimator
	log       *logger.Logger

	scales     quant.Scales
	lastPower  float64
	cache      *forwardCache
	weightGrad []float64
	biasGrad   []float64
}

// New builds a layer without power tracking. Running estimates start at 1.
func New(name string, sites quant.SitePolicies, inChannels, outChannels int, kernel [2]int, opts Options) (*Conv2d, error) {
	return newConv2d(name, sites, inChannels, outChannels, kernel, opts, 1, false)
}

// NewPower builds a layer that feeds a power accumulator. Running estimates
// start at 0.
func NewPower(name string, sites quant.SitePolicies, inChannels, outChannels int, kernel [2]int, opts Options) (*Conv2d, error) {
	return newConv2d(name, sites, inChannels, outChannels, kernel, opts, 0, true)
}

func newConv2d(name string, sites quant.SitePolicies, inChannels, outChannels int, kernel [2]int, opts Options, initial float64, withPower bool) (*Conv2d, error) {
	if err := sites.Validate(); err != nil {
		return nil, fmt.Errorf("layer %s: %w", name, err)
	}
	g := opts.Geometry
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("layer %s: %w", name, err)
	}
	if inChannels <= 0 || outChannels <= 0 || kernel[0] <= 0 || kernel[1] <= 0 {
		return nil, fmt.Errorf("layer %s: invalid shape in=%d out=%d kernel=%v", name, inChannels, outChannels, kernel)
	}
	if inChannels%g.Groups != 0 || outChannels%g.Groups != 0 {
		return nil, fmt.Errorf("layer %s: channels in=%d out=%d not divisible by groups=%d", name, inChannels, outChannels, g.Groups)
	}

	wShape := cpu.Shape{outChannels, inChannels / g.Groups, kernel[0], kernel[1]}
	fanIn := wShape[1] * wShape[2] * wShape[3]
	bound := 1 / math.Sqrt(float64(fanIn))
	rng := rand.New(rand.NewSource(opts.Seed))
	weight := cpu.Zeros(wShape)
	for i := range weight.Data() {
		weight.Data()[i] = (rng.Float64()*2 - 1) * bound
	}

	l := &Conv2d{
		name:       name,
		sites:      sites,
		geometry:   g,
		weight:     weight,
		inputEst:   quant.NewRunningEstimate(initial),
		outputEst:  quant.NewRunningEstimate(initial),
		training:   true,
		ctx:        cpu.NewContext(),
		log:        logger.Log.With("layer", name),
		weightGrad: make([]float64, wShape.Size()),
	}
	if opts.Bias {
		l.bias = make([]float64, outChannels)
		for i := range l.bias {
			l.bias[i] = (rng.Float64()*2 - 1) * bound
		}
		l.biasGrad = make([]float64, outChannels)
	}
	if withPower {
		l.estimator = power.NewEstimator(l.ctx, l.ctx, g)
	}
	return l, nil
}

func (l *Conv2d) Name() string { return l.name }

func (l *Conv2d) Train() { l.training = true }

func (l *Conv2d) Eval() { l.training = false }

func (l *Conv2d) Training() bool { return l.training }

func (l *Conv2d) TracksPower() bool { return l.estimator != nil }

func (l *Conv2d) Sites() quant.SitePolicies { return l.sites }

func (l *Conv2d) Geometry() cpu.Geometry { return l.geometry }

func (l *Conv2d) Weight() *cpu.Tensor { return l.weight }

func (l *Conv2d) Bias() []float64 { return l.bias }

func (l *Conv2d) Scales() quant.Scales { return l.scales }

func (l *Conv2d) LastPower() float64 { return l.lastPower }

func (l *Conv2d) InputEstimate() float64 { return l.inputEst.Value() }

func (l *Conv2d) OutputEstimate() float64 { return l.outputEst.Value() }

// SetWeight replaces the weight values; the shape is fixed at construction.
func (l *Conv2d) SetWeight(data []float64) error {
	if len(data) != l.weight.Len() {
		return fmt.Errorf("%w: %d values for weight %s", cpu.ErrShapeMismatch, len(data), l.weight.Shape())
	}
	copy(l.weight.Data(), data)
	return nil
}

func (l *Conv2d) SetBias(data []float64) error {
	if len(data) != len(l.bias) {
		return fmt.Errorf("%w: %d values for %d biases", cpu.ErrShapeMismatch, len(data), len(l.bias))
	}
	copy(l.bias, data)
	return nil
}

// Forward runs the quantized convolution without power tracking.
func (l *Conv2d) Forward(x *cpu.Tensor) (*cpu.Tensor, error) {
	return l.forward(x, nil)
}

// ForwardPower runs the quantized convolution and adds the crossbar energy
// estimate for this call into acc. acc is never reset.
func (l *Conv2d) ForwardPower(x *cpu.Tensor, acc *power.Accumulator) (*cpu.Tensor, error) {
	if l.estimator == nil {
		return nil, fmt.Errorf("layer %s: %w", l.name, ErrNoPowerModel)
	}
	if acc == nil {
		return nil, fmt.Errorf("layer %s: nil power accumulator", l.name)
	}
	return l.forward(x, acc)
}

// forward runs input -> weight -> conv -> output -> power in that order;
// the scales written by the first two steps are read by the last.
func (l *Conv2d) forward(x *cpu.Tensor, acc *power.Accumulator) (*cpu.Tensor, error) {
	start := time.Now()
	sc := quant.Scales{}

	qin, err := quant.Quantize(x, l.sites.Input, l.training, l.inputEst, &sc)
	if err != nil {
		return nil, l.fail("quantize input", err)
	}
	qw, err := quant.Quantize(l.weight, l.sites.Weight, l.training, nil, &sc)
	if err != nil {
		return nil, l.fail("quantize weight", err)
	}
	conv, err := l.ctx.Conv2D(qin.Value, qw.Value, l.bias, l.geometry)
	if err != nil {
		return nil, l.fail("conv", err)
	}
	qout, err := quant.Quantize(conv, l.sites.Output, l.training, l.outputEst, &sc)
	if err != nil {
		return nil, l.fail("quantize output", err)
	}
	if qout.Value != conv {
		l.ctx.PutTensor(conv)
	}

	if acc != nil {
		v, err := l.estimator.Accumulate(acc, l.training, power.Operands{
			Input:        qin.Value,
			Weight:       qw.Value,
			Scales:       sc,
			InputPolicy:  l.sites.Input,
			WeightPolicy: l.sites.Weight,
		})
		if err != nil {
			return nil, l.fail("power", err)
		}
		l.lastPower = v
		metrics.RecordPower(l.name, l.training, v)
	} else {
		l.lastPower = 0
	}

	l.scales = sc
	l.cache = &forwardCache{input: qin, weight: qw, output: qout}
	l.record(qin, qw, qout)

	metrics.RecordForward(l.name, l.training, time.Since(start))
	l.log.Debug("forward",
		"training", l.training,
		"input_estimate", l.inputEst.Value(),
		"output_estimate", l.outputEst.Value(),
		"scale_combined", sc.Combined,
		"power", l.lastPower,
	)
	return qout.Value, nil
}

func (l *Conv2d) record(qin, qw, qout quant.Boundary) {
	metrics.RecordScales(l.name, l.scales.Combined, l.scales.Weight, l.scales.Activation)
	if l.sites.Input.Mode.Tracked() {
		metrics.RecordRunningEstimate(l.name, "input", l.inputEst.Value())
	}
	if l.sites.Output.Mode.Tracked() {
		metrics.RecordRunningEstimate(l.name, "output", l.outputEst.Value())
	}
	metrics.RecordClipped(l.name, "input", qin.Clipped)
	metrics.RecordClipped(l.name, "weight", qw.Clipped)
	metrics.RecordClipped(l.name, "output", qout.Clipped)

	if nans, infs := cpu.NonFinite(qout.Value); nans > 0 || infs > 0 {
		metrics.RecordNumericalInstability(l.name+"/output", nans, infs)
		l.log.Warn("non-finite quantized output", "nans", nans, "infs", infs, "output_estimate", l.outputEst.Value())
	}
}

func (l *Conv2d) fail(step string, err error) error {
	errType := "other"
	switch {
	case errors.Is(err, quant.ErrNegativeActivation):
		errType = "negative_activation"
	case errors.Is(err, quant.ErrNotImplemented):
		errType = "not_implemented"
	case errors.Is(err, cpu.ErrShapeMismatch):
		errType = "shape_mismatch"
	}
	metrics.RecordForwardError(l.name, errType)
	return fmt.Errorf("layer %s: %s: %w", l.name, step, err)
}

// Backward takes the gradient of the quantized output and returns the
// gradient of the raw input. Quantization steps pass gradients through
// unchanged; weight and bias gradients accumulate until ZeroGrad.
func (l *Conv2d) Backward(gradOut *cpu.Tensor) (*cpu.Tensor, error) {
	if l.cache == nil {
		return nil, fmt.Errorf("layer %s: %w", l.name, ErrNoForward)
	}
	g := l.cache.output.Backward(gradOut)
	gradIn, gradW, gradB, err := l.ctx.Conv2DBackward(l.cache.input.Value, l.cache.weight.Value, g, l.geometry)
	if err != nil {
		return nil, fmt.Errorf("layer %s: backward: %w", l.name, err)
	}
	for i, v := range l.cache.weight.Backward(gradW).Data() {
		l.weightGrad[i] += v
	}
	l.ctx.PutTensor(gradW)
	for i := range l.biasGrad {
		l.biasGrad[i] += gradB[i]
	}
	return l.cache.input.Backward(gradIn), nil
}

func (l *Conv2d) Parameters() []Parameter {
	params := []Parameter{{Name: l.name + ".weight", Value: l.weight.Data(), Grad: l.weightGrad}}
	if l.bias != nil {
		params = append(params, Parameter{Name: l.name + ".bias", Value: l.bias, Grad: l.biasGrad})
	}
	return params
}

func (l *Conv2d) ZeroGrad() {
	clear(l.weightGrad)
	clear(l.biasGrad)
}

// String describes each site's configuration, one line per site.
func (l *Conv2d) String() string {
	return l.sites.String()
}
