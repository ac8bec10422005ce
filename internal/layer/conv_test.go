package layer

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/23skdu/longbow-crossbar/internal/cpu"
	"github.com/23skdu/longbow-crossbar/internal/metrics"
	"github.com/23skdu/longbow-crossbar/internal/power"
	"github.com/23skdu/longbow-crossbar/internal/quant"
)

func sites(inMode quant.Mode, inBits, wBits, outBits int) quant.SitePolicies {
	return quant.SitePolicies{
		Input:  quant.Policy{Mode: inMode, QBit: inBits, Momentum: 0.9},
		Weight: quant.Policy{Mode: quant.ModeWeight, QBit: wBits},
		Output: quant.Policy{Mode: quant.ModeActivationOut, QBit: outBits, Momentum: 0.9},
	}
}

func randomInput(seed int64, shape cpu.Shape) *cpu.Tensor {
	rng := rand.New(rand.NewSource(seed))
	x := cpu.Zeros(shape)
	for i := range x.Data() {
		x.Data()[i] = rng.Float64()
	}
	return x
}

func isMultiple(v, step float64) bool {
	k := v / step
	return math.Abs(k-math.Round(k)) < 1e-9
}

func TestConstantInputScenario(t *testing.T) {
	l, err := New("scenario", sites(quant.ModeActivationIn, 8, 8, 8), 2, 3, [2]int{3, 3}, DefaultOptions())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	x := cpu.Full(cpu.Shape{1, 2, 5, 5}, 0.5)
	out, err := l.Forward(x)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}

	if got := l.Scales().Activation; math.Abs(got-0.95) > 1e-15 {
		t.Errorf("expected activation scale 0.95, got %v", got)
	}
	if got := l.InputEstimate(); math.Abs(got-0.95) > 1e-15 {
		t.Errorf("expected input estimate 0.95, got %v", got)
	}
	if out.Shape() != (cpu.Shape{1, 3, 3, 3}) {
		t.Errorf("unexpected output shape %s", out.Shape())
	}
	step := l.OutputEstimate() / 127
	for i, v := range out.Data() {
		if !isMultiple(v, step) {
			t.Errorf("index %d: %v is not a multiple of %v", i, v, step)
		}
	}
}

func TestInitialEstimates(t *testing.T) {
	plain, err := New("plain", sites(quant.ModeActivationIn, 8, 8, 8), 1, 1, [2]int{1, 1}, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	tracked, err := NewPower("tracked", sites(quant.ModeActivationIn, 8, 8, 8), 1, 1, [2]int{1, 1}, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if plain.InputEstimate() != 1 || plain.OutputEstimate() != 1 {
		t.Errorf("expected plain estimates of 1, got %v and %v", plain.InputEstimate(), plain.OutputEstimate())
	}
	if tracked.InputEstimate() != 0 || tracked.OutputEstimate() != 0 {
		t.Errorf("expected power estimates of 0, got %v and %v", tracked.InputEstimate(), tracked.OutputEstimate())
	}
	if plain.TracksPower() || !tracked.TracksPower() {
		t.Error("unexpected power tracking flags")
	}
}

func TestEvalFreezesEstimates(t *testing.T) {
	l, err := New("frozen", sites(quant.ModeActivationIn, 8, 8, 8), 1, 2, [2]int{3, 3}, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	x := randomInput(1, cpu.Shape{2, 1, 6, 6})
	if _, err := l.Forward(x); err != nil {
		t.Fatal(err)
	}
	in, out := l.InputEstimate(), l.OutputEstimate()

	l.Eval()
	if l.Training() {
		t.Fatal("expected evaluation mode")
	}
	if _, err := l.Forward(randomInput(2, cpu.Shape{2, 1, 6, 6})); err != nil {
		t.Fatal(err)
	}
	if l.InputEstimate() != in || l.OutputEstimate() != out {
		t.Errorf("expected estimates to stay (%v, %v), got (%v, %v)", in, out, l.InputEstimate(), l.OutputEstimate())
	}
}

func TestForwardPowerRequiresTracking(t *testing.T) {
	l, err := New("plain", sites(quant.ModeInput, 8, 8, 8), 1, 1, [2]int{1, 1}, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	var acc power.Accumulator
	_, err = l.ForwardPower(cpu.Full(cpu.Shape{1, 1, 2, 2}, 0.5), &acc)
	if !errors.Is(err, ErrNoPowerModel) {
		t.Errorf("expected ErrNoPowerModel, got %v", err)
	}
}

func TestTrainingPowerAccumulates(t *testing.T) {
	l, err := NewPower("acc", sites(quant.ModeInput, 8, 8, 8), 3, 4, [2]int{3, 3}, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	var acc power.Accumulator
	acc.Add(10)

	var sum float64
	for i := 0; i < 3; i++ {
		if _, err := l.ForwardPower(randomInput(int64(i), cpu.Shape{1, 3, 5, 5}), &acc); err != nil {
			t.Fatalf("ForwardPower: %v", err)
		}
		if l.LastPower() < 0 {
			t.Errorf("step %d: expected non-negative power, got %v", i, l.LastPower())
		}
		sum += l.LastPower()
	}
	if math.Abs(acc.Total()-(10+sum)) > 1e-9 {
		t.Errorf("expected accumulator %v, got %v", 10+sum, acc.Total())
	}
}

func TestEvaluationPowerBitSerial(t *testing.T) {
	l, err := NewPower("bitserial", sites(quant.ModeActivationIn, 4, 5, 8), 1, 1, [2]int{1, 1}, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	x := randomInput(5, cpu.Shape{1, 1, 4, 4})

	var acc power.Accumulator
	if _, err := l.ForwardPower(x, &acc); err != nil {
		t.Fatalf("training ForwardPower: %v", err)
	}

	l.Eval()
	before := testutil.ToFloat64(metrics.BitPlaneConvolutions)
	trainTotal := acc.Total()
	if _, err := l.ForwardPower(x, &acc); err != nil {
		t.Fatalf("eval ForwardPower: %v", err)
	}
	if got := testutil.ToFloat64(metrics.BitPlaneConvolutions) - before; got != 16 {
		t.Errorf("expected 16 bit-plane convolutions, got %v", got)
	}
	v := l.LastPower()
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		t.Errorf("expected finite non-negative power, got %v", v)
	}
	if acc.Total() != trainTotal+v {
		t.Errorf("expected accumulator %v, got %v", trainTotal+v, acc.Total())
	}
}

func TestNegativeInputFails(t *testing.T) {
	l, err := New("neg", sites(quant.ModeActivationIn, 8, 8, 8), 1, 1, [2]int{1, 1}, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	x, _ := cpu.New(cpu.Shape{1, 1, 1, 2}, []float64{0.5, -0.5})
	_, err = l.Forward(x)
	if !errors.Is(err, quant.ErrNegativeActivation) {
		t.Errorf("expected ErrNegativeActivation, got %v", err)
	}
}

func TestInvalidSitesRejected(t *testing.T) {
	s := sites(quant.ModeActivationIn, 8, 8, 8)
	s.Weight = quant.Policy{Mode: quant.ModeActivationOut, QBit: 8, Momentum: 0.9}
	if _, err := New("bad", s, 1, 1, [2]int{1, 1}, DefaultOptions()); !errors.Is(err, quant.ErrInvalidPolicy) {
		t.Errorf("expected ErrInvalidPolicy, got %v", err)
	}
	opts := DefaultOptions()
	opts.Geometry.Groups = 2
	if _, err := New("groups", sites(quant.ModeInput, 8, 8, 8), 3, 4, [2]int{1, 1}, opts); err == nil {
		t.Error("expected error for channels not divisible by groups")
	}
}

func TestForwardClearsLastPower(t *testing.T) {
	l, err := NewPower("stale", sites(quant.ModeInput, 8, 8, 8), 1, 2, [2]int{3, 3}, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	x := randomInput(7, cpu.Shape{1, 1, 4, 4})

	var acc power.Accumulator
	if _, err := l.ForwardPower(x, &acc); err != nil {
		t.Fatalf("ForwardPower: %v", err)
	}
	if l.LastPower() <= 0 {
		t.Fatalf("expected positive power after ForwardPower, got %v", l.LastPower())
	}

	if _, err := l.Forward(x); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if got := l.LastPower(); got != 0 {
		t.Errorf("expected untracked forward to report 0 power, got %v", got)
	}
}

func TestForwardBackwardReleasesTensors(t *testing.T) {
	l, err := NewPower("steady", sites(quant.ModeActivationIn, 8, 4, 8), 2, 3, [2]int{3, 3}, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	shape := cpu.Shape{1, 2, 5, 5}
	grad := cpu.Full(cpu.Shape{1, 3, 3, 3}, 1)
	var acc power.Accumulator

	run := func(seed int64) {
		t.Helper()
		if _, err := l.ForwardPower(randomInput(seed, shape), &acc); err != nil {
			t.Fatalf("ForwardPower: %v", err)
		}
		if _, err := l.Backward(grad); err != nil {
			t.Fatalf("Backward: %v", err)
		}
	}

	run(0)
	before := cpu.AllocatedBytes()
	for i := 1; i <= 50; i++ {
		run(int64(i))
	}
	l.Eval()
	for i := 0; i < 5; i++ {
		run(int64(100 + i))
	}
	if got := cpu.AllocatedBytes(); got != before {
		t.Errorf("tracked tensor bytes grew across steps: %d -> %d", before, got)
	}
}

func TestBackwardStraightThrough(t *testing.T) {
	opts := DefaultOptions()
	l, err := New("grad", sites(quant.ModeInput, 8, 8, 8), 1, 1, [2]int{1, 1}, opts)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.SetWeight([]float64{0.5}); err != nil {
		t.Fatal(err)
	}
	if err := l.SetBias([]float64{0}); err != nil {
		t.Fatal(err)
	}

	if _, err := l.Backward(cpu.Zeros(cpu.Shape{1, 1, 2, 2})); !errors.Is(err, ErrNoForward) {
		t.Errorf("expected ErrNoForward, got %v", err)
	}

	x, _ := cpu.New(cpu.Shape{1, 1, 2, 2}, []float64{0.1, 0.2, 0.3, 0.4})
	if _, err := l.Forward(x); err != nil {
		t.Fatal(err)
	}
	grad := cpu.Full(cpu.Shape{1, 1, 2, 2}, 1)
	for i := 0; i < 2; i++ {
		gradIn, err := l.Backward(grad)
		if err != nil {
			t.Fatalf("Backward: %v", err)
		}
		for k, v := range gradIn.Data() {
			if math.Abs(v-0.5) > 1e-12 {
				t.Errorf("index %d: expected input gradient 0.5, got %v", k, v)
			}
		}
	}

	params := l.Parameters()
	if len(params) != 2 {
		t.Fatalf("expected weight and bias parameters only, got %d", len(params))
	}
	if got := params[0].Grad[0]; math.Abs(got-2.0) > 1e-12 {
		t.Errorf("expected accumulated weight gradient 2.0, got %v", got)
	}
	if got := params[1].Grad[0]; got != 8 {
		t.Errorf("expected accumulated bias gradient 8, got %v", got)
	}

	l.ZeroGrad()
	if params[0].Grad[0] != 0 || params[1].Grad[0] != 0 {
		t.Error("expected ZeroGrad to clear gradients")
	}
}

func TestParametersWithoutBias(t *testing.T) {
	opts := DefaultOptions()
	opts.Bias = false
	l, err := New("nobias", sites(quant.ModeInput, 8, 8, 8), 2, 2, [2]int{3, 3}, opts)
	if err != nil {
		t.Fatal(err)
	}
	params := l.Parameters()
	if len(params) != 1 || params[0].Name != "nobias.weight" {
		t.Errorf("unexpected parameters %+v", params)
	}
	if len(params[0].Value) != 2*2*3*3 {
		t.Errorf("expected %d weights, got %d", 2*2*3*3, len(params[0].Value))
	}
}

func TestGeometryShapesOutput(t *testing.T) {
	opts := DefaultOptions()
	opts.Geometry = cpu.Geometry{
		Stride:   [2]int{2, 2},
		Padding:  [2]int{1, 1},
		Dilation: [2]int{1, 1},
		Groups:   2,
	}
	l, err := NewPower("strided", sites(quant.ModeInput, 8, 6, 8), 4, 6, [2]int{3, 3}, opts)
	if err != nil {
		t.Fatal(err)
	}
	var acc power.Accumulator
	out, err := l.ForwardPower(randomInput(9, cpu.Shape{2, 4, 7, 7}), &acc)
	if err != nil {
		t.Fatalf("ForwardPower: %v", err)
	}
	if out.Shape() != (cpu.Shape{2, 6, 4, 4}) {
		t.Errorf("unexpected output shape %s", out.Shape())
	}
	if l.Weight().Shape() != (cpu.Shape{6, 2, 3, 3}) {
		t.Errorf("unexpected weight shape %s", l.Weight().Shape())
	}
}

func TestString(t *testing.T) {
	l, err := New("desc", sites(quant.ModeActivationIn, 8, 4, 6), 1, 1, [2]int{1, 1}, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	want := "input mode:activation_in, qbit:8, momentum:0.9,\n" +
		"weight mode:weight, qbit:4,\n" +
		"output mode:activation_out, qbit:6, momentum:0.9,"
	if got := l.String(); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}
