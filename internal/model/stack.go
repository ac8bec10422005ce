package model

import (
	"fmt"
	"time"

	"github.com/23skdu/longbow-crossbar/internal/config"
	"github.com/23skdu/longbow-crossbar/internal/cpu"
	"github.com/23skdu/longbow-crossbar/internal/layer"
	"github.com/23skdu/longbow-crossbar/internal/logger"
	"github.com/23skdu/longbow-crossbar/internal/power"
	"github.com/23skdu/longbow-crossbar/internal/quant"
	"github.com/23skdu/longbow-crossbar/internal/report"
)

// Stack runs quantized convolutions in sequence with a ReLU between
// consecutive layers.
type Stack struct {
	layers     []*layer.Conv2d
	ctx        *cpu.Context
	inputShape cpu.Shape
	step       int64
}

// New builds a stack from a validated config. Layers with power enabled are
// built with NewPower; layer i is seeded with cfg.Seed+i.
func New(cfg config.Config) (*Stack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Stack{
		ctx:        cpu.NewContext(),
		inputShape: cpu.Shape{cfg.Batch, cfg.Layers[0].InChannels, cfg.Height, cfg.Width},
	}
	for i, spec := range cfg.Layers {
		sites, err := spec.Quant.Policies()
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		opts := layer.Options{
			Geometry: spec.Geometry(),
			Bias:     spec.HasBias(),
			Seed:     cfg.Seed + int64(i),
		}
		build := layer.New
		if spec.Power {
			build = layer.NewPower
		}
		l, err := build(cfg.LayerName(i), sites, spec.InChannels, spec.OutChannels, spec.Kernel, opts)
		if err != nil {
			return nil, err
		}
		s.layers = append(s.layers, l)
	}

	logger.Log.Info("stack built", "layers", len(s.layers), "input_shape", s.inputShape.String())
	return s, nil
}

func (s *Stack) Layers() []*layer.Conv2d { return s.layers }

func (s *Stack) InputShape() cpu.Shape { return s.inputShape }

// Step is the number of completed forward passes.
func (s *Stack) Step() int64 { return s.step }

func (s *Stack) Train() {
	for _, l := range s.layers {
		l.Train()
	}
}

func (s *Stack) Eval() {
	for _, l := range s.layers {
		l.Eval()
	}
}

// Forward runs every layer in order. Power-tracking layers add into acc when
// it is non-nil; other layers ignore it.
func (s *Stack) Forward(x *cpu.Tensor, acc *power.Accumulator) (*cpu.Tensor, error) {
	start := time.Now()
	out := x
	var err error
	for i, l := range s.layers {
		var relu *cpu.Tensor
		if i > 0 {
			relu = s.ctx.ReLU(out)
			out = relu
		}
		if acc != nil && l.TracksPower() {
			out, err = l.ForwardPower(out, acc)
		} else {
			out, err = l.Forward(out)
		}
		// An input-mode site caches its argument for Backward.
		if relu != nil && l.Sites().Input.Mode != quant.ModeInput {
			s.ctx.PutTensor(relu)
		}
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", s.step, err)
		}
	}
	s.step++

	logger.Log.Debug("stack forward",
		"step", s.step,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

// Rows reports each layer's state after the most recent forward pass.
func (s *Stack) Rows() []report.Row {
	rows := make([]report.Row, 0, len(s.layers))
	for _, l := range s.layers {
		phase := "eval"
		if l.Training() {
			phase = "train"
		}
		sc := l.Scales()
		rows = append(rows, report.Row{
			Layer:           l.Name(),
			Phase:           phase,
			Step:            s.step,
			InputEstimate:   l.InputEstimate(),
			OutputEstimate:  l.OutputEstimate(),
			ScaleCombined:   sc.Combined,
			ScaleWeight:     sc.Weight,
			ScaleActivation: sc.Activation,
			Power:           l.LastPower(),
		})
	}
	return rows
}
