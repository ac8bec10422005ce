package quant

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Errors returned by policy construction and quantization.
var (
	ErrNotImplemented     = errors.New("quantization mode not implemented")
	ErrInvalidPolicy      = errors.New("invalid quantization policy")
	ErrNegativeActivation = errors.New("negative value under non-negative activation quantization")
)

// Mode selects how a site derives its quantization scale.
type Mode int

const (
	ModeInput Mode = iota
	ModeActivationIn
	ModeWeight
	ModeActivationOut
)

var modeNames = [...]string{
	ModeInput:         "input",
	ModeActivationIn:  "activation_in",
	ModeWeight:        "weight",
	ModeActivationOut: "activation_out",
}

func (m Mode) String() string {
	if m < 0 || int(m) >= len(modeNames) {
		return fmt.Sprintf("Mode(%d)", int(m))
	}
	return modeNames[m]
}

// Tracked reports whether the mode keeps a running range estimate.
func (m Mode) Tracked() bool {
	return m == ModeActivationIn || m == ModeActivationOut
}

// ParseMode maps a mode tag such as "activation_in" to its Mode. Tags are
// matched exactly; unknown tags wrap ErrNotImplemented.
func ParseMode(s string) (Mode, error) {
	for m, name := range modeNames {
		if s == name {
			return Mode(m), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrNotImplemented, s)
}

// Policy is the quantization configuration of one site. Momentum is only
// meaningful for tracked modes.
type Policy struct {
	Mode     Mode
	QBit     int
	Momentum float64
}

// NewPolicy parses and validates a site configuration. momentum may be nil
// for untracked modes.
func NewPolicy(mode string, qbit int, momentum *float64) (Policy, error) {
	m, err := ParseMode(mode)
	if err != nil {
		return Policy{}, err
	}
	p := Policy{Mode: m, QBit: qbit}
	if m.Tracked() {
		if momentum == nil {
			return Policy{}, fmt.Errorf("%w: mode %s requires momentum", ErrInvalidPolicy, m)
		}
		p.Momentum = *momentum
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Validate checks the mode, the bit width and, for tracked modes, the momentum.
func (p Policy) Validate() error {
	if p.Mode < 0 || int(p.Mode) >= len(modeNames) {
		return fmt.Errorf("%w: mode %d", ErrNotImplemented, int(p.Mode))
	}
	if p.QBit < 1 || p.QBit > 32 {
		return fmt.Errorf("%w: qbit %d (must be in [1, 32])", ErrInvalidPolicy, p.QBit)
	}
	if p.Mode.Tracked() && (p.Momentum < 0 || p.Momentum >= 1 || math.IsNaN(p.Momentum)) {
		return fmt.Errorf("%w: momentum %v (must be in [0, 1))", ErrInvalidPolicy, p.Momentum)
	}
	return nil
}

// Threshold is the largest integer level, 2^(qbit-1) - 1. One bit is the sign.
func (p Policy) Threshold() float64 {
	return math.Exp2(float64(p.QBit-1)) - 1
}

// String renders the site as "mode:weight, qbit:8," with momentum appended
// for tracked modes.
func (p Policy) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "mode:%s, qbit:%d,", p.Mode, p.QBit)
	if p.Mode.Tracked() {
		fmt.Fprintf(&b, " momentum:%v,", p.Momentum)
	}
	return b.String()
}

// SitePolicies are the three quantization sites of a convolution.
type SitePolicies struct {
	Input  Policy
	Weight Policy
	Output Policy
}

// Validate checks each site. The weight site is rescaled from scratch on
// every call and cannot carry a running estimate.
func (s SitePolicies) Validate() error {
	for _, site := range []struct {
		name string
		p    Policy
	}{{"input", s.Input}, {"weight", s.Weight}, {"output", s.Output}} {
		if err := site.p.Validate(); err != nil {
			return fmt.Errorf("%s: %w", site.name, err)
		}
	}
	if s.Weight.Mode.Tracked() {
		return fmt.Errorf("%w: weight site cannot use tracked mode %s", ErrInvalidPolicy, s.Weight.Mode)
	}
	if s.Weight.QBit < 2 {
		return fmt.Errorf("%w: weight qbit %d leaves no magnitude bits", ErrInvalidPolicy, s.Weight.QBit)
	}
	return nil
}

func (s SitePolicies) String() string {
	return fmt.Sprintf("input %s\nweight %s\noutput %s", s.Input, s.Weight, s.Output)
}
