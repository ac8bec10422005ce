package quant

// Scales are the factors one forward pass leaves for the power model.
// A fresh value is created per forward call and threaded through the
// input, weight and power steps in that order.
type Scales struct {
	Combined   float64
	Weight     float64
	Activation float64
}

// RunningEstimate is the layer-owned EMA of a site's observed range. It is
// mutable state, not a trainable parameter.
type RunningEstimate struct {
	value float64
}

// NewRunningEstimate starts an estimate at initial.
func NewRunningEstimate(initial float64) *RunningEstimate {
	return &RunningEstimate{value: initial}
}

// Value returns the current estimate.
func (r *RunningEstimate) Value() float64 {
	return r.value
}

// Update folds an observation in: value = momentum*value + (1-momentum)*observed.
func (r *RunningEstimate) Update(momentum, observed float64) float64 {
	r.value = momentum*r.value + (1-momentum)*observed
	return r.value
}
