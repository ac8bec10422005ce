package cpu

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// MaxAbs returns max(|x|), or 0 for an empty tensor.
func MaxAbs(t *Tensor) float64 {
	if len(t.data) == 0 {
		return 0
	}
	return floats.Norm(t.data, math.Inf(1))
}

// Min returns the smallest value, or 0 for an empty tensor.
func Min(t *Tensor) float64 {
	if len(t.data) == 0 {
		return 0
	}
	return floats.Min(t.data)
}

// Sum returns the sum of all values.
func Sum(t *Tensor) float64 {
	return floats.Sum(t.data)
}

// MeanStd returns the mean and the unbiased (n-1) standard deviation.
// A single element has an undefined deviation and yields NaN.
func MeanStd(t *Tensor) (float64, float64) {
	if len(t.data) < 2 {
		if len(t.data) == 1 {
			return t.data[0], math.NaN()
		}
		return math.NaN(), math.NaN()
	}
	return stat.MeanStdDev(t.data, nil)
}

// NonFinite counts NaN and Inf values.
func NonFinite(t *Tensor) (nans, infs int) {
	for _, v := range t.data {
		switch {
		case math.IsNaN(v):
			nans++
		case math.IsInf(v, 0):
			infs++
		}
	}
	return nans, infs
}
