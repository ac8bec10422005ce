package cpu

import (
	"fmt"
	"runtime"
	"sync"
)

// Geometry is the stride/padding/dilation/groups of a 2D convolution.
// Index 0 is height, index 1 is width.
type Geometry struct {
	Stride   [2]int
	Padding  [2]int
	Dilation [2]int
	Groups   int
}

func DefaultGeometry() Geometry {
	return Geometry{
		Stride:   [2]int{1, 1},
		Dilation: [2]int{1, 1},
		Groups:   1,
	}
}

func (g Geometry) Validate() error {
	for i := 0; i < 2; i++ {
		if g.Stride[i] <= 0 {
			return fmt.Errorf("invalid stride: %v (must be positive)", g.Stride)
		}
		if g.Padding[i] < 0 {
			return fmt.Errorf("invalid padding: %v (must be non-negative)", g.Padding)
		}
		if g.Dilation[i] <= 0 {
			return fmt.Errorf("invalid dilation: %v (must be positive)", g.Dilation)
		}
	}
	if g.Groups <= 0 {
		return fmt.Errorf("invalid groups: %d (must be positive)", g.Groups)
	}
	return nil
}

// OutputShape checks that input and weight agree with the geometry and
// returns the shape of the convolution result.
func (g Geometry) OutputShape(in, w Shape) (Shape, error) {
	if err := g.Validate(); err != nil {
		return Shape{}, err
	}
	if in[1]%g.Groups != 0 || w[0]%g.Groups != 0 {
		return Shape{}, fmt.Errorf("%w: channels in=%d out=%d not divisible by groups=%d", ErrShapeMismatch, in[1], w[0], g.Groups)
	}
	if w[1] != in[1]/g.Groups {
		return Shape{}, fmt.Errorf("%w: weight %s expects %d input channels per group, input %s has %d", ErrShapeMismatch, w, w[1], in, in[1]/g.Groups)
	}
	oh := (in[2]+2*g.Padding[0]-g.Dilation[0]*(w[2]-1)-1)/g.Stride[0] + 1
	ow := (in[3]+2*g.Padding[1]-g.Dilation[1]*(w[3]-1)-1)/g.Stride[1] + 1
	if oh <= 0 || ow <= 0 {
		return Shape{}, fmt.Errorf("%w: kernel %dx%d does not fit input %s", ErrShapeMismatch, w[2], w[3], in)
	}
	return Shape{in[0], w[0], oh, ow}, nil
}

// Conv2D computes a grouped, dilated 2D cross-correlation. bias may be nil.
func (c *Context) Conv2D(input, weight *Tensor, bias []float64, g Geometry) (*Tensor, error) {
	is, ws := input.shape, weight.shape
	os, err := g.OutputShape(is, ws)
	if err != nil {
		return nil, err
	}
	if bias != nil && len(bias) != ws[0] {
		return nil, fmt.Errorf("%w: bias has %d values, weight has %d filters", ErrShapeMismatch, len(bias), ws[0])
	}

	out := c.NewTensor(os)
	in, w, o := input.data, weight.data, out.data
	outPerGroup := ws[0] / g.Groups
	cpg := ws[1]
	outPlane := os[2] * os[3]

	rows := os[0] * os[1]
	parallelism := runtime.NumCPU()
	chunkSize := (rows + parallelism - 1) / parallelism
	var wg sync.WaitGroup
	for i := 0; i < rows; i += chunkSize {
		end := i + chunkSize
		if end > rows {
			end = rows
		}
		wg.Add(1)
		go func(rowStart, rowEnd int) {
			defer wg.Done()
			for row := rowStart; row < rowEnd; row++ {
				n, oc := row/os[1], row%os[1]
				icBase := (oc / outPerGroup) * cpg
				dst := o[row*outPlane : (row+1)*outPlane]
				for oh := 0; oh < os[2]; oh++ {
					for ow := 0; ow < os[3]; ow++ {
						var sum float64
						if bias != nil {
							sum = bias[oc]
						}
						for ic := 0; ic < cpg; ic++ {
							inOff := (n*is[1] + icBase + ic) * is[2] * is[3]
							wOff := (oc*cpg + ic) * ws[2] * ws[3]
							for kh := 0; kh < ws[2]; kh++ {
								ih := oh*g.Stride[0] - g.Padding[0] + kh*g.Dilation[0]
								if ih < 0 || ih >= is[2] {
									continue
								}
								for kw := 0; kw < ws[3]; kw++ {
									iw := ow*g.Stride[1] - g.Padding[1] + kw*g.Dilation[1]
									if iw < 0 || iw >= is[3] {
										continue
									}
									sum += in[inOff+ih*is[3]+iw] * w[wOff+kh*ws[3]+kw]
								}
							}
						}
						dst[oh*os[3]+ow] = sum
					}
				}
			}
		}(i, end)
	}
	wg.Wait()
	return out, nil
}

// Conv2DBackward returns the gradients of a Conv2D with respect to its input,
// weight and bias given the gradient of its output.
func (c *Context) Conv2DBackward(input, weight, gradOut *Tensor, g Geometry) (*Tensor, *Tensor, []float64, error) {
	is, ws := input.shape, weight.shape
	os, err := g.OutputShape(is, ws)
	if err != nil {
		return nil, nil, nil, err
	}
	if gradOut.shape != os {
		return nil, nil, nil, fmt.Errorf("%w: gradient %s, expected %s", ErrShapeMismatch, gradOut.shape, os)
	}

	gradIn := Zeros(is)
	gradW := c.NewTensor(ws)
	gradB := make([]float64, ws[0])
	in, w, gout := input.data, weight.data, gradOut.data
	outPerGroup := ws[0] / g.Groups
	cpg := ws[1]

	// Each filter owns its slice of gradW and gradB, so filters run in parallel.
	var wg sync.WaitGroup
	for oc := 0; oc < ws[0]; oc++ {
		wg.Add(1)
		go func(oc int) {
			defer wg.Done()
			icBase := (oc / outPerGroup) * cpg
			for n := 0; n < os[0]; n++ {
				gOff := (n*os[1] + oc) * os[2] * os[3]
				for oh := 0; oh < os[2]; oh++ {
					for ow := 0; ow < os[3]; ow++ {
						gv := gout[gOff+oh*os[3]+ow]
						gradB[oc] += gv
						if gv == 0 {
							continue
						}
						for ic := 0; ic < cpg; ic++ {
							inOff := (n*is[1] + icBase + ic) * is[2] * is[3]
							wOff := (oc*cpg + ic) * ws[2] * ws[3]
							for kh := 0; kh < ws[2]; kh++ {
								ih := oh*g.Stride[0] - g.Padding[0] + kh*g.Dilation[0]
								if ih < 0 || ih >= is[2] {
									continue
								}
								for kw := 0; kw < ws[3]; kw++ {
									iw := ow*g.Stride[1] - g.Padding[1] + kw*g.Dilation[1]
									if iw < 0 || iw >= is[3] {
										continue
									}
									gradW.data[wOff+kh*ws[3]+kw] += gv * in[inOff+ih*is[3]+iw]
								}
							}
						}
					}
				}
			}
		}(oc)
	}
	wg.Wait()

	// Input gradients overlap across filters; accumulate per sample.
	for n := 0; n < os[0]; n++ {
		for oc := 0; oc < ws[0]; oc++ {
			icBase := (oc / outPerGroup) * cpg
			gOff := (n*os[1] + oc) * os[2] * os[3]
			for oh := 0; oh < os[2]; oh++ {
				for ow := 0; ow < os[3]; ow++ {
					gv := gout[gOff+oh*os[3]+ow]
					if gv == 0 {
						continue
					}
					for ic := 0; ic < cpg; ic++ {
						inOff := (n*is[1] + icBase + ic) * is[2] * is[3]
						wOff := (oc*cpg + ic) * ws[2] * ws[3]
						for kh := 0; kh < ws[2]; kh++ {
							ih := oh*g.Stride[0] - g.Padding[0] + kh*g.Dilation[0]
							if ih < 0 || ih >= is[2] {
								continue
							}
							for kw := 0; kw < ws[3]; kw++ {
								iw := ow*g.Stride[1] - g.Padding[1] + kw*g.Dilation[1]
								if iw < 0 || iw >= is[3] {
									continue
								}
								gradIn.data[inOff+ih*is[3]+iw] += gv * w[wOff+kh*ws[3]+kw]
							}
						}
					}
				}
			}
		}
	}

	return gradIn, gradW, gradB, nil
}
