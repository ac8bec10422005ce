package cpu

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/23skdu/longbow-crossbar/internal/metrics"
)

var ErrShapeMismatch = errors.New("shape mismatch")

var allocatedBytes int64

func traceAlloc(delta int64) {
	newVal := atomic.AddInt64(&allocatedBytes, delta)
	metrics.RecordTensorMemory(newVal)
}

func AllocatedBytes() int64 {
	return atomic.LoadInt64(&allocatedBytes)
}

// Shape is an NCHW tensor shape. Weights use [out, in/groups, kh, kw].
type Shape [4]int

func (s Shape) Size() int {
	return s[0] * s[1] * s[2] * s[3]
}

func (s Shape) String() string {
	return fmt.Sprintf("[%d %d %d %d]", s[0], s[1], s[2], s[3])
}

type Tensor struct {
	data  []float64
	shape Shape
}

// New wraps data without copying it.
func New(shape Shape, data []float64) (*Tensor, error) {
	if len(data) != shape.Size() {
		return nil, fmt.Errorf("%w: %d values for shape %s", ErrShapeMismatch, len(data), shape)
	}
	return &Tensor{data: data, shape: shape}, nil
}

func Zeros(shape Shape) *Tensor {
	return &Tensor{data: make([]float64, shape.Size()), shape: shape}
}

func Full(shape Shape, v float64) *Tensor {
	t := Zeros(shape)
	for i := range t.data {
		t.data[i] = v
	}
	return t
}

func (t *Tensor) Shape() Shape { return t.shape }

func (t *Tensor) Data() []float64 { return t.data }

func (t *Tensor) Len() int { return len(t.data) }

func (t *Tensor) At(n, c, h, w int) float64 {
	s := t.shape
	return t.data[((n*s[1]+c)*s[2]+h)*s[3]+w]
}

func (t *Tensor) Clone() *Tensor {
	data := make([]float64, len(t.data))
	copy(data, t.data)
	return &Tensor{data: data, shape: t.shape}
}

// Map returns a new tensor with f applied elementwise.
func (t *Tensor) Map(f func(float64) float64) *Tensor {
	out := &Tensor{data: make([]float64, len(t.data)), shape: t.shape}
	for i, v := range t.data {
		out.data[i] = f(v)
	}
	return out
}

// Context hands out scratch tensors from a per-shape pool.
type Context struct {
	mu   sync.Mutex
	pool map[Shape][]*Tensor
}

func NewContext() *Context {
	return &Context{
		pool: make(map[Shape][]*Tensor),
	}
}

func (c *Context) Free() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tensors := range c.pool {
		for _, t := range tensors {
			traceAlloc(-int64(cap(t.data) * 8))
		}
	}
	c.pool = make(map[Shape][]*Tensor)
}

// NewTensor returns a zeroed tensor, reusing a pooled buffer when one fits.
func (c *Context) NewTensor(shape Shape) *Tensor {
	c.mu.Lock()
	pool := c.pool[shape]
	if len(pool) > 0 {
		t := pool[len(pool)-1]
		c.pool[shape] = pool[:len(pool)-1]
		c.mu.Unlock()
		clear(t.data)
		return t
	}
	c.mu.Unlock()

	traceAlloc(int64(shape.Size() * 8))
	return Zeros(shape)
}

func (c *Context) PutTensor(t *Tensor) {
	if t == nil || t.data == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pool[t.shape] = append(c.pool[t.shape], t)
}

// Pooled reports how many tensors of the given shape are waiting for reuse.
func (c *Context) Pooled(shape Shape) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pool[shape])
}

func (c *Context) ReLU(t *Tensor) *Tensor {
	out := c.NewTensor(t.shape)
	for i, v := range t.data {
		if v > 0 {
			out.data[i] = v
		}
	}
	return out
}
