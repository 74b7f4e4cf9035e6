// Package weights supplies named tensors to the model loader from memory, Arrow IPC
// files or a remote Arrow Flight service.
package weights

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// ErrNotFound is returned when a source has no tensor with the requested name.
var ErrNotFound = errors.New("weights: tensor not found")

type DType string

const (
	Float32 DType = "f32"
	Float16 DType = "f16"
	Uint8   DType = "u8"
)

func (d DType) size() int {
	switch d {
	case Float32:
		return 4
	case Float16:
		return 2
	case Uint8:
		return 1
	}
	return 0
}

// Tensor is a named, shaped buffer in little-endian byte order.
type Tensor struct {
	Name  string
	Shape []int
	DType DType
	Data  []byte
}

// Source hands out tensors by name.
type Source interface {
	Tensor(ctx context.Context, name string) (*Tensor, error)
	Close() error
}

// Elements is the product of the shape.
func (t *Tensor) Elements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Validate checks that the buffer length matches shape and dtype.
func (t *Tensor) Validate() error {
	sz := t.DType.size()
	if sz == 0 {
		return fmt.Errorf("weights: %s: unknown dtype %q", t.Name, t.DType)
	}
	for _, d := range t.Shape {
		if d < 0 {
			return fmt.Errorf("weights: %s: negative dimension in %v", t.Name, t.Shape)
		}
	}
	if want := t.Elements() * sz; len(t.Data) != want {
		return fmt.Errorf("weights: %s: %d bytes for shape %v %s, want %d", t.Name, len(t.Data), t.Shape, t.DType, want)
	}
	return nil
}

// Float32s decodes an f32 or f16 tensor.
func (t *Tensor) Float32s() ([]float32, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	n := t.Elements()
	out := make([]float32, n)
	switch t.DType {
	case Float32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.Data[4*i:]))
		}
	case Float16:
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(t.Data[2*i:])).Float32()
		}
	default:
		return nil, fmt.Errorf("weights: %s: dtype %s is not floating point", t.Name, t.DType)
	}
	return out, nil
}

// Bytes returns the raw buffer of a u8 tensor.
func (t *Tensor) Bytes() ([]byte, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if t.DType != Uint8 {
		return nil, fmt.Errorf("weights: %s: dtype %s is not u8", t.Name, t.DType)
	}
	return t.Data, nil
}

func NewFloat32(name string, shape []int, values []float32) *Tensor {
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(v))
	}
	return &Tensor{Name: name, Shape: shape, DType: Float32, Data: data}
}

// NewFloat16 rounds values to half precision.
func NewFloat16(name string, shape []int, values []float32) *Tensor {
	data := make([]byte, 2*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint16(data[2*i:], float16.Fromfloat32(v).Bits())
	}
	return &Tensor{Name: name, Shape: shape, DType: Float16, Data: data}
}

func NewUint8(name string, shape []int, data []byte) *Tensor {
	return &Tensor{Name: name, Shape: shape, DType: Uint8, Data: data}
}

func notFound(name string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, name)
}
