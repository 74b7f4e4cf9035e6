// Package ternary holds linear layers whose weights are restricted to {-1, 0, +1},
// packed four codes per byte with one float32 scale per output channel.
package ternary

import "fmt"

// ShapeError reports a packed tensor or kernel argument whose size does not match
// the layer's declared features.
type ShapeError struct {
	Name string
	Want string
	Got  string
}

func (e *ShapeError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("ternary: shape mismatch: want %s, got %s", e.Want, e.Got)
	}
	return fmt.Sprintf("ternary: %s: shape mismatch: want %s, got %s", e.Name, e.Want, e.Got)
}

// Layer is an immutable ternary projection from In to Out features.
type Layer struct {
	Name   string
	In     int
	Out    int
	Packed []byte    // Out rows of RowBytes(In) bytes
	Scales []float32 // one per output channel
}

// RowBytes is the number of packed bytes holding one output channel of n inputs.
func RowBytes(n int) int {
	return (n + 3) / 4
}

// NewLayer validates the packed buffer and scales against the declared shape.
func NewLayer(name string, packed []byte, scales []float32, in, out int) (*Layer, error) {
	if in <= 0 || out <= 0 {
		return nil, &ShapeError{Name: name, Want: "positive features", Got: fmt.Sprintf("in=%d out=%d", in, out)}
	}
	if want := out * RowBytes(in); len(packed) != want {
		return nil, &ShapeError{Name: name, Want: fmt.Sprintf("%d packed bytes", want), Got: fmt.Sprintf("%d", len(packed))}
	}
	if len(scales) != out {
		return nil, &ShapeError{Name: name, Want: fmt.Sprintf("%d scales", out), Got: fmt.Sprintf("%d", len(scales))}
	}
	return &Layer{Name: name, In: in, Out: out, Packed: packed, Scales: scales}, nil
}

// Code returns the ternary value for input k of output channel n.
func (l *Layer) Code(k, n int) int8 {
	return decode(l.Packed[n*RowBytes(l.In)+k/4] >> (2 * uint(k%4)))
}

// Weight returns the effective weight for input k of output channel n.
func (l *Layer) Weight(k, n int) float32 {
	return float32(l.Code(k, n)) * l.Scales[n]
}

// Dense dequantizes the layer into a row-major Out x In matrix.
func (l *Layer) Dense() []float32 {
	w := make([]float32, l.Out*l.In)
	for n := 0; n < l.Out; n++ {
		for k := 0; k < l.In; k++ {
			w[n*l.In+k] = l.Weight(k, n)
		}
	}
	return w
}

// PackedBytes is the size of the packed code buffer.
func (l *Layer) PackedBytes() int64 {
	return int64(len(l.Packed))
}

// ScaleBytes is the size of the scale table.
func (l *Layer) ScaleBytes() int64 {
	return int64(len(l.Scales)) * 4
}

// FP16Bytes is what the same weights would occupy as dense half precision.
func (l *Layer) FP16Bytes() int64 {
	return int64(l.In) * int64(l.Out) * 2
}
