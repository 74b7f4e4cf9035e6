package ternary

import "fmt"

// 2-bit codes. 0b11 is never produced by Pack and decodes to zero.
const (
	codeZero  = 0b00
	codePlus  = 0b01
	codeMinus = 0b10
)

// lut maps the low two bits of a byte to a ternary value.
var lut = [4]int8{0, 1, -1, 0}

func decode(b byte) int8 {
	return lut[b&0b11]
}

func encode(v int8) (byte, error) {
	switch v {
	case 0:
		return codeZero, nil
	case 1:
		return codePlus, nil
	case -1:
		return codeMinus, nil
	}
	return 0, fmt.Errorf("ternary: value %d not in {-1,0,+1}", v)
}

// Pack encodes a row-major Out x In matrix of ternary values. Each row is padded
// to RowBytes(in) bytes; padding codes are zero.
func Pack(values []int8, in, out int) ([]byte, error) {
	if len(values) != in*out {
		return nil, &ShapeError{Want: fmt.Sprintf("%d values", in*out), Got: fmt.Sprintf("%d", len(values))}
	}
	rb := RowBytes(in)
	packed := make([]byte, out*rb)
	for n := 0; n < out; n++ {
		for k := 0; k < in; k++ {
			c, err := encode(values[n*in+k])
			if err != nil {
				return nil, err
			}
			packed[n*rb+k/4] |= c << (2 * uint(k%4))
		}
	}
	return packed, nil
}

// Unpack is the inverse of Pack.
func Unpack(packed []byte, in, out int) ([]int8, error) {
	rb := RowBytes(in)
	if len(packed) != out*rb {
		return nil, &ShapeError{Want: fmt.Sprintf("%d packed bytes", out*rb), Got: fmt.Sprintf("%d", len(packed))}
	}
	values := make([]int8, in*out)
	for n := 0; n < out; n++ {
		row := packed[n*rb : (n+1)*rb]
		for k := 0; k < in; k++ {
			values[n*in+k] = decode(row[k/4] >> (2 * uint(k%4)))
		}
	}
	return values, nil
}

// FromValues packs values and attaches scales in one step.
func FromValues(name string, values []int8, scales []float32, in, out int) (*Layer, error) {
	packed, err := Pack(values, in, out)
	if err != nil {
		if se, ok := err.(*ShapeError); ok {
			se.Name = name
		}
		return nil, err
	}
	return NewLayer(name, packed, scales, in, out)
}
