package ternary

import "fmt"

// MatVec computes dst[n] = Scales[n] * Σ_k x[k]*code(k,n).
func (l *Layer) MatVec(dst, x []float32) error {
	if len(x) != l.In {
		return &ShapeError{Name: l.Name, Want: fmt.Sprintf("input %d", l.In), Got: fmt.Sprintf("%d", len(x))}
	}
	if len(dst) != l.Out {
		return &ShapeError{Name: l.Name, Want: fmt.Sprintf("output %d", l.Out), Got: fmt.Sprintf("%d", len(dst))}
	}
	l.matVec(dst, x)
	return nil
}

// MatMul applies MatVec to each of rows input rows stored contiguously in x.
func (l *Layer) MatMul(dst, x []float32, rows int) error {
	if rows < 0 || len(x) != rows*l.In {
		return &ShapeError{Name: l.Name, Want: fmt.Sprintf("input %dx%d", rows, l.In), Got: fmt.Sprintf("%d", len(x))}
	}
	if len(dst) != rows*l.Out {
		return &ShapeError{Name: l.Name, Want: fmt.Sprintf("output %dx%d", rows, l.Out), Got: fmt.Sprintf("%d", len(dst))}
	}
	for r := 0; r < rows; r++ {
		l.matVec(dst[r*l.Out:(r+1)*l.Out], x[r*l.In:(r+1)*l.In])
	}
	return nil
}

func (l *Layer) matVec(dst, x []float32) {
	rb := RowBytes(l.In)
	full := l.In / 4
	for n := 0; n < l.Out; n++ {
		row := l.Packed[n*rb : (n+1)*rb]
		var acc float32
		for j := 0; j < full; j++ {
			b := row[j]
			if b == 0 {
				continue
			}
			xs := x[4*j : 4*j+4]
			acc += xs[0] * float32(lut[b&3])
			acc += xs[1] * float32(lut[(b>>2)&3])
			acc += xs[2] * float32(lut[(b>>4)&3])
			acc += xs[3] * float32(lut[(b>>6)&3])
		}
		for k := full * 4; k < l.In; k++ {
			acc += x[k] * float32(decode(row[k/4]>>(2*uint(k%4))))
		}
		dst[n] = acc * l.Scales[n]
	}
}
