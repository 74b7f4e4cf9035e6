// Package cpu holds the dense float32 kernels used around the ternary projections.
// All kernels are single-threaded and write into caller-provided buffers.
package cpu

import "math"

// RMSNorm writes x_i / sqrt(mean(x^2)+eps) * w_i into dst.
func RMSNorm(dst, x, w []float32, eps float32) {
	n := len(x)
	var sum float32
	for _, v := range x {
		sum += v * v
	}
	inv := float32(1.0 / math.Sqrt(float64(sum/float32(n))+float64(eps)))
	for i := 0; i < n; i++ {
		dst[i] = x[i] * inv * w[i]
	}
}

// RMSNormBatch normalizes each dim-wide row of x independently.
func RMSNormBatch(dst, x, w []float32, dim int, eps float32) {
	for off := 0; off+dim <= len(x); off += dim {
		RMSNorm(dst[off:off+dim], x[off:off+dim], w, eps)
	}
}

// Softmax normalizes x in place, subtracting the maximum before exponentiating.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	max := x[0]
	for _, v := range x[1:] {
		if v > max {
			max = v
		}
	}
	var sum float32
	for i := range x {
		x[i] = float32(math.Exp(float64(x[i] - max)))
		sum += x[i]
	}
	inv := 1 / sum
	for i := range x {
		x[i] *= inv
	}
}

// SiLU is v * sigmoid(v).
func SiLU(v float32) float32 {
	return v / (1 + float32(math.Exp(float64(-v))))
}

// SwiGLU writes silu(gate_i) * up_i into dst.
func SwiGLU(dst, gate, up []float32) {
	for i := range dst {
		dst[i] = SiLU(gate[i]) * up[i]
	}
}

// Add accumulates b into a.
func Add(a, b []float32) {
	for i := range a {
		a[i] += b[i]
	}
}

// Dot is the inner product of two equal-length vectors.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// Axpy accumulates alpha*x into y.
func Axpy(y []float32, alpha float32, x []float32) {
	for i := range y {
		y[i] += alpha * x[i]
	}
}

// MatVec multiplies a row-major rows x cols matrix by x.
func MatVec(dst, w, x []float32, rows, cols int) {
	for r := 0; r < rows; r++ {
		dst[r] = Dot(w[r*cols:(r+1)*cols], x)
	}
}

// Argmax returns the index of the largest value, the first one on ties.
func Argmax(x []float32) int {
	best := 0
	for i, v := range x {
		if v > x[best] {
			best = i
		}
	}
	return best
}
