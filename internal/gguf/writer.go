package gguf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

type kvPair struct {
	key   string
	value interface{}
}

// Writer assembles a GGUF v3 image. Metadata and tensors are written in the
// order they were added.
type Writer struct {
	alignment uint64
	kv        []kvPair
	tensors   []*TensorInfo
}

func NewWriter() *Writer {
	return &Writer{alignment: DefaultAlignment}
}

// SetKV adds a metadata pair. Supported values are uint32, int32, uint64,
// int64, float32, float64, bool and string.
func (w *Writer) SetKV(key string, value interface{}) error {
	if _, err := valueType(value); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	for i := range w.kv {
		if w.kv[i].key == key {
			w.kv[i].value = value
			return nil
		}
	}
	w.kv = append(w.kv, kvPair{key, value})
	return nil
}

// AddTensor queues a tensor. shape is outermost first.
func (w *Writer) AddTensor(name string, typ GGMLType, shape []int, data []byte) error {
	if typ.ElementSize() == 0 {
		return ErrUnsupportedType{Name: name, Type: typ}
	}
	dims := make([]uint64, len(shape))
	for i, d := range shape {
		if d < 0 {
			return fmt.Errorf("tensor %s: negative dimension in %v", name, shape)
		}
		dims[len(dims)-1-i] = uint64(d)
	}
	t := &TensorInfo{Name: name, Dimensions: dims, Type: typ, Data: data}
	if uint64(len(data)) != t.SizeBytes() {
		return fmt.Errorf("tensor %s: %d bytes for shape %v %s, want %d", name, len(data), shape, typ, t.SizeBytes())
	}
	for _, o := range w.tensors {
		if o.Name == name {
			return fmt.Errorf("tensor %s: added twice", name)
		}
	}
	w.tensors = append(w.tensors, t)
	return nil
}

// WriteTo emits header, metadata, tensor infos and aligned tensor data.
func (w *Writer) WriteTo(dst io.Writer) (int64, error) {
	cw := &countingWriter{w: dst}
	e := &encoder{w: cw}

	kv := w.kv
	if _, ok := w.lookup(AlignmentKey); !ok {
		kv = append(kv[:len(kv):len(kv)], kvPair{AlignmentKey, uint32(w.alignment)})
	}

	e.u32(GGUFMagic)
	e.u32(GGUFVersion)
	e.u64(uint64(len(w.tensors)))
	e.u64(uint64(len(kv)))
	for _, p := range kv {
		e.str(p.key)
		typ, _ := valueType(p.value)
		e.u32(uint32(typ))
		e.value(p.value)
	}

	var off uint64
	for _, t := range w.tensors {
		t.Offset = off
		off = align(off+t.SizeBytes(), w.alignment)
		e.str(t.Name)
		e.u32(uint32(len(t.Dimensions)))
		for _, d := range t.Dimensions {
			e.u64(d)
		}
		e.u32(uint32(t.Type))
		e.u64(t.Offset)
	}
	if e.err != nil {
		return cw.n, e.err
	}

	dataStart := align(uint64(cw.n), w.alignment)
	e.pad(dataStart - uint64(cw.n))
	for _, t := range w.tensors {
		e.pad(dataStart + t.Offset - uint64(cw.n))
		e.bytes(t.Data)
	}
	return cw.n, e.err
}

// WriteFile writes the image to path.
func (w *Writer) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	if _, err := w.WriteTo(bw); err != nil {
		f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (w *Writer) lookup(key string) (interface{}, bool) {
	for _, p := range w.kv {
		if p.key == key {
			return p.value, true
		}
	}
	return nil, false
}

func valueType(v interface{}) (GGUFMetadataValueType, error) {
	switch v.(type) {
	case uint32:
		return GGUFMetadataValueTypeUint32, nil
	case int32:
		return GGUFMetadataValueTypeInt32, nil
	case uint64:
		return GGUFMetadataValueTypeUint64, nil
	case int64:
		return GGUFMetadataValueTypeInt64, nil
	case float32:
		return GGUFMetadataValueTypeFloat32, nil
	case float64:
		return GGUFMetadataValueTypeFloat64, nil
	case bool:
		return GGUFMetadataValueTypeBool, nil
	case string:
		return GGUFMetadataValueTypeString, nil
	}
	return 0, fmt.Errorf("unsupported metadata value %T", v)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

type encoder struct {
	w   io.Writer
	buf [8]byte
	err error
}

func (e *encoder) bytes(b []byte) {
	if e.err == nil {
		_, e.err = e.w.Write(b)
	}
}

func (e *encoder) pad(n uint64) {
	var zero [DefaultAlignment]byte
	for n > 0 && e.err == nil {
		k := min(n, uint64(len(zero)))
		e.bytes(zero[:k])
		n -= k
	}
}

func (e *encoder) u32(v uint32) {
	binary.LittleEndian.PutUint32(e.buf[:4], v)
	e.bytes(e.buf[:4])
}

func (e *encoder) u64(v uint64) {
	binary.LittleEndian.PutUint64(e.buf[:8], v)
	e.bytes(e.buf[:8])
}

func (e *encoder) str(s string) {
	e.u64(uint64(len(s)))
	e.bytes([]byte(s))
}

func (e *encoder) value(v interface{}) {
	switch v := v.(type) {
	case uint32:
		e.u32(v)
	case int32:
		e.u32(uint32(v))
	case uint64:
		e.u64(v)
	case int64:
		e.u64(uint64(v))
	case float32:
		e.u32(math.Float32bits(v))
	case float64:
		e.u64(math.Float64bits(v))
	case bool:
		if v {
			e.bytes([]byte{1})
		} else {
			e.bytes([]byte{0})
		}
	case string:
		e.str(v)
	}
}
