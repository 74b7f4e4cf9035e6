package weights

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-trit/internal/metrics"
)

const namesMetadataKey = "trit.tensor_names"

// tensorSchema is one row per tensor. Files hold one record batch per tensor so
// that no single binary column exceeds 32-bit offsets.
func tensorSchema(names []string) *arrow.Schema {
	var md *arrow.Metadata
	if len(names) > 0 {
		m := arrow.NewMetadata([]string{namesMetadataKey}, []string{strings.Join(names, "\n")})
		md = &m
	}
	return arrow.NewSchema([]arrow.Field{
		{Name: "name", Type: arrow.BinaryTypes.String},
		{Name: "shape", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64)},
		{Name: "dtype", Type: arrow.BinaryTypes.String},
		{Name: "data", Type: arrow.BinaryTypes.Binary},
	}, md)
}

func buildRecord(mem memory.Allocator, schema *arrow.Schema, tensors ...*Tensor) arrow.Record {
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	names := b.Field(0).(*array.StringBuilder)
	shapes := b.Field(1).(*array.ListBuilder)
	dims := shapes.ValueBuilder().(*array.Int64Builder)
	dtypes := b.Field(2).(*array.StringBuilder)
	data := b.Field(3).(*array.BinaryBuilder)

	for _, t := range tensors {
		names.Append(t.Name)
		shapes.Append(true)
		for _, d := range t.Shape {
			dims.Append(int64(d))
		}
		dtypes.Append(string(t.DType))
		data.Append(t.Data)
	}
	return b.NewRecord()
}

func tensorFromRecord(rec arrow.Record, row int) (*Tensor, error) {
	if rec.NumCols() != 4 {
		return nil, fmt.Errorf("weights: record has %d columns, want 4", rec.NumCols())
	}
	names, ok1 := rec.Column(0).(*array.String)
	shapes, ok2 := rec.Column(1).(*array.List)
	dtypes, ok3 := rec.Column(2).(*array.String)
	data, ok4 := rec.Column(3).(*array.Binary)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, fmt.Errorf("weights: unexpected tensor record schema %s", rec.Schema())
	}
	if row < 0 || row >= int(rec.NumRows()) {
		return nil, fmt.Errorf("weights: row %d out of range (%d rows)", row, rec.NumRows())
	}

	dims, ok := shapes.ListValues().(*array.Int64)
	if !ok {
		return nil, fmt.Errorf("weights: shape column is not list<int64>")
	}
	start, end := shapes.ValueOffsets(row)
	shape := make([]int, 0, end-start)
	for j := start; j < end; j++ {
		shape = append(shape, int(dims.Value(int(j))))
	}

	t := &Tensor{
		Name:  names.Value(row),
		Shape: shape,
		DType: DType(dtypes.Value(row)),
		Data:  append([]byte(nil), data.Value(row)...),
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// WriteArrowFile stores tensors in an Arrow IPC file, one record batch each.
func WriteArrowFile(path string, tensors []*Tensor) (err error) {
	names := make([]string, len(tensors))
	for i, t := range tensors {
		if verr := t.Validate(); verr != nil {
			return verr
		}
		if strings.Contains(t.Name, "\n") {
			return fmt.Errorf("weights: tensor name %q contains a newline", t.Name)
		}
		names[i] = t.Name
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	mem := memory.NewGoAllocator()
	schema := tensorSchema(names)
	w, err := ipc.NewFileWriter(f, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	if err != nil {
		return fmt.Errorf("weights: create arrow writer: %w", err)
	}
	for _, t := range tensors {
		rec := buildRecord(mem, schema, t)
		werr := w.Write(rec)
		rec.Release()
		if werr != nil {
			_ = w.Close()
			return fmt.Errorf("weights: write %s: %w", t.Name, werr)
		}
	}
	return w.Close()
}

// ArrowFileSource reads tensors lazily from a file written by WriteArrowFile.
type ArrowFileSource struct {
	mu    sync.Mutex
	f     *os.File
	r     *ipc.FileReader
	index map[string]int
	names []string
}

// OpenArrowFile opens an Arrow IPC tensor file and indexes it by name.
func OpenArrowFile(path string) (*ArrowFileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("weights: open arrow file %s: %w", path, err)
	}

	s := &ArrowFileSource{f: f, r: r, index: make(map[string]int, r.NumRecords())}
	if err := s.buildIndex(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *ArrowFileSource) buildIndex() error {
	md := s.r.Schema().Metadata()
	if i := md.FindKey(namesMetadataKey); i >= 0 {
		names := strings.Split(md.Values()[i], "\n")
		if len(names) == s.r.NumRecords() {
			for i, n := range names {
				s.index[n] = i
			}
			s.names = names
			return nil
		}
	}
	// No usable name list: read every batch once.
	for i := 0; i < s.r.NumRecords(); i++ {
		rec, err := s.r.RecordAt(i)
		if err != nil {
			return fmt.Errorf("weights: read record %d: %w", i, err)
		}
		if rec.NumRows() > 0 {
			if names, ok := rec.Column(0).(*array.String); ok {
				n := names.Value(0)
				s.index[n] = i
				s.names = append(s.names, n)
			}
		}
		rec.Release()
	}
	return nil
}

func (s *ArrowFileSource) Tensor(ctx context.Context, name string) (*Tensor, error) {
	start := time.Now()
	defer func() { metrics.RecordWeightFetch("arrow_file", time.Since(start)) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[name]
	if !ok {
		return nil, notFound(name)
	}
	rec, err := s.r.RecordAt(i)
	if err != nil {
		return nil, fmt.Errorf("weights: read %s: %w", name, err)
	}
	defer rec.Release()
	return tensorFromRecord(rec, 0)
}

// Names lists the tensors in file order.
func (s *ArrowFileSource) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.names...)
}

func (s *ArrowFileSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.r != nil {
		s.r.Close()
		s.r = nil
	}
	if s.f != nil {
		err := s.f.Close()
		s.f = nil
		return err
	}
	return nil
}
