package weights

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-trit/internal/logger"
	"github.com/23skdu/longbow-trit/internal/metrics"
)

// DefaultFlightPort is used when an address has no port.
const DefaultFlightPort = 3000

// FlightService serves the tensors of any Source over Arrow Flight. The ticket is
// the tensor name; each DoGet streams a single one-row record.
type FlightService struct {
	flight.BaseFlightServer
	src Source
	mem memory.Allocator
}

func NewFlightService(src Source) *FlightService {
	return &FlightService{src: src, mem: memory.NewGoAllocator()}
}

func (s *FlightService) DoGet(tkt *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	name := string(tkt.GetTicket())
	t, err := s.src.Tensor(stream.Context(), name)
	if errors.Is(err, ErrNotFound) {
		return status.Error(codes.NotFound, err.Error())
	}
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}

	schema := tensorSchema(nil)
	rec := buildRecord(s.mem, schema, t)
	defer rec.Release()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(schema), ipc.WithAllocator(s.mem))
	defer w.Close()
	return w.Write(rec)
}

// FlightServer owns a listening Flight endpoint.
type FlightServer struct {
	srv flight.Server
}

// ServeFlight starts serving src on addr ("host:port", port 0 picks a free one).
func ServeFlight(addr string, src Source) (*FlightServer, error) {
	srv := flight.NewServerWithMiddleware(nil)
	if err := srv.Init(addr); err != nil {
		return nil, fmt.Errorf("weights: listen %s: %w", addr, err)
	}
	srv.RegisterFlightService(NewFlightService(src))
	go func() {
		if err := srv.Serve(); err != nil {
			logger.Log.Error("flight server stopped", "addr", addr, "error", err)
		}
	}()
	logger.Log.Info("serving weights over flight", "addr", srv.Addr().String())
	return &FlightServer{srv: srv}, nil
}

func (s *FlightServer) Addr() net.Addr { return s.srv.Addr() }

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *FlightServer) Shutdown() { s.srv.Shutdown() }

// FlightSource fetches tensors from a remote FlightService.
type FlightSource struct {
	client  flight.Client
	addr    string
	timeout time.Duration
}

// DialFlight connects to a Flight weight service. Connection establishment is
// lazy; errors surface on the first Tensor call.
func DialFlight(addr string) (*FlightSource, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = fmt.Sprintf("%s:%d", addr, DefaultFlightPort)
	}
	client, err := flight.NewClientWithMiddleware(addr, nil, nil, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("weights: failed to create flight client: %w", err)
	}
	return &FlightSource{client: client, addr: addr, timeout: 30 * time.Second}, nil
}

func (s *FlightSource) Tensor(ctx context.Context, name string) (*Tensor, error) {
	start := time.Now()
	defer func() { metrics.RecordWeightFetch("flight", time.Since(start)) }()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	stream, err := s.client.DoGet(ctx, &flight.Ticket{Ticket: []byte(name)})
	if err != nil {
		return nil, s.mapErr(name, err)
	}
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, s.mapErr(name, err)
	}
	defer rdr.Release()

	if !rdr.Next() {
		if err := rdr.Err(); err != nil {
			return nil, s.mapErr(name, err)
		}
		return nil, notFound(name)
	}
	return tensorFromRecord(rdr.Record(), 0)
}

func (s *FlightSource) mapErr(name string, err error) error {
	if status.Code(err) == codes.NotFound {
		return notFound(name)
	}
	return fmt.Errorf("weights: fetch %s from %s: %w", name, s.addr, err)
}

func (s *FlightSource) Close() error {
	return s.client.Close()
}
