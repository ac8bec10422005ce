package report

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-crossbar/internal/logger"
	"github.com/23skdu/longbow-crossbar/internal/metrics"
)

// DefaultPath is the Flight descriptor path reports are pushed under.
var DefaultPath = []string{"crossbar", "power"}

var ErrNotConnected = errors.New("flight client not connected, call Connect() first")

// FlightExporter pushes power reports to an Arrow Flight server with DoPut.
type FlightExporter struct {
	client  flight.Client
	addr    string
	path    []string
	timeout time.Duration
}

func NewFlightExporter(addr string) *FlightExporter {
	return &FlightExporter{
		addr:    addr,
		path:    DefaultPath,
		timeout: 30 * time.Second,
	}
}

// Connect dials the Flight server over plaintext gRPC.
func (fe *FlightExporter) Connect(ctx context.Context) error {
	client, err := flight.NewClientWithMiddleware(fe.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create Flight client: %w", err)
	}
	fe.client = client
	return nil
}

func (fe *FlightExporter) Close() error {
	if fe.client != nil {
		err := fe.client.Close()
		fe.client = nil
		return err
	}
	return nil
}

// Export sends rows as a single record batch and waits for the server to
// finish reading the stream.
func (fe *FlightExporter) Export(ctx context.Context, rows []Row) error {
	if fe.client == nil {
		return ErrNotConnected
	}
	if len(rows) == 0 {
		return fmt.Errorf("no report rows provided")
	}

	ctx, cancel := context.WithTimeout(ctx, fe.timeout)
	defer cancel()

	stream, err := fe.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("failed to open DoPut stream: %w", err)
	}

	mem := memory.NewGoAllocator()
	rec := NewRecord(mem, rows)
	defer rec.Release()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(Schema), ipc.WithAllocator(mem))
	w.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: fe.path,
	})
	if err := w.Write(rec); err != nil {
		w.Close()
		return fmt.Errorf("failed to write report batch: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close report writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("failed to close DoPut stream: %w", err)
	}
	for {
		if _, err := stream.Recv(); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("DoPut failed: %w", err)
		}
	}

	metrics.RecordReportExport("flight", len(rows))
	logger.Log.Info("power report exported", "addr", fe.addr, "rows", len(rows))
	return nil
}
