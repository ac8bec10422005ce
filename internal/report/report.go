package report

import (
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-crossbar/internal/metrics"
)

// Row is one layer's state after a forward pass.
type Row struct {
	Layer           string
	Phase           string
	Step            int64
	InputEstimate   float64
	OutputEstimate  float64
	ScaleCombined   float64
	ScaleWeight     float64
	ScaleActivation float64
	Power           float64
}

// Schema is the column layout of a power report.
var Schema = arrow.NewSchema([]arrow.Field{
	{Name: "layer", Type: arrow.BinaryTypes.String},
	{Name: "phase", Type: arrow.BinaryTypes.String},
	{Name: "step", Type: arrow.PrimitiveTypes.Int64},
	{Name: "input_estimate", Type: arrow.PrimitiveTypes.Float64},
	{Name: "output_estimate", Type: arrow.PrimitiveTypes.Float64},
	{Name: "scale_combined", Type: arrow.PrimitiveTypes.Float64},
	{Name: "scale_weight", Type: arrow.PrimitiveTypes.Float64},
	{Name: "scale_activation", Type: arrow.PrimitiveTypes.Float64},
	{Name: "power", Type: arrow.PrimitiveTypes.Float64},
}, nil)

// NewRecord builds a single record batch from rows. The caller releases it.
func NewRecord(mem memory.Allocator, rows []Row) arrow.Record {
	if mem == nil {
		mem = memory.NewGoAllocator()
	}
	b := array.NewRecordBuilder(mem, Schema)
	defer b.Release()

	for _, r := range rows {
		b.Field(0).(*array.StringBuilder).Append(r.Layer)
		b.Field(1).(*array.StringBuilder).Append(r.Phase)
		b.Field(2).(*array.Int64Builder).Append(r.Step)
		b.Field(3).(*array.Float64Builder).Append(r.InputEstimate)
		b.Field(4).(*array.Float64Builder).Append(r.OutputEstimate)
		b.Field(5).(*array.Float64Builder).Append(r.ScaleCombined)
		b.Field(6).(*array.Float64Builder).Append(r.ScaleWeight)
		b.Field(7).(*array.Float64Builder).Append(r.ScaleActivation)
		b.Field(8).(*array.Float64Builder).Append(r.Power)
	}
	return b.NewRecord()
}

// RowsFromRecord decodes a record batch laid out as Schema.
func RowsFromRecord(rec arrow.Record) ([]Row, error) {
	if !rec.Schema().Equal(Schema) {
		return nil, fmt.Errorf("unexpected report schema: %s", rec.Schema())
	}
	layer, ok1 := rec.Column(0).(*array.String)
	phase, ok2 := rec.Column(1).(*array.String)
	step, ok3 := rec.Column(2).(*array.Int64)
	if !ok1 || !ok2 || !ok3 {
		return nil, fmt.Errorf("unexpected report column types")
	}
	floats := make([]*array.Float64, 6)
	for i := range floats {
		col, ok := rec.Column(i + 3).(*array.Float64)
		if !ok {
			return nil, fmt.Errorf("column %s is not float64", Schema.Field(i+3).Name)
		}
		floats[i] = col
	}

	rows := make([]Row, rec.NumRows())
	for i := range rows {
		rows[i] = Row{
			Layer:           layer.Value(i),
			Phase:           phase.Value(i),
			Step:            step.Value(i),
			InputEstimate:   floats[0].Value(i),
			OutputEstimate:  floats[1].Value(i),
			ScaleCombined:   floats[2].Value(i),
			ScaleWeight:     floats[3].Value(i),
			ScaleActivation: floats[4].Value(i),
			Power:           floats[5].Value(i),
		}
	}
	return rows, nil
}

// WriteIPC writes rows to w as an Arrow IPC stream.
func WriteIPC(w io.Writer, rows []Row) error {
	mem := memory.NewGoAllocator()
	rec := NewRecord(mem, rows)
	defer rec.Release()

	iw := ipc.NewWriter(w, ipc.WithSchema(Schema), ipc.WithAllocator(mem))
	if err := iw.Write(rec); err != nil {
		iw.Close()
		return fmt.Errorf("failed to write report batch: %w", err)
	}
	if err := iw.Close(); err != nil {
		return fmt.Errorf("failed to close report stream: %w", err)
	}
	metrics.RecordReportExport("ipc", len(rows))
	return nil
}

// ReadIPC reads every batch of an Arrow IPC stream written by WriteIPC.
func ReadIPC(r io.Reader) ([]Row, error) {
	ir, err := ipc.NewReader(r, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("failed to open report stream: %w", err)
	}
	defer ir.Release()

	var rows []Row
	for ir.Next() {
		batch, err := RowsFromRecord(ir.Record())
		if err != nil {
			return nil, err
		}
		rows = append(rows, batch...)
	}
	if err := ir.Err(); err != nil {
		return nil, fmt.Errorf("failed to read report stream: %w", err)
	}
	return rows, nil
}
