package queryexec

import (
	"context"
	"time"

	querycore "github.com/lychee-technology/forma"
)

// StreamObserver receives the frames of a streaming response: zero or more
// data-only DataTables followed by exactly one metadata-only DataTable that
// closes the stream. A send error aborts the stream.
type StreamObserver interface {
	Send(dt *querycore.DataTable) error
}

// streamChunkRows bounds how many rows one data frame carries.
const streamChunkRows = 1024

// ExecuteStreaming runs the same front-door pipeline as Execute, framing
// the response as a stream: data chunks carry schema and rows only, and a
// final metadata-only DataTable carries the diagnostic metadata and any
// in-band exceptions. The returned error is fatal-to-request: a decode
// failure (INVALID_ARGUMENT) or a failed stream write (INTERNAL).
func (qe *QueryExecutor) ExecuteStreaming(ctx context.Context, raw []byte, arrival time.Time, observer StreamObserver) error {
	dt, err := qe.Execute(ctx, raw, arrival)
	if err != nil {
		return err
	}

	for start := 0; start < len(dt.Rows); start += streamChunkRows {
		end := start + streamChunkRows
		if end > len(dt.Rows) {
			end = len(dt.Rows)
		}
		chunk := &querycore.DataTable{
			Schema: dt.Schema,
			Rows:   dt.Rows[start:end],
		}
		if err := observer.Send(chunk); err != nil {
			return querycore.NewInternalError("streaming data chunk write failed", err)
		}
	}

	final := &querycore.DataTable{
		Schema:     dt.Schema,
		Metadata:   dt.Metadata,
		Exceptions: dt.Exceptions,
	}
	if err := observer.Send(final); err != nil {
		return querycore.NewInternalError("streaming final metadata write failed", err)
	}
	return nil
}
