package stream

import (
	"context"
	"io"

	"github.com/pkg/errors"
)

// ChunkSize is the read size of the producer stage.
const ChunkSize = 4096

// Sink receives delimited text in arrival order.
type Sink func(text string) error

// Pump runs the pipeline for one response: a producer goroutine reads body
// chunks, the calling goroutine reassembles them and hands the output to
// sink. Pump always closes body and returns only after the producer exits.
//
// On cancellation it stops before the next sink call, drops buffered state and
// returns ctx.Err() without flushing a pending close delimiter. A read error is
// returned wrapped; io.EOF ends the response normally.
func Pump(ctx context.Context, body io.ReadCloser, sink Sink) error {
	chunks := make(chan []byte)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	exited := make(chan struct{})

	go func() {
		defer close(exited)
		defer close(chunks)
		buf := make([]byte, ChunkSize)
		for {
			n, err := body.Read(buf)
			if n > 0 {
				c := append([]byte(nil), buf[:n]...)
				select {
				case chunks <- c:
				case <-stop:
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					readErr <- err
				}
				return
			}
		}
	}()
	defer func() {
		close(stop)
		_ = body.Close()
		<-exited
	}()

	r := NewReassembler()
	emit := func(text string) error {
		if text == "" {
			return nil
		}
		return sink(text)
	}
	for {
		if err := ctx.Err(); err != nil {
			r.Reset()
			return err
		}
		select {
		case <-ctx.Done():
			r.Reset()
			return ctx.Err()
		case c, ok := <-chunks:
			if !ok {
				select {
				case err := <-readErr:
					r.Reset()
					if ctx.Err() != nil {
						return ctx.Err()
					}
					return errors.Wrap(err, "read upstream body")
				default:
				}
				return emit(r.Close())
			}
			if ctx.Err() != nil {
				r.Reset()
				return ctx.Err()
			}
			if err := emit(r.Feed(c)); err != nil {
				r.Reset()
				return err
			}
		}
	}
}
