package relay

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog/log"
)

type Stream interface {
	Reader
	WriterCloser
}

type Reader interface {
	io.ReadCloser
}

type WriterCloser interface {
	io.WriteCloser
}

// WriteHalfCloser is implemented by streams that can shut down their sending
// side while the receiving side stays open.
type WriteHalfCloser interface {
	CloseWrite() error
}

// Stats counts the bytes copied in each direction of a pipe.
type Stats struct {
	Up   int64 // downstream -> upstream
	Down int64 // upstream -> downstream
}

// Pipe relays between a tunnel and its origin until both directions are done,
// then closes both.
func Pipe(tunnelConn, originConn io.ReadWriteCloser) (Stats, error) {
	defer originConn.Close()
	defer tunnelConn.Close()

	return PipeBidirectional(tunnelConn, originConn)
}

// PipeBidirectional copies in both directions. When one direction reaches EOF
// its destination is half-closed, so the opposite direction keeps flowing.
func PipeBidirectional(downstream, upstream Stream) (Stats, error) {
	var stats Stats
	errChan := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		var err error
		stats.Up, err = unidirectionalStream(upstream, downstream, "downstream->upstream")
		errChan <- err
	}()

	go func() {
		defer wg.Done()
		var err error
		stats.Down, err = unidirectionalStream(downstream, upstream, "upstream->downstream")
		errChan <- err
	}()

	wg.Wait()

	var errs []error
	for range 2 {
		if err := <-errChan; err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return stats, fmt.Errorf("errors during bidirectional copy: %w", errors.Join(errs...))
	}

	return stats, nil
}

func unidirectionalStream(dst WriterCloser, src Reader, dir string) (written int64, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Msgf("recovered from panic in %s stream: %v", dir, r)
		}
		closeWrite(dst)
	}()
	written, err = Copy(dst, src)
	if err != nil && !IsOKNetworkError(err) {
		log.Error().Msgf("error during %s copy: %v", dir, err)
		return written, err
	}
	log.Debug().Msgf("copied %d bytes in %s direction", written, dir)
	return written, nil
}

// closeWrite signals EOF to the reader of dst, falling back to a full close
// when dst cannot be half-closed.
func closeWrite(dst WriterCloser) {
	if hc, ok := dst.(WriteHalfCloser); ok {
		if err := hc.CloseWrite(); err == nil {
			return
		}
	}
	dst.Close()
}

const defaultBufferSize = 128 * 1024

var bufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, defaultBufferSize)
		return &buf
	},
}

func Copy(dst io.Writer, src io.Reader) (written int64, err error) {
	if wt, ok := src.(io.WriterTo); ok {
		return wt.WriteTo(dst)
	}
	if rf, ok := dst.(io.ReaderFrom); ok {
		return rf.ReadFrom(src)
	}

	buffer := bufferPool.Get().(*[]byte)
	defer bufferPool.Put(buffer)

	return io.CopyBuffer(dst, src, *buffer)
}
