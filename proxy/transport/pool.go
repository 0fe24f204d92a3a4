package transport

import (
	"context"
)

// StreamPool keeps a few opened streams ready so a tunnel request does not
// wait for a stream to be opened.
type StreamPool struct {
	streams chan Stream
	conn    StreamConn
}

// NewStreamPool creates a pool of up to size idle streams.
func NewStreamPool(size int, conn StreamConn) *StreamPool {
	return &StreamPool{
		streams: make(chan Stream, size),
		conn:    conn,
	}
}

func (p *StreamPool) Get(ctx context.Context) (Stream, error) {
	select {
	case stream := <-p.streams:
		return stream, nil
	default:
		// If the pool is empty, create a new stream
		return p.conn.OpenStream(ctx)
	}
}

func (p *StreamPool) Put(stream Stream) {
	select {
	case p.streams <- stream:
		// Stream returned to the pool
	default:
		// Pool is full, close the stream
		stream.Close()
	}
}

// Drain closes every idle stream.
func (p *StreamPool) Drain() {
	for {
		select {
		case stream := <-p.streams:
			stream.Close()
		default:
			return
		}
	}
}
