package protocol

import (
	"encoding/gob"
	"io"
	"net/http"
)

// Name is the ALPN protocol identifier of the stream tunnel.
const (
	Name = "tunsock"
)

// Constants representing QUIC application error codes.
const (
	ApplicationOK = 0x0
)

// ConnectRequest asks the proxy to open a tunnel to Address. It is the first
// message on a fresh stream; tunnel bytes follow it.
type ConnectRequest struct {
	Address string
	Header  http.Header
}

// ConnectResponse is the proxy's answer to a ConnectRequest. On a 2xx status
// tunnel bytes follow it; otherwise exactly Content-Length bytes of diagnostic
// body follow and the proxy closes the stream.
type ConnectResponse struct {
	StatusCode int
	Status     string
	Header     http.Header
}

// Decoder wraps the gob decoder for a specific type.
type Decoder[T any] struct {
	dec *gob.Decoder
}

// NewDecoder initializes a new Decoder for type T. Pass an io.ByteReader such
// as a *bufio.Reader when bytes following the message must remain readable.
func NewDecoder[T any](rd io.Reader) Decoder[T] {
	return Decoder[T]{dec: gob.NewDecoder(rd)}
}

// Decode decodes the next value from the stream.
func (d Decoder[T]) Decode() (T, error) {
	var t T
	err := d.dec.Decode(&t)
	return t, err
}

// Encoder wraps the gob encoder for a specific type.
type Encoder[T any] struct {
	enc *gob.Encoder
}

// NewEncoder initializes a new Encoder for type T.
func NewEncoder[T any](wr io.Writer) Encoder[T] {
	return Encoder[T]{enc: gob.NewEncoder(wr)}
}

// Encode encodes the provided value to the stream.
func (e Encoder[T]) Encode(t T) error {
	return e.enc.Encode(&t)
}
