package quic

import (
	"time"

	"github.com/quic-go/quic-go"
)

var (
	qConfig = &quic.Config{
		HandshakeIdleTimeout:       5 * time.Second,
		MaxIdleTimeout:             30 * time.Second,
		KeepAlivePeriod:            5 * time.Second,
		MaxIncomingStreams:         1 << 60,
		MaxIncomingUniStreams:      -1,
		DisablePathMTUDiscovery:    false,
		MaxConnectionReceiveWindow: 30 * (1 << 20), // 30 MB
		MaxStreamReceiveWindow:     6 * (1 << 20),  // 6 MB
		Versions:                   []quic.Version{quic.Version2},
	}
)

// streamCanceled is the application error code sent when a stream is torn
// down before the peer finished writing.
const streamCanceled quic.StreamErrorCode = 0x1
