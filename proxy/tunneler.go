package proxy

import (
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/fr13n8/tunsock/proxy/relay"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const defaultDialTimeout = 5 * time.Second

// tunneler is what the stream and HTTP front ends share: the policy check,
// dialing targets and relaying.
type tunneler struct {
	transport   string
	policy      Policy
	dialTimeout time.Duration
	metrics     *Metrics
}

func newTunneler(transport string, deny []string, dialTimeout time.Duration, metrics *Metrics) tunneler {
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	return tunneler{
		transport:   transport,
		policy:      DenyHosts(deny...),
		dialTimeout: dialTimeout,
		metrics:     metrics,
	}
}

func (t *tunneler) authorize(ctx context.Context, target string, header http.Header) error {
	if err := t.policy(ctx, target, header); err != nil {
		t.metrics.observe(t.transport, resultRejected)
		return err
	}
	return nil
}

func (t *tunneler) dial(ctx context.Context, target string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, t.dialTimeout)
	defer cancel()

	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", target)
	if err != nil {
		t.metrics.observe(t.transport, resultFailed)
		return nil, err
	}
	t.metrics.observe(t.transport, resultEstablished)
	return conn, nil
}

// relay pipes a tunnel to its target and closes both when done.
func (t *tunneler) relay(logger zerolog.Logger, tunnel io.ReadWriteCloser, target net.Conn) {
	done := t.metrics.track(t.transport)
	stats, err := relay.Pipe(tunnel, target)
	done(stats.Up, stats.Down)

	if err != nil {
		logger.Debug().Err(err).Msg("tunnel closed with error")
		return
	}
	logger.Debug().Int64("up", stats.Up).Int64("down", stats.Down).Msg("tunnel closed")
}

func tunnelLogger(transport, target string) zerolog.Logger {
	return log.With().Str("transport", transport).Str("target", target).Logger()
}
