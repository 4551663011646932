// Package tak delivers serialized CoT events to a TAK endpoint. Supported
// destinations are tcp://host:port, tls://host:port, and "-" for stdout.
// Events are newline-delimited; a broken connection is redialed with
// exponential backoff and the event that failed is retried, not dropped.
package tak

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrBadDestination reports an unusable destination string.
var ErrBadDestination = errors.New("bad tak destination")

const (
	dialTimeout    = 10 * time.Second
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// Writer drains an event queue into the configured destination.
type Writer struct {
	scheme    string // "tcp", "tls" or "" for stdout
	address   string
	tlsConfig *tls.Config
	logger    *logrus.Logger

	// stdout is swappable for tests.
	stdout io.Writer

	dial func(ctx context.Context) (net.Conn, error)
}

// NewWriter parses the destination and prepares a writer. tlsConfig is only
// consulted for tls:// destinations and may be nil for system defaults.
func NewWriter(dest string, tlsConfig *tls.Config, logger *logrus.Logger) (*Writer, error) {
	w := &Writer{tlsConfig: tlsConfig, logger: logger, stdout: os.Stdout}

	if dest == "-" || dest == "" {
		return w, nil
	}

	u, err := url.Parse(dest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadDestination, err)
	}
	if u.Host == "" || u.Port() == "" {
		return nil, fmt.Errorf("%w: %q needs host:port", ErrBadDestination, dest)
	}

	switch u.Scheme {
	case "tcp", "tls":
		w.scheme = u.Scheme
		w.address = u.Host
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrBadDestination, u.Scheme)
	}
	w.dial = w.dialDestination
	return w, nil
}

// Run writes events until the queue is closed or ctx is cancelled. Connection
// failures are retried forever; only cancellation or queue closure ends the
// loop.
func (w *Writer) Run(ctx context.Context, events <-chan []byte) error {
	var conn net.Conn
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				return nil
			}
			var err error
			conn, err = w.deliver(ctx, conn, event)
			if err != nil {
				return err
			}
		}
	}
}

// deliver writes one event, reconnecting as needed. It returns the connection
// in use afterwards so the caller can carry it to the next event.
func (w *Writer) deliver(ctx context.Context, conn net.Conn, event []byte) (net.Conn, error) {
	if w.scheme == "" {
		_, err := fmt.Fprintf(w.stdout, "%s\n", event)
		return nil, err
	}

	backoff := initialBackoff
	for {
		if conn == nil {
			var err error
			conn, err = w.dial(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				w.logger.WithError(err).WithField("address", w.address).Warn("TAK dial failed, backing off")
				if !sleep(ctx, backoff) {
					return nil, ctx.Err()
				}
				backoff = nextBackoff(backoff)
				continue
			}
			w.logger.WithField("address", w.address).Info("Connected to TAK endpoint")
			backoff = initialBackoff
		}

		if _, err := conn.Write(append(event, '\n')); err != nil {
			w.logger.WithError(err).Warn("TAK write failed, reconnecting")
			conn.Close()
			conn = nil
			continue
		}
		return conn, nil
	}
}

func (w *Writer) dialDestination(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: dialTimeout}
	if w.scheme == "tls" {
		return (&tls.Dialer{NetDialer: dialer, Config: w.tlsConfig}).DialContext(ctx, "tcp", w.address)
	}
	return dialer.DialContext(ctx, "tcp", w.address)
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// sleep waits for d unless ctx is cancelled first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
