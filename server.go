package proxycache

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const maxAcceptDelay = time.Second

// Server accepts client connections and hands each one to its own goroutine.
type Server struct {
	Proxy *ProxyCache
	// Logger to use. The proxy's logger is used if nil.
	Logger *zerolog.Logger
}

// Serve runs the accept loop until ctx is done, then closes the listener
// and waits for the connections in flight.
// Failed accepts are logged and retried with backoff.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	log := s.Proxy.log
	if s.Logger != nil {
		log = *s.Logger
	}
	log = log.With().Str("listen", listener.Addr().String()).Logger()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			listener.Close()
		case <-stop:
		}
	}()

	var conns sync.WaitGroup
	defer conns.Wait()

	var delay time.Duration
	connID := int64(1)
	log.Info().Msg("Waiting for connections")
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				log.Info().Msg("Listener closed")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return errors.Wrap(err, "accept")
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else if delay *= 2; delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			log.Error().Err(err).Dur("retryIn", delay).Msg("Could not accept connection")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
			}
			continue
		}
		delay = 0
		log.Trace().Int64("conn", connID).Str("remote", conn.RemoteAddr().String()).Msg("Accepted connection")
		conns.Add(1)
		go func() {
			defer conns.Done()
			s.Proxy.ServeConn(ctx, conn)
		}()
		connID++
	}
}
