// Package origin fetches responses from origin servers with one minimal
// GET request per connection.
package origin

import (
	"context"
	"io"
	"net"
	"strconv"
	"time"

	rawresponse "github.com/always-cache/proxy-cache/pkg/raw-response"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var ErrOriginUnreachable = errors.New("origin unreachable")

const (
	// DefaultBufferSize is the upper bound of a single origin read.
	DefaultBufferSize = 1000000
	DefaultPort       = 80
)

type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type Config struct {
	// Maximum number of response bytes read from the origin.
	// Anything beyond it is not read. DefaultBufferSize if zero.
	BufferSize int
	// TCP port of origin servers. DefaultPort if zero.
	Port int
	// net.DefaultResolver if nil.
	Resolver Resolver
	// A zero net.Dialer if nil.
	Dialer Dialer
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

type Fetcher struct {
	bufferSize int
	port       int
	resolver   Resolver
	dialer     Dialer
	log        zerolog.Logger
}

// Response is the raw origin response as read in one go.
type Response struct {
	Raw        []byte
	StatusCode int
}

func NewFetcher(config Config) *Fetcher {
	f := &Fetcher{
		bufferSize: config.BufferSize,
		port:       config.Port,
		resolver:   config.Resolver,
		dialer:     config.Dialer,
	}
	if f.bufferSize <= 0 {
		f.bufferSize = DefaultBufferSize
	}
	if f.port <= 0 {
		f.port = DefaultPort
	}
	if f.resolver == nil {
		f.resolver = net.DefaultResolver
	}
	if f.dialer == nil {
		f.dialer = &net.Dialer{}
	}
	if config.Logger == nil {
		f.log = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		f.log = *config.Logger
	}
	return f
}

// BufferSize returns the effective read ceiling.
func (f *Fetcher) BufferSize() int {
	return f.bufferSize
}

// Request returns the exact bytes sent to the origin for host and path.
func Request(host, path string) []byte {
	return []byte("GET " + path + " HTTP/1.1\r\nHost: " + host + "\r\n\r\n")
}

// Fetch sends the request to the origin and returns what a single read
// yields. Responses larger than the buffer, or delivered over several
// segments, are truncated. Failures are not retried.
func (f *Fetcher) Fetch(ctx context.Context, host, path string) (Response, error) {
	log := f.log.With().Str("host", host).Str("path", path).Logger()

	addr, err := f.resolve(ctx, host)
	if err != nil {
		return Response{}, err
	}
	log.Trace().Str("addr", addr).Msg("Connecting to origin")
	conn, err := f.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return Response{}, errors.Wrapf(ErrOriginUnreachable, "dial %s: %v", addr, err)
	}
	defer conn.Close()
	done := make(chan struct{})
	defer close(done)
	go func() {
		// a hung origin must not outlive ctx
		select {
		case <-ctx.Done():
			conn.SetDeadline(time.Now())
		case <-done:
		}
	}()

	if _, err := conn.Write(Request(host, path)); err != nil {
		return Response{}, errors.Wrapf(ErrOriginUnreachable, "send to %s: %v", addr, err)
	}
	log.Trace().Msg("Request sent to origin")
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err != nil {
			log.Trace().Err(err).Msg("Could not half-close origin connection")
		}
	}

	buf := make([]byte, f.bufferSize)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		return Response{}, errors.Wrapf(ErrOriginUnreachable, "receive from %s: %v", addr, err)
	}
	raw := buf[:n]
	res := Response{
		Raw:        raw,
		StatusCode: rawresponse.StatusCode(raw),
	}
	log.Trace().Int("status", res.StatusCode).Int("bytes", n).Msg("Origin done sending")
	return res, nil
}

// resolve prefers IPv4 addresses, falling back to the first one returned.
func (f *Fetcher) resolve(ctx context.Context, host string) (string, error) {
	ips, err := f.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return "", errors.Wrapf(ErrOriginUnreachable, "resolve %s: %v", host, err)
	}
	if len(ips) == 0 {
		return "", errors.Wrapf(ErrOriginUnreachable, "resolve %s: no addresses", host)
	}
	ip := ips[0].IP
	for _, candidate := range ips {
		if candidate.IP.To4() != nil {
			ip = candidate.IP
			break
		}
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(f.port)), nil
}
