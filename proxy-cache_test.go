package proxycache

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/always-cache/proxy-cache/cache"
	"github.com/always-cache/proxy-cache/pkg/origin"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func init() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
}

var testNow = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

func dateAgo(d time.Duration) string {
	return testNow.Add(-d).Format("Mon, 02 Jan 2006 15:04:05 GMT")
}

// loopback resolves every host name to 127.0.0.1.
type loopback struct{}

func (loopback) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	return []net.IPAddr{{IP: net.ParseIP("127.0.0.1")}}, nil
}

// testOrigin answers every connection with the same response.
type testOrigin struct {
	port     int
	dials    int32
	mu       sync.Mutex
	requests [][]byte
}

func startOrigin(t *testing.T, response []byte) *testOrigin {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	o := &testOrigin{port: l.Addr().(*net.TCPAddr).Port}
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			atomic.AddInt32(&o.dials, 1)
			go func(conn net.Conn) {
				defer conn.Close()
				req, _ := io.ReadAll(conn)
				o.mu.Lock()
				o.requests = append(o.requests, req)
				o.mu.Unlock()
				conn.Write(response)
			}(conn)
		}
	}()
	return o
}

func (o *testOrigin) Dials() int {
	return int(atomic.LoadInt32(&o.dials))
}

func (o *testOrigin) Request(i int) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if i >= len(o.requests) {
		return ""
	}
	return string(o.requests[i])
}

type testSetup struct {
	proxy  *ProxyCache
	store  *cache.FileCache
	origin *testOrigin
}

func newTestSetup(t *testing.T, response []byte, unevaluableAsMiss bool) testSetup {
	t.Helper()
	store, err := cache.NewFileCache(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	o := startOrigin(t, response)
	logger := log.Logger.Level(zerolog.TraceLevel)
	p := CreateProxy(Config{
		Cache: store,
		Origin: origin.NewFetcher(origin.Config{
			Port:     o.port,
			Resolver: loopback{},
			Logger:   &logger,
		}),
		Logger:            &logger,
		UnevaluableAsMiss: unevaluableAsMiss,
		Now:               func() time.Time { return testNow },
	})
	return testSetup{proxy: p, store: store, origin: o}
}

const pageRequest = "GET http://example.com/page HTTP/1.1\r\nHost: example.com\r\n\r\n"

func TestMissFetchesAndStores(t *testing.T) {
	response := []byte("HTTP/1.1 200 OK\r\nDate: " + dateAgo(0) + "\r\nCache-Control: max-age=60\r\nContent-Length: 5\r\n\r\nhello")
	s := newTestSetup(t, response, false)

	var client bytes.Buffer
	cs, err := s.proxy.Handle(context.Background(), []byte(pageRequest), &client)
	if err != nil {
		t.Fatal(err)
	}
	if got := s.origin.Request(0); got != "GET /page HTTP/1.1\r\nHost: example.com\r\n\r\n" {
		t.Fatalf("Origin received %q", got)
	}
	if !bytes.Equal(client.Bytes(), response) {
		t.Fatalf("Client received %q", client.Bytes())
	}
	if cs.Status != CacheStatusFwd || cs.FwdReason != CacheStatusFwdUriMiss || !cs.Stored {
		t.Fatalf("Cache status is %s", cs)
	}
	stored, err := os.ReadFile(filepath.Join(s.store.Root(), "example.com", "page"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(stored, response) {
		t.Fatalf("Stored %q", stored)
	}
}

func TestSecondRequestFromCache(t *testing.T) {
	response := []byte("HTTP/1.1 200 OK\r\nDate: " + dateAgo(10*time.Second) + "\r\nCache-Control: max-age=30\r\n\r\nhello")
	s := newTestSetup(t, response, false)

	if _, err := s.proxy.Handle(context.Background(), []byte(pageRequest), io.Discard); err != nil {
		t.Fatal(err)
	}
	var client bytes.Buffer
	cs, err := s.proxy.Handle(context.Background(), []byte(pageRequest), &client)
	if err != nil {
		t.Fatal(err)
	}
	if s.origin.Dials() != 1 {
		t.Fatalf("Origin dialed %d times", s.origin.Dials())
	}
	if cs.Status != CacheStatusHit || cs.TimeToLive != 20 {
		t.Fatalf("Cache status is %s", cs)
	}
	if !bytes.Equal(client.Bytes(), response) {
		t.Fatalf("Client received %q", client.Bytes())
	}
}

func TestRootPathUsesDefaultLeaf(t *testing.T) {
	response := []byte("HTTP/1.1 200 OK\r\n\r\nindex")
	s := newTestSetup(t, response, false)

	if _, err := s.proxy.Handle(context.Background(), []byte("GET http://example.com/ HTTP/1.1\r\n\r\n"), io.Discard); err != nil {
		t.Fatal(err)
	}
	if got := s.origin.Request(0); got != "GET / HTTP/1.1\r\nHost: example.com\r\n\r\n" {
		t.Fatalf("Origin received %q", got)
	}
	if _, err := os.Stat(filepath.Join(s.store.Root(), "example.com", "default")); err != nil {
		t.Fatal(err)
	}
}

func TestStaleEntryIsDeletedAndRefetched(t *testing.T) {
	// not cacheable, so the stale entry stays deleted
	response := []byte("HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\n\r\n")
	s := newTestSetup(t, response, false)
	stale := []byte("HTTP/1.1 200 OK\r\nDate: " + dateAgo(10*time.Second) + "\r\nCache-Control: max-age=5\r\n\r\nold")
	s.store.Write("example.com/page", stale)

	var client bytes.Buffer
	cs, err := s.proxy.Handle(context.Background(), []byte(pageRequest), &client)
	if err != nil {
		t.Fatal(err)
	}
	if cs.FwdReason != CacheStatusFwdStale || cs.Stored {
		t.Fatalf("Cache status is %s", cs)
	}
	if !bytes.Equal(client.Bytes(), response) {
		t.Fatalf("Client received %q", client.Bytes())
	}
	if _, found, _ := s.store.Read("example.com/page"); found {
		t.Fatal("Stale entry still present")
	}
}

func TestStaleEntryIsReplaced(t *testing.T) {
	response := []byte("HTTP/1.1 200 OK\r\nDate: " + dateAgo(0) + "\r\nCache-Control: max-age=5\r\n\r\nnew")
	s := newTestSetup(t, response, false)
	s.store.Write("example.com/page", []byte("HTTP/1.1 200 OK\r\nDate: "+dateAgo(time.Minute)+"\r\nCache-Control: max-age=5\r\n\r\nold"))

	if _, err := s.proxy.Handle(context.Background(), []byte(pageRequest), io.Discard); err != nil {
		t.Fatal(err)
	}
	stored, _, _ := s.store.Read("example.com/page")
	if !bytes.Equal(stored, response) {
		t.Fatalf("Stored %q", stored)
	}
}

func TestUnevaluableEntryFailsRequest(t *testing.T) {
	s := newTestSetup(t, []byte("HTTP/1.1 200 OK\r\n\r\n"), false)
	entry := []byte("HTTP/1.1 200 OK\r\nCache-Control: max-age=60\r\n\r\nno date")
	s.store.Write("example.com/page", entry)

	var client bytes.Buffer
	_, err := s.proxy.Handle(context.Background(), []byte(pageRequest), &client)
	if !errors.Is(err, ErrCacheUnevaluable) {
		t.Fatalf("Expected unevaluable error, got %v", err)
	}
	if client.Len() != 0 {
		t.Fatalf("Client received %q", client.Bytes())
	}
	if s.origin.Dials() != 0 {
		t.Fatalf("Origin dialed %d times", s.origin.Dials())
	}
	if stored, _, _ := s.store.Read("example.com/page"); !bytes.Equal(stored, entry) {
		t.Fatal("Unevaluable entry changed")
	}
}

func TestUnevaluableAsMiss(t *testing.T) {
	response := []byte("HTTP/1.1 200 OK\r\nDate: " + dateAgo(0) + "\r\nCache-Control: max-age=60\r\n\r\nfresh")
	s := newTestSetup(t, response, true)
	s.store.Write("example.com/page", []byte("HTTP/1.1 200 OK\r\n\r\nno cache-control"))

	var client bytes.Buffer
	cs, err := s.proxy.Handle(context.Background(), []byte(pageRequest), &client)
	if err != nil {
		t.Fatal(err)
	}
	if cs.FwdReason != CacheStatusFwdMiss || cs.Detail == "" || !cs.Stored {
		t.Fatalf("Cache status is %s", cs)
	}
	if !bytes.Equal(client.Bytes(), response) {
		t.Fatalf("Client received %q", client.Bytes())
	}
}

func TestCacheability(t *testing.T) {
	cases := map[string]bool{
		"HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n":                           true,
		"HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\n\r\n":                    false,
		"HTTP/1.1 404 Not Found\r\nCache-Control: max-age=60\r\n\r\n":            true,
		"HTTP/1.1 500 Internal Server Error\r\nCache-Control: no-store\r\n\r\n": false,
	}
	for response, cacheable := range cases {
		s := newTestSetup(t, []byte(response), false)
		cs, err := s.proxy.Handle(context.Background(), []byte(pageRequest), io.Discard)
		if err != nil {
			t.Fatal(err)
		}
		_, found, _ := s.store.Read("example.com/page")
		if cs.Stored != cacheable || found != cacheable {
			t.Fatalf("%q: stored %v, found %v", response, cs.Stored, found)
		}
	}
}

func TestMalformedRequest(t *testing.T) {
	s := newTestSetup(t, []byte("HTTP/1.1 200 OK\r\n\r\n"), false)
	for _, req := range []string{"", "GET /\r\n", "GET http://example.com/ HTTP/1.1 extra\r\n", "GET http:///x HTTP/1.1\r\n"} {
		var client bytes.Buffer
		_, err := s.proxy.Handle(context.Background(), []byte(req), &client)
		if !errors.Is(err, ErrMalformedRequest) {
			t.Fatalf("%q: expected malformed request, got %v", req, err)
		}
		if client.Len() != 0 {
			t.Fatalf("%q: client received %q", req, client.Bytes())
		}
	}
	if s.origin.Dials() != 0 {
		t.Fatalf("Origin dialed %d times", s.origin.Dials())
	}
}

func TestOriginUnreachable(t *testing.T) {
	store := cache.NewMemCache()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	p := CreateProxy(Config{
		Cache:  store,
		Origin: origin.NewFetcher(origin.Config{Port: port, Resolver: loopback{}, Logger: &log.Logger}),
		Logger: &log.Logger,
	})
	var client bytes.Buffer
	_, err = p.Handle(context.Background(), []byte(pageRequest), &client)
	if !errors.Is(err, ErrOriginUnreachable) {
		t.Fatalf("Expected unreachable origin, got %v", err)
	}
	if client.Len() != 0 {
		t.Fatalf("Client received %q", client.Bytes())
	}
}

type failingCache struct {
	cache.MemCache
}

func (failingCache) Read(key string) ([]byte, bool, error) {
	return nil, false, &cache.IOError{Op: "read", Key: key, Err: os.ErrPermission}
}

func TestStoreFailure(t *testing.T) {
	p := CreateProxy(Config{
		Cache:  failingCache{cache.NewMemCache()},
		Logger: &log.Logger,
	})
	_, err := p.Handle(context.Background(), []byte(pageRequest), io.Discard)
	if !errors.Is(err, ErrIOFailure) || !errors.Is(err, os.ErrPermission) {
		t.Fatalf("Expected i/o failure, got %v", err)
	}
}

func TestCacheStatusString(t *testing.T) {
	cs := CacheStatus{}
	cs.Forward(CacheStatusFwdStale)
	cs.Stored = true
	if s := cs.String(); s != "ProxyCache; fwd=stale; stored" {
		t.Fatalf("Cache status is %s", s)
	}
	cs = CacheStatus{TimeToLive: 20}
	cs.Hit()
	if s := cs.String(); s != "ProxyCache; hit; ttl=20" {
		t.Fatalf("Cache status is %s", s)
	}
}

func TestExchangeLogLine(t *testing.T) {
	response := []byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	o := startOrigin(t, response)
	var logs bytes.Buffer
	logger := zerolog.New(&logs).Level(zerolog.DebugLevel)
	p := CreateProxy(Config{
		Cache:  cache.NewMemCache(),
		Origin: origin.NewFetcher(origin.Config{Port: o.port, Resolver: loopback{}, Logger: &logger}),
		Logger: &logger,
	})
	if _, err := p.Handle(context.Background(), []byte(pageRequest), io.Discard); err != nil {
		t.Fatal(err)
	}
	line := logs.String()
	for _, field := range []string{
		`"cacheStatus":"ProxyCache; fwd=uri-miss; stored"`,
		`"bytes":` + strconv.Itoa(len(response)),
		`"key":"example.com/page"`,
	} {
		if !strings.Contains(line, field) {
			t.Fatalf("Log lacks %s:\n%s", field, line)
		}
	}
}
