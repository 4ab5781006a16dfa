package proxy

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"
)

// chunkedReader serves its chunks one Read at a time, then EOF.
type chunkedReader struct {
	chunks [][]byte
}

func (r *chunkedReader) Read(b []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(b, r.chunks[0])
	if n < len(r.chunks[0]) {
		r.chunks[0] = r.chunks[0][n:]
	} else {
		r.chunks = r.chunks[1:]
	}
	return n, nil
}

// classify runs a default Detector over chunks served one Read at a time.
func classify(t *testing.T, chunks ...[]byte) (*Resolution, error) {
	t.Helper()
	d := &Detector{}
	return d.Classify(&chunkedReader{chunks: chunks})
}

func TestClassify_Connect(t *testing.T) {
	res, err := classify(t, []byte("CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n"))
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if res.Host != "example.com" || res.Port != 443 || !res.TLS {
		t.Errorf("got %s:%d tls=%v", res.Host, res.Port, res.TLS)
	}
	if len(res.CarryOver) != 0 {
		t.Errorf("CONNECT carry-over should be empty, got %q", res.CarryOver)
	}
}

func TestClassify_ConnectWithoutHostHeader(t *testing.T) {
	res, err := classify(t, []byte("CONNECT 93.184.216.34:443 HTTP/1.1\r\n\r\n"))
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if res.Host != "93.184.216.34" || res.Port != 443 {
		t.Errorf("got %s:%d", res.Host, res.Port)
	}
}

func TestClassify_ConnectIPv6(t *testing.T) {
	res, err := classify(t, []byte("CONNECT [2606:2800:220:1::1]:443 HTTP/1.1\r\n\r\n"))
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if res.Host != "2606:2800:220:1::1" || res.Port != 443 {
		t.Errorf("got %s:%d", res.Host, res.Port)
	}
}

func TestClassify_ConnectSurplusPreserved(t *testing.T) {
	// A pipelining client may push bytes behind the CONNECT head; they must
	// not be lost.
	res, err := classify(t, []byte("CONNECT example.com:443 HTTP/1.1\r\n\r\n\x16\x03\x01"))
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if !bytes.Equal(res.CarryOver, []byte{0x16, 0x03, 0x01}) {
		t.Errorf("surplus: got %q", res.CarryOver)
	}
}

func TestClassify_ConnectMalformedTarget(t *testing.T) {
	for _, target := range []string{"example.com", ":443", "example.com:", "example.com:notaport", "example.com:99999"} {
		_, err := classify(t, []byte("CONNECT "+target+" HTTP/1.1\r\n\r\n"))
		if !errors.Is(err, ErrInvalidProtocol) {
			t.Errorf("target %q: got %v, want ErrInvalidProtocol", target, err)
		}
	}
}

func TestClassify_PlainHTTP(t *testing.T) {
	raw := []byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")
	res, err := classify(t, raw)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if res.Host != "example.com" || res.Port != 80 || res.TLS {
		t.Errorf("got %s:%d tls=%v", res.Host, res.Port, res.TLS)
	}
	if !bytes.Equal(res.CarryOver, raw) {
		t.Errorf("carry-over: got %q, want the full sniffed request", res.CarryOver)
	}
}

func TestClassify_HostWithExplicitPort(t *testing.T) {
	res, err := classify(t, []byte("GET / HTTP/1.1\r\nHost: example.com:8080\r\n\r\n"))
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if res.Host != "example.com" || res.Port != 8080 {
		t.Errorf("got %s:%d", res.Host, res.Port)
	}
}

func TestClassify_HostHeaderCaseInsensitive(t *testing.T) {
	res, err := classify(t, []byte("GET / HTTP/1.1\r\nhOsT: example.com\r\n\r\n"))
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if res.Host != "example.com" {
		t.Errorf("host: got %q", res.Host)
	}
}

func TestClassify_MissingHost(t *testing.T) {
	_, err := classify(t, []byte("GET / HTTP/1.1\r\n\r\n"))
	if !errors.Is(err, ErrInvalidProtocol) {
		t.Errorf("got %v, want ErrInvalidProtocol", err)
	}
}

func TestClassify_Junk(t *testing.T) {
	_, err := classify(t, []byte("junk data"))
	if !errors.Is(err, ErrInvalidProtocol) {
		t.Errorf("got %v, want ErrInvalidProtocol", err)
	}
}

func TestClassify_JunkFailsWithoutTerminator(t *testing.T) {
	// No CRLF and no further bytes coming: classification must not hang.
	d := &Detector{}
	done := make(chan error, 1)
	go func() {
		_, err := d.Classify(&stuckReader{first: []byte("junk data")})
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, ErrInvalidProtocol) {
			t.Errorf("got %v, want ErrInvalidProtocol", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("classification hung on junk bytes")
	}
}

// stuckReader serves one chunk, then blocks forever.
type stuckReader struct {
	first []byte
}

func (r *stuckReader) Read(b []byte) (int, error) {
	if len(r.first) > 0 {
		n := copy(b, r.first)
		r.first = r.first[n:]
		return n, nil
	}
	select {} // block; the detector must have decided already
}

func TestClassify_SplitAcrossReads(t *testing.T) {
	res, err := classify(t,
		[]byte("GE"),
		[]byte("T / HT"),
		[]byte("TP/1.1\r\nHo"),
		[]byte("st: example.com\r\n\r\n"),
	)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if res.Host != "example.com" || res.Port != 80 {
		t.Errorf("got %s:%d", res.Host, res.Port)
	}
}

func TestClassify_UnknownMethod(t *testing.T) {
	_, err := classify(t, []byte("BREW /coffee HTTP/1.1\r\nHost: pot\r\n\r\n"))
	if !errors.Is(err, ErrInvalidProtocol) {
		t.Errorf("got %v, want ErrInvalidProtocol", err)
	}
}

func TestClassify_NotHTTPVersion(t *testing.T) {
	_, err := classify(t, []byte("GET / SPDY/3\r\nHost: example.com\r\n\r\n"))
	if !errors.Is(err, ErrInvalidProtocol) {
		t.Errorf("got %v, want ErrInvalidProtocol", err)
	}
}

func TestClassify_EOFBeforeComplete(t *testing.T) {
	_, err := classify(t, []byte("GET / HTTP/1.1\r\nHost: exa"))
	if !errors.Is(err, ErrInvalidProtocol) {
		t.Errorf("got %v, want ErrInvalidProtocol", err)
	}
}

func TestClassify_WindowOverflow(t *testing.T) {
	d := &Detector{PeekWindow: 64}
	long := append([]byte("GET / HTTP/1.1\r\nX-Pad: "), bytes.Repeat([]byte("a"), 256)...)
	_, err := d.Classify(&chunkedReader{chunks: [][]byte{long}})
	if !errors.Is(err, ErrInvalidProtocol) {
		t.Errorf("got %v, want ErrInvalidProtocol", err)
	}
}
