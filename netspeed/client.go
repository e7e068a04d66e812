package netspeed

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
)

const (
	defaultDialTimeout = 10 * time.Second
)

func udpNetworkFor(protocol string) string {
	return strings.Replace(protocol, "tcp", "udp", 1)
}

// NewHTTPClient returns a client whose connections are pinned to protocol
// ("tcp", "tcp4" or "tcp6"). With useHTTP3 the client speaks HTTP/3 over the
// matching UDP network instead.
//
// The client carries no overall timeout; phases bound their requests through
// contexts.
func NewHTTPClient(protocol string, dialTimeout time.Duration, useHTTP3 bool) *http.Client {
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}

	if useHTTP3 {
		transport := &http3Transport{network: udpNetworkFor(protocol)}
		transport.Transport = &http3.Transport{
			TLSClientConfig:    &tls.Config{},
			DisableCompression: true,
			Dial:               transport.dial,
		}

		return &http.Client{Transport: transport}
	}

	// cf. https://go.googlesource.com/go/+/refs/tags/go1.22.1/src/net/http/transport.go#43
	// cf. https://go.googlesource.com/go/+/refs/tags/go1.22.1/src/net/http/transport.go#140
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: func(ctx context.Context, _, addr string) (net.Conn, error) {
				return (&net.Dialer{
					Timeout:   dialTimeout,
					KeepAlive: 30 * time.Second,
				}).DialContext(ctx, protocol, addr)
			},
			ForceAttemptHTTP2:     true,
			DisableCompression:    true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

// http3Transport dials every QUIC connection through one UDP socket that it
// owns and closes together with the HTTP/3 transport.
type http3Transport struct {
	*http3.Transport
	network string

	mu      sync.Mutex
	udpConn *net.UDPConn
	quic    *quic.Transport
}

func (t *http3Transport) quicTransport() (*quic.Transport, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.quic == nil {
		udpConn, err := net.ListenUDP(t.network, nil)
		if err != nil {
			return nil, errors.Wrap(err, "could not open UDP socket")
		}
		t.udpConn = udpConn
		t.quic = &quic.Transport{Conn: udpConn}
	}

	return t.quic, nil
}

func (t *http3Transport) dial(ctx context.Context, addr string, tlsCfg *tls.Config, cfg *quic.Config) (*quic.Conn, error) {
	udpAddr, err := net.ResolveUDPAddr(t.network, addr)
	if err != nil {
		return nil, errors.Wrapf(err, "could not resolve %s", addr)
	}
	transport, err := t.quicTransport()
	if err != nil {
		return nil, err
	}

	return transport.Dial(ctx, udpAddr, tlsCfg, cfg)
}

func (t *http3Transport) Close() error {
	err := t.Transport.Close()

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.quic != nil {
		// quic.Transport leaves a caller-supplied socket open
		if closeErr := t.quic.Close(); err == nil {
			err = closeErr
		}
		if closeErr := t.udpConn.Close(); err == nil {
			err = closeErr
		}
		t.quic = nil
		t.udpConn = nil
	}

	return err
}

// CloseHTTPClient releases pooled connections of a client built by NewHTTPClient.
func CloseHTTPClient(client *http.Client) {
	client.CloseIdleConnections()
	if closer, ok := client.Transport.(io.Closer); ok {
		_ = closer.Close()
	}
}

func flushHTTPResponse(resp *http.Response) (int64, error) {
	flushedSize, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		resp.Body.Close()
		return flushedSize, err
	}
	err = resp.Body.Close()
	if err != nil {
		return flushedSize, err
	}

	return flushedSize, nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Errorf("unexpected HTTP status %s", resp.Status)
	}
	return nil
}

func endpointURL(baseURL string, path string) string {
	return strings.TrimRight(baseURL, "/") + path
}
