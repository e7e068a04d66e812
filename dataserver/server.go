// Package dataserver serves the endpoints a netspeed client measures against.
package dataserver

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/makotom/netspeed/netspeed"
)

const shutdownTimeout = 5 * time.Second

// Config controls a Server. Zero values select the defaults.
type Config struct {
	ChunkSize int // download write size, netspeed.DefaultStreamChunkSize when zero
	Logger    *log.Logger
	Source    *netspeed.PayloadSource
}

type Server struct {
	chunkSize int
	logger    *log.Logger
	source    *netspeed.PayloadSource
}

func New(cfg Config) *Server {
	s := &Server{
		chunkSize: cfg.ChunkSize,
		logger:    cfg.Logger,
		source:    cfg.Source,
	}
	if s.chunkSize <= 0 {
		s.chunkSize = netspeed.DefaultStreamChunkSize
	}
	if s.logger == nil {
		s.logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	if s.source == nil {
		s.source = netspeed.NewPayloadSource()
	}
	return s
}

// Handler returns the routed handler with caching disabled on every response.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ping", s.handlePing)
	mux.HandleFunc("GET /download", s.handleDownload)
	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("GET /ip", s.handleIP)

	return s.withClientLog(noCache(mux))
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "server stopped")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown failed")
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server stopped")
	}
	return nil
}

func noCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
		w.Header().Set("Pragma", "no-cache")
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the first X-Forwarded-For hop, or the host part of RemoteAddr.
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if first := strings.TrimSpace(strings.Split(forwarded, ",")[0]); first != "" {
			return first
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) withClientLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()
		w.Header().Set("X-Request-Id", requestID)

		started := time.Now()
		next.ServeHTTP(w, r)

		s.logger.Printf("%s %s size=%s client=%s session=%s id=%s took=%s",
			r.Method, r.URL.Path, r.URL.Query().Get("size"), ClientIP(r), r.URL.Query().Get("session"), requestID, time.Since(started))
	})
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, "pong")
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	size := netspeed.ClampDownloadSize(r.URL.Query().Get("size"))

	// no Content-Length: the body is always sent chunked
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)

	flush := func() {}
	if flusher, ok := w.(http.Flusher); ok {
		flush = flusher.Flush
	}

	if _, err := s.source.WriteStream(w, size, s.chunkSize, flush); err != nil {
		s.logger.Printf("download aborted: %v", err)
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	received, err := io.Copy(io.Discard, r.Body)
	if err != nil {
		s.logger.Printf("upload aborted after %d bytes: %v", received, err)
		http.Error(w, "upload aborted", http.StatusBadRequest)
		return
	}

	writeJSON(w, netspeed.UploadReceipt{
		ReceivedBytesCount:  received,
		ElapsedMilliseconds: float64(time.Since(started)) / float64(time.Millisecond),
	})
}

type ipInfo struct {
	IP string `json:"ip"`
}

func (s *Server) handleIP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, ipInfo{IP: ClientIP(r)})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
