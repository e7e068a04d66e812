package netspeed_test

import (
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/makotom/netspeed/dataserver"
	"github.com/makotom/netspeed/netspeed"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newDataServer(t *testing.T) (*httptest.Server, http.Handler) {
	t.Helper()

	handler := dataserver.New(dataserver.Config{Logger: quietLogger()}).Handler()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return srv, handler
}

type progressRecorder struct {
	mu      sync.Mutex
	reports []netspeed.PhaseProgress
}

func (r *progressRecorder) OnProgress(p netspeed.PhaseProgress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, p)
}

func (r *progressRecorder) snapshot() []netspeed.PhaseProgress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]netspeed.PhaseProgress(nil), r.reports...)
}
