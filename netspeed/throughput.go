package netspeed

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultDownloadDuration = 8 * time.Second
	DefaultDownloadPartSize = int64(5 * 1024 * 1024)
	DefaultUploadDuration   = 8 * time.Second
	DefaultUploadChunkSize  = 2 * 1024 * 1024
	DefaultUploadPartSize   = int64(5 * 1024 * 1024)
)

// phaseTally accumulates one phase's totals and turns them into a result.
//
// A transport failure stops the phase. If any bytes made it across, the
// phase still yields a result flagged Partial; otherwise the failure is
// returned as the phase error.
type phaseTally struct {
	phase    Phase
	start    time.Time
	deadline time.Time
	total    int64
	requests int
	failure  error
}

func newPhaseTally(phase Phase, target time.Duration) *phaseTally {
	start := time.Now()

	return &phaseTally{
		phase:    phase,
		start:    start,
		deadline: start.Add(target),
	}
}

func (t *phaseTally) running() bool {
	return time.Now().Before(t.deadline)
}

// absorb classifies a request error. A non-nil return means the caller's
// context was cancelled and the phase must abort without a result.
func (t *phaseTally) absorb(parent context.Context, phaseCtx context.Context, op string, err error) error {
	if parentErr := parent.Err(); parentErr != nil {
		return errors.Wrapf(parentErr, "%s phase interrupted", t.phase)
	}
	if errors.Is(phaseCtx.Err(), context.DeadlineExceeded) || !t.running() {
		return nil
	}

	t.failure = &TransportError{Op: op, Err: err}
	return nil
}

func (t *phaseTally) progress(at time.Time, instant float64) PhaseProgress {
	return PhaseProgress{
		Phase:                t.phase,
		TotalBytes:           t.total,
		Elapsed:              at.Sub(t.start),
		InstantBitsPerSecond: instant,
	}
}

func (t *phaseTally) result() (*ThroughputResult, error) {
	elapsed := time.Since(t.start)

	if t.failure != nil && t.total == 0 {
		return nil, t.failure
	}

	ret, err := NewThroughputResult(t.total, elapsed)
	if err != nil {
		return nil, err
	}
	ret.Requests = t.requests
	if t.failure != nil {
		ret.Partial = true
		ret.Err = t.failure
	}

	return ret, nil
}

func checkPhaseParams(op string, target time.Duration, size int64) error {
	if target <= 0 {
		return preconditionf(op, "target duration must be positive, got %s", target)
	}
	if size <= 0 {
		return preconditionf(op, "size must be positive, got %d", size)
	}
	return nil
}

func cacheBustingQuery(sessionID string, index int) url.Values {
	query := url.Values{}
	query.Set("ts", strconv.FormatInt(time.Now().UnixNano(), 10))
	query.Set("n", strconv.Itoa(index))
	if sessionID != "" {
		query.Set("session", sessionID)
	}
	return query
}

// DownloadPhase repeatedly fetches parts from /download until its target
// duration elapses.
type DownloadPhase struct {
	Client    *http.Client
	BaseURL   string
	SessionID string
	Sink      ProgressSink
}

func (d *DownloadPhase) client() *http.Client {
	if d.Client == nil {
		return http.DefaultClient
	}
	return d.Client
}

// fetchPart streams a single part. It reports true when the phase deadline
// was crossed mid-stream, in which case the request has been cancelled.
func (d *DownloadPhase) fetchPart(ctx context.Context, tally *phaseTally, sampler *IOSampler, index int, partSize int64, onRead func(int, time.Time)) (bool, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	query := cacheBustingQuery(sessionIDOr(ctx, d.SessionID), index)
	query.Set("size", strconv.FormatInt(partSize, 10))

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpointURL(d.BaseURL, "/download")+"?"+query.Encode(), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Cache-Control", "no-store")

	resp, err := d.client().Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return false, err
	}

	body := InitSamplingReader(resp.Body, sampler, tally.deadline)
	body.OnRead = onRead

	_, err = io.Copy(io.Discard, body)
	if errors.Is(err, ErrGoodThruReached) {
		cancel()
		return true, nil
	}

	return false, err
}

// Run downloads parts of partSize bytes for target. The result covers every
// byte received across all parts over the whole phase time.
func (d *DownloadPhase) Run(ctx context.Context, target time.Duration, partSize int64) (*ThroughputResult, error) {
	if err := checkPhaseParams("download phase", target, partSize); err != nil {
		return nil, err
	}

	sink := sinkOrNop(d.Sink)
	tally := newPhaseTally(PhaseDownload, target)
	sampler := newIOSampler()

	phaseCtx, cancel := context.WithDeadline(ctx, tally.deadline)
	defer cancel()

	onRead := func(size int, at time.Time) {
		tally.total += int64(size)
		sink.OnProgress(tally.progress(at, sampler.InstantBitsPerSecond()))
	}

	for tally.running() {
		crossed, err := d.fetchPart(phaseCtx, tally, sampler, tally.requests, partSize, onRead)
		tally.requests += 1

		if crossed {
			break
		}
		if err != nil {
			if abort := tally.absorb(ctx, phaseCtx, "download part "+strconv.Itoa(tally.requests), err); abort != nil {
				return nil, abort
			}
			break
		}
	}

	return tally.result()
}

// UploadPhase repeatedly posts bodies built from one random chunk to /upload
// until its target duration elapses.
type UploadPhase struct {
	Client    *http.Client
	BaseURL   string
	SessionID string
	Sink      ProgressSink
	PartSize  int64 // approximate body size; DefaultUploadPartSize when zero
	Source    *PayloadSource
}

func (u *UploadPhase) client() *http.Client {
	if u.Client == nil {
		return http.DefaultClient
	}
	return u.Client
}

func (u *UploadPhase) partTarget() int64 {
	if u.PartSize <= 0 {
		return DefaultUploadPartSize
	}
	return u.PartSize
}

func (u *UploadPhase) sendPart(ctx context.Context, body io.Reader, index int, partSize int64) (*UploadReceipt, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL(u.BaseURL, "/upload")+"?"+cacheBustingQuery(sessionIDOr(ctx, u.SessionID), index).Encode(), body)
	if err != nil {
		return nil, err
	}
	req.ContentLength = partSize
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Cache-Control", "no-store")

	resp, err := u.client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	receipt := &UploadReceipt{}
	if err := json.NewDecoder(resp.Body).Decode(receipt); err != nil {
		return nil, errors.Wrap(err, "could not decode upload receipt")
	}

	return receipt, nil
}

// Run uploads for target, reusing one chunkBytes random chunk for every body.
// A request cut off by the deadline counts the bytes the transport had taken
// from its body by then.
func (u *UploadPhase) Run(ctx context.Context, target time.Duration, chunkBytes int) (*ThroughputResult, error) {
	if err := checkPhaseParams("upload phase", target, int64(chunkBytes)); err != nil {
		return nil, err
	}

	chunk, err := u.Source.NewChunk(chunkBytes)
	if err != nil {
		return nil, errors.Wrap(err, "could not build upload chunk")
	}
	partSize := RepeatedPartSize(u.partTarget(), chunk.Len())

	sink := sinkOrNop(u.Sink)
	tally := newPhaseTally(PhaseUpload, target)
	sampler := newIOSampler()

	phaseCtx, cancel := context.WithDeadline(ctx, tally.deadline)
	defer cancel()

	for tally.running() {
		sent := sampler.Size()
		body := InitSamplingReader(chunk.Body(partSize), sampler, time.Time{})

		reqStart := time.Now()
		receipt, err := u.sendPart(phaseCtx, body, tally.requests, partSize)
		reqEnd := time.Now()

		if err != nil {
			if abort := tally.absorb(ctx, phaseCtx, "upload part "+strconv.Itoa(tally.requests+1), err); abort != nil {
				return nil, abort
			}
			if tally.failure == nil {
				tally.requests += 1
				tally.total += sampler.Size() - sent
				sink.OnProgress(tally.progress(reqEnd, sampler.InstantBitsPerSecond()))
			}
			break
		}

		tally.requests += 1
		tally.total += partSize

		if receipt.ReceivedBytesCount != partSize {
			logger.Printf("Upload part %d: server acknowledged %d of %d bytes\n", tally.requests, receipt.ReceivedBytesCount, partSize)
		}

		instant, err := BitsPerSecond(partSize, durationToMS(reqEnd.Sub(reqStart)))
		if err != nil {
			instant = 0
		}
		sink.OnProgress(tally.progress(reqEnd, instant))
	}

	return tally.result()
}
