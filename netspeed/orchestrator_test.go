package netspeed

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"gotest.tools/v3/assert"
)

type recordedStatus struct {
	Phase  Phase
	Status Status
}

type recordingObserver struct {
	statuses []recordedStatus
	progress []PhaseProgress
}

func (o *recordingObserver) OnStatus(phase Phase, status Status) {
	o.statuses = append(o.statuses, recordedStatus{phase, status})
}

func (o *recordingObserver) OnProgress(p PhaseProgress) {
	o.progress = append(o.progress, p)
}

type fakePing struct {
	calls     *[]string
	stats     *LatencyStats
	err       error
	sessionID string
}

func (f *fakePing) Measure(ctx context.Context, count int, spacing time.Duration) (*LatencyStats, error) {
	*f.calls = append(*f.calls, "ping")
	f.sessionID = sessionIDOr(ctx, "")
	return f.stats, f.err
}

type fakeDownload struct {
	calls  *[]string
	result *ThroughputResult
	err    error
}

func (f *fakeDownload) Run(ctx context.Context, target time.Duration, partSize int64) (*ThroughputResult, error) {
	*f.calls = append(*f.calls, "download")
	return f.result, f.err
}

type fakeUpload struct {
	calls  *[]string
	result *ThroughputResult
	err    error
}

func (f *fakeUpload) Run(ctx context.Context, target time.Duration, chunkBytes int) (*ThroughputResult, error) {
	*f.calls = append(*f.calls, "upload")
	return f.result, f.err
}

func newFakeOrchestrator(calls *[]string) (*Orchestrator, *fakePing, *fakeDownload, *fakeUpload, *recordingObserver) {
	ping := &fakePing{calls: calls, stats: &LatencyStats{Samples: []float64{1}, AverageMs: 1, MinMs: 1, MaxMs: 1}}
	download := &fakeDownload{calls: calls, result: &ThroughputResult{TotalBytes: 10, ElapsedMs: 1000, BitsPerSecond: 80}}
	upload := &fakeUpload{calls: calls, result: &ThroughputResult{TotalBytes: 20, ElapsedMs: 1000, BitsPerSecond: 160}}
	observer := &recordingObserver{}

	return &Orchestrator{
		Ping:         ping,
		Download:     download,
		Upload:       upload,
		Observer:     observer,
		Plan:         DefaultPlan(),
		NewSessionID: func() string { return "session-under-test" },
	}, ping, download, upload, observer
}

func TestTransition(t *testing.T) {
	for _, tc := range []struct {
		from  State
		event Event
		want  State
	}{
		{StateIdle, EventStart, StateRunningPing},
		{StateRunningPing, EventPhaseDone, StateRunningDownload},
		{StateRunningDownload, EventPhaseDone, StateRunningUpload},
		{StateRunningUpload, EventPhaseDone, StateDone},
		{StateRunningPing, EventPhaseFailed, StateError},
		{StateRunningDownload, EventPhaseFailed, StateError},
		{StateRunningUpload, EventPhaseFailed, StateError},
	} {
		got, err := Transition(tc.from, tc.event)
		assert.NilError(t, err)
		assert.Equal(t, got, tc.want, "%s on %s", tc.event, tc.from)
	}
}

func TestTransition_Illegal(t *testing.T) {
	for _, tc := range []struct {
		from  State
		event Event
	}{
		{StateIdle, EventPhaseDone},
		{StateIdle, EventPhaseFailed},
		{StateRunningPing, EventStart},
		{StateDone, EventStart},
		{StateDone, EventPhaseFailed},
		{StateError, EventStart},
		{StateError, EventPhaseDone},
	} {
		got, err := Transition(tc.from, tc.event)
		assert.Assert(t, errors.Is(err, ErrIllegalTransition), "%s on %s", tc.event, tc.from)
		assert.Equal(t, got, tc.from)
	}
}

func TestOrchestrator_RunsPhasesInOrder(t *testing.T) {
	calls := []string{}
	orchestrator, ping, download, upload, observer := newFakeOrchestrator(&calls)

	session, err := orchestrator.Run(context.Background())

	assert.NilError(t, err)
	assert.DeepEqual(t, calls, []string{"ping", "download", "upload"})
	assert.Equal(t, session.ID, "session-under-test")
	assert.Equal(t, ping.sessionID, "session-under-test")
	assert.Equal(t, session.State, StateDone)
	assert.Equal(t, session.Latency, ping.stats)
	assert.Equal(t, session.Download, download.result)
	assert.Equal(t, session.Upload, upload.result)
	assert.Assert(t, !session.FinishedAt.Before(session.StartedAt))
	assert.DeepEqual(t, observer.statuses, []recordedStatus{
		{PhasePing, StatusStarted},
		{PhasePing, StatusDone},
		{PhaseDownload, StatusStarted},
		{PhaseDownload, StatusDone},
		{PhaseUpload, StatusStarted},
		{PhaseUpload, StatusDone},
	})
}

func TestOrchestrator_PartialDownloadContinuesToUpload(t *testing.T) {
	calls := []string{}
	orchestrator, _, download, _, _ := newFakeOrchestrator(&calls)
	download.result = &ThroughputResult{
		TotalBytes: 2 * 1024 * 1024,
		ElapsedMs:  1500,
		Partial:    true,
		Err:        &TransportError{Op: "download part 2", Err: errors.New("connection reset")},
	}

	session, err := orchestrator.Run(context.Background())

	assert.NilError(t, err)
	assert.DeepEqual(t, calls, []string{"ping", "download", "upload"})
	assert.Equal(t, session.State, StateDone)
	assert.Equal(t, session.Download.TotalBytes, int64(2*1024*1024))
	assert.Equal(t, session.Download.Partial, true)
	assert.Assert(t, session.Upload != nil)
}

func TestOrchestrator_FailedDownloadStopsRun(t *testing.T) {
	calls := []string{}
	orchestrator, _, download, _, observer := newFakeOrchestrator(&calls)
	download.result = nil
	download.err = &TransportError{Op: "download part 1", Err: errors.New("connection refused")}

	session, err := orchestrator.Run(context.Background())

	assert.Error(t, err, "measurement failed")
	assert.DeepEqual(t, calls, []string{"ping", "download"})
	assert.Equal(t, session.State, StateError)
	assert.Assert(t, session.Latency != nil)
	assert.Assert(t, session.Download == nil)
	assert.Assert(t, session.Upload == nil)
	assert.Equal(t, session.Err, err)

	var orchestration *OrchestrationError
	assert.Assert(t, errors.As(err, &orchestration))
	assert.Equal(t, orchestration.Phase, PhaseDownload)
	var transport *TransportError
	assert.Assert(t, errors.As(err, &transport))

	assert.DeepEqual(t, observer.statuses, []recordedStatus{
		{PhasePing, StatusStarted},
		{PhasePing, StatusDone},
		{PhaseDownload, StatusStarted},
		{PhasePing, StatusFailed},
		{PhaseDownload, StatusFailed},
		{PhaseUpload, StatusFailed},
	})
}

func TestOrchestrator_PingFailureStopsRun(t *testing.T) {
	calls := []string{}
	orchestrator, ping, _, _, _ := newFakeOrchestrator(&calls)
	ping.stats = nil
	ping.err = preconditionf("latency probe", "count must be positive, got 0")

	session, err := orchestrator.Run(context.Background())

	var precondition *PreconditionError
	assert.Assert(t, errors.As(err, &precondition))
	assert.DeepEqual(t, calls, []string{"ping"})
	assert.Equal(t, session.State, StateError)
}

func TestOrchestrator_FreshSessionPerRun(t *testing.T) {
	calls := []string{}
	orchestrator, _, _, _, _ := newFakeOrchestrator(&calls)
	orchestrator.NewSessionID = nil

	first, err := orchestrator.Run(context.Background())
	assert.NilError(t, err)
	second, err := orchestrator.Run(context.Background())
	assert.NilError(t, err)

	assert.Assert(t, first != second)
	assert.Assert(t, first.ID != second.ID)
	assert.Equal(t, len(first.ID), 36)
}
