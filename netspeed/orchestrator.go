package netspeed

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type State int

const (
	StateIdle State = iota
	StateRunningPing
	StateRunningDownload
	StateRunningUpload
	StateDone
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunningPing:
		return "running-ping"
	case StateRunningDownload:
		return "running-download"
	case StateRunningUpload:
		return "running-upload"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

func (s State) Running() bool {
	return s == StateRunningPing || s == StateRunningDownload || s == StateRunningUpload
}

func (s State) phase() Phase {
	switch s {
	case StateRunningDownload:
		return PhaseDownload
	case StateRunningUpload:
		return PhaseUpload
	default:
		return PhasePing
	}
}

type Event int

const (
	EventStart Event = iota
	EventPhaseDone
	EventPhaseFailed
)

func (e Event) String() string {
	switch e {
	case EventStart:
		return "start"
	case EventPhaseDone:
		return "phase-done"
	case EventPhaseFailed:
		return "phase-failed"
	default:
		return "unknown"
	}
}

var ErrIllegalTransition = errors.New("illegal state transition")

// Transition is the measurement state machine:
//
//	Idle -start-> RunningPing -done-> RunningDownload -done-> RunningUpload -done-> Done
//
// with any Running state moving to Error on phase-failed. Done and Error are
// terminal; a new run starts from a fresh Idle session.
func Transition(from State, event Event) (State, error) {
	switch {
	case from == StateIdle && event == EventStart:
		return StateRunningPing, nil
	case from == StateRunningPing && event == EventPhaseDone:
		return StateRunningDownload, nil
	case from == StateRunningDownload && event == EventPhaseDone:
		return StateRunningUpload, nil
	case from == StateRunningUpload && event == EventPhaseDone:
		return StateDone, nil
	case from.Running() && event == EventPhaseFailed:
		return StateError, nil
	}

	return from, errors.Wrapf(ErrIllegalTransition, "%s on %s", event, from)
}

type Status int

const (
	StatusStarted Status = iota
	StatusDone
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusStarted:
		return "started"
	case StatusDone:
		return "done"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Observer is notified of phase status transitions and in-phase progress.
type Observer interface {
	ProgressSink
	OnStatus(phase Phase, status Status)
}

type PingRunner interface {
	Measure(ctx context.Context, count int, spacing time.Duration) (*LatencyStats, error)
}

type DownloadRunner interface {
	Run(ctx context.Context, target time.Duration, partSize int64) (*ThroughputResult, error)
}

type UploadRunner interface {
	Run(ctx context.Context, target time.Duration, chunkBytes int) (*ThroughputResult, error)
}

// Plan holds the parameters of each phase.
type Plan struct {
	PingCount        int
	PingSpacing      time.Duration
	DownloadDuration time.Duration
	DownloadPartSize int64
	UploadDuration   time.Duration
	UploadChunkSize  int
}

func DefaultPlan() Plan {
	return Plan{
		PingCount:        DefaultPingCount,
		PingSpacing:      DefaultPingSpacing,
		DownloadDuration: DefaultDownloadDuration,
		DownloadPartSize: DefaultDownloadPartSize,
		UploadDuration:   DefaultUploadDuration,
		UploadChunkSize:  DefaultUploadChunkSize,
	}
}

// Orchestrator runs ping, download and upload strictly one after another.
//
// A phase that returns an error ends the run in StateError and every phase
// is reported as failed. A throughput phase that returns a Partial result is
// not an error: the partial result is recorded and the run continues.
type Orchestrator struct {
	Ping     PingRunner
	Download DownloadRunner
	Upload   UploadRunner
	Observer Observer
	Plan     Plan

	// NewSessionID defaults to uuid.NewString.
	NewSessionID func() string
}

type sessionIDKey struct{}

// WithSessionID tags requests issued under ctx with a measurement session ID.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, id)
}

func sessionIDOr(ctx context.Context, fallback string) string {
	if fallback != "" {
		return fallback
	}
	id, _ := ctx.Value(sessionIDKey{}).(string)
	return id
}

type nopObserver struct {
	nopSink
}

func (nopObserver) OnStatus(Phase, Status) {}

func (o *Orchestrator) observer() Observer {
	if o.Observer == nil {
		return nopObserver{}
	}
	return o.Observer
}

func (o *Orchestrator) newSession() *MeasurementSession {
	newID := o.NewSessionID
	if newID == nil {
		newID = uuid.NewString
	}

	return &MeasurementSession{
		ID:        newID(),
		StartedAt: time.Now(),
		State:     StateIdle,
	}
}

func (o *Orchestrator) runPhase(ctx context.Context, session *MeasurementSession) error {
	switch session.State {
	case StateRunningPing:
		stats, err := o.Ping.Measure(ctx, o.Plan.PingCount, o.Plan.PingSpacing)
		if err != nil {
			return err
		}
		session.Latency = stats
	case StateRunningDownload:
		result, err := o.Download.Run(ctx, o.Plan.DownloadDuration, o.Plan.DownloadPartSize)
		if err != nil {
			return err
		}
		session.Download = result
	case StateRunningUpload:
		result, err := o.Upload.Run(ctx, o.Plan.UploadDuration, o.Plan.UploadChunkSize)
		if err != nil {
			return err
		}
		session.Upload = result
	}

	return nil
}

func (o *Orchestrator) advance(session *MeasurementSession, event Event) error {
	next, err := Transition(session.State, event)
	if err != nil {
		return err
	}
	session.State = next
	return nil
}

// Run executes one full measurement. The returned session is non-nil even on
// failure and holds whatever results completed before it.
func (o *Orchestrator) Run(ctx context.Context) (*MeasurementSession, error) {
	session := o.newSession()
	observer := o.observer()
	ctx = WithSessionID(ctx, session.ID)

	if err := o.advance(session, EventStart); err != nil {
		return session, err
	}

	for session.State.Running() {
		phase := session.State.phase()
		observer.OnStatus(phase, StatusStarted)

		if err := o.runPhase(ctx, session); err != nil {
			if advErr := o.advance(session, EventPhaseFailed); advErr != nil {
				return session, advErr
			}
			for _, p := range AllPhases {
				observer.OnStatus(p, StatusFailed)
			}

			session.Err = &OrchestrationError{Phase: phase, Err: err}
			session.FinishedAt = time.Now()
			return session, session.Err
		}

		observer.OnStatus(phase, StatusDone)
		if err := o.advance(session, EventPhaseDone); err != nil {
			return session, err
		}
	}

	session.FinishedAt = time.Now()
	return session, nil
}
