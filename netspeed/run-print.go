package netspeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
)

const progressPrintInterval = 500 * time.Millisecond

var logger = log.New(os.Stderr, "", 0)

// SetLogger replaces the diagnostics logger used by the package.
func SetLogger(l *log.Logger) {
	logger = l
}

func FormatBitsPerSecond(bps float64) string {
	if !(bps > 0) {
		return "0 bps"
	}

	units := []string{"bps", "Kbps", "Mbps", "Gbps", "Tbps"}
	unitIndex := 0
	for bps >= 1000 && unitIndex < len(units)-1 {
		bps /= 1000
		unitIndex += 1
	}

	return fmt.Sprintf("%.2f %s", bps, units[unitIndex])
}

func bytesToMiB(size int64) float64 {
	return float64(size) / 1024 / 1024
}

func printRTTMeasurement(printer *log.Logger, measurement *LatencyStats) {
	if measurement != nil {
		printer.Printf("RTT-mean: %.3f ms\n", measurement.AverageMs)
		printer.Printf("RTT-jitter: %.3f ms\n", measurement.JitterMs)
		printer.Printf("RTT-min: %.3f ms\n", measurement.MinMs)
		printer.Printf("RTT-max: %.3f ms\n", measurement.MaxMs)
		printer.Printf("RTT-n: %d\n", len(measurement.Samples))
	}
}

func printSpeedMeasurement(printer *log.Logger, label string, measurement *ThroughputResult) {
	if measurement != nil {
		printer.Printf("%s-speed: %s\n", label, FormatBitsPerSecond(measurement.BitsPerSecond))
		printer.Printf("%s-mbps: %.3f Mbps\n", label, measurement.BitsPerSecond/1e6)
		printer.Printf("%s-tx: %.3f MiB\n", label, bytesToMiB(measurement.TotalBytes))
		printer.Printf("%s-time: %.1f s\n", label, measurement.ElapsedMs/1000)
		printer.Printf("%s-n: %d\n", label, measurement.Requests)
		if measurement.Partial {
			printer.Printf("%s-partial: %v\n", label, measurement.Err)
		}
	}
}

func speedRow(label string, measurement *ThroughputResult) []string {
	if measurement == nil {
		return []string{label, "-", "-", "-", "-"}
	}

	result := FormatBitsPerSecond(measurement.BitsPerSecond)
	if measurement.Partial {
		result += " (partial)"
	}

	return []string{
		label,
		result,
		fmt.Sprintf("%.2f MiB", bytesToMiB(measurement.TotalBytes)),
		fmt.Sprintf("%.1f s", measurement.ElapsedMs/1000),
		fmt.Sprintf("%d", measurement.Requests),
	}
}

// PrintSummaryTable renders the session results as a table.
func PrintSummaryTable(w io.Writer, session *MeasurementSession) error {
	table := tablewriter.NewTable(w,
		tablewriter.WithHeader([]string{"Phase", "Result", "Data", "Time", "Requests"}),
	)

	if session.Latency != nil {
		table.Append([]string{
			"Ping",
			fmt.Sprintf("%.1f ms", session.Latency.AverageMs),
			fmt.Sprintf("jitter %.1f ms", session.Latency.JitterMs),
			fmt.Sprintf("%.1f-%.1f ms", session.Latency.MinMs, session.Latency.MaxMs),
			fmt.Sprintf("%d", len(session.Latency.Samples)),
		})
	} else {
		table.Append([]string{"Ping", "-", "-", "-", "-"})
	}
	table.Append(speedRow("Download", session.Download))
	table.Append(speedRow("Upload", session.Upload))

	return errors.Wrap(table.Render(), "could not render summary")
}

type jsonThroughput struct {
	TotalBytes    int64   `json:"total_bytes"`
	ElapsedMs     float64 `json:"elapsed_ms"`
	BitsPerSecond float64 `json:"bits_per_second"`
	Requests      int     `json:"requests"`
	Partial       bool    `json:"partial"`
	Error         string  `json:"error,omitempty"`
}

type jsonLatency struct {
	SamplesMs []float64 `json:"samples_ms"`
	AverageMs float64   `json:"average_ms"`
	MinMs     float64   `json:"min_ms"`
	MaxMs     float64   `json:"max_ms"`
	JitterMs  float64   `json:"jitter_ms"`
}

type jsonSession struct {
	ID         string          `json:"id"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	State      string          `json:"state"`
	Latency    *jsonLatency    `json:"latency,omitempty"`
	Download   *jsonThroughput `json:"download,omitempty"`
	Upload     *jsonThroughput `json:"upload,omitempty"`
	Error      string          `json:"error,omitempty"`
}

func toJSONThroughput(measurement *ThroughputResult) *jsonThroughput {
	if measurement == nil {
		return nil
	}

	ret := &jsonThroughput{
		TotalBytes:    measurement.TotalBytes,
		ElapsedMs:     measurement.ElapsedMs,
		BitsPerSecond: measurement.BitsPerSecond,
		Requests:      measurement.Requests,
		Partial:       measurement.Partial,
	}
	if measurement.Err != nil {
		ret.Error = measurement.Err.Error()
	}
	return ret
}

// PrintJSON writes the session as an indented JSON document.
func PrintJSON(w io.Writer, session *MeasurementSession) error {
	doc := jsonSession{
		ID:         session.ID,
		StartedAt:  session.StartedAt,
		FinishedAt: session.FinishedAt,
		State:      session.State.String(),
		Download:   toJSONThroughput(session.Download),
		Upload:     toJSONThroughput(session.Upload),
	}
	if session.Latency != nil {
		doc.Latency = &jsonLatency{
			SamplesMs: session.Latency.Samples,
			AverageMs: session.Latency.AverageMs,
			MinMs:     session.Latency.MinMs,
			MaxMs:     session.Latency.MaxMs,
			JitterMs:  session.Latency.JitterMs,
		}
	}
	if session.Err != nil {
		doc.Error = session.Err.Error()
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return errors.Wrap(encoder.Encode(doc), "could not encode session")
}

// ConsoleObserver prints phase status lines and throttled progress.
type ConsoleObserver struct {
	Printer *log.Logger

	mu        sync.Mutex
	lastPrint time.Time
}

var statusMessages = map[Phase]string{
	PhasePing:     "Measuring ping...",
	PhaseDownload: "Measuring download speed...",
	PhaseUpload:   "Measuring upload speed...",
}

func (c *ConsoleObserver) OnStatus(phase Phase, status Status) {
	switch status {
	case StatusStarted:
		c.Printer.Println(statusMessages[phase])
	case StatusDone:
		c.Printer.Printf("%s: done\n", phase)
	case StatusFailed:
		c.Printer.Printf("%s: error occurred\n", phase)
	}
}

func (c *ConsoleObserver) OnProgress(progress PhaseProgress) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if now.Sub(c.lastPrint) < progressPrintInterval {
		return
	}
	c.lastPrint = now

	verb := "Downloading"
	if progress.Phase == PhaseUpload {
		verb = "Uploading"
	}
	c.Printer.Printf("%s... %.2f MiB in %.1f s (inst %s)\n", verb, bytesToMiB(progress.TotalBytes), progress.Elapsed.Seconds(), FormatBitsPerSecond(progress.InstantBitsPerSecond))
}

// NewOrchestrator wires HTTP phases for cfg onto client.
func NewOrchestrator(cfg Config, client *http.Client, observer Observer) *Orchestrator {
	var sink ProgressSink
	if observer != nil {
		sink = observer
	}

	return &Orchestrator{
		Ping: &LatencyProbe{
			Client:  client,
			BaseURL: cfg.ServerURL,
			Timeout: cfg.ProbeTimeout,
		},
		Download: &DownloadPhase{
			Client:  client,
			BaseURL: cfg.ServerURL,
			Sink:    sink,
		},
		Upload: &UploadPhase{
			Client:   client,
			BaseURL:  cfg.ServerURL,
			Sink:     sink,
			PartSize: cfg.UploadPartSize,
			Source:   NewPayloadSource(),
		},
		Observer: observer,
		Plan:     cfg.Plan,
	}
}

// RunAndPrint performs a full measurement against cfg.ServerURL and prints
// the results. Results gathered before a failure are printed as well.
func RunAndPrint(ctx context.Context, printer *log.Logger, cfg Config, asJSON bool) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	client := NewHTTPClient(cfg.Network, cfg.DialTimeout, cfg.HTTP3)
	defer CloseHTTPClient(client)

	orchestrator := NewOrchestrator(cfg, client, &ConsoleObserver{Printer: logger})

	session, runErr := orchestrator.Run(ctx)
	if runErr != nil {
		logger.Printf("Error: %v\n", errors.Cause(runErr))
	}

	if asJSON {
		if err := PrintJSON(printer.Writer(), session); err != nil {
			return err
		}
		return runErr
	}

	printer.Printf("Session: %s\n", session.ID)
	printer.Printf("Server: %s\n", cfg.ServerURL)
	printer.Println()
	printRTTMeasurement(printer, session.Latency)
	printer.Println()
	printSpeedMeasurement(printer, "Downlink", session.Download)
	printer.Println()
	printSpeedMeasurement(printer, "Uplink", session.Upload)
	printer.Println()

	if err := PrintSummaryTable(printer.Writer(), session); err != nil {
		return err
	}

	return runErr
}
