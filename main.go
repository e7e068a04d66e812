package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/makotom/netspeed/dataserver"
	"github.com/makotom/netspeed/netspeed"
)

var (
	BuildName       = "\b"
	BuildAnnotation = "git"
)

type CmdOpts struct {
	configPath  string
	serverURL   string
	testIP4     bool
	testIP6     bool
	http3       bool
	asJSON      bool
	pingCount   int
	pingSpacing time.Duration
	downDur     time.Duration
	downPart    int64
	upDur       time.Duration
	upChunk     int
	upPart      int64
	probeTO     time.Duration
	listen      string
}

func printTimestamp() {
	fmt.Println()
	fmt.Printf("At: %s\n", time.Now().Format(time.RFC1123Z))
	fmt.Println()
}

// loadConfig layers defaults, .env and environment, the config file and
// finally any flags set explicitly on cmd.
func loadConfig(cmd *cobra.Command, opts *CmdOpts) (netspeed.Config, error) {
	cfg := netspeed.DefaultConfig()

	if err := netspeed.LoadDotEnv(".env", ".env.local"); err != nil {
		return cfg, err
	}
	cfg.ApplyEnv()

	if opts.configPath != "" {
		if err := cfg.LoadFile(opts.configPath); err != nil {
			return cfg, err
		}
	}

	flags := cmd.Flags()
	if flags.Changed("server") {
		cfg.ServerURL = opts.serverURL
	}
	if flags.Changed("listen") {
		cfg.Listen = opts.listen
	}
	if flags.Changed("http3") {
		cfg.HTTP3 = opts.http3
	}
	if flags.Changed("ping-count") {
		cfg.Plan.PingCount = opts.pingCount
	}
	if flags.Changed("ping-spacing") {
		cfg.Plan.PingSpacing = opts.pingSpacing
	}
	if flags.Changed("download-duration") {
		cfg.Plan.DownloadDuration = opts.downDur
	}
	if flags.Changed("download-part") {
		cfg.Plan.DownloadPartSize = opts.downPart
	}
	if flags.Changed("upload-duration") {
		cfg.Plan.UploadDuration = opts.upDur
	}
	if flags.Changed("upload-chunk") {
		cfg.Plan.UploadChunkSize = opts.upChunk
	}
	if flags.Changed("upload-part") {
		cfg.UploadPartSize = opts.upPart
	}
	if flags.Changed("probe-timeout") {
		cfg.ProbeTimeout = opts.probeTO
	}

	return cfg, nil
}

func runMeasurements(cmd *cobra.Command, opts *CmdOpts) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	printer := log.New(os.Stdout, "", 0)

	// if none specified, pick up a transport protocol automatically
	protocols := []string{}
	if opts.testIP4 {
		protocols = append(protocols, "tcp4")
	}
	if opts.testIP6 {
		protocols = append(protocols, "tcp6")
	}
	if len(protocols) == 0 {
		protocols = append(protocols, cfg.Network)
	}

	// these options are not mutually exclusive
	for _, protocol := range protocols {
		cfg.Network = protocol
		if !opts.asJSON {
			printTimestamp()
		}
		if err := netspeed.RunAndPrint(ctx, printer, cfg, opts.asJSON); err != nil {
			return err
		}
	}

	return nil
}

func serve(cmd *cobra.Command, opts *CmdOpts) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	server := dataserver.New(dataserver.Config{})
	return server.ListenAndServe(ctx, cfg.Listen)
}

func newRootCmd() *cobra.Command {
	opts := &CmdOpts{}
	defaults := netspeed.DefaultConfig()

	root := &cobra.Command{
		Use:           "netspeed",
		Short:         "Measure latency and single-stream HTTP throughput",
		Version:       fmt.Sprintf("%s (%s)", BuildName, BuildAnnotation),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to a YAML config file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run ping, download and upload measurements against a server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !opts.asJSON {
				fmt.Printf("netspeed %s (%s)\n", BuildName, BuildAnnotation)
			}
			return runMeasurements(cmd, opts)
		},
	}
	flags := runCmd.Flags()
	flags.StringVar(&opts.serverURL, "server", defaults.ServerURL, "Base URL of the measurement server")
	flags.BoolVarP(&opts.testIP4, "ip4", "4", false, "Ensure measurements over IPv4")
	flags.BoolVarP(&opts.testIP6, "ip6", "6", false, "Ensure measurements over IPv6")
	flags.BoolVar(&opts.http3, "http3", false, "Measure over HTTP/3 (requires an https server)")
	flags.BoolVar(&opts.asJSON, "json", false, "Print results as JSON")
	flags.IntVar(&opts.pingCount, "ping-count", defaults.Plan.PingCount, "Number of ping probes")
	flags.DurationVar(&opts.pingSpacing, "ping-spacing", defaults.Plan.PingSpacing, "Wait between ping probes")
	flags.DurationVar(&opts.downDur, "download-duration", defaults.Plan.DownloadDuration, "Download phase duration")
	flags.Int64Var(&opts.downPart, "download-part", defaults.Plan.DownloadPartSize, "Bytes requested per download")
	flags.DurationVar(&opts.upDur, "upload-duration", defaults.Plan.UploadDuration, "Upload phase duration")
	flags.IntVar(&opts.upChunk, "upload-chunk", defaults.Plan.UploadChunkSize, "Size of the random chunk repeated in upload bodies")
	flags.Int64Var(&opts.upPart, "upload-part", defaults.UploadPartSize, "Approximate bytes per upload")
	flags.DurationVar(&opts.probeTO, "probe-timeout", defaults.ProbeTimeout, "Timeout of a single ping probe")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the ping, download and upload endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd, opts)
		},
	}
	serveCmd.Flags().StringVar(&opts.listen, "listen", defaults.Listen, "Address to listen on")

	root.AddCommand(runCmd, serveCmd)
	return root
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
