package netspeed

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	DefaultServerURL = "http://localhost:8080"
	DefaultListen    = ":8080"

	EnvServer = "NETSPEED_SERVER"
	EnvListen = "NETSPEED_LISTEN"
)

// Config is the runtime configuration shared by the client and the server.
type Config struct {
	ServerURL      string
	Listen         string
	Network        string // tcp, tcp4 or tcp6
	HTTP3          bool
	DialTimeout    time.Duration
	ProbeTimeout   time.Duration
	UploadPartSize int64
	Plan           Plan
}

func DefaultConfig() Config {
	return Config{
		ServerURL:      DefaultServerURL,
		Listen:         DefaultListen,
		Network:        "tcp",
		DialTimeout:    defaultDialTimeout,
		ProbeTimeout:   DefaultProbeTimeout,
		UploadPartSize: DefaultUploadPartSize,
		Plan:           DefaultPlan(),
	}
}

type yamlConfig struct {
	Server       string `yaml:"server"`
	Listen       string `yaml:"listen"`
	Network      string `yaml:"network"`
	HTTP3        bool   `yaml:"http3"`
	DialTimeout  string `yaml:"dial_timeout"`
	ProbeTimeout string `yaml:"probe_timeout"`
	Ping         struct {
		Count   int    `yaml:"count"`
		Spacing string `yaml:"spacing"`
	} `yaml:"ping"`
	Download struct {
		Duration string `yaml:"duration"`
		PartSize int64  `yaml:"part_size"`
	} `yaml:"download"`
	Upload struct {
		Duration  string `yaml:"duration"`
		ChunkSize int    `yaml:"chunk_size"`
		PartSize  int64  `yaml:"part_size"`
	} `yaml:"upload"`
}

// LoadDotEnv loads variables from the given .env files into the process
// environment. Missing files are skipped; existing variables win.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return errors.Wrapf(err, "could not load %s", path)
		}
	}
	return nil
}

// ApplyEnv overrides the server URL and listen address from the environment.
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvServer)); v != "" {
		c.ServerURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvListen)); v != "" {
		c.Listen = v
	}
}

func parseDurationInto(dst *time.Duration, raw string, key string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return errors.Wrapf(err, "invalid %s", key)
	}
	*dst = d
	return nil
}

// LoadFile merges a YAML config file into c. Keys absent from the file keep
// their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "could not read config file")
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return errors.Wrap(err, "could not parse config file")
	}

	if yc.Server != "" {
		c.ServerURL = yc.Server
	}
	if yc.Listen != "" {
		c.Listen = yc.Listen
	}
	if yc.Network != "" {
		c.Network = yc.Network
	}
	if yc.HTTP3 {
		c.HTTP3 = true
	}
	if yc.Ping.Count != 0 {
		c.Plan.PingCount = yc.Ping.Count
	}
	if yc.Download.PartSize != 0 {
		c.Plan.DownloadPartSize = yc.Download.PartSize
	}
	if yc.Upload.ChunkSize != 0 {
		c.Plan.UploadChunkSize = yc.Upload.ChunkSize
	}
	if yc.Upload.PartSize != 0 {
		c.UploadPartSize = yc.Upload.PartSize
	}

	for _, d := range []struct {
		dst *time.Duration
		raw string
		key string
	}{
		{&c.DialTimeout, yc.DialTimeout, "dial_timeout"},
		{&c.ProbeTimeout, yc.ProbeTimeout, "probe_timeout"},
		{&c.Plan.PingSpacing, yc.Ping.Spacing, "ping.spacing"},
		{&c.Plan.DownloadDuration, yc.Download.Duration, "download.duration"},
		{&c.Plan.UploadDuration, yc.Upload.Duration, "upload.duration"},
	} {
		if err := parseDurationInto(d.dst, d.raw, d.key); err != nil {
			return err
		}
	}

	return nil
}

func (c *Config) Validate() error {
	switch c.Network {
	case "tcp", "tcp4", "tcp6":
	default:
		return preconditionf("config", "network must be tcp, tcp4 or tcp6, got %q", c.Network)
	}
	if !strings.HasPrefix(c.ServerURL, "http://") && !strings.HasPrefix(c.ServerURL, "https://") {
		return preconditionf("config", "server URL must be http(s), got %q", c.ServerURL)
	}
	if c.HTTP3 && !strings.HasPrefix(c.ServerURL, "https://") {
		return preconditionf("config", "HTTP/3 requires an https server URL")
	}
	if c.Plan.PingCount <= 0 {
		return preconditionf("config", "ping count must be positive")
	}
	if c.Plan.PingSpacing < 0 {
		return preconditionf("config", "ping spacing must not be negative")
	}
	if c.Plan.DownloadDuration <= 0 || c.Plan.UploadDuration <= 0 {
		return preconditionf("config", "phase durations must be positive")
	}
	if c.Plan.DownloadPartSize <= 0 || c.Plan.UploadChunkSize <= 0 || c.UploadPartSize <= 0 {
		return preconditionf("config", "sizes must be positive")
	}

	return nil
}
