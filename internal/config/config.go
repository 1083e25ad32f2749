package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"

	"kdl/internal/checksum"
	"kdl/internal/fsutil"
)

const (
	// DefaultConnections is clamped to [1, SafeConnectionCap] unless the
	// user raises the ceiling with --unsafe-conn.
	DefaultConnections = 32
	SafeConnectionCap  = 64
	DefaultSegments    = 64

	envPrefix          = "KDL"
	defaultConfigName  = "config.yaml"
	defaultHistoryName = "history.db"
	applicationDir     = "kdl"
)

// File holds the defaults an optional config file (plus KDL_* environment
// variables) contributes. Explicit flags always win over these.
type File struct {
	Connections    int     `mapstructure:"connections" yaml:"connections"`
	Segments       int     `mapstructure:"segments" yaml:"segments"`
	Timeout        int     `mapstructure:"timeout" yaml:"timeout"`
	BandwidthLimit string  `mapstructure:"bandwidth_limit" yaml:"bandwidth_limit"`
	History        History `mapstructure:"history" yaml:"history"`
	Log            Log     `mapstructure:"log" yaml:"log"`
}

type History struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

type Log struct {
	Path  string `mapstructure:"path" yaml:"path"`
	Level string `mapstructure:"level" yaml:"level"`
}

// LoadFile reads the config file at path, or the default location when
// path is empty. A missing default file is not an error; defaults apply.
func LoadFile(path string) (*File, error) {
	v := viper.New()

	v.SetDefault("connections", DefaultConnections)
	v.SetDefault("segments", DefaultSegments)
	v.SetDefault("timeout", 0)
	v.SetDefault("bandwidth_limit", "")
	v.SetDefault("history.enabled", true)
	v.SetDefault("history.path", defaultHistoryPath())
	v.SetDefault("log.path", "")
	v.SetDefault("log.level", "info")

	explicit := path != ""
	if !explicit {
		if dir, err := os.UserConfigDir(); err == nil {
			path = filepath.Join(dir, applicationDir, defaultConfigName)
		}
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("error reading config file %s: %w", path, err)
			}
		} else if explicit {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg File
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultHistoryPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".", applicationDir, defaultHistoryName)
	}
	return filepath.Join(dir, applicationDir, defaultHistoryName)
}

// Inputs is the merged, still-unvalidated view of one invocation: flag
// values with config-file defaults already applied by the caller.
type Inputs struct {
	URLs           []string
	Mirrors        []string
	Output         string
	Connections    int
	Segments       int
	UnsafeConn     int
	UnsafeConnSet  bool
	Resume         bool
	TimeoutSecs    int
	BandwidthLimit string
	Sha256         string
	Quiet          bool
	Verbose        bool
	JSON           bool
	History        bool
	HistoryPath    string
	LogPath        string
	LogLevel       string
}

// Options is the validated configuration handed to the download engine.
type Options struct {
	// TransferID tags this invocation in progress events and the history
	// store. Assigned by the caller, not derived from flags.
	TransferID string

	URLs         []*url.URL
	OutputPath   string
	PartMapPath  string
	NameInferred bool

	Resume         bool
	Segments       int
	Connections    int
	UnsafeCap      int
	Timeout        time.Duration
	BandwidthLimit uint64 // bytes/sec, 0 = unlimited
	Checksum       *checksum.Spec

	Quiet   bool
	Verbose bool
	JSON    bool

	History     bool
	HistoryPath string
	LogPath     string
	LogLevel    string
}

// MaxParallelism is the hard ceiling on concurrently active segments.
func (o *Options) MaxParallelism() int {
	limit := o.Connections
	if o.UnsafeCap < limit {
		limit = o.UnsafeCap
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

// Build validates the merged inputs into engine options.
func Build(in Inputs) (*Options, error) {
	if len(in.URLs) == 0 {
		return nil, fmt.Errorf("at least one URL is required")
	}

	var urls []*url.URL
	for _, raw := range append(append([]string{}, in.URLs...), in.Mirrors...) {
		parsed, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid URL %s: %w", raw, err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return nil, fmt.Errorf("unsupported URL scheme: %s", parsed.Scheme)
		}
		urls = append(urls, parsed)
	}

	unsafeCap := SafeConnectionCap
	connections := in.Connections
	if in.UnsafeConnSet {
		unsafeCap = in.UnsafeConn
		if unsafeCap < 1 {
			return nil, fmt.Errorf("--unsafe-conn must be at least 1")
		}
		if connections > unsafeCap {
			return nil, fmt.Errorf("--connections exceeds the unsafe limit; either lower it or raise --unsafe-conn")
		}
	} else if connections > SafeConnectionCap {
		connections = SafeConnectionCap
	}
	if connections < 1 {
		connections = 1
	}

	segments := in.Segments
	if segments < 1 {
		segments = 1
	}

	if in.Quiet && in.Verbose {
		return nil, fmt.Errorf("--quiet and --verbose are mutually exclusive")
	}

	output, inferred, err := fsutil.InferOutputPath(in.Output, urls[0])
	if err != nil {
		return nil, err
	}

	var limit uint64
	if in.BandwidthLimit != "" {
		limit, err = ParseRate(in.BandwidthLimit)
		if err != nil {
			return nil, err
		}
	}

	var sum *checksum.Spec
	if in.Sha256 != "" {
		sum, err = checksum.Parse(in.Sha256)
		if err != nil {
			return nil, err
		}
	}

	return &Options{
		URLs:           urls,
		OutputPath:     output,
		PartMapPath:    fsutil.PartMapPath(output),
		NameInferred:   inferred,
		Resume:         in.Resume,
		Segments:       segments,
		Connections:    connections,
		UnsafeCap:      unsafeCap,
		Timeout:        time.Duration(in.TimeoutSecs) * time.Second,
		BandwidthLimit: limit,
		Checksum:       sum,
		Quiet:          in.Quiet,
		Verbose:        in.Verbose,
		JSON:           in.JSON,
		History:        in.History,
		HistoryPath:    in.HistoryPath,
		LogPath:        in.LogPath,
		LogLevel:       in.LogLevel,
	}, nil
}

// ParseRate parses a bandwidth rate such as "50M/s", "1.5GiB/s" or "800k"
// into bytes per second. SI suffixes are powers of 1000, IEC suffixes
// powers of 1024.
func ParseRate(input string) (uint64, error) {
	normalized := strings.TrimSpace(input)
	normalized = strings.TrimSuffix(normalized, "/s")
	normalized = strings.TrimSuffix(normalized, "ps")
	normalized = strings.TrimSpace(normalized)
	if normalized == "" {
		return 0, fmt.Errorf("bandwidth limit cannot be empty")
	}

	value, err := humanize.ParseBytes(normalized)
	if err != nil {
		return 0, fmt.Errorf("invalid bandwidth limit %q: %w", input, err)
	}
	if value == 0 {
		return 0, fmt.Errorf("bandwidth limit must be positive")
	}
	return value, nil
}
