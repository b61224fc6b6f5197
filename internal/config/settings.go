package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ytget/ytdl-web/internal/platform"
)

// Quality presets for downloads
type QualityPreset string

const (
	QualityBest   QualityPreset = "best"
	QualityMedium QualityPreset = "medium"
	QualityAudio  QualityPreset = "audio"
)

// Default values
const (
	DefaultListenAddr    = ":8080"
	DefaultMaxParallel   = 2
	DefaultQualityPreset = QualityMedium
	DefaultDownloadDir   = "/tmp/downloads"
	DefaultSQLitePath    = "data/tasks.db"

	MinParallel = 1
	MaxParallel = 10
)

// Duration is a time.Duration written as a Go duration string in YAML
type Duration time.Duration

// UnmarshalYAML parses strings such as "500ms" or "5m"
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration string
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// RedisSettings locate the durable transport. An empty Addr runs in memory only.
type RedisSettings struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// BackendSettings tune the transport health monitor
type BackendSettings struct {
	ProbeTimeout      Duration `yaml:"probe_timeout"`
	OpTimeout         Duration `yaml:"op_timeout"`
	HealthInterval    Duration `yaml:"health_interval"`
	FailureThreshold  int      `yaml:"failure_threshold"`
	MaxSwitchAttempts int      `yaml:"max_switch_attempts"`
	SwitchCooldown    Duration `yaml:"switch_cooldown"`
}

// RegistrySettings tune task retention
type RegistrySettings struct {
	Retention     Duration           `yaml:"retention"`
	SweepInterval Duration           `yaml:"sweep_interval"`
	StageWeights  map[string]float64 `yaml:"stage_weights"`
}

// ProgressSettings tune speed estimation
type ProgressSettings struct {
	WindowSize int `yaml:"window_size"`
}

// PubSubSettings tune client delivery
type PubSubSettings struct {
	QueueSize   int      `yaml:"queue_size"`
	ReplayLimit int      `yaml:"replay_limit"`
	ReplayTTL   Duration `yaml:"replay_ttl"`
	ProgressTTL Duration `yaml:"progress_ttl"`
}

// Settings is the process configuration
type Settings struct {
	ListenAddr           string        `yaml:"listen_addr"`
	DownloadDir          string        `yaml:"download_dir"`
	MaxParallelDownloads int           `yaml:"max_parallel_downloads"`
	QualityPreset        QualityPreset `yaml:"quality_preset"`
	SQLitePath           string        `yaml:"sqlite_path"`
	Console              bool          `yaml:"console"`

	Redis    RedisSettings    `yaml:"redis"`
	Backend  BackendSettings  `yaml:"backend"`
	Registry RegistrySettings `yaml:"registry"`
	Progress ProgressSettings `yaml:"progress"`
	PubSub   PubSubSettings   `yaml:"pubsub"`
}

// Defaults returns the settings used when no file is present
func Defaults() *Settings {
	dir, err := platform.GetHomeDownloadsDir()
	if err != nil {
		dir = DefaultDownloadDir
	}
	return &Settings{
		ListenAddr:           DefaultListenAddr,
		DownloadDir:          dir,
		MaxParallelDownloads: DefaultMaxParallel,
		QualityPreset:        DefaultQualityPreset,
		SQLitePath:           DefaultSQLitePath,
		Redis:                RedisSettings{Addr: "localhost:6379"},
		Backend: BackendSettings{
			ProbeTimeout:      Duration(500 * time.Millisecond),
			OpTimeout:         Duration(2 * time.Second),
			HealthInterval:    Duration(60 * time.Second),
			FailureThreshold:  3,
			MaxSwitchAttempts: 3,
			SwitchCooldown:    Duration(5 * time.Minute),
		},
		Registry: RegistrySettings{
			Retention:     Duration(time.Hour),
			SweepInterval: Duration(time.Minute),
		},
		Progress: ProgressSettings{WindowSize: 10},
		PubSub: PubSubSettings{
			QueueSize:   100,
			ReplayLimit: 100,
			ReplayTTL:   Duration(7 * 24 * time.Hour),
			ProgressTTL: Duration(time.Minute),
		},
	}
}

// Load reads settings from a YAML file over the defaults. A missing file
// yields the defaults.
func Load(path string) (*Settings, error) {
	s := Defaults()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	s.SetMaxParallelDownloads(s.MaxParallelDownloads)
	s.SetQualityPreset(s.QualityPreset)
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Save writes the settings as YAML
func (s *Settings) Save(path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate rejects settings the services cannot run with
func (s *Settings) Validate() error {
	var errs []error
	if s.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is empty"))
	}
	if s.DownloadDir == "" {
		errs = append(errs, errors.New("download_dir is empty"))
	}
	if s.PubSub.QueueSize < 1 {
		errs = append(errs, errors.New("pubsub.queue_size must be positive"))
	}
	if s.PubSub.ReplayLimit < 0 {
		errs = append(errs, errors.New("pubsub.replay_limit must not be negative"))
	}
	if s.PubSub.QueueSize < s.PubSub.ReplayLimit {
		errs = append(errs, fmt.Errorf("pubsub.queue_size (%d) is smaller than pubsub.replay_limit (%d)", s.PubSub.QueueSize, s.PubSub.ReplayLimit))
	}
	if s.Progress.WindowSize < 2 {
		errs = append(errs, errors.New("progress.window_size must be at least 2"))
	}
	if s.Backend.FailureThreshold < 1 {
		errs = append(errs, errors.New("backend.failure_threshold must be positive"))
	}
	if s.Backend.ProbeTimeout <= 0 || s.Backend.HealthInterval <= 0 {
		errs = append(errs, errors.New("backend probe_timeout and health_interval must be positive"))
	}
	for stage, w := range s.Registry.StageWeights {
		if w <= 0 {
			errs = append(errs, fmt.Errorf("registry.stage_weights.%s must be positive", stage))
		}
	}
	return errors.Join(errs...)
}

// SetMaxParallelDownloads sets the maximum number of parallel downloads
func (s *Settings) SetMaxParallelDownloads(count int) {
	if count < MinParallel {
		count = MinParallel
	}
	if count > MaxParallel {
		count = MaxParallel
	}
	s.MaxParallelDownloads = count
}

// SetQualityPreset sets the quality preset, falling back to the default for unknown values
func (s *Settings) SetQualityPreset(preset QualityPreset) {
	switch preset {
	case QualityBest, QualityMedium, QualityAudio:
		s.QualityPreset = preset
	default:
		s.QualityPreset = DefaultQualityPreset
	}
}

// GetQualityPresetOptions returns available quality preset options
func (s *Settings) GetQualityPresetOptions() []QualityPreset {
	return []QualityPreset{QualityBest, QualityMedium, QualityAudio}
}
