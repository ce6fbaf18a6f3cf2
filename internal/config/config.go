// Package config loads the fleetq YAML configuration file and applies
// FLEETQ_* environment overrides on top.
package config

import (
	"bytes"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the whole configuration file.
type Config struct {
	Coordinator Coordinator `yaml:"coordinator"`
	Worker      Worker      `yaml:"worker"`
	Debug       bool        `yaml:"debug"`
}

// Coordinator configures the scheduling process.
type Coordinator struct {
	Listen              string        `yaml:"listen"`
	HeartbeatTimeout    time.Duration `yaml:"heartbeat_timeout"`
	MaxTasksPerDevice   int           `yaml:"max_tasks_per_device"`
	ScheduleInterval    time.Duration `yaml:"schedule_interval"`
	LoadBalancing       bool          `yaml:"load_balancing"`
	Affinity            bool          `yaml:"affinity"`
	AutoRetry           bool          `yaml:"auto_retry"`
	RetryBackoff        time.Duration `yaml:"retry_backoff"`
	CleanupInterval     time.Duration `yaml:"cleanup_interval"`
	CompletedTaskMaxAge time.Duration `yaml:"completed_task_max_age"`
	Snapshot            Snapshot      `yaml:"snapshot"`
}

// Snapshot selects where the registry snapshot lives. Backend is "", "file" or "redis".
type Snapshot struct {
	Backend       string        `yaml:"backend"`
	Path          string        `yaml:"path"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	Namespace     string        `yaml:"namespace"`
	Interval      time.Duration `yaml:"interval"`
}

// Worker configures a device agent.
type Worker struct {
	DeviceID           string        `yaml:"device_id"`
	Role               string        `yaml:"role"`
	Platform           string        `yaml:"platform"`
	CoordinatorURL     string        `yaml:"coordinator_url"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	MaxConcurrentTasks int           `yaml:"max_concurrent_tasks"`
	CPUCount           int           `yaml:"cpu_count"`
	MemoryGB           float64       `yaml:"memory_gb"`
	StorageGB          float64       `yaml:"storage_gb"`
	HasGPU             bool          `yaml:"has_gpu"`
	Tags               []string      `yaml:"tags"`
}

// Default returns the built-in configuration.
func Default() Config {
	host, _ := os.Hostname()
	return Config{
		Coordinator: Coordinator{
			Listen:              ":8080",
			HeartbeatTimeout:    300 * time.Second,
			MaxTasksPerDevice:   5,
			ScheduleInterval:    time.Second,
			LoadBalancing:       true,
			Affinity:            true,
			CleanupInterval:     30 * time.Minute,
			CompletedTaskMaxAge: 24 * time.Hour,
			Snapshot: Snapshot{
				Path:      "fleetq-registry.json",
				RedisAddr: "127.0.0.1:6379",
				Namespace: "default",
				Interval:  30 * time.Second,
			},
		},
		Worker: Worker{
			DeviceID:           host,
			Role:               "worker",
			Platform:           runtime.GOOS,
			CoordinatorURL:     "http://127.0.0.1:8080",
			HeartbeatInterval:  60 * time.Second,
			PollInterval:       1500 * time.Millisecond,
			MaxConcurrentTasks: 2,
			CPUCount:           runtime.NumCPU(),
		},
	}
}

// Load reads path over the defaults. An empty path yields the defaults.
// Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	if err := Parse(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, keeping values the document does not set.
func Parse(raw []byte, cfg *Config) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	return dec.Decode(cfg)
}

// ApplyEnv overrides fields from FLEETQ_* environment variables.
func (c *Config) ApplyEnv() {
	c.Coordinator.Listen = getenv("FLEETQ_LISTEN", c.Coordinator.Listen)
	c.Coordinator.HeartbeatTimeout = getenvDuration("FLEETQ_HEARTBEAT_TIMEOUT", c.Coordinator.HeartbeatTimeout)
	c.Coordinator.MaxTasksPerDevice = getenvInt("FLEETQ_MAX_TASKS_PER_DEVICE", c.Coordinator.MaxTasksPerDevice)
	c.Coordinator.AutoRetry = getenvBool("FLEETQ_AUTO_RETRY", c.Coordinator.AutoRetry)
	c.Coordinator.Snapshot.Backend = getenv("FLEETQ_SNAPSHOT_BACKEND", c.Coordinator.Snapshot.Backend)
	c.Coordinator.Snapshot.Path = getenv("FLEETQ_SNAPSHOT_PATH", c.Coordinator.Snapshot.Path)
	c.Coordinator.Snapshot.RedisAddr = getenv("REDIS_ADDR", c.Coordinator.Snapshot.RedisAddr)
	c.Coordinator.Snapshot.RedisPassword = getenv("REDIS_PASSWORD", c.Coordinator.Snapshot.RedisPassword)

	c.Worker.DeviceID = getenv("FLEETQ_DEVICE_ID", c.Worker.DeviceID)
	c.Worker.Role = getenv("FLEETQ_ROLE", c.Worker.Role)
	c.Worker.CoordinatorURL = getenv("FLEETQ_COORDINATOR_URL", c.Worker.CoordinatorURL)
	c.Worker.MaxConcurrentTasks = getenvInt("FLEETQ_MAX_CONCURRENT_TASKS", c.Worker.MaxConcurrentTasks)
	if v := os.Getenv("FLEETQ_TAGS"); v != "" {
		c.Worker.Tags = splitList(v)
	}
	c.Debug = getenvBool("FLEETQ_DEBUG", c.Debug)
}

// Validate reports settings that cannot work.
func (c Config) Validate() error {
	switch c.Coordinator.Snapshot.Backend {
	case "", "file", "redis":
	default:
		return fmt.Errorf("config: unknown snapshot backend %q", c.Coordinator.Snapshot.Backend)
	}
	if c.Coordinator.MaxTasksPerDevice < 0 || c.Worker.MaxConcurrentTasks < 0 {
		return fmt.Errorf("config: task limits must not be negative")
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return n
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return d
}

func getenvBool(key string, fallback bool) bool {
	switch os.Getenv(key) {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	}
	return fallback
}
