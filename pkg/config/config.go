// Package config loads HakuRiver's host and worker configuration from a YAML
// file into immutable value structs constructed once at process start. There
// is no global mutable config singleton and no hot-reload: components receive
// a *HostConfig or *WorkerConfig explicitly at construction.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// NetworkConfig holds the host-reachable addresses and bind ports.
type NetworkConfig struct {
	HostBindIP          string `yaml:"host_bind_ip"`
	HostPort            int    `yaml:"host_port"`
	HostSSHProxyPort    int    `yaml:"host_ssh_proxy_port"`
	HostReachableAddr   string `yaml:"host_reachable_address"`
	RunnerBindIP        string `yaml:"runner_bind_ip"`
	RunnerPort          int    `yaml:"runner_port"`
}

// PathsConfig holds filesystem locations shared across host and worker.
type PathsConfig struct {
	SharedDir     string `yaml:"shared_dir"`
	DBFile        string `yaml:"db_file"`
	ContainerDir  string `yaml:"container_dir"`
	LocalTempDir  string `yaml:"local_temp_dir"`
	NumactlPath   string `yaml:"numactl_path"`
}

// TimingConfig holds the intervals governing heartbeats and reconciliation.
type TimingConfig struct {
	HeartbeatIntervalSeconds      int `yaml:"heartbeat_interval_seconds"`
	HeartbeatTimeoutFactor        int `yaml:"heartbeat_timeout_factor"`
	CleanupCheckIntervalSeconds   int `yaml:"cleanup_check_interval_seconds"`
	ResourceCheckIntervalSeconds  int `yaml:"resource_check_interval_seconds"`
}

// DockerConfig holds container-runtime defaults.
type DockerConfig struct {
	DefaultContainerName   string   `yaml:"default_container_name"`
	InitialBaseImage       string   `yaml:"initial_base_image"`
	TasksPrivileged        bool     `yaml:"tasks_privileged"`
	AdditionalMounts       []string `yaml:"additional_mounts"`
	DefaultWorkingDir      string   `yaml:"default_working_dir"`
	DockerImageSyncTimeout int      `yaml:"docker_image_sync_timeout"`
}

// LoggingConfig holds the log_level read from the YAML file. The processes
// take their level from the --log-level flag; this value is not passed to
// pkg/log.Init.
type LoggingConfig struct {
	LogLevel string `yaml:"log_level"`
}

// HostConfig is the full, immutable configuration for the host coordinator
// process. It is constructed once via LoadHostConfig and passed explicitly to
// every component that needs it.
type HostConfig struct {
	Network NetworkConfig `yaml:"network"`
	Paths   PathsConfig   `yaml:"paths"`
	Timing  TimingConfig  `yaml:"timing"`
	Docker  DockerConfig  `yaml:"docker"`
	Logging LoggingConfig `yaml:"logging"`
}

// WorkerConfig is the full, immutable configuration for a worker agent
// process.
type WorkerConfig struct {
	Network NetworkConfig `yaml:"network"`
	Paths   PathsConfig   `yaml:"paths"`
	Timing  TimingConfig  `yaml:"timing"`
	Docker  DockerConfig  `yaml:"docker"`
	Logging LoggingConfig `yaml:"logging"`
}

func defaultNetwork() NetworkConfig {
	return NetworkConfig{
		HostBindIP:       "0.0.0.0",
		HostPort:         8000,
		HostSSHProxyPort: 8822,
		RunnerBindIP:     "0.0.0.0",
		RunnerPort:       8001,
	}
}

func defaultPaths() PathsConfig {
	return PathsConfig{
		SharedDir:    "/srv/hakuriver",
		DBFile:       "/srv/hakuriver/hakuriver.db",
		ContainerDir: "/srv/hakuriver/kohakuriver-containers",
		LocalTempDir: "/tmp/hakuriver",
		NumactlPath:  "numactl",
	}
}

func defaultTiming() TimingConfig {
	return TimingConfig{
		HeartbeatIntervalSeconds:     5,
		HeartbeatTimeoutFactor:       6,
		CleanupCheckIntervalSeconds:  10,
		ResourceCheckIntervalSeconds: 15,
	}
}

func defaultDocker() DockerConfig {
	return DockerConfig{
		DefaultContainerName:   "base",
		InitialBaseImage:       "debian:bookworm-slim",
		DefaultWorkingDir:      "/shared",
		DockerImageSyncTimeout: 120,
	}
}

// LoadHostConfig reads and parses a YAML host config file, filling unset
// fields with defaults.
func LoadHostConfig(path string) (*HostConfig, error) {
	cfg := &HostConfig{
		Network: defaultNetwork(),
		Paths:   defaultPaths(),
		Timing:  defaultTiming(),
		Docker:  defaultDocker(),
		Logging: LoggingConfig{LogLevel: "info"},
	}
	if err := unmarshalFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWorkerConfig reads and parses a YAML worker config file, filling unset
// fields with defaults.
func LoadWorkerConfig(path string) (*WorkerConfig, error) {
	cfg := &WorkerConfig{
		Network: defaultNetwork(),
		Paths:   defaultPaths(),
		Timing:  defaultTiming(),
		Docker:  defaultDocker(),
		Logging: LoggingConfig{LogLevel: "info"},
	}
	if err := unmarshalFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func unmarshalFile(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	return nil
}
