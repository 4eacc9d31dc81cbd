// Package config loads Bay's configuration from a YAML file overlaid by
// BAY_-prefixed environment variables, with typed defaults for every field.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Driver    DriverConfig    `yaml:"driver"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Redis     RedisConfig     `yaml:"redis"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	GC        GCConfig        `yaml:"gc"`
	Security  SecurityConfig  `yaml:"security"`
	Profiles  []ProfileConfig `yaml:"profiles"`
}

type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type StoreConfig struct {
	Path         string `yaml:"path"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

type DriverConfig struct {
	Type       string `yaml:"type"` // "docker" only implementation today
	DockerHost string `yaml:"docker_host"`
	Network    string `yaml:"network"`
}

type WorkspaceConfig struct {
	RootPath  string `yaml:"root_path"`
	MountPath string `yaml:"mount_path"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type GCConfig struct {
	IdleSessionInterval      time.Duration `yaml:"idle_session_interval"`
	ExpiredSandboxInterval   time.Duration `yaml:"expired_sandbox_interval"`
	OrphanCargoInterval      time.Duration `yaml:"orphan_cargo_interval"`
	OrphanContainerInterval  time.Duration `yaml:"orphan_container_interval"`
	IdempotencyPurgeInterval time.Duration `yaml:"idempotency_purge_interval"`
	LeaseTTL                 time.Duration `yaml:"lease_ttl"`
}

type SecurityConfig struct {
	DevMode        bool   `yaml:"dev_mode"`
	DevOwnerHeader string `yaml:"dev_owner_header"`
}

// ResourceSpec is a profile's container resource declaration.
type ResourceSpec struct {
	CPUs   float64 `yaml:"cpus"`
	Memory string  `yaml:"memory"` // e.g. "1g", parsed with docker/go-units
}

// ContainerSpec describes one container in a profile.
type ContainerSpec struct {
	Name         string            `yaml:"name"`
	Role         string            `yaml:"role"` // "primary" or a secondary role name
	Image        string            `yaml:"image"`
	RuntimeKind  string            `yaml:"runtime_kind"` // "ship" or "browser"
	RuntimePort  int               `yaml:"runtime_port"`
	Env          map[string]string `yaml:"env"`
	Resources    ResourceSpec      `yaml:"resources"`
	Capabilities []string          `yaml:"capabilities"`
}

// ProfileConfig is the immutable container-composition template (spec §3
// Profile).
type ProfileConfig struct {
	ID          string            `yaml:"id"`
	Containers  []ContainerSpec   `yaml:"containers"`
	PrimaryFor  map[string]string `yaml:"primary_for"` // capability -> container name
	IdleTimeout time.Duration     `yaml:"idle_timeout"`
}

// Capabilities returns the union of capabilities declared across containers.
func (p ProfileConfig) Capabilities() []string {
	seen := map[string]bool{}
	var out []string
	for _, c := range p.Containers {
		for _, cap := range c.Capabilities {
			if !seen[cap] {
				seen[cap] = true
				out = append(out, cap)
			}
		}
	}
	return out
}

// HasCapability reports whether the profile declares cap.
func (p ProfileConfig) HasCapability(cap string) bool {
	for _, c := range p.Capabilities() {
		if c == cap {
			return true
		}
	}
	return false
}

// PrimaryContainerFor returns the container providing cap: the declared
// primary-for mapping, falling back to the first container declaring it.
func (p ProfileConfig) PrimaryContainerFor(cap string) (ContainerSpec, bool) {
	if name, ok := p.PrimaryFor[cap]; ok {
		for _, c := range p.Containers {
			if c.Name == name {
				return c, true
			}
		}
	}
	for _, c := range p.Containers {
		for _, got := range c.Capabilities {
			if got == cap {
				return c, true
			}
		}
	}
	return ContainerSpec{}, false
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
		},
		Store: StoreConfig{
			Path:         "./bay.db",
			MaxOpenConns: 4,
		},
		Driver: DriverConfig{
			Type:       "docker",
			DockerHost: "unix:///var/run/docker.sock",
			Network:    "bay-network",
		},
		Workspace: WorkspaceConfig{
			RootPath:  "/var/lib/bay/workspaces",
			MountPath: "/workspace",
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
		GC: GCConfig{
			IdleSessionInterval:      60 * time.Second,
			ExpiredSandboxInterval:   60 * time.Second,
			OrphanCargoInterval:      5 * time.Minute,
			OrphanContainerInterval:  5 * time.Minute,
			IdempotencyPurgeInterval: 10 * time.Minute,
			LeaseTTL:                 30 * time.Second,
		},
		Security: SecurityConfig{
			DevMode:        false,
			DevOwnerHeader: "X-Bay-Owner",
		},
		Profiles: []ProfileConfig{
			{
				ID: "python-default",
				Containers: []ContainerSpec{
					{
						Name:         "ship",
						Role:         "primary",
						Image:        "ship:latest",
						RuntimeKind:  "ship",
						RuntimePort:  8000,
						Resources:    ResourceSpec{CPUs: 1.0, Memory: "1g"},
						Capabilities: []string{"filesystem", "shell", "python"},
					},
				},
				IdleTimeout: 30 * time.Minute,
			},
		},
	}
}

// Load reads a YAML config file (path, or BAY_CONFIG_FILE, or
// ./config.yaml) then applies BAY_-prefixed environment overrides on top of
// the typed defaults.
func Load(path string) (*Config, error) {
	cfg := defaults()

	candidate := path
	if candidate == "" {
		candidate = os.Getenv("BAY_CONFIG_FILE")
	}
	if candidate == "" {
		candidate = "config.yaml"
	}
	if data, err := os.ReadFile(candidate); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.Server.Addr = getEnv("BAY_SERVER_ADDR", cfg.Server.Addr)
	cfg.Server.ReadTimeout = getDurationEnv("BAY_SERVER_READ_TIMEOUT", cfg.Server.ReadTimeout)
	cfg.Server.WriteTimeout = getDurationEnv("BAY_SERVER_WRITE_TIMEOUT", cfg.Server.WriteTimeout)

	cfg.Store.Path = getEnv("BAY_STORE_PATH", cfg.Store.Path)
	cfg.Store.MaxOpenConns = getIntEnv("BAY_STORE_MAX_OPEN_CONNS", cfg.Store.MaxOpenConns)

	cfg.Driver.Type = getEnv("BAY_DRIVER_TYPE", cfg.Driver.Type)
	cfg.Driver.DockerHost = getEnv("BAY_DRIVER_DOCKER_HOST", cfg.Driver.DockerHost)
	cfg.Driver.Network = getEnv("BAY_DRIVER_NETWORK", cfg.Driver.Network)

	cfg.Workspace.RootPath = getEnv("BAY_WORKSPACE_ROOT_PATH", cfg.Workspace.RootPath)
	cfg.Workspace.MountPath = getEnv("BAY_WORKSPACE_MOUNT_PATH", cfg.Workspace.MountPath)

	cfg.Redis.Addr = getEnv("BAY_REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("BAY_REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getIntEnv("BAY_REDIS_DB", cfg.Redis.DB)

	cfg.Metrics.Addr = getEnv("BAY_METRICS_ADDR", cfg.Metrics.Addr)

	cfg.Security.DevMode = getBoolEnv("BAY_DEV_MODE", cfg.Security.DevMode)
	cfg.Security.DevOwnerHeader = getEnv("BAY_DEV_OWNER_HEADER", cfg.Security.DevOwnerHeader)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getIntEnv(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getBoolEnv(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDurationEnv(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// GetProfile returns the profile with the given id, if declared.
func (c *Config) GetProfile(id string) (ProfileConfig, bool) {
	for _, p := range c.Profiles {
		if p.ID == id {
			return p, true
		}
	}
	return ProfileConfig{}, false
}
