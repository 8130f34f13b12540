// Package config provides configuration loading from environment variables.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Broker backends.
const (
	BrokerAsynq  = "asynq"
	BrokerMemory = "memory"
)

// Storage backends.
const (
	StorageMinIO = "minio"
	StorageFiler = "filer"
	StorageLocal = "local"
)

// Toolchain executors.
const (
	ExecutorLocal  = "exec"
	ExecutorDocker = "docker"
)

// RedisConfig holds the connection settings shared by the queue and the job store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// StorageConfig selects and configures the artifact storage backend.
type StorageConfig struct {
	Backend    string
	Endpoint   string
	AccessKey  string
	SecretKey  string
	UseSSL     bool
	Bucket     string
	ExpiryDays int
	FilerURL   string
	LocalDir   string
}

// ToolchainConfig describes how the EDA tools are invoked.
type ToolchainConfig struct {
	Executor           string
	Image              string // Container image when Executor is docker
	Python             string
	KicadCLI           string
	Kle2Netlist        string
	Kinet2PCB          string
	LibraryDir         string // KiCad symbol library dir passed to kle2netlist
	FootprintDir       string
	KbplacerDir        string // Working directory for `python3 -m kbplacer`
	ControllerTemplate string // Board template merged for the ATmega32U4 controller
	LogTailBytes       int
}

// ServiceConfig holds configuration for the HTTP API process.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	Version           string
	Production        bool          // Enables strict CORS
	AllowedOrigin     string        // CORS origin in production
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
	LogLevel          string

	Broker        string
	Queue         string
	MaxQueued     int           // Submissions are rejected once pending+active reaches this
	MaxRetry      int           // Retries for transient failures
	TaskTimeout   time.Duration // Upper bound the queue puts on a single task
	TaskRetention time.Duration // How long finished tasks and job records are kept

	AbandonTimeout  time.Duration
	AbandonInterval time.Duration

	Redis   RedisConfig
	Storage StorageConfig

	// Used only when Broker is memory: the pipeline runs in-process.
	Worker *WorkerConfig
}

// WorkerConfig holds configuration for the pipeline worker process.
type WorkerConfig struct {
	Concurrency     int
	Queue           string
	WorkDir         string
	StageTimeout    time.Duration // 0 disables the per-stage timeout
	ShutdownTimeout time.Duration
	MetricsPort     string
	LogLevel        string
	TaskRetention   time.Duration

	Redis     RedisConfig
	Storage   StorageConfig
	Toolchain ToolchainConfig
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	loadEnvFiles()

	cfg := &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		Version:           GetEnv("APP_VERSION", "dev"),
		Production:        GetEnv("PROFILE", "") == "PRODUCTION",
		AllowedOrigin:     GetEnv("CORS_ALLOWED_ORIGIN", "https://editor.keyboard-tools.xyz"),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		LogLevel:          GetEnv("LOG_LEVEL", "info"),

		Broker:        GetEnv("BROKER", BrokerAsynq),
		Queue:         GetEnv("QUEUE_NAME", "kicad"),
		MaxQueued:     GetIntEnv("MAX_QUEUED_JOBS", 3),
		MaxRetry:      GetIntEnv("TASK_MAX_RETRY", 3),
		TaskTimeout:   GetDurationEnv("TASK_TIMEOUT", 10*time.Minute),
		TaskRetention: GetDurationEnv("TASK_RETENTION", 24*time.Hour),

		AbandonTimeout:  time.Duration(GetIntEnv("TASK_ABANDONMENT_TIMEOUT", 15)) * time.Minute,
		AbandonInterval: time.Duration(GetIntEnv("TASK_ABANDONMENT_CHECK_INTERVAL", 2)) * time.Minute,

		Redis:   loadRedisConfig(),
		Storage: loadStorageConfig(),
	}
	if cfg.Broker == BrokerMemory {
		cfg.Worker = LoadWorkerConfig()
	}
	return cfg
}

// LoadWorkerConfig loads worker configuration from environment variables.
func LoadWorkerConfig() *WorkerConfig {
	loadEnvFiles()

	return &WorkerConfig{
		Concurrency:     GetIntEnv("WORKER_CONCURRENCY", 10),
		Queue:           GetEnv("QUEUE_NAME", "kicad"),
		WorkDir:         GetEnv("WORK_DIR", "/tmp/kicad-jobs"),
		StageTimeout:    GetDurationEnv("STAGE_TIMEOUT", 0),
		ShutdownTimeout: GetDurationEnv("WORKER_SHUTDOWN_TIMEOUT", 30*time.Second),
		MetricsPort:     GetEnv("METRICS_PORT", "9091"),
		LogLevel:        GetEnv("LOG_LEVEL", "info"),
		TaskRetention:   GetDurationEnv("TASK_RETENTION", 24*time.Hour),

		Redis:   loadRedisConfig(),
		Storage: loadStorageConfig(),
		Toolchain: ToolchainConfig{
			Executor:           GetEnv("TOOLCHAIN_EXECUTOR", ExecutorLocal),
			Image:              GetEnv("TOOLCHAIN_IMAGE", "admwscki/keyboard-tools-kicad:latest"),
			Python:             GetEnv("PYTHON_BIN", "python3"),
			KicadCLI:           GetEnv("KICAD_CLI_BIN", "kicad-cli"),
			Kle2Netlist:        GetEnv("KLE2NETLIST_BIN", "kle2netlist"),
			Kinet2PCB:          GetEnv("KINET2PCB_BIN", "kinet2pcb"),
			LibraryDir:         GetEnv("KICAD_LIBRARY_DIR", "/usr/share/kicad/library"),
			FootprintDir:       GetEnv("KICAD_FOOTPRINT_DIR", "/usr/share/kicad/footprints"),
			KbplacerDir:        GetEnv("KBPLACER_DIR", ""),
			ControllerTemplate: GetEnv("CONTROLLER_TEMPLATE", "/opt/templates/atmega32u4-au-v1.kicad_pcb"),
			LogTailBytes:       GetIntEnv("LOG_TAIL_BYTES", 8192),
		},
	}
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:     GetEnv("REDIS_ADDR", "localhost:6379"),
		Password: GetSecretFileOrEnv("REDIS_PASSWORD_FILE", "REDIS_PASSWORD"),
		DB:       GetIntEnv("REDIS_DB", 0),
	}
}

func loadStorageConfig() StorageConfig {
	return StorageConfig{
		Backend:    GetEnv("STORAGE_BACKEND", StorageMinIO),
		Endpoint:   GetEnv("S3_ENDPOINT", "localhost:9000"),
		AccessKey:  GetSecretFileOrEnv("S3_ACCESS_KEY_FILE", "S3_ACCESS_KEY"),
		SecretKey:  GetSecretFileOrEnv("S3_SECRET_KEY_FILE", "S3_SECRET_KEY"),
		UseSSL:     GetBoolEnv("S3_USE_SSL", false),
		Bucket:     GetEnv("S3_BUCKET", "kicad-projects"),
		ExpiryDays: GetIntEnv("ARTIFACT_EXPIRY_DAYS", 1),
		FilerURL:   GetEnv("FILER_URL", "http://localhost:8888"),
		LocalDir:   GetEnv("STORAGE_DIR", "/tmp/kicad-artifacts"),
	}
}

// Validate rejects configurations the service cannot start with.
func (c *ServiceConfig) Validate() error {
	var errs []error
	switch c.Broker {
	case BrokerAsynq, BrokerMemory:
	default:
		errs = append(errs, fmt.Errorf("BROKER must be %q or %q, got %q", BrokerAsynq, BrokerMemory, c.Broker))
	}
	if c.MaxQueued < 1 {
		errs = append(errs, fmt.Errorf("MAX_QUEUED_JOBS must be positive, got %d", c.MaxQueued))
	}
	if c.AbandonInterval <= 0 {
		errs = append(errs, errors.New("TASK_ABANDONMENT_CHECK_INTERVAL must be positive"))
	}
	errs = append(errs, c.Storage.validate())
	if c.Worker != nil {
		errs = append(errs, c.Worker.Validate())
	}
	return errors.Join(errs...)
}

// Validate rejects configurations the worker cannot start with.
func (c *WorkerConfig) Validate() error {
	var errs []error
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("WORKER_CONCURRENCY must be positive, got %d", c.Concurrency))
	}
	if c.WorkDir == "" {
		errs = append(errs, errors.New("WORK_DIR is required"))
	}
	switch c.Toolchain.Executor {
	case ExecutorLocal:
	case ExecutorDocker:
		if c.Toolchain.Image == "" {
			errs = append(errs, errors.New("TOOLCHAIN_IMAGE is required for the docker executor"))
		}
	default:
		errs = append(errs, fmt.Errorf("TOOLCHAIN_EXECUTOR must be %q or %q, got %q", ExecutorLocal, ExecutorDocker, c.Toolchain.Executor))
	}
	errs = append(errs, c.Storage.validate())
	return errors.Join(errs...)
}

func (c StorageConfig) validate() error {
	switch c.Backend {
	case StorageMinIO:
		if c.Endpoint == "" || c.Bucket == "" {
			return errors.New("S3_ENDPOINT and S3_BUCKET are required for the minio backend")
		}
	case StorageFiler:
		if c.FilerURL == "" {
			return errors.New("FILER_URL is required for the filer backend")
		}
	case StorageLocal:
		if c.LocalDir == "" {
			return errors.New("STORAGE_DIR is required for the local backend")
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be one of minio, filer, local; got %q", c.Backend)
	}
	if c.ExpiryDays < 1 {
		return fmt.Errorf("ARTIFACT_EXPIRY_DAYS must be positive, got %d", c.ExpiryDays)
	}
	return nil
}
