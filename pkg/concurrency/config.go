package concurrency

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// BackendKind names a fan-out backend.
type BackendKind string

const (
	BackendThread  BackendKind = "thread"
	BackendProcess BackendKind = "process"
)

// ConfigSource indicates where the configuration came from
type ConfigSource string

const (
	ConfigSourceEnvVar     ConfigSource = "environment_variable"
	ConfigSourceAutoDetect ConfigSource = "auto_detect"
)

// Config holds concurrency configuration parameters
type Config struct {
	// MaxWorkers bounds concurrently running fan-out tasks
	MaxWorkers int
	// RunnerWorkers is the default worker count of the parallel runner
	RunnerWorkers int
	// Backend is the default fan-out backend
	Backend       BackendKind
	Source        ConfigSource
	IsKubernetes  bool
	EffectiveCPUs int
}

// LoadConfig loads concurrency configuration with priority: env vars > auto-detection
func LoadConfig() *Config {
	config := &Config{}

	config.IsKubernetes = isKubernetes()

	// respects cgroup limits once automaxprocs has run
	config.EffectiveCPUs = runtime.GOMAXPROCS(0)

	if maxWorkers := getEnvInt("GLIDE_MAX_WORKERS", 0); maxWorkers > 0 {
		config.MaxWorkers = maxWorkers
		config.Source = ConfigSourceEnvVar
	} else if multiplier := getEnvInt("GLIDE_CONCURRENCY_MULTIPLIER", 0); multiplier > 0 {
		config.MaxWorkers = config.EffectiveCPUs * multiplier
		config.Source = ConfigSourceEnvVar
	} else {
		config.MaxWorkers = getDefaultMaxWorkers(config.IsKubernetes, config.EffectiveCPUs)
		config.Source = ConfigSourceAutoDetect
	}

	if config.MaxWorkers < 1 {
		config.MaxWorkers = 1
	}

	if workers := getEnvInt("GLIDE_RUNNER_WORKERS", 0); workers > 0 {
		config.RunnerWorkers = workers
	} else {
		config.RunnerWorkers = config.EffectiveCPUs
	}

	config.Backend = BackendKind(strings.ToLower(getEnv("GLIDE_BACKEND", string(BackendThread))))
	if config.Backend != BackendThread && config.Backend != BackendProcess {
		config.Backend = BackendThread
	}

	return config
}

// isKubernetes detects if the application is running in Kubernetes
func isKubernetes() bool {
	// Kubernetes sets this environment variable in all containers
	return os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}

func getDefaultMaxWorkers(isK8s bool, cpus int) int {
	if isK8s {
		return cpus * 2
	}
	return cpus * 4
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnv(key string, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// String returns a formatted string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{MaxWorkers: %d, RunnerWorkers: %d, Backend: %s, IsK8s: %t, CPUs: %d, Source: %s}",
		c.MaxWorkers,
		c.RunnerWorkers,
		c.Backend,
		c.IsKubernetes,
		c.EffectiveCPUs,
		c.Source,
	)
}
