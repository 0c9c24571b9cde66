// Package config reads Umpire's environment-variable configuration, mirroring the
// handful of env vars the original Python controller read via common.config.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the Umpire controller's runtime configuration.
type Config struct {
	// ContainerID identifies this controller as a consumer on the control stream.
	ContainerID string

	// Heartbeat is the interval between monitor_queues ticks.
	Heartbeat time.Duration
	// AppRefresh is the interval between App Repository refreshes.
	AppRefresh time.Duration

	// BrokerURI is the Redis connection string (e.g. redis://host:6379/0).
	BrokerURI string
	// AppsPath is the directory the App Repository loads AppSpecs from.
	AppsPath string
	// AppPrefix prefixes app service names, e.g. "walkoff" -> "walkoff_http".
	AppPrefix string
	// WorkerServiceName is the well-known name of the generic worker service.
	WorkerServiceName string
	// MaxWorkers bounds the worker service's replica count.
	MaxWorkers int
	// StatusURL is the HTTP endpoint the Control Listener posts WorkflowStatusMessage to.
	StatusURL string
	// MetricsAddr is the listen address for the Prometheus /metrics endpoint.
	MetricsAddr string
}

// FromEnv builds a Config from the process environment, applying the same defaults
// as the original controller.
func FromEnv() Config {
	return Config{
		ContainerID:       getString("HOSTNAME", "local_umpire"),
		Heartbeat:         getSeconds("UMPIRE_HEARTBEAT", 1),
		AppRefresh:        getSeconds("APP_REFRESH", 60),
		BrokerURI:         getString("UMPIRE_BROKER_URI", "redis://localhost:6379/0"),
		AppsPath:          getString("UMPIRE_APPS_PATH", "./apps"),
		AppPrefix:         getString("UMPIRE_APP_PREFIX", "walkoff"),
		WorkerServiceName: getString("UMPIRE_WORKER_SERVICE", "walkoff_worker"),
		MaxWorkers:        getInt("UMPIRE_MAX_WORKERS", 1),
		StatusURL:         getString("UMPIRE_STATUS_URL", ""),
		MetricsAddr:       getString("UMPIRE_METRICS_ADDR", ":9090"),
	}
}

func getString(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func getInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getSeconds(name string, defSeconds int) time.Duration {
	return time.Duration(getInt(name, defSeconds)) * time.Second
}
