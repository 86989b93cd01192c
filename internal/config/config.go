// Package config centralizes the environment-variable-driven configuration
// for the reactive task subsystem, following the teacher's own
// os.Getenv-with-default idiom rather than introducing a config-file
// library the teacher's stack never uses for this kind of service.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the process-wide configuration for a Scheduler instance.
type Config struct {
	// StoreBackend is either "mongo" or "bolt".
	StoreBackend string
	MongoURI     string
	MongoDB      string
	BoltPath     string

	// MetaCollection is the globals collection holding the leader lease,
	// resume tokens, reconciliation checkpoints, and metrics registry.
	MetaCollection string

	InstanceID string

	// Concurrency is the global worker pool budget (C in spec.md §4.6).
	Concurrency int

	VisibilityTimeout time.Duration
	MinPoll           time.Duration
	MaxPoll           time.Duration
	PollJitter        time.Duration

	LeaderLeaseTTL time.Duration

	// MetricsStaleAfter is read from the environment but not passed on:
	// pkg/metrics prunes the shared registry document with its own fixed
	// 10s staleness window (spec.md §9 Open Question #2).
	MetricsStaleAfter time.Duration

	NATSURL string

	MonitoringDisabled bool
}

// FromEnv builds a Config from REACTIVETASK_* environment variables,
// defaulting anything unset.
func FromEnv() Config {
	return Config{
		StoreBackend:       getEnvDefault("REACTIVETASK_STORE_BACKEND", "mongo"),
		MongoURI:           getEnvDefault("REACTIVETASK_MONGO_URI", "mongodb://localhost:27017"),
		MongoDB:            getEnvDefault("REACTIVETASK_MONGO_DB", "reactivetask"),
		BoltPath:           getEnvDefault("REACTIVETASK_BOLT_PATH", "./reactivetask.db"),
		MetaCollection:     getEnvDefault("REACTIVETASK_META_COLLECTION", "reactive_tasks_meta"),
		InstanceID:         getEnvDefault("REACTIVETASK_INSTANCE_ID", defaultInstanceID()),
		Concurrency:        getEnvInt("REACTIVETASK_CONCURRENCY", 5),
		VisibilityTimeout:  getEnvDuration("REACTIVETASK_VISIBILITY_TIMEOUT", 5*time.Minute),
		MinPoll:            getEnvDuration("REACTIVETASK_MIN_POLL", 200*time.Millisecond),
		MaxPoll:            getEnvDuration("REACTIVETASK_MAX_POLL", 30*time.Second),
		PollJitter:         getEnvDuration("REACTIVETASK_POLL_JITTER", 100*time.Millisecond),
		LeaderLeaseTTL:     getEnvDuration("REACTIVETASK_LEADER_LEASE_TTL", 15*time.Second),
		MetricsStaleAfter:  getEnvDuration("REACTIVETASK_METRICS_STALE_AFTER", 10*time.Second),
		NATSURL:            os.Getenv("REACTIVETASK_NATS_URL"),
		MonitoringDisabled: getEnvBool("REACTIVETASK_MONITORING_DISABLED", false),
	}
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "reactivetask-instance"
	}
	return host + "-" + strconv.Itoa(os.Getpid())
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
