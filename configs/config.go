package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Endpoints       []string
	Namespace       string
	MarkerPrefix    string
	SessionTimeout  time.Duration
	DialTimeout     time.Duration
	CreateNamespace bool

	Rejoin            bool
	RejoinDelay       time.Duration
	RejoinMaxFailures int

	StatusPort string

	LogLevel    string
	LogEncoding string

	TracingEnabled  bool
	TracingEndpoint string
}

func LoadConfig() *Config {
	return &Config{
		Endpoints:       getEnvAsList("ELECTION_ENDPOINTS", []string{"localhost:2379"}),
		Namespace:       getEnv("ELECTION_NAMESPACE", "/election"),
		MarkerPrefix:    getEnv("ELECTION_MARKER_PREFIX", "c_"),
		SessionTimeout:  getEnvAsDuration("ELECTION_SESSION_TIMEOUT", 3*time.Second),
		DialTimeout:     getEnvAsDuration("ELECTION_DIAL_TIMEOUT", 5*time.Second),
		CreateNamespace: getEnvAsBool("ELECTION_CREATE_NAMESPACE", true),

		Rejoin:            getEnvAsBool("ELECTION_REJOIN", false),
		RejoinDelay:       getEnvAsDuration("ELECTION_REJOIN_DELAY", 2*time.Second),
		RejoinMaxFailures: getEnvAsInt("ELECTION_REJOIN_MAX_FAILURES", 5),

		StatusPort: getEnv("STATUS_PORT", ""),

		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogEncoding: getEnv("LOG_ENCODING", "console"),

		TracingEnabled:  getEnvAsBool("TRACING_ENABLED", false),
		TracingEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil && value > 0 {
		return value
	}
	return fallback
}

func getEnvAsList(key string, fallback []string) []string {
	var list []string
	for _, item := range strings.Split(getEnv(key, ""), ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}
	if len(list) == 0 {
		return fallback
	}
	return list
}
