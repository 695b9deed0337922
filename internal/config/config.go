// Package config loads broker configuration from the process environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const appName = "codebroker"

// DefaultSandboxImage is the container image used when a language key does
// not map to a more specific image (see Config.LanguageImages).
const DefaultSandboxImage = "ghcr.io/obot-platform/codebroker-sandbox:latest"

// Config holds all configuration for the broker.
type Config struct {
	// Server settings
	Port        int
	CORSOrigins []string
	CORSDebug   bool

	// Docker-specific settings
	DockerHost    string // Docker socket/host (empty = SDK auto-detect)
	DockerNetwork string // Docker network to attach session containers to

	// Sandbox runtime settings
	SandboxImage    string            // Fallback image for unlisted languages
	LanguageImages  map[string]string // language key -> image override
	AdapterCreateTimeout time.Duration // §5: timeout for CreateInteractive
	AdapterResizeTimeout time.Duration
	AdapterStopTimeout   time.Duration
	AdapterRemoveTimeout time.Duration

	// Session limits (§5, §6)
	MaxSessionsPerConnection int
	MaxGlobalSessions        int
	IdleTimeout              time.Duration
	MaxLifetime               time.Duration
	MaxInputBytes             int
	MaxOutboundQueueBytes     int
	MaxChunkBytes             int

	// Health gate backoff (§4.6)
	BackoffBaseSeconds int
	BackoffMaxSeconds  int

	// Stream processor policy (§4.2)
	PreserveAnsi         bool
	PreserveControlChars bool

	// Health endpoint cache (§4.8)
	HealthCacheInterval time.Duration

	// Shutdown
	ShutdownGrace time.Duration

	// Process lifecycle
	LogFile string // Append the structured log to this file instead of stderr
}

// Load reads configuration from environment variables, applying the defaults
// named in spec §6.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Port = getEnvInt("PORT", 8080)
	cfg.CORSOrigins = getEnvList("CORS_ORIGINS", []string{"http://localhost:3000"})
	cfg.CORSDebug = getEnvBool("CORS_DEBUG", false)

	cfg.DockerHost = getEnv("DOCKER_HOST", "")
	cfg.DockerNetwork = getEnv("DOCKER_NETWORK", "none")

	cfg.SandboxImage = getEnv("SANDBOX_IMAGE", DefaultSandboxImage)
	cfg.LanguageImages = getEnvImageMap("LANGUAGE_IMAGES")
	cfg.AdapterCreateTimeout = getEnvDuration("ADAPTER_CREATE_TIMEOUT", 10*time.Second)
	cfg.AdapterResizeTimeout = getEnvDuration("ADAPTER_RESIZE_TIMEOUT", 2*time.Second)
	cfg.AdapterStopTimeout = getEnvDuration("ADAPTER_STOP_TIMEOUT", 5*time.Second)
	cfg.AdapterRemoveTimeout = getEnvDuration("ADAPTER_REMOVE_TIMEOUT", 5*time.Second)

	cfg.MaxSessionsPerConnection = getEnvInt("MAX_SESSIONS_PER_CONNECTION", 5)
	cfg.MaxGlobalSessions = getEnvInt("MAX_GLOBAL_SESSIONS", 256)
	cfg.IdleTimeout = getEnvDuration("IDLE_TIMEOUT", 30*time.Minute)
	cfg.MaxLifetime = getEnvDuration("MAX_LIFETIME", 60*time.Minute)
	cfg.MaxInputBytes = getEnvInt("MAX_INPUT_BYTES", 65536)
	cfg.MaxOutboundQueueBytes = getEnvInt("MAX_OUTBOUND_QUEUE_BYTES", 1048576)
	cfg.MaxChunkBytes = getEnvInt("MAX_CHUNK_BYTES", 4096)

	cfg.BackoffBaseSeconds = getEnvInt("BACKOFF_BASE_SECONDS", 5)
	cfg.BackoffMaxSeconds = getEnvInt("BACKOFF_MAX_SECONDS", 300)

	cfg.PreserveAnsi = getEnvBool("PRESERVE_ANSI", true)
	cfg.PreserveControlChars = getEnvBool("PRESERVE_CONTROL_CHARS", true)

	cfg.HealthCacheInterval = getEnvDuration("HEALTH_CACHE_INTERVAL", 30*time.Second)
	cfg.ShutdownGrace = getEnvDuration("SHUTDOWN_GRACE", 10*time.Second)

	cfg.LogFile = getEnv("LOG_FILE", "")

	if cfg.MaxSessionsPerConnection <= 0 {
		return nil, fmt.Errorf("MAX_SESSIONS_PER_CONNECTION must be positive")
	}
	if cfg.MaxGlobalSessions <= 0 {
		return nil, fmt.Errorf("MAX_GLOBAL_SESSIONS must be positive")
	}

	return cfg, nil
}

// SupportedLanguages is the broker-configurable set of recognized language
// keys (§6). Unknown keys are rejected with INVALID_INPUT.
var SupportedLanguages = map[string]bool{
	"python": true, "javascript": true, "typescript": true, "java": true,
	"c": true, "cpp": true, "go": true, "rust": true, "bash": true,
	"sql": true, "csharp": true, "swift": true,
}

// SupportedLanguage reports whether language is a recognized key.
func (c *Config) SupportedLanguage(language string) bool {
	return SupportedLanguages[strings.ToLower(language)]
}

// ImageFor returns the container image for a language key.
func (c *Config) ImageFor(language string) string {
	if img, ok := c.LanguageImages[language]; ok {
		return img
	}
	return c.SandboxImage
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvImageMap parses "python=img1,go=img2" into a map.
func getEnvImageMap(key string) map[string]string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(value, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}
