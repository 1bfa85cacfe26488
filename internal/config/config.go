// Package config loads and validates Transcription Palantir's configuration
// from environment variables (and an optional .env file), the way the
// teacher's config.Load does: plain getEnv helpers, no framework magic.
package config

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration values for a Transcription Palantir process.
type Config struct {
	// Server
	Host string
	Port string

	// Directories
	WatchDirectory     string
	OutputDirectory    string
	CompletedDirectory string
	FailedDirectory    string

	// Database
	DatabasePath string

	// Worker pool bounds
	MinWorkers       int
	MaxWorkers       int
	ConcurrencyLimit int

	// Watcher validation
	MaxFileSizeMB    int64
	MinFileSizeMB    int64
	SupportedFormats []string
	MaxWatchDepth    int
	StabilityWindow  time.Duration

	// Retry / liveness tuning
	MaxJobAttempts  int
	StalledInterval time.Duration
	LockDuration    time.Duration
	MaxStalledCount int

	// Transcription engine
	EngineBinary      string
	EngineModel       string
	EngineLanguage    string
	EngineTask        string
	EngineComputeType string
	EngineFlavor      string
	EngineOutputExt   string

	LogLevel string
}

// Load loads configuration from the environment (and ./.env if present) and
// validates it. A validation failure is fatal at boot.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	cfg := &Config{
		Host: getEnv("HOST", "0.0.0.0"),
		Port: getEnv("PORT", "8080"),

		WatchDirectory:     getEnv("WATCH_DIRECTORY", "data/watch"),
		OutputDirectory:    getEnv("OUTPUT_DIRECTORY", "data/output"),
		CompletedDirectory: getEnv("COMPLETED_DIRECTORY", "data/completed"),
		FailedDirectory:    getEnv("FAILED_DIRECTORY", "data/failed"),

		DatabasePath: getEnv("DATABASE_PATH", "data/palantir.db"),

		MinWorkers:       getEnvAsInt("MIN_WORKERS", 1),
		MaxWorkers:       getEnvAsInt("MAX_WORKERS", 3),
		ConcurrencyLimit: getEnvAsInt("CONCURRENCY_LIMIT", 3),

		MaxFileSizeMB:    int64(getEnvAsInt("MAX_FILE_SIZE", 2048)),
		MinFileSizeMB:    int64(getEnvAsInt("MIN_FILE_SIZE", 0)),
		SupportedFormats: getEnvAsList("SUPPORTED_FORMATS", []string{"mp3", "wav", "m4a", "flac", "ogg", "mp4", "mov"}),
		MaxWatchDepth:    getEnvAsInt("MAX_WATCH_DEPTH", 3),
		StabilityWindow:  getEnvAsDuration("STABILITY_WINDOW_MS", 2*time.Second),

		MaxJobAttempts:  getEnvAsInt("MAX_JOB_ATTEMPTS", 3),
		StalledInterval: getEnvAsDuration("STALLED_INTERVAL", 30*time.Second),
		LockDuration:    getEnvAsDuration("LOCK_DURATION", 60*time.Second),
		MaxStalledCount: getEnvAsInt("MAX_STALLED_COUNT", 2),

		EngineBinary:      findEngineBinary(),
		EngineModel:       getEnv("ENGINE_MODEL", "base"),
		EngineLanguage:    getEnv("ENGINE_LANGUAGE", ""),
		EngineTask:        getEnv("ENGINE_TASK", "transcribe"),
		EngineComputeType: getEnv("ENGINE_COMPUTE_TYPE", "int8"),
		EngineFlavor:      getEnv("ENGINE_FLAVOR", "whisper"),
		EngineOutputExt:   getEnv("ENGINE_OUTPUT_FORMAT", "txt"),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	return cfg
}

// Validate enforces the configuration constraints: absolute, pre-existing
// watch directory; created output/completed/failed directories; all four
// directories readable and writable; MAX_WORKERS >= MIN_WORKERS >= 1.
func (c *Config) Validate() error {
	resolved := map[string]*string{
		"WATCH_DIRECTORY":     &c.WatchDirectory,
		"OUTPUT_DIRECTORY":    &c.OutputDirectory,
		"COMPLETED_DIRECTORY": &c.CompletedDirectory,
		"FAILED_DIRECTORY":    &c.FailedDirectory,
	}
	for name, dir := range resolved {
		if !filepath.IsAbs(*dir) {
			abs, err := filepath.Abs(*dir)
			if err != nil {
				return fmt.Errorf("%s %q is not absolute and could not be resolved: %w", name, *dir, err)
			}
			*dir = abs
		}
	}

	if info, err := os.Stat(c.WatchDirectory); err != nil || !info.IsDir() {
		return fmt.Errorf("WATCH_DIRECTORY %q must pre-exist and be a directory", c.WatchDirectory)
	}
	for _, dir := range []string{c.OutputDirectory, c.CompletedDirectory, c.FailedDirectory} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %q: %w", dir, err)
		}
	}
	for _, dir := range []string{c.WatchDirectory, c.OutputDirectory, c.CompletedDirectory, c.FailedDirectory} {
		if _, err := os.ReadDir(dir); err != nil {
			return fmt.Errorf("directory %q is not readable: %w", dir, err)
		}
		probe, err := os.CreateTemp(dir, ".palantir-write-check-*")
		if err != nil {
			return fmt.Errorf("directory %q is not writable: %w", dir, err)
		}
		probe.Close()
		os.Remove(probe.Name())
	}

	if c.MinWorkers < 1 {
		return fmt.Errorf("MIN_WORKERS must be >= 1, got %d", c.MinWorkers)
	}
	if c.MaxWorkers < c.MinWorkers {
		return fmt.Errorf("MAX_WORKERS (%d) must be >= MIN_WORKERS (%d)", c.MaxWorkers, c.MinWorkers)
	}
	if c.ConcurrencyLimit < 1 {
		return fmt.Errorf("CONCURRENCY_LIMIT must be >= 1, got %d", c.ConcurrencyLimit)
	}
	if c.MinFileSizeMB < 0 || c.MaxFileSizeMB <= c.MinFileSizeMB {
		return fmt.Errorf("MAX_FILE_SIZE (%d) must be greater than MIN_FILE_SIZE (%d)", c.MaxFileSizeMB, c.MinFileSizeMB)
	}
	if c.MaxJobAttempts < 1 {
		return fmt.Errorf("MAX_JOB_ATTEMPTS must be >= 1, got %d", c.MaxJobAttempts)
	}

	return nil
}

// MaxFileSizeBytes returns MaxFileSizeMB converted to bytes.
func (c *Config) MaxFileSizeBytes() int64 { return c.MaxFileSizeMB * 1024 * 1024 }

// MinFileSizeBytes returns MinFileSizeMB converted to bytes.
func (c *Config) MinFileSizeBytes() int64 { return c.MinFileSizeMB * 1024 * 1024 }

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(strings.ToLower(p)); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}

// findEngineBinary resolves the transcription engine binary path, falling
// back to a PATH lookup when no explicit path is configured.
func findEngineBinary() string {
	if bin := os.Getenv("ENGINE_BINARY"); bin != "" {
		return bin
	}
	if path, err := exec.LookPath("whisper"); err == nil {
		log.Printf("Found transcription engine at: %s", path)
		return path
	}
	log.Println("Warning: transcription engine binary not found in PATH, using 'whisper' as fallback")
	return "whisper"
}
