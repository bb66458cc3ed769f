package config

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port int
	Host string
	Env  string // "development" or "production"

	// Data directory (sqlite database)
	DataDir      string
	DatabasePath string

	// ProjectsDir is the root of the on-disk session logs: one subdirectory
	// per project, each holding JSONL conversation logs.
	ProjectsDir string

	// AgentCommand is the executable used to run turns. Must speak the
	// stream-json protocol on stdout.
	AgentCommand string
}

var (
	cfg  *Config
	once sync.Once
)

// Get returns the global configuration (singleton)
func Get() *Config {
	once.Do(func() {
		cfg = load()
	})
	return cfg
}

// load reads configuration from environment variables
func load() *Config {
	dataDir := getEnv("CLAUDEDECK_DATA_DIR", "./data")

	homeDir, _ := os.UserHomeDir()
	projectsDir := getEnv("CLAUDE_PROJECTS_DIR", filepath.Join(homeDir, ".claude", "projects"))

	return &Config{
		Port: getEnvInt("PORT", 9608),
		Host: getEnv("HOST", "0.0.0.0"),
		Env:  getEnv("ENV", "development"),

		DataDir:      dataDir,
		DatabasePath: filepath.Join(dataDir, "claudedeck.sqlite"),

		ProjectsDir:  projectsDir,
		AgentCommand: getEnv("CLAUDEDECK_AGENT_COMMAND", "claude"),
	}
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env != "production"
}

// Helper functions

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
