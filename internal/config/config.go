package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds process configuration. Fields are unexported to prevent
// modification after load.
type Config struct {
	secret     string
	relayURL   string
	stunServer string
	logFile    string
	logLevel   slog.Level
	relayPort  string
}

func defaultLogFile() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "sendmer", "sendmer.log")
	}
	return filepath.Join(dir, "sendmer", "sendmer.log")
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func New() *Config {
	_ = godotenv.Load() // ignore error if .env not found

	stunServer := os.Getenv("SENDMER_STUN")
	if stunServer == "" {
		stunServer = "stun.l.google.com:19302"
	}

	logFile := os.Getenv("SENDMER_LOG_FILE")
	if logFile == "" {
		logFile = defaultLogFile()
	}

	relayPort := os.Getenv("PORT")
	if relayPort == "" {
		relayPort = "8080"
	}

	return &Config{
		secret:     os.Getenv("SENDMER_SECRET"),
		relayURL:   os.Getenv("SENDMER_RELAY"),
		stunServer: stunServer,
		logFile:    logFile,
		logLevel:   parseLevel(os.Getenv("SENDMER_LOG_LEVEL")),
		relayPort:  relayPort,
	}
}

// Getter methods (immutable from outside)

// Secret is the hex-encoded ed25519 seed identifying this node, empty when
// a fresh per-session key should be generated.
func (c *Config) Secret() string {
	return c.secret
}

func (c *Config) RelayURL() string {
	return c.relayURL
}

func (c *Config) StunServerAddr() string {
	return c.stunServer
}

func (c *Config) LogFile() string {
	return c.logFile
}

func (c *Config) LogLevel() slog.Level {
	return c.logLevel
}

// RelayPort is the listen port for the sendmer-relay server.
func (c *Config) RelayPort() string {
	return c.relayPort
}
