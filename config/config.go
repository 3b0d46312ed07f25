package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/stranger-signaling/internal/models"
)

const defaultSTUN = "stun:stun.l.google.com:19302"

type Config struct {
	Port                string
	Environment         string
	AllowedOrigins      []string
	JWTSecret           string
	SessionTTL          time.Duration
	LogLevel            string
	PresenceBackend     string
	OnlineCountInterval time.Duration
	RoomTTL             time.Duration
	Redis               RedisConfig
	ICE                 ICEConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
	Prefix   string
}

// ICEConfig is advertised to browser clients through /api/ice-servers.
type ICEConfig struct {
	Mode    string
	Servers []models.ICEServer
}

// LoadDotEnv loads a .env file when one exists. Variables already present
// in the environment win.
func LoadDotEnv(paths ...string) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			logrus.WithError(err).WithField("path", p).Warn("Failed to load env file")
		}
	}
}

func Load() *Config {
	// Parse allowed origins (comma-separated)
	origins := splitAndClean(getEnv("CLIENT_URL", "http://localhost:8080"))

	return &Config{
		Port:                getEnv("PORT", "8080"),
		Environment:         getEnv("ENVIRONMENT", "development"),
		AllowedOrigins:      origins,
		JWTSecret:           getEnv("JWT_SECRET", "change-me-in-production"),
		SessionTTL:          getDuration("SESSION_TTL", 24*time.Hour),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		PresenceBackend:     strings.ToLower(getEnv("PRESENCE_BACKEND", "redis")),
		OnlineCountInterval: getDuration("ONLINE_COUNT_INTERVAL", 5*time.Second),
		RoomTTL:             getDuration("ROOM_TTL", 24*time.Hour),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getInt("REDIS_DB", 0),
			Prefix:   getEnv("REDIS_PREFIX", "stranger"),
		},
		ICE: loadICE(),
	}
}

// IsProduction reports whether gin and logging should run in release mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// loadICE parses STUN_URLS, TURN_URLS, TURN_USERNAME, TURN_PASSWORD and
// ICE_MODE (stun-turn, turn-only, stun-only).
func loadICE() ICEConfig {
	mode := strings.ToLower(strings.TrimSpace(getEnv("ICE_MODE", "stun-turn")))
	turnOnly := mode == "turn-only"
	stunOnly := mode == "stun-only"

	var servers []models.ICEServer
	if !turnOnly {
		stunURLs := splitAndClean(getEnv("STUN_URLS", defaultSTUN))
		if len(stunURLs) > 0 {
			servers = append(servers, models.ICEServer{URLs: stunURLs})
		}
	}
	if !stunOnly {
		if turnURLs := splitAndClean(os.Getenv("TURN_URLS")); len(turnURLs) > 0 {
			servers = append(servers, models.ICEServer{
				URLs:       turnURLs,
				Username:   strings.TrimSpace(os.Getenv("TURN_USERNAME")),
				Credential: strings.TrimSpace(os.Getenv("TURN_PASSWORD")),
			})
		}
	}
	if turnOnly && len(servers) == 0 {
		logrus.Warn("ICE_MODE=turn-only set but no TURN servers are configured; falling back to default STUN")
		servers = append(servers, models.ICEServer{URLs: []string{defaultSTUN}})
	}
	return ICEConfig{Mode: mode, Servers: servers}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		logrus.WithField("key", key).Warnf("Invalid duration %q, using %s", value, defaultValue)
		return defaultValue
	}
	return d
}

func getInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		logrus.WithField("key", key).Warnf("Invalid integer %q, using %d", value, defaultValue)
		return defaultValue
	}
	return n
}

func splitAndClean(csv string) []string {
	var out []string
	for _, p := range strings.Split(csv, ",") {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
