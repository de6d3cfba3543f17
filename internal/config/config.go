package config

import (
	"os"
	"strconv"
	"time"
)

// Config 应用配置
type Config struct {
	Port   string
	DBPath string

	// Broker selects the queue backend: "memory" or "nsq".
	Broker   string
	NSQDAddr string
	NSQTopic string
	NSQChan  string

	// IngestSecret, when non-empty, enables bearer-token verification on
	// the telemetry ingest route.
	IngestSecret string

	// Stream processor tuning.
	FlushThreshold int
	FlushInterval  time.Duration

	// Per-IP rate limit on the ingest route.
	RateLimit       int
	RateLimitWindow time.Duration
}

// Load 加载配置
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = ":8080"
	}

	dbPath := os.Getenv("DB_PATH")
	if dbPath == "" {
		dbPath = "./data/fleet.db"
	}

	broker := os.Getenv("BROKER")
	if broker == "" {
		broker = "memory"
	}

	nsqdAddr := os.Getenv("NSQD_ADDR")
	if nsqdAddr == "" {
		nsqdAddr = "127.0.0.1:4150"
	}

	nsqTopic := os.Getenv("NSQ_TOPIC")
	if nsqTopic == "" {
		nsqTopic = "vehicle_locations"
	}

	nsqChan := os.Getenv("NSQ_CHANNEL")
	if nsqChan == "" {
		nsqChan = "persister"
	}

	return &Config{
		Port:            port,
		DBPath:          dbPath,
		Broker:          broker,
		NSQDAddr:        nsqdAddr,
		NSQTopic:        nsqTopic,
		NSQChan:         nsqChan,
		IngestSecret:    os.Getenv("INGEST_SECRET"),
		FlushThreshold:  envInt("FLUSH_THRESHOLD", 50),
		FlushInterval:   envDuration("FLUSH_INTERVAL", 5*time.Second),
		RateLimit:       envInt("RATE_LIMIT", 600),
		RateLimitWindow: envDuration("RATE_LIMIT_WINDOW", time.Minute),
	}
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
