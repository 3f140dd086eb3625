package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type RevocationCfg struct {
	Enabled bool
	Brokers string
	Topic   string
	GroupID string
}

type Config struct {
	Addr       string
	LogLevel   string
	LogConsole bool
	LogFile    string

	StoreBackend string
	StoreDir     string
	RedisAddr    string
	ChunkSize    int

	StrictBounds    bool
	BoundsTolerance float64
	MinOverlapRatio float64
	MinMarginDeg    float64

	LookupRetryDelay   time.Duration
	HandleCacheSize    int
	HandlePinThreshold float64
	HandleHotHalfLife  time.Duration

	CatalogRefresh  time.Duration
	CoverageCellRes int

	MetricsEnabled bool
	MetricsAddr    string

	Revocation RevocationCfg
}

func FromEnv() Config {
	res := getint("COVERAGE_CELL_RES", 4)
	if res < 0 {
		res = 0
	}
	if res > 15 {
		res = 15
	}

	chunk := getint("STORE_CHUNK_SIZE", 4<<20)
	if chunk <= 0 {
		chunk = 4 << 20
	}

	return Config{
		Addr:       getenv("ADDR", ":8780"),
		LogLevel:   getenv("LOG_LEVEL", "info"),
		LogConsole: getbool("LOG_CONSOLE", false),
		LogFile:    getenv("LOG_FILE", ""),

		StoreBackend: getenv("STORE_BACKEND", "auto"),
		StoreDir:     getenv("STORE_DIR", "data"),
		RedisAddr:    getenv("REDIS_ADDR", "localhost:6379"),
		ChunkSize:    chunk,

		StrictBounds:    getbool("STRICT_BOUNDS", true),
		BoundsTolerance: getfloat("BOUNDS_TOLERANCE_DEG", 1e-4),
		MinOverlapRatio: getfloat("MIN_OVERLAP_RATIO", 0.02),
		MinMarginDeg:    getfloat("MIN_MARGIN_DEG", 0),

		LookupRetryDelay:   getduration("LOOKUP_RETRY_DELAY", 100*time.Millisecond),
		HandleCacheSize:    getint("HANDLE_CACHE_SIZE", 8),
		HandlePinThreshold: getfloat("HANDLE_PIN_THRESHOLD", 10.0),
		HandleHotHalfLife:  getduration("HANDLE_HOT_HALF_LIFE", time.Minute),

		CatalogRefresh:  getduration("CATALOG_REFRESH", time.Second),
		CoverageCellRes: res,

		MetricsEnabled: getbool("METRICS_ENABLED", false),
		MetricsAddr:    getenv("METRICS_ADDR", ":9090"),

		Revocation: RevocationCfg{
			Enabled: getbool("REVOCATION_ENABLED", false),
			Brokers: getenv("KAFKA_BROKERS", "localhost:9092"),
			Topic:   getenv("KAFKA_TOPIC", "chart-revocation"),
			GroupID: getenv("KAFKA_GROUP_ID", "chartstore"),
		},
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
