package app

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"shopsync/cmd/internal/realtime"
)

// Config contains all runtime configuration loaded from SHOPSYNC_* environment variables.
type Config struct {
	HTTPAddr  string `env:"HTTP_ADDR" envDefault:"0.0.0.0:8080"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	ReadHeaderTimeout time.Duration `env:"HTTP_READ_HEADER_TIMEOUT" envDefault:"5s"`
	ReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	ShutdownTimeout   time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	MaxHeaderBytes    int           `env:"HTTP_MAX_HEADER_BYTES" envDefault:"1048576"`
	MaxBodyBytes      int64         `env:"MAX_BODY_BYTES" envDefault:"1048576"`

	// Store selection: DatabaseURL wins, then SQLitePath, else in-memory.
	DatabaseURL   string `env:"DATABASE_URL"`
	DBMaxConns    int32  `env:"DB_MAX_CONNS" envDefault:"10"`
	DBMinConns    int32  `env:"DB_MIN_CONNS" envDefault:"0"`
	DBSchema      string `env:"DB_SCHEMA" envDefault:"shopsync"`
	DBAutoMigrate bool   `env:"DB_AUTO_MIGRATE" envDefault:"false"`
	SQLitePath    string `env:"SQLITE_PATH"`

	// If true, /readyz returns 503 unless a durable store is configured and reachable.
	ReadinessRequireDB bool `env:"READINESS_REQUIRE_DB" envDefault:"false"`

	JWTSecret   string        `env:"JWT_SECRET"`
	JWTIssuer   string        `env:"JWT_ISSUER"`
	JWTLeeway   time.Duration `env:"JWT_LEEWAY" envDefault:"30s"`
	DevInsecure bool          `env:"DEV_INSECURE" envDefault:"false"`

	CORSAllowedOrigins   []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
	CORSAllowCredentials bool     `env:"CORS_ALLOW_CREDENTIALS" envDefault:"false"`
	CORSMaxAgeSeconds    int      `env:"CORS_MAX_AGE_SECONDS" envDefault:"600"`

	WSOriginRequired    bool          `env:"WS_ORIGIN_REQUIRED" envDefault:"true"`
	WSAllowedOrigins    []string      `env:"WS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost,http://127.0.0.1"`
	WSWriteTimeout      time.Duration `env:"WS_WRITE_TIMEOUT" envDefault:"5s"`
	WSReadIdleTimeout   time.Duration `env:"WS_READ_IDLE_TIMEOUT" envDefault:"60s"`
	WSSendQueueSize     int           `env:"WS_SEND_QUEUE" envDefault:"64"`
	WSHeartbeatInterval time.Duration `env:"WS_HEARTBEAT_INTERVAL" envDefault:"25s"`
	WSHeartbeatTimeout  time.Duration `env:"WS_HEARTBEAT_TIMEOUT" envDefault:"5s"`
	WSRateEvents        int           `env:"WS_RATE_EVENTS" envDefault:"60"`
	WSRateWindow        time.Duration `env:"WS_RATE_WINDOW" envDefault:"10s"`

	MetricsEnabled bool `env:"METRICS_ENABLED" envDefault:"true"`

	// Tracing is opt-in: nothing is exported unless OTEL_ENDPOINT is set.
	OTelEnabled     bool    `env:"OTEL_ENABLED" envDefault:"true"`
	OTelEndpoint    string  `env:"OTEL_ENDPOINT"`
	OTelSampleRatio float64 `env:"OTEL_SAMPLE_RATIO" envDefault:"1"`
}

// LoadConfig parses Config from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "SHOPSYNC_"}); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// Validate reports configuration that cannot produce a working server.
func (c Config) Validate() error {
	if c.HTTPAddr == "" {
		return fmt.Errorf("config: SHOPSYNC_HTTP_ADDR is empty")
	}
	if c.DBMinConns > c.DBMaxConns && c.DBMaxConns > 0 {
		return fmt.Errorf("config: SHOPSYNC_DB_MIN_CONNS (%d) exceeds SHOPSYNC_DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.OTelSampleRatio < 0 || c.OTelSampleRatio > 1 {
		return fmt.Errorf("config: SHOPSYNC_OTEL_SAMPLE_RATIO must be within [0,1], got %v", c.OTelSampleRatio)
	}
	switch c.LogFormat {
	case "", "json", "text":
	default:
		return fmt.Errorf("config: unknown SHOPSYNC_LOG_FORMAT %q", c.LogFormat)
	}
	return ValidateSecurityConfig(c)
}

func (c Config) gatewayConfig() realtime.GatewayConfig {
	gw := realtime.DefaultGatewayConfig()
	gw.DevInsecure = c.DevInsecure
	gw.OriginRequired = c.WSOriginRequired
	if len(c.WSAllowedOrigins) > 0 {
		gw.AllowedOrigins = append([]string(nil), c.WSAllowedOrigins...)
	}
	gw.WriteTimeout = nonZeroDuration(c.WSWriteTimeout, gw.WriteTimeout)
	gw.ReadIdleTimeout = nonZeroDuration(c.WSReadIdleTimeout, gw.ReadIdleTimeout)
	gw.SendQueueSize = nonZeroInt(c.WSSendQueueSize, gw.SendQueueSize)
	gw.HeartbeatInterval = nonZeroDuration(c.WSHeartbeatInterval, gw.HeartbeatInterval)
	gw.HeartbeatTimeout = nonZeroDuration(c.WSHeartbeatTimeout, gw.HeartbeatTimeout)
	gw.RateEvents = nonZeroInt(c.WSRateEvents, gw.RateEvents)
	gw.RateWindow = nonZeroDuration(c.WSRateWindow, gw.RateWindow)
	return gw
}
