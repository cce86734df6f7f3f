package app

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds application configuration
type Config struct {
	ServerPort       string
	JWTSecret        string
	JWTExpirationSec int64

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	OperatorUser     string
	OperatorPassword string

	// RegistrationToken is the shared secret an agent presents once at
	// registration; CronSecret admits the external scheduler.
	RegistrationToken string
	CronSecret        string

	// ControllerURL is the externally reachable base URL handed to
	// agents during bootstrap.
	ControllerURL string

	HeartbeatStalenessSec int
	WorkerCount           int
	QueueSize             int
	DrainBatchSize        int

	ScaleUpThresholdPct   int
	ScaleDownThresholdPct int

	SSHConnectTimeoutSec int
	SSHCommandTimeoutSec int
	SSHInstallTimeoutSec int
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		ServerPort:       getEnv("SERVER_PORT", "8080"),
		JWTSecret:        getEnv("JWT_SIGNING_SECRET", "change-me-in-production"),
		JWTExpirationSec: 86400, // 24 hours

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "fleetdb"),
		DBSSLMode:  getEnv("DB_SSL_MODE", "disable"),

		OperatorUser:     getEnv("OPERATOR_USER", "admin"),
		OperatorPassword: getEnv("OPERATOR_PASSWORD", ""),

		RegistrationToken: getEnv("REGISTRATION_TOKEN", ""),
		CronSecret:        getEnv("CRON_SECRET", ""),
		ControllerURL:     getEnv("CONTROLLER_URL", "http://localhost:8080"),

		HeartbeatStalenessSec: getEnvInt("HEARTBEAT_STALENESS_SEC", 300),
		WorkerCount:           getEnvInt("EXECUTOR_WORKERS", 4),
		QueueSize:             getEnvInt("EXECUTOR_QUEUE_SIZE", 64),
		DrainBatchSize:        getEnvInt("DRAIN_BATCH_SIZE", 10),

		ScaleUpThresholdPct:   getEnvInt("SCALE_UP_THRESHOLD_PCT", 70),
		ScaleDownThresholdPct: getEnvInt("SCALE_DOWN_THRESHOLD_PCT", 30),

		SSHConnectTimeoutSec: getEnvInt("SSH_CONNECT_TIMEOUT_SEC", 15),
		SSHCommandTimeoutSec: getEnvInt("SSH_COMMAND_TIMEOUT_SEC", 30),
		SSHInstallTimeoutSec: getEnvInt("SSH_INSTALL_TIMEOUT_SEC", 600),
	}

	if cfg.JWTSecret == "change-me-in-production" {
		return nil, fmt.Errorf("JWT_SIGNING_SECRET must be set")
	}
	if cfg.OperatorPassword == "" {
		return nil, fmt.Errorf("OPERATOR_PASSWORD must be set")
	}
	if cfg.RegistrationToken == "" {
		return nil, fmt.Errorf("REGISTRATION_TOKEN must be set")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
