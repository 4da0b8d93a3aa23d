// Package config provides configuration loading from environment variables.
package config

import (
	"time"
)

// ServiceConfig holds configuration for the broker service. It is built once
// at startup and passed by reference; no component reads the process
// environment after this point.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	DatabaseURL       string
	DefaultNamespace  string        // Environment namespace used when none is supplied
	SignatureRequired bool          // Enforce the provider allow-list on recovered identities
	AllowedProviders  []string      // Lower-cased identities permitted when SignatureRequired
	AllowedAdmins     []string      // Lower-cased values accepted in the Admin header
	FetchTimeout      time.Duration // Upstream timeout for result proxying
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	dbURL := GetSecretFile(GetEnv("DATABASE_URL_FILE", ""))
	if dbURL == "" {
		dbURL = GetEnv("DATABASE_URL", "postgres://localhost:5432/broker?sslmode=disable")
	}

	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		DatabaseURL:       dbURL,
		DefaultNamespace:  GetEnv("DEFAULT_NAMESPACE", "compute"),
		SignatureRequired: GetBoolEnv("SIGNATURE_REQUIRED"),
		AllowedProviders:  GetListEnv("ALLOWED_PROVIDERS"),
		AllowedAdmins:     GetListEnv("ALLOWED_ADMINS"),
		FetchTimeout:      GetDurationEnv("RESULT_FETCH_TIMEOUT", 3*time.Second),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
	}
}
