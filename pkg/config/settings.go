package config

import (
	"fmt"
	"strconv"
)

// Configuration keys resolved through the Environment collaborator. Only the
// host key decides whether a backend is considered available; the rest fall
// back to documented defaults.
const (
	KeyDatabaseHost     = "TEST_DATABASE_HOST"
	KeyDatabasePort     = "TEST_DATABASE_PORT"
	KeyDatabaseUser     = "TEST_DATABASE_USER"
	KeyDatabasePassword = "TEST_DATABASE_PASSWORD"
	KeyDatabaseName     = "TEST_DATABASE_NAME"

	KeyCacheHost = "TEST_CACHE_HOST"
	KeyCachePort = "TEST_CACHE_PORT"

	KeyAnalyticsHost     = "TEST_ANALYTICS_HOST"
	KeyAnalyticsPort     = "TEST_ANALYTICS_PORT"
	KeyAnalyticsUser     = "TEST_ANALYTICS_USER"
	KeyAnalyticsPassword = "TEST_ANALYTICS_PASSWORD"
	KeyAnalyticsName     = "TEST_ANALYTICS_NAME"
)

// Capabilities records, once at startup, which backends the host environment
// actually has configured. Each is independently optional; the managers skip
// resource kinds whose backend is absent instead of probing ad hoc.
type Capabilities struct {
	Database  bool
	Cache     bool
	Analytics bool
}

// DetectCapabilities computes the capability record from the collaborator.
func DetectCapabilities(env Environment) Capabilities {
	_, db := env.Lookup(KeyDatabaseHost)
	_, cache := env.Lookup(KeyCacheHost)
	_, analytics := env.Lookup(KeyAnalyticsHost)
	return Capabilities{Database: db, Cache: cache, Analytics: analytics}
}

// DatabaseSettings are the relational backend's connection parameters.
type DatabaseSettings struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

// DSN renders the settings as a pgx-compatible connection string.
func (s DatabaseSettings) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		s.User, s.Password, s.Host, s.Port, s.Database)
}

// DatabaseSettingsFrom resolves relational settings with defaults.
func DatabaseSettingsFrom(env Environment) DatabaseSettings {
	return DatabaseSettings{
		Host:     lookup(env, KeyDatabaseHost, "localhost"),
		Port:     lookupInt(env, KeyDatabasePort, 5432),
		User:     lookup(env, KeyDatabaseUser, "postgres"),
		Password: lookup(env, KeyDatabasePassword, "postgres"),
		Database: lookup(env, KeyDatabaseName, "testenv"),
	}
}

// CacheSettings are the cache backend's connection parameters.
type CacheSettings struct {
	Host string
	Port int
}

// Addr renders the settings as a host:port address.
func (s CacheSettings) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// CacheSettingsFrom resolves cache settings with defaults.
func CacheSettingsFrom(env Environment) CacheSettings {
	return CacheSettings{
		Host: lookup(env, KeyCacheHost, "localhost"),
		Port: lookupInt(env, KeyCachePort, 6379),
	}
}

// AnalyticsSettings are the analytics backend's connection parameters.
type AnalyticsSettings struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
}

// DSN renders the settings as a database/sql (lib/pq) connection string.
func (s AnalyticsSettings) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		s.Host, s.Port, s.User, s.Password, s.Database)
}

// AnalyticsSettingsFrom resolves analytics settings with defaults.
func AnalyticsSettingsFrom(env Environment) AnalyticsSettings {
	return AnalyticsSettings{
		Host:     lookup(env, KeyAnalyticsHost, "localhost"),
		Port:     lookupInt(env, KeyAnalyticsPort, 5432),
		User:     lookup(env, KeyAnalyticsUser, "postgres"),
		Password: lookup(env, KeyAnalyticsPassword, "postgres"),
		Database: lookup(env, KeyAnalyticsName, "testenv_analytics"),
	}
}

func lookup(env Environment, key, fallback string) string {
	if v, ok := env.Lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func lookupInt(env Environment, key string, fallback int) int {
	if v, ok := env.Lookup(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
