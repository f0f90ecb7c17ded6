// Package dbconfig holds the connection settings for both ends of a
// migration. It is shared by the config and driver packages so neither has
// to import the other.
package dbconfig

import "time"

// SourceConfig holds Oracle connection settings.
type SourceConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Service  string `yaml:"service"` // service name, used when SID is empty
	SID      string `yaml:"sid"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	// FetchSize is the number of rows requested per round trip.
	FetchSize int `yaml:"fetch_size"`
	// PrefetchCount lets the driver read ahead of FetchSize (default: FetchSize+1).
	PrefetchCount int  `yaml:"prefetch_count"`
	LogQueries    bool `yaml:"log_queries"`
}

// TargetConfig holds SQL Server connection settings.
type TargetConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Instance        string `yaml:"instance"`
	Database        string `yaml:"database"`
	User            string `yaml:"user"`
	Password        string `yaml:"password"`
	Schema          string `yaml:"schema"`            // default: dbo
	TrustServerCert bool   `yaml:"trust_server_cert"` // default: false
	Encrypt         *bool  `yaml:"encrypt"`           // default: driver default
	PacketSize      int    `yaml:"packet_size"`       // TDS packet size in bytes (max 32767)
	AppName         string `yaml:"app_name"`
	LogQueries      bool   `yaml:"log_queries"`
}

// PoolConfig bounds a database/sql pool.
type PoolConfig struct {
	MaxOpen     int           `yaml:"max_open"`
	MaxIdle     int           `yaml:"max_idle"`
	MaxLifetime time.Duration `yaml:"max_lifetime"`
}

// DSNOptions returns the query parameters for the SQL Server DSN.
func (c *TargetConfig) DSNOptions() map[string]any {
	opts := make(map[string]any)
	if c.Encrypt != nil {
		opts["encrypt"] = *c.Encrypt
	}
	if c.TrustServerCert {
		opts["TrustServerCertificate"] = true
	}
	if c.PacketSize > 0 {
		opts["packet size"] = c.PacketSize
	}
	if c.AppName != "" {
		opts["app name"] = c.AppName
	}
	return opts
}

// DSNOptions returns extra godror connection parameters.
func (c *SourceConfig) DSNOptions() map[string]any {
	opts := make(map[string]any)
	if c.FetchSize > 0 {
		opts["fetchArraySize"] = c.FetchSize
	}
	if c.PrefetchCount > 0 {
		opts["prefetchCount"] = c.PrefetchCount
	}
	return opts
}
