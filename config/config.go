// Package config loads the process-wide configuration from a JSON file at
// startup, falling back to embedded defaults for anything missing.
package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
)

//go:embed config.default.json
var defaultJSON []byte

// Postgres is the `postgres` section of the config schema.
type Postgres struct {
	ConnStr            string   `json:"conn_str"`
	StatementTimeout   int      `json:"statement_timeout"`
	MaxConnPerWorker   int      `json:"max_conn_per_worker"`
	MinQueriesPerConn  int64    `json:"min_queries_per_conn"`
	MaxQueriesPerConn  int64    `json:"max_queries_per_conn"`
	PostConnectQueries []string `json:"post_connect_queries"`
}

// Redis is the `redis` section of the config schema.
type Redis struct {
	Host             string `json:"host"`
	Port             int    `json:"port"`
	Database         int    `json:"database"`
	MaxConnPerWorker int    `json:"max_conn_per_worker"`
}

// Beanstalkd is the `beanstalkd` section of the config schema.
type Beanstalkd struct {
	Host    string   `json:"host"`
	Port    int      `json:"port"`
	Timeout float64  `json:"timeout"`
	Tubes   []string `json:"tubes"`
}

// Config is the top-level configuration document.
type Config struct {
	Postgres   Postgres   `json:"postgres"`
	Redis      Redis      `json:"redis"`
	Beanstalkd Beanstalkd `json:"beanstalkd"`
}

// Load reads path, overlaying it onto the embedded defaults — a field
// missing from path keeps its default value.
func Load(path string) (Config, error) {
	cfg := defaults()

	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %q: %w", path, err)
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %q: %w", path, err)
	}
	return cfg, nil
}

func defaults() Config {
	var c Config
	// The embedded default is trusted input, baked in at build time — a
	// parse failure here is a packaging bug, not a runtime condition.
	if err := json.Unmarshal(defaultJSON, &c); err != nil {
		panic(fmt.Sprintf("config: embedded default is invalid JSON: %v", err))
	}
	return c
}
