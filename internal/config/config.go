package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig     `json:"server"`
	Providers []ProviderConfig `json:"providers"`
	Agents    []AgentConfig    `json:"agents"`
	Debate    DebateConfig     `json:"debate"`
	Trust     TrustConfig      `json:"trust"`
	Budget    BudgetConfig     `json:"budget"`
	Database  DatabaseConfig   `json:"database"`
	Notify    NotifyConfig     `json:"notify"`
	Embedding EmbeddingConfig  `json:"embedding"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type ProviderConfig struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Name     string            `json:"name"`
	Endpoint string            `json:"endpoint"`
	APIKey   string            `json:"api_key"`
	Models   []string          `json:"models,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// AgentConfig declares one debate participant.
type AgentConfig struct {
	ID              string   `json:"id,omitempty"`
	Name            string   `json:"name"`
	ProviderID      string   `json:"provider_id"`
	Model           string   `json:"model,omitempty"`
	Specializations []string `json:"specializations,omitempty"`
}

// DebateConfig controls the round state machine.
type DebateConfig struct {
	MaxRounds       int     `json:"max_rounds"`
	RoundTimeoutSec int     `json:"round_timeout_sec"`
	CallTimeoutSec  int     `json:"call_timeout_sec"`
	Quorum          int     `json:"quorum"`
	TopK            int     `json:"top_k"`
	DeadlineCapMin  int     `json:"deadline_cap_min"`
	OutlierFactor   float64 `json:"outlier_factor"`
	Tolerance       float64 `json:"tolerance"`
}

// RoundTimeout returns the round barrier timeout with a default.
func (d DebateConfig) RoundTimeout() time.Duration {
	if d.RoundTimeoutSec <= 0 {
		return 60 * time.Second
	}
	return time.Duration(d.RoundTimeoutSec) * time.Second
}

// CallTimeout returns the per-invocation timeout with a default.
func (d DebateConfig) CallTimeout() time.Duration {
	if d.CallTimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(d.CallTimeoutSec) * time.Second
}

// DeadlineCap returns the ceiling applied to session deadlines.
func (d DebateConfig) DeadlineCap() time.Duration {
	if d.DeadlineCapMin <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(d.DeadlineCapMin) * time.Minute
}

type TrustConfig struct {
	Alpha           float64 `json:"alpha"`
	Floor           float64 `json:"floor"`
	MaliciousStreak int     `json:"malicious_streak"`
}

type BudgetConfig struct {
	MaxCalls  int `json:"max_calls"`
	MaxTokens int `json:"max_tokens"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
	Neo4j    Neo4jConfig    `json:"neo4j"`
	Qdrant   QdrantConfig   `json:"qdrant"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type QdrantConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type NotifyConfig struct {
	Slack   SlackNotifyConfig   `json:"slack"`
	Discord DiscordNotifyConfig `json:"discord"`
}

type SlackNotifyConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	Channel  string `json:"channel"`
}

type DiscordNotifyConfig struct {
	Enabled   bool   `json:"enabled"`
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

type EmbeddingConfig struct {
	Provider  string `json:"provider"`
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}
