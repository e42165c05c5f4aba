// Package config loads the orchestra TOML configuration file, applies
// ORCHESTRA_* environment overrides, and validates the declarative "plans"
// section (agent roster) against a JSON Schema.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/orchestra/internal/otel"
)

// ExecutorConfig mirrors WorkflowExecutor's tunables.
type ExecutorConfig struct {
	MaxConcurrentTasks int `toml:"max_concurrent_tasks"`
	TaskTimeoutSeconds int `toml:"task_timeout_seconds"`
	MaxRetries         int `toml:"max_retries"`
}

// SubscriptionConfig mirrors ExecutionManager's subscription lifecycle knobs.
type SubscriptionConfig struct {
	TTLMinutes        int    `toml:"ttl_minutes"`
	BufferCapacity    int    `toml:"buffer_capacity"`
	InactivityMinutes int    `toml:"inactivity_minutes"`
	SweepCronExpr     string `toml:"sweep_cron_expr"`
}

// WebRetrievalConfig mirrors the web retriever's tunables.
type WebRetrievalConfig struct {
	CrawlConcurrency  int     `toml:"crawl_concurrency"`
	ContentCacheTTLMin int    `toml:"content_cache_ttl_minutes"`
	SemanticCacheTTLMin int   `toml:"semantic_cache_ttl_minutes"`
	LSHNumHashes      int     `toml:"lsh_num_hashes"`
	LSHNumBits        int     `toml:"lsh_num_bits"`
	EmbeddingDims     int     `toml:"embedding_dims"`
	MinChunkScore     float64 `toml:"min_chunk_score"`
	TargetChunkTokens int     `toml:"target_chunk_tokens"`
}

// ContextConfig mirrors ContextProvider's token budget.
type ContextConfig struct {
	TokenBudget int `toml:"token_budget"`
}

// AgentPlan is one entry in the "plans" section: a declared agent with its
// steps, validated against plansSchema before being handed to the agent pool.
type AgentPlan struct {
	AgentID        string   `toml:"agent_id" json:"agent_id"`
	AgentType      string   `toml:"agent_type" json:"agent_type"`
	Steps          []string `toml:"steps" json:"steps"`
	MaxConcurrency int      `toml:"max_concurrency" json:"max_concurrency"`
}

// Config is the top-level orchestra configuration, loaded from a TOML file.
type Config struct {
	BindAddr   string `toml:"bind_addr"`
	ServerURL  string `toml:"server_url"`
	LogLevel   string `toml:"log_level"`
	HomeDir    string `toml:"home_dir"`
	DBPath     string `toml:"db_path"`
	PolicyPath string `toml:"policy_path"`

	Executor    ExecutorConfig     `toml:"executor"`
	Subscription SubscriptionConfig `toml:"subscription"`
	WebRetrieval WebRetrievalConfig `toml:"web_retrieval"`
	Context     ContextConfig      `toml:"context"`
	OTel        otel.Config        `toml:"otel"`

	Plans []AgentPlan `toml:"plans"`
}

// Default returns a Config populated with the documented defaults:
// `max_concurrent_tasks=16`, 5-minute subscription TTL, 500-event buffer,
// 30-minute inactivity sweep, and 512-token web chunks.
func Default() Config {
	home := defaultHomeDir()
	return Config{
		BindAddr:   ":8090",
		ServerURL:  "http://localhost:8090",
		LogLevel:   "info",
		HomeDir:    home,
		DBPath:     filepath.Join(home, "orchestra.db"),
		PolicyPath: filepath.Join(home, "policy.yaml"),
		Executor: ExecutorConfig{
			MaxConcurrentTasks: 16,
			TaskTimeoutSeconds: 5000,
			MaxRetries:         3,
		},
		Subscription: SubscriptionConfig{
			TTLMinutes:        5,
			BufferCapacity:    500,
			InactivityMinutes: 30,
			SweepCronExpr:     "*/5 * * * *",
		},
		WebRetrieval: WebRetrievalConfig{
			CrawlConcurrency:    10,
			ContentCacheTTLMin:  60,
			SemanticCacheTTLMin: 1440,
			LSHNumHashes:        8,
			LSHNumBits:          16,
			EmbeddingDims:       128,
			MinChunkScore:       5.0,
			TargetChunkTokens:   512,
		},
		Context: ContextConfig{TokenBudget: 4096},
		OTel:    otel.Config{Enabled: false, Exporter: "none"},
	}
}

func defaultHomeDir() string {
	if override := os.Getenv("ORCHESTRA_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".orchestra"
	}
	return filepath.Join(home, ".orchestra")
}

// Load reads and parses a TOML config file at path, applies defaults for any
// unset field, overlays ORCHESTRA_* environment variables, and validates the
// "plans" section against plansSchema. An empty path loads defaults only.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := validatePlans(cfg.Plans); err != nil {
		return Config{}, fmt.Errorf("validate plans: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return Config{}, fmt.Errorf("create home dir: %w", err)
	}

	return cfg, nil
}

func (c Config) validate() error {
	if c.Executor.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("executor.max_concurrent_tasks must be positive")
	}
	if c.Subscription.BufferCapacity <= 0 {
		return fmt.Errorf("subscription.buffer_capacity must be positive")
	}
	for _, p := range c.Plans {
		if p.AgentID == "" {
			return fmt.Errorf("plans: agent_id must not be empty")
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ORCHESTRA_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ORCHESTRA_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("ORCHESTRA_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("ORCHESTRA_HOME"); v != "" {
		cfg.HomeDir = v
	}
	if v := os.Getenv("ORCHESTRA_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("ORCHESTRA_MAX_CONCURRENT_TASKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Executor.MaxConcurrentTasks = n
		}
	}
}

// plansSchema constrains the "plans" section: each entry must declare a
// non-empty agent_id and agent_type, and at least one step.
const plansSchema = `{
  "type": "array",
  "items": {
    "type": "object",
    "required": ["agent_id", "agent_type"],
    "properties": {
      "agent_id": {"type": "string", "minLength": 1},
      "agent_type": {"type": "string", "minLength": 1},
      "steps": {"type": "array", "items": {"type": "string"}},
      "max_concurrency": {"type": "integer", "minimum": 0}
    }
  }
}`

func validatePlans(plans []AgentPlan) error {
	if len(plans) == 0 {
		return nil
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("plans.json", strings.NewReader(plansSchema)); err != nil {
		return fmt.Errorf("load plans schema: %w", err)
	}
	schema, err := compiler.Compile("plans.json")
	if err != nil {
		return fmt.Errorf("compile plans schema: %w", err)
	}

	raw, err := json.Marshal(plans)
	if err != nil {
		return fmt.Errorf("marshal plans: %w", err)
	}
	var instance any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&instance); err != nil {
		return fmt.Errorf("decode plans: %w", err)
	}

	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	return nil
}
