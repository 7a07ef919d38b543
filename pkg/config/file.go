package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// fileKeys are the settings a config file may carry. Keys are the
// lowercase spellings of the environment variable names; environment
// values override file values. Mode cannot come from the file because
// the file path itself is resolved after mode selection. Secrets have
// no file spelling; they come from the environment only.
var fileKeys = map[string]struct{}{
	"host": {}, "port": {}, "log_level": {},
	"db_host": {}, "db_port": {}, "db_name": {}, "db_user": {},
	"db_sslmode": {}, "db_pool_size": {}, "db_idle_timeout_ms": {}, "db_statement_timeout_ms": {},
	"redis_host": {}, "redis_port": {}, "redis_db": {}, "redis_key_prefix": {},
	"queue_key": {}, "max_queue_size": {}, "worker_poll_interval_ms": {}, "worker_batch_size": {},
	"worker_insert_backoff_ms": {},
	"api_body_limit_kb":        {}, "rate_limit_per_minute": {}, "rate_limit_burst": {},
	"max_batch_size": {}, "trust_proxy": {}, "cors_origin": {},
	"cache_ttl_seconds": {}, "cache_enabled": {},
	"raw_events_retention_days": {}, "hourly_aggregations_retention_days": {},
	"daily_aggregations_retention_days": {}, "error_summary_retention_days": {},
	"enable_metrics": {}, "metrics_port": {}, "shutdown_grace_ms": {},
}

// applyFile overlays a YAML config file onto cfg. The file uses the same
// keys as the environment (lowercased) and the same value formats, so
// both sources go through one parser. Unknown keys are rejected.
func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return err
	}

	vals := make(map[string]string, len(doc))
	for k, v := range doc {
		key := strings.ToLower(k)
		if _, ok := fileKeys[key]; !ok {
			return fmt.Errorf("unknown setting %q", k)
		}
		s, err := scalarString(v)
		if err != nil {
			return fmt.Errorf("setting %q: %w", k, err)
		}
		vals[strings.ToUpper(key)] = s
	}

	return applyEnv(cfg, func(key string) string { return vals[key] })
}

// scalarString renders a YAML value the way the env parser expects it.
// Lists (cors_origin) become comma-joined strings.
func scalarString(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case int:
		return fmt.Sprintf("%d", t), nil
	case bool:
		return fmt.Sprintf("%t", t), nil
	case []any:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return "", fmt.Errorf("list elements must be strings")
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, ","), nil
	}
	return "", fmt.Errorf("unsupported value type %T", v)
}
