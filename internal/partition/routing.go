package partition

import (
	"fmt"
	"regexp"
)

// RouterConfig configures how the partition key of an ingestion is derived
// from the key of its raw object.
type RouterConfig struct {
	// Pattern is a regular expression with exactly one capture group.
	Pattern string
	// DefaultKey is used when the pattern does not match. Empty means
	// unmatched objects are rejected.
	DefaultKey string
}

// DefaultRouterConfig routes "…/region=<key>/…" objects by region.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{Pattern: `region=([^/]+)`}
}

// Router determines the partition key for a raw object.
type Router struct {
	config  RouterConfig
	pattern *regexp.Regexp
}

// NewRouter creates a new partition key router with the given configuration.
func NewRouter(config RouterConfig) (*Router, error) {
	re, err := validateConfig(config)
	if err != nil {
		return nil, err
	}
	return &Router{config: config, pattern: re}, nil
}

// Route computes the partition key for a raw object key.
func (r *Router) Route(objectKey string) (string, error) {
	key := r.config.DefaultKey
	if m := r.pattern.FindStringSubmatch(objectKey); m != nil {
		key = m[1]
	}
	if key == "" {
		return "", fmt.Errorf("routing: no partition key in %q", objectKey)
	}
	if err := ValidatePartitionKey(key); err != nil {
		return "", fmt.Errorf("routing: %w", err)
	}
	return key, nil
}

// validateConfig checks that the routing configuration is valid.
func validateConfig(config RouterConfig) (*regexp.Regexp, error) {
	re, err := regexp.Compile(config.Pattern)
	if err != nil {
		return nil, fmt.Errorf("routing: invalid pattern %q: %w", config.Pattern, err)
	}
	if re.NumSubexp() != 1 {
		return nil, fmt.Errorf("routing: pattern %q must have exactly one capture group, got %d", config.Pattern, re.NumSubexp())
	}
	if config.DefaultKey != "" {
		if err := ValidatePartitionKey(config.DefaultKey); err != nil {
			return nil, fmt.Errorf("routing: default key: %w", err)
		}
	}
	return re, nil
}
