package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"sigs.k8s.io/kustomize/kyaml/yaml"
	"sigs.k8s.io/kustomize/kyaml/yaml/merge2"
	"sigs.k8s.io/kustomize/kyaml/yaml/walk"
)

// defaultConfig is the process's built-in configuration, merged underneath
// whatever the operator supplies. It is a variable, not a constant, so a
// caller embedding this package can override it before New is called.
var defaultConfig = `
statPrefix: "trpcproxy"
listener:
  address: "0.0.0.0"
  port: 18080
admin:
  enabled: false
  address: "127.0.0.1"
  port: 18081
clusters: []
routes: []
accessLog:
  enabled: true
healthCheck:
  enabled: false
  interval: 5s
  timeout: 2s
  reuseConnection: true
  pingCallee: ""
  pingFunc: ""
maxRetry: 2
debug: false
`

// GetDefaultConfig returns the embedded default configuration YAML.
func GetDefaultConfig() string {
	return defaultConfig
}

// SetDefaultConfig overrides the embedded default, for callers that ship
// their own baked-in policy.
func SetDefaultConfig(cfgStr string) {
	defaultConfig = cfgStr
}

// New returns a Config populated from the embedded default. Overrides are a
// separate step: cmd/trpcproxy reads a user file with its own viper instance
// and unmarshals it over the returned Config; Merge is the text-level
// alternative.
func New() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(strings.NewReader(defaultConfig)); err != nil {
		return nil, fmt.Errorf("failed to read default config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.HealthCheck.Interval == 0 {
		cfg.HealthCheck.Interval = 5 * time.Second
	}
	if cfg.HealthCheck.Timeout == 0 {
		cfg.HealthCheck.Timeout = 2 * time.Second
	}
	return &cfg, nil
}

// Merge layers srcStr (e.g. a user-supplied config file) on top of destStr
// (the embedded default), returning the merged YAML text for a caller to
// parse into a Config. Text-level YAML merge, nothing proxy-specific in it.
func Merge(srcStr, destStr string) (string, error) {
	return mergeStrings(srcStr, destStr, false, yaml.MergeOptions{})
}

// Reference: https://github.com/kubernetes-sigs/kustomize/blob/537c4fa5c2bf3292b273876f50c62ce1c81714d7/kyaml/yaml/merge2/merge2.go#L24
// VisitKeysAsScalars is set to true to enable merging comments.
// inferAssociativeLists is set to false to disable merging associative lists.
func mergeStrings(srcStr, destStr string, infer bool, mergeOptions yaml.MergeOptions) (string, error) {
	src, err := yaml.Parse(srcStr)
	if err != nil {
		return "", err
	}

	dest, err := yaml.Parse(destStr)
	if err != nil {
		return "", err
	}

	result, err := walk.Walker{
		Sources:               []*yaml.RNode{dest, src},
		Visitor:                merge2.Merger{},
		InferAssociativeLists: infer,
		VisitKeysAsScalars:    true,
		MergeOptions:          mergeOptions,
	}.Walk()
	if err != nil {
		return "", err
	}

	return result.String()
}
