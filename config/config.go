// Package config provides the proxy's configuration structures: a listener
// address, the static cluster and route tables, access-log and health-check
// policy. An embedded YAML default is merged with a user file via viper,
// then unmarshaled with mapstructure tags.
package config

import (
	"time"
)

// Config is the root configuration for one trpcproxy process.
type Config struct {
	StatPrefix  string            `json:"statPrefix" yaml:"statPrefix" mapstructure:"statPrefix"`
	Listener    ListenerConfig    `json:"listener" yaml:"listener" mapstructure:"listener"`
	Admin       AdminConfig       `json:"admin" yaml:"admin" mapstructure:"admin"`
	Clusters    []ClusterConfig   `json:"clusters" yaml:"clusters" mapstructure:"clusters"`
	Routes      []RouteConfig     `json:"routes" yaml:"routes" mapstructure:"routes"`
	AccessLog   AccessLogConfig   `json:"accessLog" yaml:"accessLog" mapstructure:"accessLog"`
	HealthCheck HealthCheckConfig `json:"healthCheck" yaml:"healthCheck" mapstructure:"healthCheck"`
	MaxRetry    int               `json:"maxRetry" yaml:"maxRetry" mapstructure:"maxRetry"`
	Debug       bool              `json:"debug" yaml:"debug" mapstructure:"debug"`
}

// ListenerConfig is the downstream socket the proxy accepts connections on.
type ListenerConfig struct {
	Address string `json:"address" yaml:"address" mapstructure:"address"`
	Port    uint32 `json:"port" yaml:"port" mapstructure:"port"`
}

// AdminConfig is the optional HTTP admin surface (health/stats inspection),
// separate from the tRPC listener itself.
type AdminConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Address string `json:"address" yaml:"address" mapstructure:"address"`
	Port    uint32 `json:"port" yaml:"port" mapstructure:"port"`
}

// ClusterConfig is one static upstream cluster. No CDS equivalent exists —
// the host list is fixed for the process lifetime.
type ClusterConfig struct {
	Name           string        `json:"name" yaml:"name" mapstructure:"name"`
	Hosts          []string      `json:"hosts" yaml:"hosts" mapstructure:"hosts"`
	ConnectTimeout time.Duration `json:"connectTimeout" yaml:"connectTimeout" mapstructure:"connectTimeout"`
	IdlePoolSize   int           `json:"idlePoolSize" yaml:"idlePoolSize" mapstructure:"idlePoolSize"`
}

// RouteConfig is one static route table entry. Callee is matched exactly,
// FuncPrefix as a prefix; an empty Callee is the catch-all fallback.
type RouteConfig struct {
	Callee     string `json:"callee" yaml:"callee" mapstructure:"callee"`
	FuncPrefix string `json:"funcPrefix" yaml:"funcPrefix" mapstructure:"funcPrefix"`
	Cluster    string `json:"cluster" yaml:"cluster" mapstructure:"cluster"`
	HashPolicy bool   `json:"hashPolicy" yaml:"hashPolicy" mapstructure:"hashPolicy"`
}

// AccessLogConfig toggles the access-log sink.
type AccessLogConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
}

// HealthCheckConfig is the health checker's policy, applied identically to
// every host in every cluster. Ping is nil-equivalent (PingFunc == "") for
// TCP-connect-only.
type HealthCheckConfig struct {
	Enabled         bool          `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Interval        time.Duration `json:"interval" yaml:"interval" mapstructure:"interval"`
	Timeout         time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
	ReuseConnection bool          `json:"reuseConnection" yaml:"reuseConnection" mapstructure:"reuseConnection"`
	PingCallee      string        `json:"pingCallee" yaml:"pingCallee" mapstructure:"pingCallee"`
	PingFunc        string        `json:"pingFunc" yaml:"pingFunc" mapstructure:"pingFunc"`
}
