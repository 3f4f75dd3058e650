// Copyright 2025-2026 The PawHub Relay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import "github.com/spf13/viper"

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to the NATS JetStream broker
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// ===============================================================================
// Redis Related Config

// RedisConfig defines parameters for connecting to Redis, which backs both the
// durable alarm store and the short-TTL replay event cache
type RedisConfig struct {
	// Addr is the Redis "host:port" address
	Addr string `mapstructure:"addr" json:"addr" validate:"required"`
	// Password is the optional Redis AUTH password
	Password string `mapstructure:"password" json:"password"`
	// DB is the Redis logical database index
	DB int `mapstructure:"db" json:"db" validate:"gte=0"`
}

// ===============================================================================
// Publisher Related Config

// PublishConfig defines alarm publisher parameters
type PublishConfig struct {
	// MaxAttempts is the number of broker publish attempts made for one alarm.
	// The alarm is already durably stored before the first attempt, so running
	// out of attempts never loses data.
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"required,gte=1"`
	// RetryWait is the duration between publish attempts in milliseconds
	RetryWait int `mapstructure:"retry_wait_msec" json:"retry_wait_msec" validate:"gte=1"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout. Must remain zero on the delivery server:
	// the alarm stream endpoint holds its response open for the whole session.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// ===============================================================================
// Delivery Server Related Config

// DeliveryEndpointConfig defines delivery API endpoint config
type DeliveryEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the delivery APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// SessionConfig defines client push session parameters
type SessionConfig struct {
	// TimeoutSec is the idle lifetime of one push connection in seconds
	TimeoutSec int `mapstructure:"timeout_sec" json:"timeout_sec" validate:"required,gte=1"`
	// EventCacheTTLSec is the replay event cache entry lifetime in seconds.
	// The cache is a replay buffer, not the system of record; keep this short.
	EventCacheTTLSec int `mapstructure:"event_cache_ttl_sec" json:"event_cache_ttl_sec" validate:"required,gte=1"`
}

// DeliveryServerConfig defines configuration for the delivery API server
type DeliveryServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the delivery API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the delivery API server
	Endpoints DeliveryEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
	// Session is the push session related parameters
	Session SessionConfig `mapstructure:"session" json:"session" validate:"required,dive"`
}

// ===============================================================================
// Retention Related Config

// RetentionConfig defines alarm retention sweep parameters
type RetentionConfig struct {
	// ReadWindowDays is the age in days after which a read alarm is deleted
	ReadWindowDays int `mapstructure:"read_window_days" json:"read_window_days" validate:"required,gte=1"`
	// UnreadWindowDays is the age in days after which an unread alarm is deleted
	UnreadWindowDays int `mapstructure:"unread_window_days" json:"unread_window_days" validate:"required,gte=1"`
	// SweepInterval is the period between sweeps in seconds
	SweepInterval int `mapstructure:"sweep_interval_sec" json:"sweep_interval_sec" validate:"required,gte=1"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// Redis are the Redis related config parameters
	Redis RedisConfig `mapstructure:"redis" json:"redis" validate:"required,dive"`
	// Publish are the alarm publisher configs
	Publish PublishConfig `mapstructure:"publish" json:"publish" validate:"required,dive"`
	// Delivery are the delivery API server configs
	Delivery *DeliveryServerConfig `mapstructure:"delivery,omitempty" json:"delivery,omitempty" validate:"omitempty,dive"`
	// Retention are the alarm retention sweep configs
	Retention RetentionConfig `mapstructure:"retention" json:"retention" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)

	// Default Redis settings
	viper.SetDefault("redis.addr", "127.0.0.1:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	// Default publisher settings
	viper.SetDefault("publish.max_attempts", 3)
	viper.SetDefault("publish.retry_wait_msec", 500)

	// Default Delivery server settings
	viper.SetDefault("delivery.endpoint_config.path_prefix", "/")
	viper.SetDefault("delivery.session.timeout_sec", 3600)
	viper.SetDefault("delivery.session.event_cache_ttl_sec", 600)
	viper.SetDefault("delivery.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("delivery.api_server.server_config.listen_port", 3000)
	viper.SetDefault("delivery.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("delivery.api_server.server_config.write_timeout_sec", 0)
	viper.SetDefault("delivery.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"delivery.api_server.logging_config.request_id_header", "Pawhub-Request-ID",
	)
	viper.SetDefault(
		"delivery.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)

	// Default retention settings
	viper.SetDefault("retention.read_window_days", 7)
	viper.SetDefault("retention.unread_window_days", 30)
	viper.SetDefault("retention.sweep_interval_sec", 3600)
}
