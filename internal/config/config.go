// Package config provides configuration types and loading for the engine.
//
// Configuration comes from a YAML file plus environment overrides. Database
// connectivity additionally honors the bare DB_* variables and MIRTH_MODE for
// compatibility with existing deployments.
package config

import (
	"time"
)

// EngineConfig is the top-level configuration.
type EngineConfig struct {
	// Server configures the admin HTTP listener and engine identity.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Database configures the relational message store.
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`

	// GlobalScripts run for every channel: the global preprocessor before
	// each channel preprocessor, the global postprocessor after each channel
	// postprocessor.
	GlobalScripts GlobalScriptsConfig `yaml:"global_scripts" mapstructure:"global_scripts"`

	// Channels defines the deployed channels.
	Channels []ChannelConfig `yaml:"channels" mapstructure:"channels" validate:"omitempty,dive"`

	// DevMode enables development conveniences (verbose logging).
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the engine process.
type ServerConfig struct {
	// HTTPAddr is the admin listener address (health, metrics, channel API).
	// Default: "127.0.0.1:8091".
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr"`

	// ServerID identifies this host for work partitioning and recovery.
	// Generated when empty.
	ServerID string `yaml:"server_id" mapstructure:"server_id"`

	// LogLevel is debug, info, warn or error. Default: "info".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`

	// SendEvents enables MessageEvent emission to the metrics sink.
	SendEvents bool `yaml:"send_events" mapstructure:"send_events"`
}

// GlobalScriptsConfig holds the process-wide lifecycle scripts.
type GlobalScriptsConfig struct {
	Preprocessor  string `yaml:"preprocessor" mapstructure:"preprocessor"`
	Postprocessor string `yaml:"postprocessor" mapstructure:"postprocessor"`
}

// DatabaseConfig configures the message store. Every field can come from the
// DB_* environment variables.
type DatabaseConfig struct {
	// Name is the database name; for the embedded sqlite store it is the
	// database file path (":memory:" for ephemeral).
	Name string `yaml:"name" mapstructure:"name" validate:"required"`

	// Host and Port are accepted for compatibility with server databases;
	// the embedded store ignores them.
	Host string `yaml:"host" mapstructure:"host"`
	Port int    `yaml:"port" mapstructure:"port"`

	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`

	// Mode is takeover, standalone or auto (MIRTH_MODE).
	Mode string `yaml:"mode" mapstructure:"mode" validate:"omitempty,oneof=takeover standalone auto"`

	PoolSize        int           `yaml:"pool_size" mapstructure:"pool_size"`
	QueueLimit      int           `yaml:"queue_limit" mapstructure:"queue_limit"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout"`
	AcquireTimeout  time.Duration `yaml:"acquire_timeout" mapstructure:"acquire_timeout"`
	DeadlockRetries int           `yaml:"deadlock_retries" mapstructure:"deadlock_retries"`
}

// ChannelConfig defines one channel.
type ChannelConfig struct {
	// ID is the stable channel identifier used for table naming; uuid-style
	// characters only.
	ID   string `yaml:"id" mapstructure:"id" validate:"required"`
	Name string `yaml:"name" mapstructure:"name" validate:"required"`

	// StorageMode is DEVELOPMENT, PRODUCTION, RAW, METADATA or DISABLED.
	// Default: PRODUCTION.
	StorageMode string `yaml:"storage_mode" mapstructure:"storage_mode" validate:"omitempty,oneof=DEVELOPMENT PRODUCTION RAW METADATA DISABLED"`

	// Completion cleanup flags, applied on processed=true.
	RemoveContentOnCompletion      bool `yaml:"remove_content_on_completion" mapstructure:"remove_content_on_completion"`
	RemoveOnlyFilteredOnCompletion bool `yaml:"remove_only_filtered_on_completion" mapstructure:"remove_only_filtered_on_completion"`
	RemoveAttachmentsOnCompletion  bool `yaml:"remove_attachments_on_completion" mapstructure:"remove_attachments_on_completion"`

	// Lifecycle and message scripts.
	DeployScript        string `yaml:"deploy_script" mapstructure:"deploy_script"`
	UndeployScript      string `yaml:"undeploy_script" mapstructure:"undeploy_script"`
	PreprocessorScript  string `yaml:"preprocessor_script" mapstructure:"preprocessor_script"`
	PostprocessorScript string `yaml:"postprocessor_script" mapstructure:"postprocessor_script"`

	Source       SourceConfig        `yaml:"source" mapstructure:"source"`
	Destinations []DestinationConfig `yaml:"destinations" mapstructure:"destinations" validate:"min=1,dive"`
}

// SourceConfig defines a channel's source connector.
type SourceConfig struct {
	Name string `yaml:"name" mapstructure:"name"`

	// Type is the connector type: "http" (listener) or "api" (dispatch via
	// the admin API only).
	Type string `yaml:"type" mapstructure:"type" validate:"omitempty,oneof=http api"`

	// RespondAfterProcessing decides synchronous versus queued dispatch.
	RespondAfterProcessing bool `yaml:"respond_after_processing" mapstructure:"respond_after_processing"`
	QueueBufferSize        int  `yaml:"queue_buffer_size" mapstructure:"queue_buffer_size"`

	// DataType names the wire format: XML or DELIMITED. Default XML.
	DataType string `yaml:"data_type" mapstructure:"data_type"`

	Filter      []FilterRuleConfig      `yaml:"filter" mapstructure:"filter" validate:"omitempty,dive"`
	Transformer []TransformerStepConfig `yaml:"transformer" mapstructure:"transformer" validate:"omitempty,dive"`

	// HTTP configures the "http" listener type.
	HTTP HTTPReceiverConfig `yaml:"http" mapstructure:"http"`
}

// HTTPReceiverConfig configures the HTTP listener source.
type HTTPReceiverConfig struct {
	// Addr is the listen address, e.g. "127.0.0.1:6661".
	Addr string `yaml:"addr" mapstructure:"addr"`
	// Path is the dispatch path. Default "/".
	Path string `yaml:"path" mapstructure:"path"`
	// ResponseContentType of replies. Default "text/plain".
	ResponseContentType string `yaml:"response_content_type" mapstructure:"response_content_type"`
}

// DestinationConfig defines one destination connector.
type DestinationConfig struct {
	Name string `yaml:"name" mapstructure:"name" validate:"required"`

	// Type is the connector type: "http".
	Type string `yaml:"type" mapstructure:"type" validate:"omitempty,oneof=http"`

	// Chain groups destinations: equal chain numbers run sequentially in
	// declaration order, different numbers run concurrently. 0 means a chain
	// of its own.
	Chain int `yaml:"chain" mapstructure:"chain"`

	DataType string `yaml:"data_type" mapstructure:"data_type"`

	QueueEnabled bool   `yaml:"queue_enabled" mapstructure:"queue_enabled"`
	QueueThreads int    `yaml:"queue_threads" mapstructure:"queue_threads"`
	QueueRotate  bool   `yaml:"queue_rotate" mapstructure:"queue_rotate"`
	QueueGroupBy string `yaml:"queue_group_by" mapstructure:"queue_group_by"`

	RetryCount          int `yaml:"retry_count" mapstructure:"retry_count"`
	RetryIntervalMillis int `yaml:"retry_interval_millis" mapstructure:"retry_interval_millis"`

	Filter              []FilterRuleConfig      `yaml:"filter" mapstructure:"filter" validate:"omitempty,dive"`
	Transformer         []TransformerStepConfig `yaml:"transformer" mapstructure:"transformer" validate:"omitempty,dive"`
	ResponseTransformer []TransformerStepConfig `yaml:"response_transformer" mapstructure:"response_transformer" validate:"omitempty,dive"`

	// HTTP configures the "http" destination type.
	HTTP HTTPSenderConfig `yaml:"http" mapstructure:"http"`
}

// HTTPSenderConfig configures the HTTP destination.
type HTTPSenderConfig struct {
	URL         string            `yaml:"url" mapstructure:"url"`
	Method      string            `yaml:"method" mapstructure:"method"`
	ContentType string            `yaml:"content_type" mapstructure:"content_type"`
	Headers     map[string]string `yaml:"headers" mapstructure:"headers"`

	AuthType string `yaml:"auth_type" mapstructure:"auth_type" validate:"omitempty,oneof=none basic"`
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`

	SocketTimeoutMillis int `yaml:"socket_timeout_millis" mapstructure:"socket_timeout_millis"`
}

// FilterRuleConfig is one filter rule.
type FilterRuleConfig struct {
	Name     string `yaml:"name" mapstructure:"name"`
	Operator string `yaml:"operator" mapstructure:"operator" validate:"omitempty,oneof=AND OR"`
	Script   string `yaml:"script" mapstructure:"script" validate:"required"`
}

// TransformerStepConfig is one transformer step.
type TransformerStepConfig struct {
	Name   string `yaml:"name" mapstructure:"name"`
	Script string `yaml:"script" mapstructure:"script" validate:"required"`
}

// SetDefaults applies default values for optional fields.
func (c *EngineConfig) SetDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8091"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Database.Name == "" {
		c.Database.Name = "interlock.db"
	}
	if c.Database.Mode == "" {
		c.Database.Mode = "auto"
	}
	if c.Database.DeadlockRetries == 0 {
		c.Database.DeadlockRetries = 3
	}
	for i := range c.Channels {
		ch := &c.Channels[i]
		if ch.StorageMode == "" {
			ch.StorageMode = "PRODUCTION"
		}
		if ch.Source.Name == "" {
			ch.Source.Name = "Source"
		}
		if ch.Source.Type == "" {
			ch.Source.Type = "api"
		}
		if ch.Source.DataType == "" {
			ch.Source.DataType = "XML"
		}
		if ch.Source.HTTP.Path == "" {
			ch.Source.HTTP.Path = "/"
		}
		if ch.Source.HTTP.ResponseContentType == "" {
			ch.Source.HTTP.ResponseContentType = "text/plain"
		}
		for j := range ch.Destinations {
			d := &ch.Destinations[j]
			if d.Type == "" {
				d.Type = "http"
			}
			if d.DataType == "" {
				d.DataType = ch.Source.DataType
			}
			if d.QueueThreads == 0 {
				d.QueueThreads = 1
			}
			if d.RetryIntervalMillis == 0 {
				d.RetryIntervalMillis = 10000
			}
		}
	}
}

// SetDevDefaults applies permissive development defaults when DevMode is on.
func (c *EngineConfig) SetDevDefaults() {
	if !c.DevMode {
		return
	}
	if c.Server.LogLevel == "info" {
		c.Server.LogLevel = "debug"
	}
	for i := range c.Channels {
		if c.Channels[i].StorageMode == "PRODUCTION" {
			c.Channels[i].StorageMode = "DEVELOPMENT"
		}
	}
}
