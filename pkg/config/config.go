// Ledgerview uses flags and a single config file for configuration.
// A config file is stored in YAML format and contains the values that can be set via flags. Every leaf of the schema
// below names the flag it sets.

package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Value is a config leaf: a scalar, or a list of scalars that is joined with commas.
type Value struct {
	text string
}

func (v *Value) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		v.text = node.Value
		return nil
	case yaml.SequenceNode:
		items := make([]string, 0, len(node.Content))
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: expected a list of scalars", item.Line)
			}
			items = append(items, item.Value)
		}
		v.text = strings.Join(items, ",")
		return nil
	default:
		return fmt.Errorf("line %d: expected a scalar or a list of scalars", node.Line)
	}
}

func (v *Value) String() string {
	if v == nil {
		return ""
	}
	return v.text
}

// Config is the schema of the config file.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	RPC       RPCConfig       `yaml:"rpc"`
	Cache     CacheConfig     `yaml:"cache"`
	BlobStore BlobStoreConfig `yaml:"blob_store"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Items     ItemsConfig     `yaml:"items"`
	TTL       TTLConfig       `yaml:"ttl"`
	Metadata  MetadataConfig  `yaml:"metadata"`
	Server    ServerConfig    `yaml:"server"`
}

type LogConfig struct {
	HandlerType *Value `yaml:"handler_type" flag:"log_handler_type"`
	Level       *Value `yaml:"level" flag:"log_level"`
}

type RPCConfig struct {
	URL               *Value `yaml:"url" flag:"rpc_url"`
	MethodPrefix      *Value `yaml:"method_prefix" flag:"rpc_method_prefix"`
	MaxResponseBytes  *Value `yaml:"max_response_bytes" flag:"rpc_max_response_bytes"`
	MaxCallsPerSecond *Value `yaml:"max_calls_per_second" flag:"rpc_max_calls_per_second"`
	MaxRetries        *Value `yaml:"max_retries" flag:"rpc_max_retries"`
	InitialBackoff    *Value `yaml:"initial_backoff" flag:"rpc_initial_backoff"`
	MaxBackoff        *Value `yaml:"max_backoff" flag:"rpc_max_backoff"`
	CallTimeout       *Value `yaml:"call_timeout" flag:"rpc_call_timeout"`
	InterChunkDelay   *Value `yaml:"inter_chunk_delay" flag:"batch_inter_chunk_delay"`
}

type CacheConfig struct {
	ShardCount    *Value `yaml:"shard_count" flag:"cache_shard_count"`
	ShardCapacity *Value `yaml:"shard_capacity" flag:"cache_shard_capacity"`
	TickInterval  *Value `yaml:"tick_interval" flag:"cache_tick_interval"`
	FlushInterval *Value `yaml:"flush_interval" flag:"cache_flush_interval"`
	StaleAfter    *Value `yaml:"stale_after" flag:"cache_stale_after"`
	Namespace     *Value `yaml:"namespace" flag:"cache_namespace"`
	Compression   *Value `yaml:"compression" flag:"cache_compression"`
}

type BlobStoreConfig struct {
	Kind  *Value      `yaml:"kind" flag:"blob_store"`
	Dir   *Value      `yaml:"dir" flag:"blob_dir"`
	Redis RedisConfig `yaml:"redis"`
	S3    S3Config    `yaml:"s3"`
}

type RedisConfig struct {
	Address   *Value `yaml:"address" flag:"redis_address"`
	Password  *Value `yaml:"password" flag:"redis_password"`
	DB        *Value `yaml:"db" flag:"redis_db"`
	KeyPrefix *Value `yaml:"key_prefix" flag:"redis_key_prefix"`
}

type S3Config struct {
	Endpoint  *Value `yaml:"endpoint" flag:"s3_endpoint"`
	Region    *Value `yaml:"region" flag:"s3_region"`
	Bucket    *Value `yaml:"bucket" flag:"s3_bucket"`
	Prefix    *Value `yaml:"prefix" flag:"s3_prefix"`
	AccessKey *Value `yaml:"access_key" flag:"s3_access_key"`
	SecretKey *Value `yaml:"secret_key" flag:"s3_secret_key"`
	UseTLS    *Value `yaml:"use_tls" flag:"s3_use_tls"`
}

type DiscoveryConfig struct {
	MaxRange        *Value `yaml:"max_range" flag:"discovery_max_range"`
	HoleTolerance   *Value `yaml:"hole_tolerance" flag:"discovery_hole_tolerance"`
	BatchSize       *Value `yaml:"batch_size" flag:"discovery_batch_size"`
	TTL             *Value `yaml:"ttl" flag:"discovery_ttl"`
	RefreshInterval *Value `yaml:"refresh_interval" flag:"discovery_refresh_interval"`
}

type ItemsConfig struct {
	Neighborhood      *Value `yaml:"neighborhood" flag:"item_neighborhood"`
	SearchDepth       *Value `yaml:"search_depth" flag:"item_search_depth"`
	DefaultUpperBound *Value `yaml:"default_upper_bound" flag:"item_default_upper_bound"`
}

type TTLConfig struct {
	Container *Value `yaml:"container" flag:"container_ttl"`
	Item      *Value `yaml:"item" flag:"item_ttl"`
	Existence *Value `yaml:"existence" flag:"existence_ttl"`
	Owner     *Value `yaml:"owner" flag:"owner_ttl"`
	Metadata  *Value `yaml:"metadata" flag:"metadata_ttl"`
}

type MetadataConfig struct {
	Gateways       *Value `yaml:"gateways" flag:"metadata_gateways"`
	ArweaveGateway *Value `yaml:"arweave_gateway" flag:"metadata_arweave_gateway"`
	FetchTimeout   *Value `yaml:"fetch_timeout" flag:"metadata_fetch_timeout"`
	MaxBodyBytes   *Value `yaml:"max_body_bytes" flag:"metadata_max_body_bytes"`
}

type ServerConfig struct {
	Address         *Value `yaml:"address" flag:"address"`
	MetricsAddress  *Value `yaml:"metrics_address" flag:"metrics_address"`
	ShutdownTimeout *Value `yaml:"shutdown_timeout" flag:"shutdown_timeout"`
}
