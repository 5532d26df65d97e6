package oneclient

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	configPathEnv = "CONFIG_PATH"
	configJSONEnv = "CONFIG_JSON"
)

var defaultConfig = []byte(`
providerTimeoutS: 120
storageTimeoutS: 120
operationRetryCount: 6
metadataCacheSize: 5000000
directoryCacheDropAfterS: 300
prefetchMode: async
minPrefetchBlockSize: 4194304
linearReadPrefetchThreshold: 0.0
randomReadPrefetchClusterWindow: 0
randomReadPrefetchClusterBlockThreshold: 5
randomReadPrefetchClusterWindowGrowFactor: 0.0
randomReadPrefetchEvaluationFrequency: 50
readdirChunkSize: 2500
readdirCacheSizeMb: 64
`)

// ConfigManager loads layered configuration: built-in defaults, then an
// optional YAML or JSON file (chosen by extension) pointed at by CONFIG_PATH,
// then a raw JSON override in CONFIG_JSON.
type ConfigManager[T any] struct {
	k *koanf.Koanf
}

func NewConfigManager[T any]() (*ConfigManager[T], error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider(defaultConfig), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load default config: %w", err)
	}

	if path := os.Getenv(configPathEnv); path != "" {
		parser, err := parserForPath(path)
		if err != nil {
			return nil, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, fmt.Errorf("failed to load config file <%s>: %w", path, err)
		}
	}

	if raw := os.Getenv(configJSONEnv); raw != "" {
		if err := k.Load(rawbytes.Provider([]byte(raw)), json.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", configJSONEnv, err)
		}
	}

	return &ConfigManager[T]{k: k}, nil
}

func parserForPath(path string) (koanf.Parser, error) {
	switch {
	case strings.HasSuffix(path, ".json"):
		return json.Parser(), nil
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		return yaml.Parser(), nil
	}
	return nil, fmt.Errorf("%w: unsupported config file format: %s", ErrInvalidConfig, path)
}

func (cm *ConfigManager[T]) GetConfig() T {
	var config T
	cm.k.UnmarshalWithConf("", &config, koanf.UnmarshalConf{Tag: "key"})
	return config
}

// ValidateConfig rejects configurations the client cannot start with. Fatal per
// policy: startup config errors exit the process with a single line.
func ValidateConfig(cfg *ClientConfig) error {
	if cfg.ProviderHost == "" {
		return fmt.Errorf("%w: providerHost is required", ErrInvalidConfig)
	}
	if cfg.MountPoint == "" {
		return fmt.Errorf("%w: mountPoint is required", ErrInvalidConfig)
	}
	if cfg.ForceProxyIO && cfg.ForceDirectIO {
		return fmt.Errorf("%w: forceProxyIo and forceDirectIo are mutually exclusive", ErrInvalidConfig)
	}
	if cfg.LinearReadPrefetchThreshold < 0 || cfg.LinearReadPrefetchThreshold > 1 {
		return fmt.Errorf("%w: linearReadPrefetchThreshold must be in [0,1]", ErrInvalidConfig)
	}
	if cfg.OperationRetryCount < 0 {
		return fmt.Errorf("%w: operationRetryCount must be non-negative", ErrInvalidConfig)
	}
	if cfg.MinPrefetchBlockSize < 0 {
		return fmt.Errorf("%w: minPrefetchBlockSize must be non-negative", ErrInvalidConfig)
	}
	return nil
}
