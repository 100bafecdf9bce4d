package statetransfer

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const DefaultTimeout = 4 * time.Minute

// Config enumerates the configuration surface of the state-transfer
// consumer. Parsing of the full cache configuration happens elsewhere; this
// is the slice the consumer needs.
type Config struct {
	CacheName            string        `yaml:"cache_name"`
	FetchInMemoryState   bool          `yaml:"fetch_in_memory_state"`
	FetchPersistentState bool          `yaml:"fetch_persistent_state"`
	Transactional        bool          `yaml:"transactional"`
	TotalOrder           bool          `yaml:"total_order"`
	InvalidationMode     bool          `yaml:"invalidation_mode"`
	L1OnRehash           bool          `yaml:"l1_on_rehash"`
	Timeout              time.Duration `yaml:"-"`
}

func NewConfig(cacheName string) Config {
	return Config{
		CacheName:          cacheName,
		FetchInMemoryState: true,
		Timeout:            DefaultTimeout,
	}
}

func (c Config) Validate() error {
	if c.CacheName == "" {
		return errors.New("cache: cache_name must not be empty")
	}
	if c.TotalOrder && !c.Transactional {
		return errors.New("cache: total_order requires a transactional cache")
	}
	if c.Timeout <= 0 {
		return errors.New("cache: state transfer timeout must be positive")
	}
	return nil
}

type rawConfig struct {
	Config  `yaml:",inline"`
	Timeout string `yaml:"timeout"`
}

// LoadConfig reads a config file, applying the defaults for unset fields.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "failed to read config file %s", path)
	}

	raw := rawConfig{Config: NewConfig("")}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, errors.Wrapf(err, "failed to parse config file %s", path)
	}

	cfg := raw.Config
	if raw.Timeout != "" {
		timeout, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return Config{}, errors.Wrapf(err, "invalid timeout in config file %s", path)
		}
		cfg.Timeout = timeout
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
