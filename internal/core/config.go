package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/3cpo-dev/burst/pkg/burst"
	"github.com/3cpo-dev/burst/pkg/providers/static"
)

// Config is the user configuration: provider credentials, SSH settings and
// orchestration tuning. Fleet definitions live in separate fleet files.
type Config struct {
	Providers struct {
		Default string `mapstructure:"default"`
		EC2     struct {
			Region          string   `mapstructure:"region"`
			AccessKeyID     string   `mapstructure:"access_key_id"`
			SecretAccessKey string   `mapstructure:"secret_access_key"`
			KeyPair         string   `mapstructure:"key_pair"`
			SecurityGroups  []string `mapstructure:"security_groups"`
			Subnet          string   `mapstructure:"subnet"`
			SpotPrice       string   `mapstructure:"spot_price"`
		} `mapstructure:"ec2"`
		GCE struct {
			Project         string `mapstructure:"project"`
			Zone            string `mapstructure:"zone"`
			CredentialsFile string `mapstructure:"credentials_file"`
			Network         string `mapstructure:"network"`
		} `mapstructure:"gce"`
		Vultr struct {
			Token  string `mapstructure:"token"`
			Region string `mapstructure:"region"`
		} `mapstructure:"vultr"`
		Static struct {
			Hosts []static.Host `mapstructure:"hosts"`
		} `mapstructure:"static"`
	} `mapstructure:"providers"`
	SSH struct {
		KeyDir     string        `mapstructure:"key_dir"`
		KnownHosts string        `mapstructure:"known_hosts"`
		User       string        `mapstructure:"user"`
		Port       int           `mapstructure:"port"`
		Timeout    time.Duration `mapstructure:"timeout"`
	} `mapstructure:"ssh"`
	Orchestration struct {
		Policy           string        `mapstructure:"policy"`
		PollTimeout      time.Duration `mapstructure:"poll_timeout"`
		ReadyTimeout     time.Duration `mapstructure:"ready_timeout"`
		ConnectAttempts  int           `mapstructure:"connect_attempts"`
		SetupConcurrency int           `mapstructure:"setup_concurrency"`
		SetupGrace       time.Duration `mapstructure:"setup_grace"`
		TeardownAttempts uint          `mapstructure:"teardown_attempts"`
		TeardownTimeout  time.Duration `mapstructure:"teardown_timeout"`
	} `mapstructure:"orchestration"`
	Ledger struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"ledger"`
	Telemetry struct {
		MetricsListen string `mapstructure:"metrics_listen"`
	} `mapstructure:"telemetry"`
}

func setDefaults(v *viper.Viper) {
	d := burst.DefaultConfig()
	v.SetDefault("providers.default", "ec2")
	for _, key := range []string{
		"providers.ec2.region", "providers.ec2.access_key_id", "providers.ec2.secret_access_key",
		"providers.ec2.key_pair", "providers.ec2.subnet", "providers.ec2.spot_price",
		"providers.gce.project", "providers.gce.zone", "providers.gce.credentials_file", "providers.gce.network",
		"providers.vultr.token", "providers.vultr.region",
		"telemetry.metrics_listen",
	} {
		// Registered so BURST_* environment variables reach Unmarshal.
		v.SetDefault(key, "")
	}
	v.SetDefault("providers.ec2.security_groups", []string{})
	v.SetDefault("ssh.key_dir", filepath.Join(ConfigDir(), "keys"))
	v.SetDefault("ssh.known_hosts", filepath.Join(ConfigDir(), "known_hosts"))
	v.SetDefault("ssh.user", "burst")
	v.SetDefault("ssh.port", 22)
	v.SetDefault("ssh.timeout", 20*time.Second)
	v.SetDefault("orchestration.policy", burst.Strict.String())
	v.SetDefault("orchestration.poll_timeout", d.PollTimeout)
	v.SetDefault("orchestration.ready_timeout", time.Duration(0))
	v.SetDefault("orchestration.connect_attempts", d.ConnectAttempts)
	v.SetDefault("orchestration.setup_concurrency", d.SetupConcurrency)
	v.SetDefault("orchestration.setup_grace", d.SetupGrace)
	v.SetDefault("orchestration.teardown_attempts", d.TeardownAttempts)
	v.SetDefault("orchestration.teardown_timeout", d.TeardownTimeout)
	v.SetDefault("ledger.path", filepath.Join(DataDir(), "ledger.db"))
}

// LoadConfig reads YAML configuration from a path. If path is empty, it
// resolves $XDG_CONFIG_HOME/burst/config.yaml or ~/.config/burst/config.yaml,
// and a missing file there just means defaults. BURST_* environment
// variables override the file (BURST_PROVIDERS_EC2_REGION sets
// providers.ec2.region).
func LoadConfig(path string) (Config, error) {
	var cfg Config
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("BURST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		path = filepath.Join(ConfigDir(), "config.yaml")
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	// Merge secrets from secrets.env if present to avoid storing tokens in YAML
	secrets, err := LoadSecretsEnv("")
	if err != nil {
		return cfg, err
	}
	for _, k := range []string{"AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY", "VULTR_API_KEY", "GOOGLE_APPLICATION_CREDENTIALS"} {
		if val := os.Getenv(k); val != "" {
			secrets[k] = val
		}
	}
	setIfEmpty(&cfg.Providers.EC2.AccessKeyID, secrets["AWS_ACCESS_KEY_ID"])
	setIfEmpty(&cfg.Providers.EC2.SecretAccessKey, secrets["AWS_SECRET_ACCESS_KEY"])
	setIfEmpty(&cfg.Providers.Vultr.Token, secrets["VULTR_API_KEY"])
	setIfEmpty(&cfg.Providers.GCE.CredentialsFile, secrets["GOOGLE_APPLICATION_CREDENTIALS"])
	return cfg, nil
}

func setIfEmpty(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

// OrchestratorConfig maps the orchestration section onto burst.Config.
func (c Config) OrchestratorConfig() (burst.Config, error) {
	policy, err := burst.ParsePolicy(c.Orchestration.Policy)
	if err != nil {
		return burst.Config{}, err
	}
	bc := burst.DefaultConfig()
	bc.Policy = policy
	bc.ReadyTimeout = c.Orchestration.ReadyTimeout
	if c.Orchestration.PollTimeout > 0 {
		bc.PollTimeout = c.Orchestration.PollTimeout
	}
	if c.Orchestration.ConnectAttempts > 0 {
		bc.ConnectAttempts = c.Orchestration.ConnectAttempts
	}
	if c.Orchestration.SetupConcurrency > 0 {
		bc.SetupConcurrency = c.Orchestration.SetupConcurrency
	}
	if c.Orchestration.SetupGrace > 0 {
		bc.SetupGrace = c.Orchestration.SetupGrace
	}
	if c.Orchestration.TeardownAttempts > 0 {
		bc.TeardownAttempts = c.Orchestration.TeardownAttempts
	}
	if c.Orchestration.TeardownTimeout > 0 {
		bc.TeardownTimeout = c.Orchestration.TeardownTimeout
	}
	return bc, nil
}

// DefaultConfigYAML is written by `burst init`.
const DefaultConfigYAML = `providers:
  default: ec2
  ec2:
    region: us-east-1
    key_pair: ""
    security_groups: []
    subnet: ""
    spot_price: ""
  gce:
    project: ""
    zone: us-central1-a
  vultr:
    region: ewr
  static:
    hosts: []
ssh:
  user: burst
  port: 22
  timeout: 20s
orchestration:
  policy: strict
  poll_timeout: 10m
  setup_concurrency: 32
  setup_grace: 30s
  teardown_attempts: 5
  teardown_timeout: 10m
telemetry:
  metrics_listen: ""
`
