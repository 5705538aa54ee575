// Package config loads the harness's configuration in four layers —
// built-in defaults, an optional TOML file, environment overrides, then
// process flags — the order the CLI entry point resolves its settings
// in.
package config

import (
	"flag"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/golobby/cast"
)

// CircuitBreakerConfig configures the RequestGateway's circuit breaker,
// one breaker shared by every endpoint. The gateway reads MaxFailures and
// ResetTimeout; it does not read CallTimeout, and the per-call deadline
// is Config.AskTimeout.
type CircuitBreakerConfig struct {
	MaxFailures  uint32        `json:"maxFailures" yaml:"maxFailures" env:"MAX_FAILURES" default:"5"`
	CallTimeout  time.Duration `json:"callTimeout" yaml:"callTimeout" env:"CALL_TIMEOUT" default:"5s"`
	ResetTimeout time.Duration `json:"resetTimeout" yaml:"resetTimeout" env:"RESET_TIMEOUT" default:"30s"`
}

// FSMTimeouts are the per-state poison-pill timer durations.
type FSMTimeouts struct {
	SetupTimeout     time.Duration `json:"setupTimeout" yaml:"setupTimeout" env:"SETUP_TIMEOUT" default:"30s"`
	LoadingTimeout   time.Duration `json:"loadingTimeout" yaml:"loadingTimeout" env:"LOADING_TIMEOUT" default:"60s"`
	CompletedTimeout time.Duration `json:"completedTimeout" yaml:"completedTimeout" env:"COMPLETED_TIMEOUT" default:"10s"`
	ExceptionTimeout time.Duration `json:"exceptionTimeout" yaml:"exceptionTimeout" env:"EXCEPTION_TIMEOUT" default:"10s"`
	ShutdownGrace    time.Duration `json:"shutdownGrace" yaml:"shutdownGrace" env:"SHUTDOWN_GRACE" default:"5s"`
}

// ConsumerBatchConfig configures offset-commit batching: every N
// matching records or every T, whichever first.
type ConsumerBatchConfig struct {
	CommitEvery   int           `json:"commitEvery" yaml:"commitEvery" validate:"min=1" env:"COMMIT_EVERY" default:"20"`
	CommitPeriod  time.Duration `json:"commitPeriod" yaml:"commitPeriod" env:"COMMIT_PERIOD" default:"1s"`
	QueueCapacity int           `json:"queueCapacity" yaml:"queueCapacity" validate:"min=1" env:"QUEUE_CAPACITY" default:"1000"`
}

// RestartPolicy bounds how many times a supervisor restarts a crashed
// child within a rolling window before giving up.
type RestartPolicy struct {
	MaxRestarts int           `json:"maxRestarts" yaml:"maxRestarts" validate:"min=0" env:"MAX_RESTARTS" default:"3"`
	Window      time.Duration `json:"window" yaml:"window" env:"WINDOW" default:"1m"`
}

// Config is the harness's fully assembled configuration.
type Config struct {
	HTTPAddr    string `json:"httpAddr" yaml:"httpAddr" validate:"required" env:"HTTP_ADDR" default:":8080"`
	MetricsAddr string `json:"metricsAddr" yaml:"metricsAddr" env:"METRICS_ADDR" default:":9090"`
	Verbose     bool   `json:"verbose" yaml:"verbose" env:"VERBOSE" default:"false"`

	KafkaBootstrapServers string `json:"kafkaBootstrapServers" yaml:"kafkaBootstrapServers" validate:"required" env:"KAFKA_BOOTSTRAP_SERVERS" default:"localhost:9092"`
	SchemaRegistryURL     string `json:"schemaRegistryUrl" yaml:"schemaRegistryUrl" validate:"required" env:"SCHEMA_REGISTRY_URL" default:"http://localhost:8081"`

	VaultFunctionURL string        `json:"vaultFunctionUrl" yaml:"vaultFunctionUrl" env:"VAULT_FUNCTION_URL" default:"http://localhost:9091/vault"`
	VaultTimeout     time.Duration `json:"vaultTimeout" yaml:"vaultTimeout" env:"VAULT_TIMEOUT" default:"10s"`

	StorageProvider string `json:"storageProvider" yaml:"storageProvider" validate:"oneof=s3 gcs azure" env:"STORAGE_PROVIDER" default:"s3"`

	ScenarioWorkers int `json:"scenarioWorkers" yaml:"scenarioWorkers" validate:"min=1" env:"SCENARIO_WORKERS" default:"4"`

	FSM             FSMTimeouts          `json:"fsm" yaml:"fsm"`
	ConsumerBatch   ConsumerBatchConfig  `json:"consumerBatch" yaml:"consumerBatch"`
	FSMRestart      RestartPolicy        `json:"fsmRestart" yaml:"fsmRestart"`
	CoordinatorRestart RestartPolicy     `json:"coordinatorRestart" yaml:"coordinatorRestart"`
	GatewayBreaker  CircuitBreakerConfig `json:"gatewayBreaker" yaml:"gatewayBreaker"`
	AskTimeout      time.Duration        `json:"askTimeout" yaml:"askTimeout" env:"ASK_TIMEOUT" default:"5s"`
}

var validate = validator.New()

// Load assembles the configuration: defaults, then an optional TOML file
// at path (ignored if empty or missing), then environment overrides,
// then flags parsed from args. It validates the result before returning.
func Load(path string, args []string) (*Config, error) {
	cfg := &Config{}
	applyDefaults(reflect.ValueOf(cfg).Elem())

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("config: decode %s: %w", path, err)
			}
		}
	}

	if err := applyEnv(reflect.ValueOf(cfg).Elem(), ""); err != nil {
		return nil, fmt.Errorf("config: env overrides: %w", err)
	}

	if err := applyFlags(cfg, args); err != nil {
		return nil, fmt.Errorf("config: flags: %w", err)
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}
	return cfg, nil
}

// applyDefaults walks v and sets every zero-valued field from its
// `default` struct tag, recursing into nested structs.
func applyDefaults(v reflect.Value) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fv := v.Field(i)
		if fv.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Duration(0)) {
			applyDefaults(fv)
			continue
		}
		def, ok := field.Tag.Lookup("default")
		if !ok || !fv.IsZero() {
			continue
		}
		setFromString(fv, def)
	}
}

// applyEnv walks v and overrides any field whose `env` tag names a set
// environment variable, using golobby/cast for loose coercion.
func applyEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fv := v.Field(i)
		if fv.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Duration(0)) {
			if err := applyEnv(fv, prefix); err != nil {
				return err
			}
			continue
		}
		envKey, ok := field.Tag.Lookup("env")
		if !ok {
			continue
		}
		raw, present := os.LookupEnv(prefix + envKey)
		if !present {
			continue
		}
		if err := setFromStringCast(fv, raw); err != nil {
			return fmt.Errorf("field %s: %w", field.Name, err)
		}
	}
	return nil
}

func setFromString(fv reflect.Value, s string) {
	_ = setFromStringCast(fv, s)
}

func setFromStringCast(fv reflect.Value, s string) error {
	switch fv.Kind() {
	case reflect.String:
		fv.SetString(s)
	case reflect.Bool:
		b, err := cast.ToBool(s)
		if err != nil {
			return err
		}
		fv.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if fv.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(s)
			if err != nil {
				return err
			}
			fv.SetInt(int64(d))
			return nil
		}
		n, err := cast.ToInt(s)
		if err != nil {
			return err
		}
		fv.SetInt(int64(n))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := cast.ToInt(s)
		if err != nil {
			return err
		}
		fv.SetUint(uint64(n))
	case reflect.Float32, reflect.Float64:
		n, err := cast.ToFloat64(s)
		if err != nil {
			return err
		}
		fv.SetFloat(n)
	default:
		return fmt.Errorf("unsupported kind %s", fv.Kind())
	}
	return nil
}

// applyFlags registers flags for seven top-level settings (named from
// their json tags, kebab-cased) and parses args over cfg. VaultTimeout,
// ScenarioWorkers, AskTimeout and the nested struct fields (FSM
// timeouts, breaker config, etc.) have no flag and are left to the
// file/env layers — flags cover only the handful of settings operators
// flip at the command line.
func applyFlags(cfg *Config, args []string) error {
	fs := flag.NewFlagSet("harnessd", flag.ContinueOnError)
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP API listen address")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus metrics listen address")
	fs.BoolVar(&cfg.Verbose, "verbose", cfg.Verbose, "enable verbose/development logging")
	fs.StringVar(&cfg.KafkaBootstrapServers, "kafka-bootstrap-servers", cfg.KafkaBootstrapServers, "default Kafka bootstrap servers")
	fs.StringVar(&cfg.SchemaRegistryURL, "schema-registry-url", cfg.SchemaRegistryURL, "Confluent Schema Registry URL")
	fs.StringVar(&cfg.VaultFunctionURL, "vault-function-url", cfg.VaultFunctionURL, "vault cloud function URL")
	fs.StringVar(&cfg.StorageProvider, "storage-provider", cfg.StorageProvider, "object storage provider: s3, gcs, or azure")
	return fs.Parse(args)
}

// ToKebabJSON renders key as kebab-case for the wire anti-corruption
// layer (e.g. "test-id", "start-time").
func ToKebabJSON(camel string) string {
	var b strings.Builder
	for i, r := range camel {
		if r >= 'A' && r <= 'Z' {
			if i != 0 {
				b.WriteByte('-')
			}
			b.WriteRune(r - 'A' + 'a')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// FromKebabJSON is the inverse of ToKebabJSON.
func FromKebabJSON(kebab string) string {
	parts := strings.Split(kebab, "-")
	var b strings.Builder
	for i, p := range parts {
		if p == "" {
			continue
		}
		if i == 0 {
			b.WriteString(p)
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	return b.String()
}
