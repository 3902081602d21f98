// Package config loads and validates the pipeline's startup configuration:
// a JSON file overlaid with environment variables, checked against an
// embedded JSON schema before anything else starts.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/akiops/aki-pipeline/internal/errs"
)

// Config is the fully resolved startup configuration.
type Config struct {
	MLLPAddress      string `json:"mllp_address"`
	PagerAddress     string `json:"pager_address"`
	PrometheusPort   string `json:"prometheus_port"`
	ModelPath        string `json:"model_path"`
	BrokerURL        string `json:"broker_url"`
	StateDir         string `json:"state_dir"`
	BootstrapCSVPath string `json:"bootstrap_csv_path"`
}

const schemaJSON = `{
  "type": "object",
  "description": "Configuration for the AKI inference pipeline.",
  "properties": {
    "mllp_address": {"type": "string", "description": "host:port of the upstream MLLP simulator."},
    "pager_address": {"type": "string", "description": "URL or host:port of the pager endpoint."},
    "prometheus_port": {"type": "string", "description": "Port the metrics/health HTTP server listens on."},
    "model_path": {"type": "string", "description": "Path to the predictor artifact."},
    "broker_url": {"type": "string", "description": "NATS URL; when set, events are dispatched over the broker transport."},
    "state_dir": {"type": "string", "description": "Directory holding the feature-store SQLite file."},
    "bootstrap_csv_path": {"type": "string", "description": "Historical creatinine CSV used to seed an empty feature store."}
  },
  "required": ["mllp_address", "pager_address"]
}`

const (
	defaultPrometheusPort = "9090"
	defaultModelPath      = "./var/model.json"
	defaultStateDir       = "/state"
)

// Load reads path (if present), loads a .env file (if present) into the
// process environment, overlays environment variable overrides, validates
// the result against the embedded schema, and returns the Config. Any
// failure here is fatal to process startup.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("%w: loading .env: %v", errs.FatalStartupError, err)
	}

	cfg := Config{
		PrometheusPort: defaultPrometheusPort,
		ModelPath:      defaultModelPath,
		StateDir:       defaultStateDir,
	}

	if data, err := os.ReadFile(path); err == nil {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("%w: parsing %s: %v", errs.FatalStartupError, path, err)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("%w: reading %s: %v", errs.FatalStartupError, path, err)
	}

	applyEnvOverrides(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.MLLPAddress, "MLLP_ADDRESS")
	overrideString(&cfg.PagerAddress, "PAGER_ADDRESS")
	overrideString(&cfg.PrometheusPort, "PROMETHEUS_PORT")
	overrideString(&cfg.ModelPath, "MODEL_PATH")
	overrideString(&cfg.BrokerURL, "BROKER_URL")
	overrideString(&cfg.StateDir, "STATE_DIR")
	overrideString(&cfg.BootstrapCSVPath, "BOOTSTRAP_CSV_PATH")
}

func overrideString(dst *string, envKey string) {
	if v, ok := os.LookupEnv(envKey); ok && v != "" {
		*dst = v
	}
}

func validate(cfg Config) error {
	sch, err := jsonschema.CompileString("config.schema.json", schemaJSON)
	if err != nil {
		return fmt.Errorf("%w: compiling config schema: %v", errs.FatalStartupError, err)
	}

	encoded, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("%w: encoding config for validation: %v", errs.FatalStartupError, err)
	}

	var v any
	if err := json.Unmarshal(encoded, &v); err != nil {
		return fmt.Errorf("%w: decoding config for validation: %v", errs.FatalStartupError, err)
	}

	if err := sch.Validate(v); err != nil {
		return fmt.Errorf("%w: invalid configuration: %v", errs.FatalStartupError, err)
	}

	if cfg.MLLPAddress == "" {
		return fmt.Errorf("%w: MLLP_ADDRESS is required", errs.FatalStartupError)
	}
	if cfg.PagerAddress == "" {
		return fmt.Errorf("%w: PAGER_ADDRESS is required", errs.FatalStartupError)
	}

	return nil
}
