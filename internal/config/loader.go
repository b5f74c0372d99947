package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Settings are the process-level knobs resolved from flags, environment
// variables, and defaults, in that precedence order.
type Settings struct {
	DBPath      string
	ServersPath string
	PolicyPath  string
	RiskPath    string
	HTTPAddr    string
	DefaultEnv  string
}

// InitViper wires the CTRL_* environment variables. Example:
// CTRL_POLICY_PATH overrides policy_path.
func InitViper() {
	viper.SetEnvPrefix("CTRL")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("db_path", "ctrl.db")
	viper.SetDefault("servers_path", "servers.yaml")
	viper.SetDefault("policy_path", "policy.yaml")
	viper.SetDefault("risk_path", "risk.yaml")
	viper.SetDefault("http_addr", ":8081")
	viper.SetDefault("default_env", "dev")

	for _, key := range []string{
		"db_path", "servers_path", "policy_path", "risk_path",
		"http_addr", "default_env",
	} {
		_ = viper.BindEnv(key)
	}
}

// ResolveSettings reads the resolved knob values out of viper.
func ResolveSettings() Settings {
	return Settings{
		DBPath:      viper.GetString("db_path"),
		ServersPath: viper.GetString("servers_path"),
		PolicyPath:  viper.GetString("policy_path"),
		RiskPath:    viper.GetString("risk_path"),
		HTTPAddr:    viper.GetString("http_addr"),
		DefaultEnv:  viper.GetString("default_env"),
	}
}

// Snapshot holds the three validated configuration documents plus a content
// fingerprint per file for audit records and change detection.
type Snapshot struct {
	Servers ServersConfig
	Policy  PolicyConfig
	Risk    RiskConfig

	ServersFingerprint string
	PolicyFingerprint  string
	RiskFingerprint    string
}

// Load reads, decodes, defaults, and validates all three configuration
// files. Any schema violation or malformed expression fails the load.
func Load(serversPath, policyPath, riskPath string) (*Snapshot, error) {
	snap := &Snapshot{}

	var err error
	if snap.ServersFingerprint, err = decodeFile(serversPath, &snap.Servers); err != nil {
		return nil, err
	}
	var root RootRiskConfig
	if snap.RiskFingerprint, err = decodeFile(riskPath, &root); err != nil {
		return nil, err
	}
	snap.Risk = root.Risk
	if snap.PolicyFingerprint, err = decodeFile(policyPath, &snap.Policy); err != nil {
		return nil, err
	}

	snap.Policy.SetDefaults()
	snap.Risk.SetDefaults()

	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return snap, nil
}

// LoadPolicy reads and validates policy.yaml alone, for the lint and test
// subcommands.
func LoadPolicy(path string) (*PolicyConfig, error) {
	var cfg PolicyConfig
	if _, err := decodeFile(path, &cfg); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := validatePolicy(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// decodeFile strictly decodes one YAML file into out and returns the file's
// content fingerprint. Unknown fields are schema errors.
func decodeFile(path string, out any) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return "", fmt.Errorf("parse config %s: %w", path, err)
	}
	return Fingerprint(data), nil
}

// Fingerprint returns a short stable hash of raw config bytes.
func Fingerprint(data []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}
