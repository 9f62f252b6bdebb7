package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvVars(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		envVars  map[string]string
		expected string
	}{
		{
			name:  "expand single env var",
			input: "api_key: ${TEST_API_KEY}",
			envVars: map[string]string{
				"TEST_API_KEY": "test_key_123",
			},
			expected: "api_key: test_key_123",
		},
		{
			name:  "expand multiple env vars",
			input: "api_key: ${API_KEY}\nsecret: ${SECRET_KEY}",
			envVars: map[string]string{
				"API_KEY":    "key_value",
				"SECRET_KEY": "secret_value",
			},
			expected: "api_key: key_value\nsecret: secret_value",
		},
		{
			name:     "missing env var returns empty string",
			input:    "api_key: ${MISSING_VAR}",
			envVars:  map[string]string{},
			expected: "api_key: ",
		},
		{
			name:  "mixed static and env vars",
			input: "static_value: 123\napi_key: ${TEST_KEY}",
			envVars: map[string]string{
				"TEST_KEY": "dynamic_key",
			},
			expected: "static_value: 123\napi_key: dynamic_key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				os.Setenv(k, v)
				defer os.Unsetenv(k)
			}

			result := expandEnvVars(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestLoadConfigWithEnvVars(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "config-test-*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	configContent := `app:
  live_trading: false
  engine_type: "simple"

lighter:
  private_key: "${TEST_LIGHTER_PRIVATE_KEY}"
  account_index: 1
  base_url: "https://testnet.lighter.xyz"
  ws_url: "wss://testnet.lighter.xyz/ws"
  funding_rate_interval_hours: 1

x10:
  api_key: "${TEST_X10_API_KEY}"
  private_key: "${TEST_X10_PRIVATE_KEY}"
  vault_id: "1"
  base_url: "https://testnet.x10.exchange"
  ws_url: "wss://testnet.x10.exchange/ws"
  funding_rate_interval_hours: 1

database:
  path: "fundingarb-test.db"
  wal_mode: true
  write_batch_size: 50
  write_queue_max_size: 1000

trading:
  symbols: ["BTC-USD"]
  min_apy_filter: 0.1
  max_entry_spread: 0.01
  depth_gate_mode: "L1"
  depth_gate_levels: 10
  max_l1_qty_utilization: 0.8
  zscore_min_samples: 20

telemetry:
  log_level: "INFO"
`

	_, err = tmpFile.Write([]byte(configContent))
	require.NoError(t, err)
	tmpFile.Close()

	os.Setenv("TEST_LIGHTER_PRIVATE_KEY", "lighter_key_from_env")
	os.Setenv("TEST_X10_API_KEY", "x10_api_key_from_env")
	os.Setenv("TEST_X10_PRIVATE_KEY", "x10_private_key_from_env")
	defer os.Unsetenv("TEST_LIGHTER_PRIVATE_KEY")
	defer os.Unsetenv("TEST_X10_API_KEY")
	defer os.Unsetenv("TEST_X10_PRIVATE_KEY")

	config, err := LoadConfig(tmpFile.Name())
	require.NoError(t, err, "LoadConfig() error")

	assert.Equal(t, Secret("lighter_key_from_env"), config.Lighter.PrivateKey)
	assert.Equal(t, Secret("x10_api_key_from_env"), config.X10.APIKey)
	assert.Equal(t, Secret("x10_private_key_from_env"), config.X10.PrivateKey)
}

func TestLoadConfigMissingBaseURLFailsValidation(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "config-test-*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	configContent := `app:
  engine_type: "simple"

lighter:
  private_key: "${LIGHTER_PRIVATE_KEY}"
  base_url: ""
  funding_rate_interval_hours: 1

x10:
  base_url: "https://testnet.x10.exchange"
  funding_rate_interval_hours: 1

database:
  path: "fundingarb-test.db"
  write_queue_max_size: 1000

trading:
  symbols: ["BTC-USD"]
  depth_gate_mode: "L1"

telemetry:
  log_level: "INFO"
`

	_, err = tmpFile.Write([]byte(configContent))
	require.NoError(t, err)
	tmpFile.Close()

	os.Unsetenv("LIGHTER_PRIVATE_KEY")

	_, err = LoadConfig(tmpFile.Name())
	require.Error(t, err, "lighter.base_url is empty, validation must fail")
}

func TestIsCriticalEnvVar(t *testing.T) {
	tests := []struct {
		name     string
		envVar   string
		expected bool
	}{
		{"lighter private key is critical", "LIGHTER_PRIVATE_KEY", true},
		{"x10 api key is critical", "X10_API_KEY", true},
		{"x10 private key is critical", "X10_PRIVATE_KEY", true},
		{"x10 vault id is critical", "X10_VAULT_ID", true},
		{"random var is not critical", "RANDOM_VAR", false},
		{"empty var is not critical", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := isCriticalEnvVar(tt.envVar)
			assert.Equal(t, tt.expected, result, "isCriticalEnvVar(%q)", tt.envVar)
		})
	}
}

func TestConfig_String(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Lighter.PrivateKey = "my_super_secret_lighter_key"
	cfg.X10.PrivateKey = "my_super_secret_x10_key"
	cfg.X10.APIKey = "my_super_secret_x10_api_key"

	output := cfg.String()

	assert.Contains(t, output, "[REDACTED]", "output should contain masked characters")
	assert.NotContains(t, output, "my_super_secret_lighter_key", "output should NOT contain full lighter private key")
	assert.NotContains(t, output, "my_super_secret_x10_key", "output should NOT contain full x10 private key")
	assert.NotContains(t, output, "my_super_secret_x10_api_key", "output should NOT contain full x10 api key")
}

func TestValidateVenueRejectsWrongFundingInterval(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Lighter.FundingRateIntervalHours = 4

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "funding_rate_interval_hours")
}

func TestValidateTradingRejectsEmptySymbols(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Trading.Symbols = nil

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trading.symbols")
}

func TestValidateAppRequiresDatabaseURLForDBOSEngine(t *testing.T) {
	cfg := DefaultConfig()
	cfg.App.EngineType = "dbos"
	cfg.App.DatabaseURL = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "app.database_url")
}

func TestDefaultConfigPassesValidation(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
}
