package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTOML = `
mode = "full"
log_level = "debug"

[chain]
rpc_url = "https://base.example"
chain_id = 8453

[deployments.8453]
wrapper = "0x00000000000000000000000000000000000000a1"
stable_token = "0x00000000000000000000000000000000000000b1"
call_vault = "0x00000000000000000000000000000000000000c1"
put_vault = "0x00000000000000000000000000000000000000c2"
condor_vault = "0x00000000000000000000000000000000000000c3"

[wallet]
address = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"

[aggregator]
poll_interval = "30s"
call_timeout = "5s"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMergesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)

	assert.Equal(t, "full", cfg.Mode)
	assert.Equal(t, "https://base.example", cfg.Chain.RPCURL)
	assert.Equal(t, 30*time.Second, cfg.Aggregator.PollInterval.Duration)
	assert.Equal(t, 5*time.Second, cfg.Aggregator.CallTimeout.Duration)
	assert.Equal(t, 3*time.Minute, cfg.Aggregator.ConfirmTimeout.Duration, "unset keys keep defaults")
	assert.Equal(t, "0x00000000000000000000000000000000000000a1", cfg.Deployments["8453"].Wrapper)
	assert.Equal(t, []uint64{8453}, cfg.DeploymentIDs())
	require.NoError(t, cfg.Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VAULTDASH_MODE", "monitor")
	t.Setenv("VAULTDASH_AGGREGATOR_POLL_INTERVAL", "15s")
	t.Setenv("VAULTDASH_WRAPPER_ADDRESS", "0x00000000000000000000000000000000000000d1")
	t.Setenv("VAULTDASH_SERVER_CORS_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("VAULTDASH_SERVER_PORT", "not-a-number")

	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)
	assert.Equal(t, "monitor", cfg.Mode)
	assert.Equal(t, 15*time.Second, cfg.Aggregator.PollInterval.Duration)
	assert.Equal(t, "0x00000000000000000000000000000000000000d1", cfg.Deployments["8453"].Wrapper)
	assert.Equal(t, "0x00000000000000000000000000000000000000c1", cfg.Deployments["8453"].CallVault)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 8000, cfg.Server.Port, "unparsable values are ignored")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "monitor", cfg.Mode)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.LogLevel = "loud"
	cfg.Aggregator.CallTimeout.Duration = 0
	cfg.Wallet.EncryptedKeyPath = "/keys/w.json"
	cfg.Archive.Enabled = true

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `unknown mode "trade"`)
	assert.Contains(t, msg, `unknown log_level "loud"`)
	assert.Contains(t, msg, "call_timeout must be > 0")
	assert.Contains(t, msg, "key_password is required")
	assert.Contains(t, msg, "archive: requires postgres and s3")
	assert.Contains(t, msg, "deployments.8453: wrapper must be a non-zero hex address")
	assert.NotContains(t, msg, "stable_token", "the default stable token is set")
}

func TestValidateModes(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "api"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis: must be enabled for mode api")
	assert.NotContains(t, err.Error(), "deployments", "api mode never touches the chain")

	cfg.Redis.Enabled = true
	assert.NoError(t, cfg.Validate())

	loaded, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)
	loaded.Wallet.Address = ""
	err = loaded.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "full mode needs")
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Wallet.PrivateKey = "0xdeadbeef"
	cfg.Server.APISecret = "s3cret"
	cfg.Postgres.DSN = "postgres://u:p@h/db"

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Wallet.PrivateKey)
	assert.Equal(t, "***", out.Server.APISecret)
	assert.Equal(t, "***", out.Postgres.DSN)
	assert.Empty(t, out.Redis.Password, "empty secrets stay empty")

	out.Server.CORSOrigins[0] = "mutated"
	out.Deployments["8453"] = DeploymentConfig{}
	assert.Equal(t, "http://localhost:3000", cfg.Server.CORSOrigins[0])
	assert.NotEmpty(t, cfg.Deployments["8453"].StableToken)
	assert.Equal(t, "0xdeadbeef", cfg.Wallet.PrivateKey)
}
