package config

import (
	"flag"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testFlags struct {
	set        *flag.FlagSet
	logLevel   *string
	maxRetries *int
	timeout    *time.Duration
	gateways   *string
}

func newTestFlags() testFlags {
	flagSet := flag.NewFlagSet("test", flag.ContinueOnError)
	return testFlags{
		set:        flagSet,
		logLevel:   flagSet.String("log_level", "info", ""),
		maxRetries: flagSet.Int("rpc_max_retries", 3, ""),
		timeout:    flagSet.Duration("rpc_call_timeout", 15*time.Second, ""),
		gateways:   flagSet.String("metadata_gateways", "", ""),
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigFile(t *testing.T) {
	t.Run("sets_flags", func(t *testing.T) {
		flags := newTestFlags()
		path := writeConfig(t, `
log:
  level: debug
rpc:
  max_retries: 5
  call_timeout: 2s
metadata:
  gateways:
    - https://a.example/ipfs/
    - https://b.example/ipfs/
`)
		require.NoError(t, loadConfigFile(flags.set, path))
		assert.Equal(t, "debug", *flags.logLevel)
		assert.Equal(t, 5, *flags.maxRetries)
		assert.Equal(t, 2*time.Second, *flags.timeout)
		assert.Equal(t, "https://a.example/ipfs/,https://b.example/ipfs/", *flags.gateways)
	})

	t.Run("command_line_wins", func(t *testing.T) {
		flags := newTestFlags()
		require.NoError(t, flags.set.Parse([]string{"--rpc_max_retries=7"}))
		path := writeConfig(t, "rpc:\n  max_retries: 5\nlog:\n  level: warn\n")
		require.NoError(t, loadConfigFile(flags.set, path))
		assert.Equal(t, 7, *flags.maxRetries)
		assert.Equal(t, "warn", *flags.logLevel)
	})

	t.Run("unset_leaves_keep_defaults", func(t *testing.T) {
		flags := newTestFlags()
		require.NoError(t, loadConfigFile(flags.set, writeConfig(t, "rpc:\n  max_retries:\n")))
		assert.Equal(t, 3, *flags.maxRetries)
	})

	t.Run("empty_file", func(t *testing.T) {
		flags := newTestFlags()
		require.NoError(t, loadConfigFile(flags.set, writeConfig(t, "")))
		assert.Equal(t, "info", *flags.logLevel)
	})

	t.Run("missing_file", func(t *testing.T) {
		err := loadConfigFile(newTestFlags().set, filepath.Join(t.TempDir(), "absent.yaml"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("unknown_key", func(t *testing.T) {
		err := loadConfigFile(newTestFlags().set, writeConfig(t, "rpc:\n  max_retrys: 5\n"))
		assert.ErrorContains(t, err, "max_retrys")
	})

	t.Run("nested_value", func(t *testing.T) {
		err := loadConfigFile(newTestFlags().set, writeConfig(t, "log:\n  level:\n    name: debug\n"))
		assert.Error(t, err)
	})

	t.Run("invalid_value", func(t *testing.T) {
		flags := newTestFlags()
		err := loadConfigFile(flags.set, writeConfig(t, "rpc:\n  call_timeout: soon\n"))
		assert.ErrorContains(t, err, "rpc_call_timeout")
		assert.Equal(t, 15*time.Second, *flags.timeout)
	})

	t.Run("invalid_value_restores_applied_flags", func(t *testing.T) {
		flags := newTestFlags()
		path := writeConfig(t, `
log:
  level: debug
metadata:
  gateways: https://a.example/ipfs/
rpc:
  max_retries: 5
  call_timeout: soon
`)
		assert.ErrorContains(t, loadConfigFile(flags.set, path), "rpc_call_timeout")
		assert.Equal(t, "info", *flags.logLevel)
		assert.Empty(t, *flags.gateways)
		assert.Equal(t, 3, *flags.maxRetries)
		assert.Equal(t, 15*time.Second, *flags.timeout)
	})

	t.Run("flag_not_defined", func(t *testing.T) {
		err := loadConfigFile(newTestFlags().set, writeConfig(t, "cache:\n  shard_count: 4\n"))
		assert.ErrorContains(t, err, "cache_shard_count")
	})
}

func TestGetDefinedFlags(t *testing.T) {
	definedFlags, err := getDefinedFlags(reflect.TypeFor[Config]())
	require.NoError(t, err)
	assert.Contains(t, definedFlags, "rpc_url")
	assert.Contains(t, definedFlags, "s3_bucket")
	assert.NotContains(t, definedFlags, "config_file")

	type duplicated struct {
		A *Value `flag:"x"`
		B struct {
			C *Value `flag:"x"`
		}
	}
	_, err = getDefinedFlags(reflect.TypeFor[duplicated]())
	assert.ErrorContains(t, err, "duplicate flag name 'x'")

	type mistyped struct {
		A string `flag:"x"`
	}
	_, err = getDefinedFlags(reflect.TypeFor[mistyped]())
	assert.Error(t, err)
}

func TestUnregisteredFlags(t *testing.T) {
	flags := newTestFlags()
	flags.set.Bool("print_version", false, "")
	flags.set.String("not_in_config", "", "")
	errs := unregisteredFlags(flags.set)
	require.Len(t, errs, 1)
	assert.ErrorContains(t, errs[0], "not_in_config")
}
