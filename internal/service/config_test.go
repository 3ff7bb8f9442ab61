package service_test

import (
	"strings"
	"testing"

	"github.com/spf13/viper"

	"github.com/openpkg/spawnd/internal/service"

	"github.com/stretchr/testify/require"
)

const daemonConfig = `
version: 0
backend:
  path: /usr/libexec/spawnd/backend.sh
  args:
    - --dispatcher
  env:
    HOME: $HOME
    http_proxy: "username:password@server:port"
  spawn_nice_value: 25
history:
  path: /var/lib/spawnd/history.db
schedule:
  each: "12h"
  request:
    - refresh-cache
service:
  verbose: true
`

func TestParseConfig(t *testing.T) {
	t.Parallel()
	v := viper.New()
	v.SetConfigType("yaml")
	err := v.ReadConfig(strings.NewReader(daemonConfig))
	require.NoError(t, err)

	cfg, err := service.ParseConfig(v)
	require.NoError(t, err)
	t.Logf("got: %+v", cfg)

	require.Equal(t, "/usr/libexec/spawnd/backend.sh", cfg.Backend.Path)
	require.Equal(t, []string{"--dispatcher"}, cfg.Backend.Args)
	require.Equal(t, 25, cfg.Backend.SpawnNiceValue)
	require.True(t, cfg.HistoryEnabled())
	require.True(t, cfg.Service.Verbose)

	t.Run("argv", func(t *testing.T) {
		argv := cfg.Backend.Argv("search-name", "none", "power manager")
		require.Equal(t, []string{
			"/usr/libexec/spawnd/backend.sh",
			"--dispatcher",
			"search-name", "none", "power manager",
		}, argv)
	})

	t.Run("envp is stable", func(t *testing.T) {
		envp := cfg.Backend.Envp()
		require.Len(t, envp, 2)
		require.True(t, strings.HasPrefix(envp[0], "HOME="))
		require.Equal(t, "http_proxy=username:password@server:port", envp[1])
		require.Equal(t, envp, cfg.Backend.Envp())
	})
}

func TestParseConfigLegacyNiceKey(t *testing.T) {
	t.Parallel()
	v := viper.New()
	v.SetConfigType("yaml")
	err := v.ReadConfig(strings.NewReader(`
backend:
  path: backend.sh
  spawn_nice_value: 5
BackendSpawnNiceValue: 10
`))
	require.NoError(t, err)

	cfg, err := service.ParseConfig(v)
	require.NoError(t, err)
	require.Equal(t, 10, cfg.Backend.SpawnNiceValue)
}

func TestParseConfigInvalid(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		yaml string
	}{
		{name: "no backend", yaml: `version: 0`},
		{name: "bad version", yaml: "version: 1\nbackend:\n  path: b.sh"},
		{
			name: "schedule without request",
			yaml: "backend:\n  path: b.sh\nschedule:\n  each: 1h",
		},
		{
			name: "schedule with both cron and each",
			yaml: "backend:\n  path: b.sh\nschedule:\n  cron: '* * * * *'\n  each: 1h\n  request: [refresh-cache]",
		},
		{
			name: "bad cron",
			yaml: "backend:\n  path: b.sh\nschedule:\n  cron: 'not a cron'\n  request: [refresh-cache]",
		},
		{
			name: "bad each",
			yaml: "backend:\n  path: b.sh\nschedule:\n  each: 'fortnight'\n  request: [refresh-cache]",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			v := viper.New()
			v.SetConfigType("yaml")
			require.NoError(t, v.ReadConfig(strings.NewReader(tc.yaml)))
			_, err := service.ParseConfig(v)
			require.Error(t, err)
		})
	}
}
