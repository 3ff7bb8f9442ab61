package spawn_test

import (
	"testing"

	"github.com/openpkg/spawnd/internal/spawn"
	"github.com/stretchr/testify/require"
)

func TestReusable(t *testing.T) {
	t.Parallel()
	env := []string{"http_proxy=proxy:3128", "LC_ALL=C"}

	testCases := []struct {
		name      string
		argv0     string
		envp      []string
		lastArgv0 string
		lastEnvp  []string
		want      bool
	}{
		{
			name:      "identical",
			argv0:     "backend.sh",
			envp:      env,
			lastArgv0: "backend.sh",
			lastEnvp:  []string{"http_proxy=proxy:3128", "LC_ALL=C"},
			want:      true,
		},
		{
			name:      "no env on either side",
			argv0:     "backend.sh",
			lastArgv0: "backend.sh",
			want:      true,
		},
		{
			name:      "nil matches empty",
			argv0:     "backend.sh",
			envp:      nil,
			lastArgv0: "backend.sh",
			lastEnvp:  []string{},
			want:      true,
		},
		{
			name:      "different executable",
			argv0:     "other.sh",
			envp:      env,
			lastArgv0: "backend.sh",
			lastEnvp:  env,
			want:      false,
		},
		{
			name:      "env value changed",
			argv0:     "backend.sh",
			envp:      []string{"http_proxy=proxy:8080", "LC_ALL=C"},
			lastArgv0: "backend.sh",
			lastEnvp:  env,
			want:      false,
		},
		{
			name:      "env order changed",
			argv0:     "backend.sh",
			envp:      []string{"LC_ALL=C", "http_proxy=proxy:3128"},
			lastArgv0: "backend.sh",
			lastEnvp:  env,
			want:      false,
		},
		{
			name:      "env dropped",
			argv0:     "backend.sh",
			envp:      nil,
			lastArgv0: "backend.sh",
			lastEnvp:  env,
			want:      false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := spawn.Reusable(tc.argv0, tc.envp, tc.lastArgv0, tc.lastEnvp)
			require.Equal(t, tc.want, got)
		})
	}
}
