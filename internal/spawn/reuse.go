package spawn

import (
	"slices"
)

// Reusable reports whether a live dispatcher started as lastArgv0 with
// lastEnvp can serve a new invocation of argv0 with envp. The executable
// name must match string-for-string and the environment element-for-element,
// since proxy or locale changes must reach the child process and can only do
// so through a fresh spawn. A nil environment only matches a nil or empty one.
func Reusable(argv0 string, envp []string, lastArgv0 string, lastEnvp []string) bool {
	if argv0 != lastArgv0 {
		return false
	}
	return slices.Equal(envp, lastEnvp)
}
