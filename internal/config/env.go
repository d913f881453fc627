package config

import "github.com/drone/envsubst"

// ExpandEnv substitutes ${VAR} references against the process
// environment. Unknown variables expand to the empty string.
func ExpandEnv(s string) string {
	val, _ := envsubst.EvalEnv(s)
	return val
}
