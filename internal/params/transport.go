// Package params carries script parameters from the supervisor into the
// child process and back out again inside the child. The transport is a
// JSON object placed in the child's environment.
package params

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fentz26/scriptd/internal/xjson"
)

// Environment variables set on every child process.
const (
	EnvParameters  = "SCRIPT_PARAMETERS"
	EnvContextTag  = "PAGE_CONTEXT"
	EnvScriptName  = "SCRIPT_NAME"
	EnvExecutionID = "EXECUTION_ID"
)

// ErrInvalidParameters is returned when parameters cannot be serialized or
// do not satisfy a script's parameter schema.
var ErrInvalidParameters = errors.New("invalid parameters")

// Encode serializes params to the wire blob. Nil encodes as an empty object.
func Encode(p map[string]any) (string, error) {
	if p == nil {
		return "{}", nil
	}
	data, err := xjson.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	return string(data), nil
}

// Decode parses a wire blob. Empty input and JSON null yield an empty map.
// Anything other than a JSON object is an error. Integers too large for a
// float64 come back as xjson.Number.
func Decode(blob string) (map[string]any, error) {
	blob = strings.TrimSpace(blob)
	if blob == "" || blob == "null" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := xjson.UnmarshalNumbers([]byte(blob), &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParameters, err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// Invocation is what a child process knows about its own run.
type Invocation struct {
	Parameters  map[string]any
	ContextTag  string
	ScriptName  string
	ExecutionID string
}

// Environ returns base with the transport variables set for inv. Existing
// entries for those variables in base are replaced.
func Environ(base []string, blob string, inv Invocation) []string {
	override := map[string]string{
		EnvParameters:  blob,
		EnvContextTag:  inv.ContextTag,
		EnvScriptName:  inv.ScriptName,
		EnvExecutionID: inv.ExecutionID,
	}

	env := make([]string, 0, len(base)+len(override))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := override[key]; ok {
			continue
		}
		env = append(env, kv)
	}
	for _, key := range []string{EnvParameters, EnvContextTag, EnvScriptName, EnvExecutionID} {
		env = append(env, key+"="+override[key])
	}
	return env
}

// FromEnv reads the invocation inside a child process. A malformed
// parameter blob degrades to an empty map with a warning on logger; the
// script still runs.
func FromEnv(lookup func(string) (string, bool), logger *slog.Logger) Invocation {
	if logger == nil {
		logger = slog.Default()
	}
	get := func(key string) string {
		v, _ := lookup(key)
		return v
	}

	inv := Invocation{
		ContextTag:  get(EnvContextTag),
		ScriptName:  get(EnvScriptName),
		ExecutionID: get(EnvExecutionID),
	}

	p, err := Decode(get(EnvParameters))
	if err != nil {
		logger.Warn("ignoring malformed script parameters", "variable", EnvParameters, "error", err)
		p = map[string]any{}
	}
	inv.Parameters = p
	return inv
}
