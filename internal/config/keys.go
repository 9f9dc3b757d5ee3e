package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrUnknownKey is returned for configuration keys that do not exist.
var ErrUnknownKey = errors.New("unknown configuration key")

// KeyKind is the value type of a configuration key.
type KeyKind string

const (
	KindString   KeyKind = "string"
	KindInt      KeyKind = "int"
	KindBool     KeyKind = "bool"
	KindDuration KeyKind = "duration"
	KindList     KeyKind = "list"
)

// Key describes a configuration key that can be read and set from the CLI.
type Key struct {
	Name        string
	Kind        KeyKind
	Description string
}

// Keys lists every scalar configuration key. Worker environment entries are
// addressed as agent.env.<NAME>.
var Keys = []Key{
	{"agent.command", KindString, "worker executable"},
	{"agent.args", KindList, "worker arguments; {{spec}}, {{run}} and {{attempt}} are substituted"},
	{"agent.pty", KindBool, "run workers attached to a pseudo-terminal"},
	{"agent.timeout", KindDuration, "per-attempt timeout, 0 disables"},
	{"defaults.max_parallel", KindInt, "maximum concurrent workers"},
	{"defaults.max_retries", KindInt, "retries after a failed attempt"},
	{"defaults.manifest", KindString, "spec manifest file"},
	{"stop.grace_period", KindDuration, "delay between SIGTERM and SIGKILL"},
	{"stop.ack_timeout", KindDuration, "wait for a coordinator to act on a stop request"},
	{"watch.interval", KindDuration, "status --watch poll interval"},
	{"state.dir", KindString, "state directory"},
}

const envKeyPrefix = "agent.env."

// LookupKey returns the key definition for name.
func LookupKey(name string) (Key, bool) {
	for _, k := range Keys {
		if k.Name == name {
			return k, true
		}
	}
	if strings.HasPrefix(name, envKeyPrefix) && len(name) > len(envKeyPrefix) {
		return Key{Name: name, Kind: KindString, Description: "worker environment variable"}, true
	}
	return Key{}, false
}

// Get returns the value of a key formatted for display.
func Get(cfg *Config, name string) (string, error) {
	if envName, ok := strings.CutPrefix(name, envKeyPrefix); ok {
		return cfg.Agent.EnvMap()[envName], nil
	}
	switch name {
	case "agent.command":
		return cfg.Agent.Command, nil
	case "agent.args":
		data, err := json.Marshal(cfg.Agent.Args)
		return string(data), err
	case "agent.pty":
		return strconv.FormatBool(cfg.Agent.PTY), nil
	case "agent.timeout":
		return cfg.Agent.Timeout.String(), nil
	case "defaults.max_parallel":
		return strconv.Itoa(cfg.Defaults.MaxParallel), nil
	case "defaults.max_retries":
		return strconv.Itoa(cfg.Defaults.MaxRetries), nil
	case "defaults.manifest":
		return cfg.Defaults.Manifest, nil
	case "stop.grace_period":
		return cfg.Stop.GracePeriod.String(), nil
	case "stop.ack_timeout":
		return cfg.Stop.AckTimeout.String(), nil
	case "watch.interval":
		return cfg.Watch.Interval.String(), nil
	case "state.dir":
		return cfg.State.Dir, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownKey, name)
}

// Set parses value according to the key's kind and stores it in cfg.
// Lists accept a JSON array or a comma separated string.
func Set(cfg *Config, name, value string) error {
	key, ok := LookupKey(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, name)
	}

	if envName, ok := strings.CutPrefix(name, envKeyPrefix); ok {
		cfg.Agent.Env = setEnvEntry(cfg.Agent.Env, envName, value)
		return nil
	}

	var (
		i   int
		b   bool
		d   time.Duration
		l   []string
		err error
	)
	switch key.Kind {
	case KindInt:
		i, err = strconv.Atoi(value)
	case KindBool:
		b, err = strconv.ParseBool(value)
	case KindDuration:
		d, err = time.ParseDuration(value)
	case KindList:
		l, err = parseList(value)
	}
	if err != nil {
		return fmt.Errorf("invalid %s value for %s: %w", key.Kind, name, err)
	}

	switch name {
	case "agent.command":
		cfg.Agent.Command = value
	case "agent.args":
		cfg.Agent.Args = l
	case "agent.pty":
		cfg.Agent.PTY = b
	case "agent.timeout":
		cfg.Agent.Timeout = d
	case "defaults.max_parallel":
		cfg.Defaults.MaxParallel = i
	case "defaults.max_retries":
		cfg.Defaults.MaxRetries = i
	case "defaults.manifest":
		cfg.Defaults.Manifest = value
	case "stop.grace_period":
		cfg.Stop.GracePeriod = d
	case "stop.ack_timeout":
		cfg.Stop.AckTimeout = d
	case "watch.interval":
		cfg.Watch.Interval = d
	case "state.dir":
		cfg.State.Dir = value
	}
	return cfg.Validate()
}

func parseList(value string) ([]string, error) {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, "[") {
		var l []string
		if err := json.Unmarshal([]byte(value), &l); err != nil {
			return nil, err
		}
		return l, nil
	}
	if value == "" {
		return nil, nil
	}
	parts := strings.Split(value, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts, nil
}

// setEnvEntry replaces or appends NAME=value in entries.
func setEnvEntry(entries []string, name, value string) []string {
	out := make([]string, 0, len(entries)+1)
	replaced := false
	for _, entry := range entries {
		if n, _, _ := strings.Cut(entry, "="); n == name {
			if !replaced {
				out = append(out, name+"="+value)
				replaced = true
			}
			continue
		}
		out = append(out, entry)
	}
	if !replaced {
		out = append(out, name+"="+value)
	}
	return out
}

// EnvNames returns the worker environment variable names in sorted order.
func EnvNames(cfg *Config) []string {
	env := cfg.Agent.EnvMap()
	names := make([]string, 0, len(env))
	for k := range env {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// IsSecretName reports whether an environment variable name looks like it
// holds a credential.
func IsSecretName(name string) bool {
	upper := strings.ToUpper(name)
	for _, marker := range []string{"KEY", "TOKEN", "SECRET", "PASSWORD"} {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}

// MaskSecret returns a masked version of a secret for display.
// Shows the first 4 and last 4 characters of long values.
func MaskSecret(value string) string {
	if value == "" {
		return "(not set)"
	}

	if len(value) <= 12 {
		return "***"
	}

	return value[:4] + "..." + value[len(value)-4:]
}
