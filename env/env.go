// Package env resolves environment variables for node configuration.
//
// Resolution walks a chain of resolvers, innermost first: subflow instance,
// subflow template, flow, node built-ins, then the process environment
// (optionally seeded from a .env file).
package env

import (
	"os"
	"regexp"

	"github.com/joho/godotenv"

	"github.com/c360/semflow/errors"
)

// Resolver looks up a single variable
type Resolver interface {
	Lookup(name string) (string, bool)
}

// Map resolves from a fixed set of values
type Map map[string]string

// Lookup implements Resolver
func (m Map) Lookup(name string) (string, bool) {
	v, ok := m[name]
	return v, ok
}

type osResolver struct{}

func (osResolver) Lookup(name string) (string, bool) {
	return os.LookupEnv(name)
}

// OS resolves from the process environment
func OS() Resolver {
	return osResolver{}
}

// Chain tries each resolver in order and returns the first hit
type Chain []Resolver

// Lookup implements Resolver
func (c Chain) Lookup(name string) (string, bool) {
	for _, r := range c {
		if r == nil {
			continue
		}
		if v, ok := r.Lookup(name); ok {
			return v, true
		}
	}
	return "", false
}

// With returns a chain with r consulted before c
func (c Chain) With(r Resolver) Chain {
	out := make(Chain, 0, len(c)+1)
	out = append(out, r)
	return append(out, c...)
}

var placeholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Expand replaces ${NAME} placeholders. Unknown names expand to "".
func Expand(s string, r Resolver) string {
	if r == nil {
		r = Chain{}
	}
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		v, _ := r.Lookup(name)
		return v
	})
}

// ExpandConfig returns a copy of cfg with every string value expanded,
// recursing into nested maps and slices.
func ExpandConfig(cfg map[string]any, r Resolver) map[string]any {
	if cfg == nil {
		return nil
	}
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		out[k] = expandValue(v, r)
	}
	return out
}

func expandValue(v any, r Resolver) any {
	switch val := v.(type) {
	case string:
		return Expand(val, r)
	case map[string]any:
		return ExpandConfig(val, r)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = expandValue(item, r)
		}
		return out
	default:
		return v
	}
}

// LoadDotenv reads .env files into a Map without touching the process
// environment. Missing files are an error.
func LoadDotenv(paths ...string) (Map, error) {
	values, err := godotenv.Read(paths...)
	if err != nil {
		return nil, errors.WrapInvalid(err, "env", "LoadDotenv", "read env file")
	}
	return Map(values), nil
}
