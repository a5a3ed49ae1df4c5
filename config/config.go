// Package config loads a reactor.Context from a YAML file, the same
// load-defaults-then-overlay-YAML shape this repository's own
// cmd/juggler-server/config.go uses for its Config type.
package config

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/aeronio/reactor"
)

// FromReader reads YAML from r and overlays it onto reactor.DefaultContext.
// A nil r returns the defaults unmodified.
func FromReader(r io.Reader) (reactor.Context, error) {
	ctx := reactor.DefaultContext()
	if r == nil {
		return ctx, nil
	}

	b, err := io.ReadAll(r)
	if err != nil {
		return reactor.Context{}, fmt.Errorf("config: read: %w", err)
	}
	if len(b) == 0 {
		return ctx, nil
	}
	if err := yaml.Unmarshal(b, &ctx); err != nil {
		return reactor.Context{}, fmt.Errorf("config: parse: %w", err)
	}
	return ctx, nil
}

// FromFile loads a reactor.Context from the YAML file at path. An
// empty path returns the defaults, matching getConfigFromFile's
// treatment of an unset -config flag.
func FromFile(path string) (reactor.Context, error) {
	if path == "" {
		return reactor.DefaultContext(), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return reactor.Context{}, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	return FromReader(f)
}
