// Package flagyaml populates registered flags from a YAML config file.
// Nested maps flatten into dotted flag names, so
//
//	chain:
//	  block_interval: 2s
//
// sets the -chain.block_interval flag. Flags set explicitly on the command
// line win over the file.
package flagyaml

import (
	"flag"
	"fmt"
	"os"

	"github.com/blocksched/blocksched/server/util/status"
	"gopkg.in/yaml.v3"
)

// PopulateFlagsFromFile reads the YAML file at path and applies its values
// to any registered flag not already set on the command line.
func PopulateFlagsFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return status.NotFoundErrorf("read config file %q: %s", path, err)
	}
	return PopulateFlagsFromData(data)
}

func PopulateFlagsFromData(data []byte) error {
	var root map[string]any
	if err := yaml.Unmarshal(data, &root); err != nil {
		return status.InvalidArgumentErrorf("parse config: %s", err)
	}
	setOnCommandLine := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		setOnCommandLine[f.Name] = true
	})

	flat := make(map[string]string)
	flatten("", root, flat)
	for name, value := range flat {
		if setOnCommandLine[name] {
			continue
		}
		if flag.Lookup(name) == nil {
			return status.InvalidArgumentErrorf("config sets unknown flag %q", name)
		}
		if err := flag.Set(name, value); err != nil {
			return status.InvalidArgumentErrorf("config value for %q: %s", name, err)
		}
	}
	return nil
}

func flatten(prefix string, v any, out map[string]string) {
	m, ok := v.(map[string]any)
	if !ok {
		out[prefix] = fmt.Sprintf("%v", v)
		return
	}
	for k, child := range m {
		name := k
		if prefix != "" {
			name = prefix + "." + k
		}
		flatten(name, child, out)
	}
}
