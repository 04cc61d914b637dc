package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	"github.com/loomworks/loom"
)

const (
	envPrefix    = "LOOM_"
	envDelimiter = "__"
	delimiter    = "."
)

// loadConfig layers configuration: defaults, then the YAML file when it
// exists, then LOOM_* environment variables (double underscore nests,
// e.g. LOOM_OBSERVABILITY__PORT=9091).
func loadConfig(path string) (*loom.Config, error) {
	k := koanf.New(delimiter)

	if err := k.Load(structs.Provider(loom.DefaultConfig(), "yaml"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		err := k.Load(file.Provider(path), yaml.Parser())
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	err := k.Load(env.Provider(envPrefix, delimiter, envKeyMapper), nil)
	if err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg loom.Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

func envKeyMapper(key string) string {
	key = key[len(envPrefix):]
	out := make([]byte, 0, len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c == '_' && i+1 < len(key) && key[i+1] == '_':
			out = append(out, '.')
			i++
		case c >= 'A' && c <= 'Z':
			out = append(out, c+'a'-'A')
		default:
			out = append(out, c)
		}
	}
	return string(out)
}
