package config

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"gopkg.in/yaml.v3"
)

// YAML is a kong configuration loader. Top-level keys are flag names,
// written with dashes or underscores (da_win or da-win).
func YAML(r io.Reader) (kong.Resolver, error) {
	values := map[string]any{}
	if err := yaml.NewDecoder(r).Decode(&values); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	normalized := make(map[string]any, len(values))
	for k, v := range values {
		normalized[strings.ReplaceAll(strings.ToLower(k), "_", "-")] = v
	}

	var resolver kong.ResolverFunc = func(_ *kong.Context, _ *kong.Path, flag *kong.Flag) (any, error) {
		v, ok := normalized[flag.Name]
		if !ok || v == nil {
			return nil, nil
		}
		switch v := v.(type) {
		case time.Time:
			return v.Format(time.RFC3339), nil
		case map[string]any, []any:
			return nil, fmt.Errorf("config key %s: expected a scalar", flag.Name)
		default:
			return fmt.Sprint(v), nil
		}
	}
	return resolver, nil
}
