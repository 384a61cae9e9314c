package partition

import (
	"fmt"
	"strings"

	"github.com/meteoflow/weather-dl/internal/config"
)

// Target derives the storage target for a partition by substituting the first
// value bound to each partition key into the target template, in
// partition_keys order. Partitions carry exactly one value per partition key,
// so "first value" is well-defined; calling this on an unresolved
// configuration is a caller error and names the target after arbitrary first
// values.
func Target(cfg *config.Config) (string, error) {
	keys := cfg.Parameters.PartitionKeys
	values := make([]string, 0, len(keys))
	for _, key := range keys {
		vals, ok := cfg.Selection[key]
		if !ok || len(vals) == 0 {
			return "", fmt.Errorf("%w: partition key %q has no value in selection", config.ErrInvalidConfig, key)
		}
		values = append(values, vals[0])
	}
	return expandTemplate(cfg.Parameters.TargetTemplate, values)
}

// expandTemplate substitutes "{}" placeholders positionally. Surplus values
// are ignored; surplus placeholders are an error.
func expandTemplate(tmpl string, values []string) (string, error) {
	var b strings.Builder
	next := 0
	rest := tmpl
	for {
		i := strings.Index(rest, "{}")
		if i < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		if next >= len(values) {
			return "", fmt.Errorf("%w: target_template %q references more values than partition keys supply",
				config.ErrInvalidConfig, tmpl)
		}
		b.WriteString(rest[:i])
		b.WriteString(values[next])
		next++
		rest = rest[i+2:]
	}
}
