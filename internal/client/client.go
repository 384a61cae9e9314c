// Package client defines the data-provider interface and its implementations.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/meteoflow/weather-dl/internal/config"
)

// Client retrieves a remote dataset selection into a local file. The core
// never retries a failed retrieval; retries, if desired, belong to the
// transport or the surrounding execution engine.
type Client interface {
	Retrieve(ctx context.Context, dataset string, selection map[string][]string, destPath string) error
}

// Factory builds a client from the run's configuration.
type Factory func(cfg *config.Config) (Client, error)

var registry = map[string]Factory{
	"cds": func(cfg *config.Config) (Client, error) {
		return NewHTTPClient(cfg, DefaultHTTPOptions())
	},
	"fake": func(cfg *config.Config) (Client, error) {
		return NewFake(), nil
	},
}

// New builds the named client.
func New(name string, cfg *config.Config) (Client, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown client %q (available: %v)", name, Names())
	}
	return factory(cfg)
}

// Names returns the registered client names, sorted.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// DefaultName is the client used when none is selected.
const DefaultName = "cds"

// Fake is a no-network client used by dry runs. It writes a small
// deterministic placeholder artifact so every downstream step still runs.
type Fake struct{}

// NewFake creates a fake client.
func NewFake() *Fake {
	return &Fake{}
}

// Retrieve writes a placeholder artifact to destPath.
func (f *Fake) Retrieve(_ context.Context, dataset string, selection map[string][]string, destPath string) error {
	body, err := json.Marshal(selection)
	if err != nil {
		return fmt.Errorf("encode selection: %w", err)
	}
	content := fmt.Sprintf("fake artifact\ndataset: %s\nselection: %s\n", dataset, body)
	if err := os.WriteFile(destPath, []byte(content), 0644); err != nil {
		return fmt.Errorf("write placeholder %s: %w", destPath, err)
	}
	return nil
}
