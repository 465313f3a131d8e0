// Package resolve maps the environment_class config field to a concrete
// execution backend.
package resolve

import (
	"context"
	"fmt"
	"log/slog"

	skiff "github.com/nevindra/skiff"
	"github.com/nevindra/skiff/environment/docker"
	"github.com/nevindra/skiff/environment/local"
)

// New constructs the backend named by class. Supported classes: "local"
// (the default when class is empty) and "docker".
func New(ctx context.Context, class string, cfg skiff.EnvironmentConfig, logger *slog.Logger) (skiff.Environment, error) {
	switch class {
	case "", "local":
		return local.New(cfg, local.WithLogger(logger)), nil
	case "docker":
		return docker.New(ctx, cfg, docker.WithLogger(logger))
	default:
		return nil, fmt.Errorf("unknown environment_class %q (want local or docker)", class)
	}
}
