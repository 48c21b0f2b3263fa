package store

import (
	"context"
	"fmt"
)

// Options selects and configures a backend.
type Options struct {
	Driver      string
	SQLitePath  string
	PostgresDSN string
}

// Open returns the repository for opts.Driver.
func Open(ctx context.Context, opts Options) (Repository, error) {
	switch opts.Driver {
	case DriverSQLite, "":
		s, err := NewSQLite(opts.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverPostgres:
		s, err := NewPostgres(ctx, opts.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported driver: %s", opts.Driver)
	}
}
