package main

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/ohdsi/load-euctr/internal/config"
	"github.com/ohdsi/load-euctr/internal/fetcher"
	"github.com/ohdsi/load-euctr/internal/resilience"
	"github.com/ohdsi/load-euctr/internal/sink"
)

// openBackend connects to the configured sink. dsn, when set, overrides
// store.database_url.
func openBackend(ctx context.Context, c *config.Config, dsn string) (sink.Backend, error) {
	if dsn == "" {
		dsn = c.Store.DatabaseURL
	}
	if dsn == "" {
		return nil, eris.New("no database_url configured (set store.database_url or --dsn)")
	}

	b, err := sink.Open(ctx, sink.Options{
		Driver:    c.Store.Driver,
		DSN:       dsn,
		MaxConns:  c.Store.MaxConns,
		MinConns:  c.Store.MinConns,
		ChunkSize: c.Load.ChunkSize,
	})
	if err != nil {
		return nil, err
	}

	fmt.Printf("Connected to %s database\n", b.Dialect())
	return b, nil
}

// newFetcher builds the shared HTTP fetch unit from the http section.
func newFetcher(c config.HTTPConfig) *fetcher.HTTPFetcher {
	opts := fetcher.HTTPOptions{
		UserAgent:         c.UserAgent,
		Timeout:           c.Timeout,
		MaxRetries:        c.MaxRetries,
		PolitenessDelay:   c.PolitenessDelay,
		RequestsPerSecond: c.RequestsPerSecond,
	}
	if cbCfg, ok := resilience.FromCircuitConfig(c.CircuitThreshold, c.CircuitReset); ok {
		opts.Breakers = resilience.NewHostBreakers(cbCfg)
	}
	return fetcher.NewHTTPFetcher(opts)
}
