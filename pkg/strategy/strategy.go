// Package strategy binds a downloader, a parser and the import engine into
// named chains and resolves them from a registry built at start-up.
package strategy

import (
	"context"
	"fmt"
	"sort"
	"sync"

	apperrors "github.com/Ruscigno/feedpulse/pkg/errors"
	"github.com/Ruscigno/feedpulse/pkg/feed"
	"github.com/Ruscigno/feedpulse/pkg/importer"
	"github.com/Ruscigno/feedpulse/pkg/timeseries"
)

// Strategy is the fetch / transform / import chain of one pipeline.
type Strategy interface {
	Name() string
	Fetch(ctx context.Context, f timeseries.Feed) (feed.Artifact, error)
	Parse(ctx context.Context, artifact feed.Artifact) (importer.RowIterator, error)
	Import(ctx context.Context, f timeseries.Feed, rows importer.RowIterator, opts importer.Options) (importer.Result, error)
}

// Importer is satisfied by *importer.Engine.
type Importer interface {
	Import(ctx context.Context, f timeseries.Feed, rows importer.RowIterator, opts importer.Options) (importer.Result, error)
}

// Chain is the Strategy used by every built-in source.
type Chain struct {
	name       string
	downloader feed.Downloader
	parser     feed.Parser
	importer   Importer
	format     importer.Format
}

// NewChain creates a Chain named name that downloads with d, parses with p
// and imports with imp using format.
func NewChain(name string, d feed.Downloader, p feed.Parser, imp Importer, format importer.Format) *Chain {
	return &Chain{name: name, downloader: d, parser: p, importer: imp, format: format}
}

func (c *Chain) Name() string { return c.name }

func (c *Chain) Fetch(ctx context.Context, f timeseries.Feed) (feed.Artifact, error) {
	return c.downloader.Download(ctx, f)
}

func (c *Chain) Parse(ctx context.Context, artifact feed.Artifact) (importer.RowIterator, error) {
	return c.parser.Open(ctx, artifact)
}

// Import applies the chain's row format on top of the caller's options.
func (c *Chain) Import(ctx context.Context, f timeseries.Feed, rows importer.RowIterator, opts importer.Options) (importer.Result, error) {
	opts.Format = c.format
	return c.importer.Import(ctx, f, rows, opts)
}

// Registry maps chain names to strategies.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

func NewRegistry(strategies ...Strategy) (*Registry, error) {
	r := &Registry{strategies: make(map[string]Strategy, len(strategies))}
	for _, s := range strategies {
		if err := r.Register(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(s Strategy) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s == nil || s.Name() == "" {
		return apperrors.Configuration("strategy must have a name")
	}
	if _, ok := r.strategies[s.Name()]; ok {
		return apperrors.Configuration(fmt.Sprintf("strategy %q registered twice", s.Name()))
	}
	r.strategies[s.Name()] = s
	return nil
}

// Resolve returns the strategy for chain or a configuration error.
func (r *Registry) Resolve(chain string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.strategies[chain]
	if !ok {
		return nil, apperrors.Configuration(fmt.Sprintf("unknown chain %q", chain))
	}
	return s, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.strategies))
	for n := range r.strategies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
