package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/FalkorDB/falkordb-go/v2"
)

// GraphQuerier executes Cypher queries against the graph store.
type GraphQuerier interface {
	Query(ctx context.Context, query string, params map[string]any) (*GraphResult, error)
	Close() error
}

// GraphResult is a flattened Cypher result set.
type GraphResult struct {
	Columns []string
	Rows    [][]any
}

// FalkorConfig holds connection settings for the FalkorDB graph store.
type FalkorConfig struct {
	Host         string
	Port         int
	Password     string
	GraphName    string
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	QueryTimeout time.Duration
}

type falkorQuerier struct {
	db           *falkordb.FalkorDB
	graph        *falkordb.Graph
	queryTimeout time.Duration
}

// NewFalkorQuerier connects to FalkorDB and selects the configured graph.
// The connection option struct is an alias for the underlying redis client
// options, so pool sizing and timeouts apply at that layer.
func NewFalkorQuerier(cfg FalkorConfig) (GraphQuerier, error) {
	db, err := falkordb.FalkorDBNew(&falkordb.ConnectionOption{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})
	if err != nil {
		return nil, fmt.Errorf("connect graph store: %w", err)
	}
	return &falkorQuerier{
		db:           db,
		graph:        db.SelectGraph(cfg.GraphName),
		queryTimeout: cfg.QueryTimeout,
	}, nil
}

func (f *falkorQuerier) Query(ctx context.Context, query string, params map[string]any) (*GraphResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var options *falkordb.QueryOptions
	if f.queryTimeout > 0 {
		options = falkordb.NewQueryOptions().SetTimeout(int(f.queryTimeout.Milliseconds()))
	}

	result, err := f.graph.Query(query, params, options)
	if err != nil {
		return nil, fmt.Errorf("graph query failed: %w", err)
	}

	out := &GraphResult{}
	first := true
	for result.Next() {
		record := result.Record()
		if first {
			out.Columns = record.Keys()
			first = false
		}
		out.Rows = append(out.Rows, record.Values())
	}
	return out, nil
}

func (f *falkorQuerier) Close() error {
	if f.db != nil && f.db.Conn != nil {
		return f.db.Conn.Close()
	}
	return nil
}
