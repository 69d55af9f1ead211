package eventsourcing

import (
	"context"
	"fmt"
	"sync"

	"github.com/io-da/query"
)

// ReadModel marks a query-side data model. Projections satisfy it.
type ReadModel interface {
}

type queryFunc func(ctx context.Context, qry query.Query) (ReadModel, error)

// QueryProvider answers queries from read models. It implements the
// io-da/query Handler interface so it can be mounted on a query bus,
// dispatching by the concrete query type.
type QueryProvider struct {
	mu       sync.RWMutex
	handlers map[string]queryFunc
}

// NewQueryProvider creates an empty provider.
func NewQueryProvider() *QueryProvider {
	return &QueryProvider{
		handlers: make(map[string]queryFunc),
	}
}

// RegisterQueryHandler registers a typed handler for query type T.
// Panics on duplicate registration; that is a wiring error.
func RegisterQueryHandler[T query.Query, R ReadModel](p *QueryProvider, fn func(ctx context.Context, qry T) (R, error)) {
	var zero T
	name := TypeName(zero)

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.handlers[name]; exists {
		panic(fmt.Errorf("query %s: %w", name, ErrDuplicateHandler))
	}
	p.handlers[name] = func(ctx context.Context, qry query.Query) (ReadModel, error) {
		q, ok := qry.(T)
		if !ok {
			return nil, fmt.Errorf("query type mismatch: expected %s, got %T", name, qry)
		}
		return fn(ctx, q)
	}
}

// Handle implements the io-da/query Handler interface.
func (p *QueryProvider) Handle(ctx context.Context, qry query.Query, res *query.Result) error {
	p.mu.RLock()
	h, exists := p.handlers[TypeName(qry)]
	p.mu.RUnlock()

	if !exists {
		return fmt.Errorf("query %s: %w", TypeName(qry), ErrHandlerNotFound)
	}

	result, err := h(ctx, qry)
	if err != nil {
		return err
	}

	res.Add(result)
	res.Done()
	return nil
}

// ProjectionQuery asks for a materialized view by name.
type ProjectionQuery struct {
	Name string
}

// ID implements the io-da/query Query interface.
func (q ProjectionQuery) ID() []byte {
	return []byte("projection:" + q.Name)
}

// RegisterProjectionQueries exposes the builder's projections through
// the provider, so read models are reachable from a query bus.
func RegisterProjectionQueries(p *QueryProvider, b *ProjectionBuilder) {
	RegisterQueryHandler(p, func(ctx context.Context, q ProjectionQuery) (*Projection, error) {
		return b.Get(q.Name)
	})
}
