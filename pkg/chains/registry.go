package chains

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Registry manages connectors for all configured chains. Connectors run
// independently so one failing chain never affects the others.
type Registry struct {
	connectors map[string]*Connector
	mu         sync.RWMutex
	logger     *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		connectors: make(map[string]*Connector),
		logger:     logger.Named("registry"),
	}
}

// Register adds a connector to the registry.
func (r *Registry) Register(connector *Connector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connectors[connector.ChainID()]; exists {
		return ErrChainAlreadyExists
	}

	r.connectors[connector.ChainID()] = connector
	r.logger.Info("chain registered", zap.String("chain", connector.ChainID()))
	return nil
}

// Get returns a connector by chain id.
func (r *Registry) Get(chainID string) (*Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	connector, exists := r.connectors[chainID]
	if !exists {
		return nil, ErrChainNotFound
	}
	return connector, nil
}

// List returns all registered connectors.
func (r *Registry) List() []*Connector {
	r.mu.RLock()
	defer r.mu.RUnlock()

	connectors := make([]*Connector, 0, len(r.connectors))
	for _, connector := range r.connectors {
		connectors = append(connectors, connector)
	}
	return connectors
}

// Count returns the number of registered chains.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connectors)
}

// StartAll starts every registered connector. A connector that fails to
// start is logged and skipped; the rest still start.
func (r *Registry) StartAll(ctx context.Context) {
	for _, connector := range r.List() {
		if err := connector.Start(ctx); err != nil {
			r.logger.Error("failed to start connector",
				zap.String("chain", connector.ChainID()),
				zap.Error(err),
			)
		}
	}
}

// StopAll stops every registered connector.
func (r *Registry) StopAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, connector := range r.List() {
		wg.Add(1)
		go func(c *Connector) {
			defer wg.Done()
			if err := c.Stop(ctx); err != nil {
				r.logger.Error("failed to stop connector",
					zap.String("chain", c.ChainID()),
					zap.Error(err),
				)
			}
		}(connector)
	}
	wg.Wait()
}

// Restart stops and restarts one connector.
func (r *Registry) Restart(ctx context.Context, chainID string) error {
	connector, err := r.Get(chainID)
	if err != nil {
		return err
	}

	if err := connector.Stop(ctx); err != nil {
		return err
	}
	return connector.Start(ctx)
}
