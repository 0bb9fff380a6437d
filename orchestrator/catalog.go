package orchestrator

import (
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/teranos/conductor/errors"
	"github.com/teranos/conductor/logger"
	"github.com/teranos/conductor/pulse/pipeline"
)

// Catalog holds the pipeline definitions jobs refer to. It satisfies
// schedule.GraphSource.
type Catalog struct {
	dir string
	log *zap.SugaredLogger

	mu     sync.RWMutex
	graphs map[string]*pipeline.Graph
}

// NewCatalog creates an empty catalog backed by the YAML files in dir
func NewCatalog(dir string, log *zap.SugaredLogger) *Catalog {
	return &Catalog{
		dir:    dir,
		log:    logger.AddChainSymbol(log),
		graphs: make(map[string]*pipeline.Graph),
	}
}

// Load replaces the catalog with the definitions found in its directory.
// A missing directory yields an empty catalog. On error the previous
// definitions stay in place.
func (c *Catalog) Load() error {
	if c.dir == "" {
		return nil
	}
	graphs, err := pipeline.LoadGraphDir(c.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.log.Warnw("Pipeline directory does not exist", "dir", c.dir)
			graphs = nil
		} else {
			return errors.Wrapf(err, "load pipelines from %s", c.dir)
		}
	}

	next := make(map[string]*pipeline.Graph, len(graphs))
	for _, g := range graphs {
		next[g.ID] = g
	}

	c.mu.Lock()
	c.graphs = next
	c.mu.Unlock()

	c.log.Infow("Pipelines loaded", "dir", c.dir, logger.FieldCount, len(next))
	return nil
}

// Add registers a graph built in code. An existing graph with the same id is replaced.
func (c *Catalog) Add(g *pipeline.Graph) error {
	if g == nil {
		return errors.NewValidationError("nil pipeline")
	}
	if err := g.Validate(nil); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.graphs[g.ID] = g
	return nil
}

// Graph returns the pipeline with the given id
func (c *Catalog) Graph(id string) (*pipeline.Graph, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.graphs[id]
	if !ok {
		return nil, errors.NewNotFoundError("pipeline %s", id)
	}
	return g, nil
}

// IDs returns the ids of every known pipeline, sorted
func (c *Catalog) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.graphs))
	for id := range c.graphs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
