package pipeline

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/teranos/conductor/errors"
	"github.com/teranos/conductor/pulse/pipeline/predicate"
)

// SchemaConstraint is the range of pipeline file schemas this loader reads
const SchemaConstraint = ">=1.0.0, <2.0.0"

// DefaultSchema is assumed when a file omits schema
const DefaultSchema = "1.0.0"

type graphFile struct {
	Schema          string     `yaml:"schema"`
	ID              string     `yaml:"id"`
	Name            string     `yaml:"name"`
	Mode            string     `yaml:"mode"`
	ContinueOnError bool       `yaml:"continue_on_error"`
	Nodes           []nodeFile `yaml:"nodes"`
}

type nodeFile struct {
	ID        string               `yaml:"id"`
	Worker    string               `yaml:"worker"`
	Inputs    []string             `yaml:"inputs"`
	Outputs   []string             `yaml:"outputs"`
	Condition *predicate.Condition `yaml:"condition"`
	Retry     *retryFile           `yaml:"retry"`
	Timeout   string               `yaml:"timeout"`
	Params    map[string]any       `yaml:"params"`
}

type retryFile struct {
	MaxRetries   int     `yaml:"max_retries"`
	DelaySeconds float64 `yaml:"delay_seconds"`
}

// LoadGraph decodes one pipeline definition:
//
//	schema: 1.0.0
//	id: triage
//	mode: parallel
//	nodes:
//	  - id: fetch
//	    worker: crm.fetch
//	  - id: classify
//	    worker: llm.classify
//	    inputs: [fetch]
//	    condition: {path: results.fetch.count, op: gt, value: 0}
//	    retry: {max_retries: 3, delay_seconds: 2}
//	    timeout: 30s
//	    params: {task_type: classification}
//
// Structural problems are returned as validation errors. Worker bindings
// are checked later, by Execute.
func LoadGraph(r io.Reader) (*Graph, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f graphFile
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.NewValidationError("empty pipeline definition")
		}
		return nil, errors.WrapValidation(err, "decode pipeline")
	}

	if err := checkSchema(f.Schema); err != nil {
		return nil, err
	}

	g := &Graph{
		ID:              f.ID,
		Name:            f.Name,
		Schema:          f.Schema,
		Mode:            Mode(strings.ToLower(f.Mode)),
		ContinueOnError: f.ContinueOnError,
		Nodes:           make([]Node, 0, len(f.Nodes)),
	}
	if g.Schema == "" {
		g.Schema = DefaultSchema
	}
	if g.Mode == "" {
		g.Mode = ModeSequential
	}
	if g.Name == "" {
		g.Name = g.ID
	}

	for _, nf := range f.Nodes {
		n := Node{
			ID:      nf.ID,
			Worker:  nf.Worker,
			Inputs:  nf.Inputs,
			Outputs: nf.Outputs,
			Params:  nf.Params,
		}
		if nf.Condition != nil {
			n.Condition = nf.Condition.Expr
		}
		if nf.Retry != nil {
			n.Retry = RetryPolicy{
				MaxRetries: nf.Retry.MaxRetries,
				Delay:      time.Duration(nf.Retry.DelaySeconds * float64(time.Second)),
			}
		}
		if nf.Timeout != "" {
			d, err := time.ParseDuration(nf.Timeout)
			if err != nil {
				return nil, errors.WrapValidation(err, "node "+nf.ID+": timeout")
			}
			n.Timeout = d
		}
		g.Nodes = append(g.Nodes, n)
	}

	if err := g.Validate(nil); err != nil {
		return nil, err
	}
	return g, nil
}

// LoadGraphBytes is LoadGraph over a byte slice
func LoadGraphBytes(data []byte) (*Graph, error) {
	return LoadGraph(bytes.NewReader(data))
}

// LoadGraphFile loads a pipeline definition from disk
func LoadGraphFile(path string) (*Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open pipeline %s", path)
	}
	defer f.Close()

	g, err := LoadGraph(f)
	if err != nil {
		return nil, errors.Wrapf(err, "load pipeline %s", path)
	}
	return g, nil
}

// LoadGraphDir loads every .yaml and .yml file in dir, sorted by file name.
// Two files declaring the same pipeline id are a validation error.
func LoadGraphDir(dir string) ([]*Graph, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read pipeline dir %s", dir)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	graphs := make([]*Graph, 0, len(names))
	seen := make(map[string]string, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		g, err := LoadGraphFile(path)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[g.ID]; dup {
			return nil, errors.NewValidationError("pipeline %s declared in both %s and %s", g.ID, prev, name)
		}
		seen[g.ID] = name
		graphs = append(graphs, g)
	}
	return graphs, nil
}

func checkSchema(schema string) error {
	if schema == "" {
		schema = DefaultSchema
	}
	v, err := semver.NewVersion(schema)
	if err != nil {
		return errors.WrapValidation(err, "invalid pipeline schema "+schema)
	}
	constraint, err := semver.NewConstraint(SchemaConstraint)
	if err != nil {
		return errors.Wrap(err, "invalid schema constraint")
	}
	if !constraint.Check(v) {
		return errors.WithHint(
			errors.NewValidationError("pipeline schema %s is not supported", schema),
			"supported schemas: "+SchemaConstraint)
	}
	return nil
}
