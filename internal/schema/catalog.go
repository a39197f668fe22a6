// Package schema holds the service contracts and validates payloads against
// them with gojsonschema.
package schema

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/afero"
	"github.com/xeipuuv/gojsonschema"

	"github.com/nfrund/sphere/internal/errs"
)

//go:embed builtin/*.json
var builtinFS embed.FS

// maxRefDepth bounds $ref inlining so cyclic documents fail instead of
// recursing forever.
const maxRefDepth = 32

// Registry is the read side of a catalog used by binders and proxies.
type Registry interface {
	Service(uri string) (*Service, error)
	Validators(uri string) (*ServiceValidators, error)
	Validate(schema json.RawMessage, value any) error
}

// Catalog stores schema documents by id.
//
// Service documents (those declaring methods or events) can be bound and
// proxied; plain type documents are $ref targets.
type Catalog struct {
	log *slog.Logger

	mu         sync.RWMutex
	docs       map[string]json.RawMessage
	services   map[string]*Service
	validators map[string]*ServiceValidators
}

var _ Registry = (*Catalog)(nil)

// NewCatalog creates an empty catalog.
func NewCatalog(log *slog.Logger) *Catalog {
	if log == nil {
		log = slog.Default()
	}
	return &Catalog{
		log:        log.With("component", "schema"),
		docs:       make(map[string]json.RawMessage),
		services:   make(map[string]*Service),
		validators: make(map[string]*ServiceValidators),
	}
}

// AddDocument parses and stores one schema document, returning its id.
func (c *Catalog) AddDocument(raw []byte) (string, error) {
	const op = "schema.AddDocument"
	var head struct {
		ID      string          `json:"id"`
		Methods json.RawMessage `json:"methods"`
		Events  json.RawMessage `json:"events"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", errs.Wrap(errs.Validation, op, err, "schema document is not valid JSON")
	}
	id := NormalizeURI(head.ID)
	if id == "" {
		return "", errs.New(errs.Validation, op, "schema document has no id")
	}

	var svc *Service
	if len(head.Methods) > 0 || len(head.Events) > 0 {
		svc = &Service{}
		if err := json.Unmarshal(raw, svc); err != nil {
			return "", errs.Wrap(errs.Validation, op, err, "service %s", id)
		}
		svc.ID = id
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.docs[id] = append(json.RawMessage(nil), raw...)
	if svc != nil {
		c.services[id] = svc
	}
	// Any cached validators may reference the replaced document.
	c.validators = make(map[string]*ServiceValidators)
	return id, nil
}

// LoadDir adds every *.json file below dir.
func (c *Catalog) LoadDir(fsys afero.Fs, dir string) (int, error) {
	count := 0
	err := afero.Walk(fsys, dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.EqualFold(filepath.Ext(path), ".json") {
			return nil
		}
		raw, err := afero.ReadFile(fsys, path)
		if err != nil {
			return fmt.Errorf("reading schema %s: %w", path, err)
		}
		id, err := c.AddDocument(raw)
		if err != nil {
			return fmt.Errorf("loading schema %s: %w", path, err)
		}
		c.log.Debug("Loaded schema", "id", id, "path", path)
		count++
		return nil
	})
	return count, err
}

// LoadBuiltin adds the schemas compiled into the binary.
func (c *Catalog) LoadBuiltin() error {
	return fs.WalkDir(builtinFS, "builtin", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		raw, err := builtinFS.ReadFile(path)
		if err != nil {
			return err
		}
		_, err = c.AddDocument(raw)
		return err
	})
}

// URIs lists every stored document id.
func (c *Catalog) URIs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.docs))
	for id := range c.docs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Service returns the service document for uri.
func (c *Catalog) Service(uri string) (*Service, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	svc, ok := c.services[NormalizeURI(uri)]
	if !ok {
		return nil, errs.New(errs.SchemaNotFound, "schema.Service", "could not find service %s", uri)
	}
	return svc, nil
}

// Validators compiles, and caches, the validators of a service.
func (c *Catalog) Validators(uri string) (*ServiceValidators, error) {
	id := NormalizeURI(uri)
	c.mu.RLock()
	v, ok := c.validators[id]
	c.mu.RUnlock()
	if ok {
		return v, nil
	}

	svc, err := c.Service(id)
	if err != nil {
		return nil, err
	}
	v, err = c.compileService(svc)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.validators[id] = v
	c.mu.Unlock()
	return v, nil
}

// Validate checks value against an ad hoc schema. References to catalog
// documents are resolved.
func (c *Catalog) Validate(schema json.RawMessage, value any) error {
	compiled, err := c.compile(schema)
	if err != nil {
		return err
	}
	return check(compiled, value, "value")
}

// Resolve returns the schema with catalog references inlined.
func (c *Catalog) Resolve(schema json.RawMessage) (any, error) {
	var doc any
	if err := json.Unmarshal(schema, &doc); err != nil {
		return nil, errs.Wrap(errs.Validation, "schema.Resolve", err, "schema is not valid JSON")
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inline(doc, 0)
}

func (c *Catalog) inline(node any, depth int) (any, error) {
	if depth > maxRefDepth {
		return nil, errs.New(errs.Validation, "schema.Resolve", "reference depth exceeds %d", maxRefDepth)
	}
	switch n := node.(type) {
	case map[string]any:
		if ref, ok := n["$ref"].(string); ok && !strings.HasPrefix(ref, "#") {
			raw, found := c.docs[NormalizeURI(ref)]
			if !found {
				return nil, errs.New(errs.SchemaNotFound, "schema.Resolve", "unresolved reference %s", ref)
			}
			var target any
			if err := json.Unmarshal(raw, &target); err != nil {
				return nil, err
			}
			return c.inline(target, depth+1)
		}
		out := make(map[string]any, len(n))
		for k, v := range n {
			if k == "id" || k == "$schema" {
				continue
			}
			r, err := c.inline(v, depth)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(n))
		for i, v := range n {
			r, err := c.inline(v, depth)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return node, nil
	}
}

func (c *Catalog) compile(schema json.RawMessage) (*gojsonschema.Schema, error) {
	resolved, err := c.Resolve(schema)
	if err != nil {
		return nil, err
	}
	return compileValue(resolved)
}

func compileValue(v any) (*gojsonschema.Schema, error) {
	s, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(v))
	if err != nil {
		return nil, errs.Wrap(errs.Validation, "schema.compile", err, "invalid schema")
	}
	return s, nil
}

// check validates value and folds every failure into one Validation error.
func check(s *gojsonschema.Schema, value any, what string) error {
	result, err := s.Validate(gojsonschema.NewGoLoader(value))
	if err != nil {
		return errs.Wrap(errs.Validation, "schema.validate", err, "%s could not be validated", what)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		msgs = append(msgs, re.String())
	}
	return errs.New(errs.Validation, "", "%s", strings.Join(msgs, "; "))
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
