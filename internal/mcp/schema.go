package mcp

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// schemaCache compiles tool input schemas on first use. Entries are keyed by
// exposed tool name and dropped whenever the namespace is rebuilt.
type schemaCache struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
	broken   map[string]error
}

func newSchemaCache() *schemaCache {
	return &schemaCache{
		compiled: make(map[string]*jsonschema.Schema),
		broken:   make(map[string]error),
	}
}

func (c *schemaCache) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.compiled = make(map[string]*jsonschema.Schema)
	c.broken = make(map[string]error)
}

// validate checks args against the schema. A schema that does not compile
// is reported once through the returned compileErr and then skipped.
func (c *schemaCache) validate(name string, schema, args []byte) (validationErr, compileErr error) {
	if len(bytes.TrimSpace(schema)) == 0 {
		return nil, nil
	}
	sch, fresh, compileErr := c.get(name, schema)
	if sch == nil {
		if fresh {
			return nil, compileErr
		}
		return nil, nil
	}
	if len(bytes.TrimSpace(args)) == 0 {
		args = []byte(`{}`)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
	if err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err), nil
	}
	if err := sch.Validate(inst); err != nil {
		return err, nil
	}
	return nil, nil
}

func (c *schemaCache) get(name string, schema []byte) (*jsonschema.Schema, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sch, ok := c.compiled[name]; ok {
		return sch, false, nil
	}
	if err, ok := c.broken[name]; ok {
		return nil, false, err
	}
	sch, err := compileSchema(schema)
	if err != nil {
		c.broken[name] = err
		return nil, true, err
	}
	c.compiled[name] = sch
	return sch, true, nil
}

func compileSchema(schema []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	sch, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return sch, nil
}
