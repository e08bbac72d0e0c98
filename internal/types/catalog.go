package types

import (
	"encoding/json"
	"fmt"
)

// ToolCatalog lists the tools discovered on every connected MCP server.
type ToolCatalog struct {
	Servers []ServerTools `json:"servers"`
}

// ServerTools is one server's entry in the catalog.
type ServerTools struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Tools       []ToolSchema `json:"tools"`
}

// ToolSchema is an MCP tool definition. Keys other than the fixed fields
// (annotations, title, ...) are kept in Extra and written back flattened.
type ToolSchema struct {
	Name         string
	Description  string
	InputSchema  json.RawMessage
	OutputSchema json.RawMessage
	Extra        map[string]json.RawMessage
}

// NewToolSchema builds a schema from parts. A missing input schema becomes
// an empty object schema.
func NewToolSchema(name, description string, inputSchema json.RawMessage) ToolSchema {
	if len(inputSchema) == 0 {
		inputSchema = json.RawMessage(`{"type":"object"}`)
	}
	return ToolSchema{Name: name, Description: description, InputSchema: inputSchema}
}

func (t ToolSchema) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(t.Extra)+4)
	for k, v := range t.Extra {
		fields[k] = v
	}
	name, err := json.Marshal(t.Name)
	if err != nil {
		return nil, err
	}
	fields["name"] = name
	if t.Description != "" {
		desc, err := json.Marshal(t.Description)
		if err != nil {
			return nil, err
		}
		fields["description"] = desc
	}
	if len(t.InputSchema) > 0 {
		fields["inputSchema"] = t.InputSchema
	}
	if len(t.OutputSchema) > 0 {
		fields["outputSchema"] = t.OutputSchema
	}
	return json.Marshal(fields)
}

func (t *ToolSchema) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	*t = ToolSchema{}
	if raw, ok := fields["name"]; ok {
		if err := json.Unmarshal(raw, &t.Name); err != nil {
			return fmt.Errorf("tool schema name: %w", err)
		}
	}
	if t.Name == "" {
		return fmt.Errorf("tool schema without name")
	}
	if raw, ok := fields["description"]; ok && string(raw) != "null" {
		if err := json.Unmarshal(raw, &t.Description); err != nil {
			return fmt.Errorf("tool schema %s description: %w", t.Name, err)
		}
	}
	t.InputSchema = clonedRaw(fields["inputSchema"])
	t.OutputSchema = clonedRaw(fields["outputSchema"])
	for _, k := range []string{"name", "description", "inputSchema", "outputSchema"} {
		delete(fields, k)
	}
	if len(fields) > 0 {
		t.Extra = fields
	}
	return nil
}

func clonedRaw(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

// FindServer returns the first server exposing a tool with the given name.
func (c *ToolCatalog) FindServer(toolName string) (string, bool) {
	if c == nil {
		return "", false
	}
	for _, s := range c.Servers {
		for _, t := range s.Tools {
			if t.Name == toolName {
				return s.Name, true
			}
		}
	}
	return "", false
}

// ToolCount returns the total number of tools across servers.
func (c *ToolCatalog) ToolCount() int {
	if c == nil {
		return 0
	}
	n := 0
	for _, s := range c.Servers {
		n += len(s.Tools)
	}
	return n
}
