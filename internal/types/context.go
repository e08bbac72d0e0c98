package types

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Entities holds named entities extracted by the conversation summarizer.
type Entities struct {
	UserName string
	// Other holds every additional entity, flattened next to user_name on the wire.
	Other map[string]json.RawMessage
}

func (e Entities) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(e.Other)+1)
	for k, v := range e.Other {
		fields[k] = v
	}
	if e.UserName != "" {
		name, _ := json.Marshal(e.UserName)
		fields["user_name"] = name
	}
	return json.Marshal(fields)
}

func (e *Entities) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	*e = Entities{}
	if raw, ok := fields["user_name"]; ok {
		// Non-string names are ignored.
		_ = json.Unmarshal(raw, &e.UserName)
		delete(fields, "user_name")
	}
	if len(fields) > 0 {
		e.Other = fields
	}
	return nil
}

// ConversationSummary is the rolling summary maintained between turns.
type ConversationSummary struct {
	Summary   string   `json:"summary,omitempty"`
	Sentiment string   `json:"sentiment,omitempty"`
	Entities  Entities `json:"entities"`
}

// ActiveContext is the structured state sent as the system instruction.
// The fixed fields are typed; anything else lives in Extra and is flattened on the wire.
type ActiveContext struct {
	SystemPersona       string
	UserInstruction     string
	ConversationSummary ConversationSummary
	ToolCatalog         *ToolCatalog
	Extra               map[string]json.RawMessage
}

var reservedContextKeys = map[string]bool{
	"system_persona":       true,
	"user_instruction":     true,
	"conversation_summary": true,
	"mcp_tools":            true,
}

// SetExtra stores v under key. Keys of the fixed fields are rejected.
func (a *ActiveContext) SetExtra(key string, v any) error {
	if reservedContextKeys[key] {
		return fmt.Errorf("context key %q is reserved", key)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode context value %q: %w", key, err)
	}
	if a.Extra == nil {
		a.Extra = make(map[string]json.RawMessage)
	}
	a.Extra[key] = raw
	return nil
}

// ExtraKeys returns the additional property names in sorted order.
func (a ActiveContext) ExtraKeys() []string {
	keys := make([]string, 0, len(a.Extra))
	for k := range a.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Fields returns the flattened JSON object view. The tool catalog is included
// only when includeTools is set.
func (a ActiveContext) Fields(includeTools bool) (map[string]json.RawMessage, error) {
	fields := make(map[string]json.RawMessage, len(a.Extra)+4)
	for k, v := range a.Extra {
		fields[k] = v
	}
	put := func(key string, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", key, err)
		}
		fields[key] = raw
		return nil
	}
	if a.SystemPersona != "" {
		if err := put("system_persona", a.SystemPersona); err != nil {
			return nil, err
		}
	}
	if a.UserInstruction != "" {
		if err := put("user_instruction", a.UserInstruction); err != nil {
			return nil, err
		}
	}
	if err := put("conversation_summary", a.ConversationSummary); err != nil {
		return nil, err
	}
	if includeTools && a.ToolCatalog != nil {
		if err := put("mcp_tools", a.ToolCatalog); err != nil {
			return nil, err
		}
	}
	return fields, nil
}

func (a ActiveContext) MarshalJSON() ([]byte, error) {
	fields, err := a.Fields(true)
	if err != nil {
		return nil, err
	}
	return json.Marshal(fields)
}

func (a *ActiveContext) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	*a = ActiveContext{}
	decode := func(key string, dst any) error {
		raw, ok := fields[key]
		delete(fields, key)
		if !ok || string(raw) == "null" {
			return nil
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return fmt.Errorf("active_context.%s: %w", key, err)
		}
		return nil
	}
	if err := decode("system_persona", &a.SystemPersona); err != nil {
		return err
	}
	if err := decode("user_instruction", &a.UserInstruction); err != nil {
		return err
	}
	if err := decode("conversation_summary", &a.ConversationSummary); err != nil {
		return err
	}
	var catalog ToolCatalog
	if raw, ok := fields["mcp_tools"]; ok && string(raw) != "null" {
		if err := decode("mcp_tools", &catalog); err != nil {
			return err
		}
		a.ToolCatalog = &catalog
	}
	delete(fields, "mcp_tools")
	if len(fields) > 0 {
		a.Extra = fields
	}
	return nil
}

// Clone copies the maps. The tool catalog is shared; it is replaced wholesale, never mutated.
func (a ActiveContext) Clone() ActiveContext {
	out := a
	if a.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(a.Extra))
		for k, v := range a.Extra {
			out.Extra[k] = v
		}
	}
	if a.ConversationSummary.Entities.Other != nil {
		other := make(map[string]json.RawMessage, len(a.ConversationSummary.Entities.Other))
		for k, v := range a.ConversationSummary.Entities.Other {
			other[k] = v
		}
		out.ConversationSummary.Entities.Other = other
	}
	return out
}
