package prompt

import (
	"bytes"
	"fmt"

	"github.com/tidwall/gjson"
)

// UnsupportedSchemaKeys are JSON-Schema keys the Gemini function declaration
// schema rejects. They are removed at every depth.
var UnsupportedSchemaKeys = []string{
	"exclusiveMaximum",
	"exclusiveMinimum",
	"$schema",
	"additionalProperties",
	"outputSchema",
}

var unsupported = func() map[string]bool {
	m := make(map[string]bool, len(UnsupportedSchemaKeys))
	for _, k := range UnsupportedSchemaKeys {
		m[k] = true
	}
	return m
}()

// SanitizeSchema strips unsupported keys from every object, arrays included.
// Surviving keys keep their order. Applying it twice equals applying it once.
func SanitizeSchema(raw []byte) ([]byte, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("schema is not valid JSON")
	}
	var buf bytes.Buffer
	writeStripped(&buf, gjson.ParseBytes(raw), nil)
	return buf.Bytes(), nil
}

// SanitizeTool converts an MCP tool definition into a Gemini function
// declaration: inputSchema is renamed to parameters, then the result is sanitized.
func SanitizeTool(raw []byte) ([]byte, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("tool definition is not valid JSON")
	}
	tool := gjson.ParseBytes(raw)
	if !tool.IsObject() {
		return nil, fmt.Errorf("tool definition must be an object")
	}
	rename := map[string]string{}
	if tool.Get("inputSchema").Exists() {
		rename["inputSchema"] = "parameters"
	}
	var buf bytes.Buffer
	writeStripped(&buf, tool, rename)
	return buf.Bytes(), nil
}

// writeStripped re-emits v without unsupported keys. rename applies to the top level only.
func writeStripped(buf *bytes.Buffer, v gjson.Result, rename map[string]string) {
	switch {
	case v.IsObject():
		buf.WriteByte('{')
		first := true
		v.ForEach(func(key, val gjson.Result) bool {
			name := key.String()
			if unsupported[name] {
				return true
			}
			keyRaw := key.Raw
			if to, ok := rename[name]; ok {
				keyRaw = fmt.Sprintf("%q", to)
			} else if _, shadowed := rename["inputSchema"]; shadowed && name == "parameters" {
				// inputSchema wins over a stale parameters key.
				return true
			}
			if !first {
				buf.WriteByte(',')
			}
			first = false
			buf.WriteString(keyRaw)
			buf.WriteByte(':')
			writeStripped(buf, val, nil)
			return true
		})
		buf.WriteByte('}')
	case v.IsArray():
		buf.WriteByte('[')
		first := true
		v.ForEach(func(_, val gjson.Result) bool {
			if !first {
				buf.WriteByte(',')
			}
			first = false
			writeStripped(buf, val, nil)
			return true
		})
		buf.WriteByte(']')
	default:
		buf.WriteString(v.Raw)
	}
}
