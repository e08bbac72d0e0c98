package permissions

// DefaultCategory applies to tools without a matching rule.
const DefaultCategory = "mcp"

// Categorizer maps a tool to its permission category.
// Rules are keyed "server/tool", "server/*" or "tool"; the most specific wins.
type Categorizer struct {
	Rules    map[string]string
	Fallback string
}

// Category resolves the category for server/tool.
func (c Categorizer) Category(server, tool string) string {
	for _, key := range []string{server + "/" + tool, server + "/*", tool} {
		if cat, ok := c.Rules[key]; ok && cat != "" {
			return cat
		}
	}
	if c.Fallback != "" {
		return c.Fallback
	}
	return DefaultCategory
}
