package prompt

import "encoding/json"

// Content is one turn of the Gemini contents array.
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// Part is a Gemini content part. Exactly one field is set.
type Part struct {
	Text             string            `json:"text,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
}

// FunctionCall is a model-issued tool invocation.
type FunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// FunctionResponse carries a tool result back to the model.
type FunctionResponse struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

// Tool groups function declarations. Declarations are sanitized raw JSON.
type Tool struct {
	FunctionDeclarations []json.RawMessage `json:"functionDeclarations"`
}

// Package is everything sent to the model endpoint for one request.
type Package struct {
	SystemInstruction *Content  `json:"systemInstruction,omitempty"`
	Contents          []Content `json:"contents"`
	Tools             []Tool    `json:"tools,omitempty"`
}

// DeclarationCount returns the number of function declarations in the package.
func (p *Package) DeclarationCount() int {
	n := 0
	for _, t := range p.Tools {
		n += len(t.FunctionDeclarations)
	}
	return n
}
