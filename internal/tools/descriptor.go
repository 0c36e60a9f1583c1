// Package tools executes the capabilities a model may request during a
// turn. One capability is declared: brave_search.
package tools

import (
	"encoding/json"

	"github.com/felipepmaragno/chatcore/internal/domain"
)

const SearchToolName = "brave_search"

var searchParameters = json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"The search query"}},"required":["query"]}`)

// SearchTool is the function descriptor sent to the model.
var SearchTool = domain.ToolDescriptor{
	Type: "function",
	Function: domain.FunctionSpec{
		Name:        SearchToolName,
		Description: "Search the web for current information. Use this when the user asks about recent events or facts you are unsure of.",
		Parameters:  searchParameters,
	},
}

// Declared returns the tool descriptors to attach to an outbound request.
// Nothing is declared when the search key is missing.
func Declared(creds Credentials) []domain.ToolDescriptor {
	if creds.SearchAPIKey == "" {
		return nil
	}
	return []domain.ToolDescriptor{SearchTool}
}
