// ABOUTME: Declarations for the canvas tools the model may request.
// ABOUTME: Execution happens client-side; only names, descriptions, and schemas live here.

package tools

import "github.com/2389/canvas-gateway/internal/genai"

// SystemInstructions primes the model on its first turn in a session. Later
// turns ride on the continuation token, so this is injected exactly once.
const SystemInstructions = `You are a design assistant embedded in a canvas editor. ` +
	`You can manipulate the canvas through the provided tools: create shapes, text, ` +
	`and sticky notes, or scan the current document with detectAllNodes. ` +
	`When the user asks for a change to the canvas, call a tool instead of describing ` +
	`the change. Keep spoken replies short.`

// Declarations returns the canvas tool set sent with every generation request.
func Declarations() []genai.ToolDefinition {
	return []genai.ToolDefinition{
		{
			Type:        "function",
			Name:        "createShape",
			Description: "Create a shape on the canvas.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"shapeType": map[string]any{
						"type": "string",
						"enum": []string{"rectangle", "ellipse", "line", "arrow"},
					},
					"x":      map[string]any{"type": "number"},
					"y":      map[string]any{"type": "number"},
					"width":  map[string]any{"type": "number"},
					"height": map[string]any{"type": "number"},
					"fill":   map[string]any{"type": "string", "description": "CSS color"},
				},
				"required": []string{"shapeType", "x", "y", "width", "height"},
			},
		},
		{
			Type:        "function",
			Name:        "createText",
			Description: "Place a text element on the canvas.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"text":     map[string]any{"type": "string"},
					"x":        map[string]any{"type": "number"},
					"y":        map[string]any{"type": "number"},
					"fontSize": map[string]any{"type": "number"},
				},
				"required": []string{"text", "x", "y"},
			},
		},
		{
			Type:        "function",
			Name:        "createStickyNote",
			Description: "Add a sticky note to the canvas.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"text":  map[string]any{"type": "string"},
					"x":     map[string]any{"type": "number"},
					"y":     map[string]any{"type": "number"},
					"color": map[string]any{"type": "string"},
				},
				"required": []string{"text", "x", "y"},
			},
		},
		{
			Type:        "function",
			Name:        "detectAllNodes",
			Description: "Scan the canvas document tree and return all nodes with their positions and types.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
	}
}
