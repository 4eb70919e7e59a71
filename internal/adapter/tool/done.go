package tool

import (
	"context"
	"encoding/json"

	"agentcore/internal/domain"
)

const doneToolName = "done"

// DoneTool is the built-in completion signal. Calling it ends the run
// immediately; the message becomes the final answer.
type DoneTool struct{}

type doneParams struct {
	Message string `json:"message"`
}

func (t *DoneTool) Name() string { return doneToolName }

func (t *DoneTool) Description() string {
	return "Signal that the task is complete. Call this with your final answer once no further tool use is needed."
}

func (t *DoneTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        doneToolName,
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"message": {
					"type": "string",
					"description": "The final answer to report to the user"
				}
			},
			"required": ["message"]
		}`),
	}
}

func (t *DoneTool) Execute(ctx context.Context, params json.RawMessage) (domain.ToolOutcome, error) {
	var p doneParams
	if err := json.Unmarshal(params, &p); err != nil {
		return domain.ErrorOutcome("invalid done params: " + err.Error()), nil
	}
	return domain.DoneOutcome(p.Message), nil
}
