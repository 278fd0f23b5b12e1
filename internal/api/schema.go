package api

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/taskpulse/taskpulse/pkg/protocol"
)

//go:embed schema/webhook.schema.json
var webhookSchemaJSON []byte

// compileWebhookSchema compiles the embedded callback body schema.
func compileWebhookSchema() (*jsonschema.Schema, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number for exact
	// integer checks.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(webhookSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("webhook.schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("webhook.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// webhookPayload is a schema-valid callback body.
type webhookPayload struct {
	TaskID   string         `json:"taskId,omitempty"`
	Phase    protocol.Phase `json:"phase"`
	Progress int            `json:"progress"`
	Message  string         `json:"message,omitempty"`
	LogEntry *logEntryField `json:"logEntry,omitempty"`
}

// logEntryField accepts either a bare string or {"level","message"}.
type logEntryField struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

func (l *logEntryField) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		l.Level = "info"
		l.Message = s
		return nil
	}
	type plain logEntryField
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*l = logEntryField(p)
	if l.Level == "" {
		l.Level = "info"
	}
	return nil
}

// decodeWebhookBody validates body against schema and decodes it.
func decodeWebhookBody(schema *jsonschema.Schema, body []byte) (*webhookPayload, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, err
	}
	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return &p, nil
}
