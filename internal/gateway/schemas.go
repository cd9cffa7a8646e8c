package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/louannemur/agent-orchestrator-sub001/internal/apperr"
)

// Request bodies are validated against JSON Schema before decoding so a
// malformed submission is rejected with a precise validation message
// instead of a half-populated struct.

const taskSubmissionSchema = `{
	"type": "object",
	"required": ["title"],
	"additionalProperties": false,
	"properties": {
		"title": {"type": "string", "minLength": 1},
		"description": {"type": "string"},
		"priority": {"type": "integer", "minimum": 0},
		"risk_level": {"type": "string", "enum": ["LOW", "MEDIUM", "HIGH", "CRITICAL"]},
		"file_paths": {"type": "array", "items": {"type": "string"}}
	}
}`

const completionReportSchema = `{
	"type": "object",
	"required": ["agent_id", "task_id", "success"],
	"additionalProperties": false,
	"properties": {
		"agent_id": {"type": "string", "minLength": 1},
		"task_id": {"type": "string", "minLength": 1},
		"success": {"type": "boolean"},
		"error": {"type": "string"},
		"pr_url": {"type": "string"},
		"tokens_used": {"type": "integer", "minimum": 0},
		"verification": {
			"type": "object",
			"additionalProperties": false,
			"properties": {
				"syntax_pass": {"type": "boolean"},
				"types_pass": {"type": "boolean"},
				"lint_pass": {"type": "boolean"},
				"tests_pass": {"type": "boolean"},
				"confidence": {"type": "number", "minimum": 0, "maximum": 1},
				"failures": {"type": "array", "items": {"type": "string"}},
				"recommendations": {"type": "array", "items": {"type": "string"}}
			}
		}
	}
}`

func mustCompileSchema(name, raw string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse %s: %v", name, err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("add %s: %v", name, err))
	}
	schema, err := c.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("compile %s: %v", name, err))
	}
	return schema
}

var (
	taskSchema     = mustCompileSchema("task_submission.json", taskSubmissionSchema)
	completeSchema = mustCompileSchema("completion_report.json", completionReportSchema)
)

const maxBodyBytes = 1 << 20

// decodeValidated reads the request body, checks it against schema and
// unmarshals into dst. All failures come back as validation errors.
func decodeValidated(r *http.Request, schema *jsonschema.Schema, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return apperr.New(apperr.KindValidation, "read request body: %v", err)
	}
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return apperr.New(apperr.KindValidation, "request body is not valid JSON")
	}
	if schema != nil {
		if err := schema.Validate(parsed); err != nil {
			return apperr.New(apperr.KindValidation, "invalid request body: %v", err)
		}
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return apperr.New(apperr.KindValidation, "decode request body: %v", err)
	}
	return nil
}

// decodeJSON is the schema-less variant for small internal bodies.
func decodeJSON(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return apperr.New(apperr.KindValidation, "read request body: %v", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return apperr.New(apperr.KindValidation, "decode request body: %v", err)
	}
	return nil
}
