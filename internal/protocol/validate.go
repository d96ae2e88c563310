package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const requestSchemaURL = "https://verse-sync.invalid/schemas/sync-request.json"

const requestSchemaTemplate = `{
	"type": "object",
	"required": ["deviceId", "lastSyncAt"],
	"properties": {
		"deviceId": {"type": "string", "minLength": 1, "maxLength": 128},
		"lastSyncAt": {"type": "integer", "minimum": 0},
		"changes": {
			"type": ["array", "null"],
			"maxItems": %d,
			"items": {
				"type": "object",
				"required": ["dataType", "itemId", "updatedAt"],
				"properties": {
					"dataType": {"enum": [%s]},
					"itemId": {"type": "string", "minLength": 1, "maxLength": 512},
					"updatedAt": {"type": "integer", "minimum": 0},
					"deleted": {"type": "boolean"}
				}
			}
		}
	}
}`

// MaxBatchItems bounds the number of changes accepted in one request.
const MaxBatchItems = 5000

type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return "invalid sync request: " + e.Message
}

var (
	schemaOnce     sync.Once
	requestSchema  *jsonschema.Schema
	requestSchemaE error
)

func compiledRequestSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		quoted := make([]string, 0, len(addressing))
		for _, dt := range DataTypes() {
			quoted = append(quoted, fmt.Sprintf("%q", dt))
		}
		raw := fmt.Sprintf(requestSchemaTemplate, MaxBatchItems, strings.Join(quoted, ", "))
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			requestSchemaE = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(requestSchemaURL, doc); err != nil {
			requestSchemaE = err
			return
		}
		requestSchema, requestSchemaE = c.Compile(requestSchemaURL)
	})
	return requestSchema, requestSchemaE
}

// DecodeRequest validates a raw request body against the request schema,
// decodes it and enforces that every item key appears at most once.
func DecodeRequest(body []byte) (SyncRequest, error) {
	sch, err := compiledRequestSchema()
	if err != nil {
		return SyncRequest{}, fmt.Errorf("compile request schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return SyncRequest{}, &ValidationError{Message: "body is not valid json"}
	}
	if err := sch.Validate(inst); err != nil {
		return SyncRequest{}, &ValidationError{Message: err.Error()}
	}
	var req SyncRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return SyncRequest{}, &ValidationError{Message: err.Error()}
	}
	if err := CheckUniqueKeys(req.Changes); err != nil {
		return SyncRequest{}, err
	}
	return req, nil
}

func CheckUniqueKeys(items []SyncItem) error {
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		k := it.Key()
		if _, dup := seen[k]; dup {
			return &ValidationError{Message: "duplicate item " + k}
		}
		seen[k] = struct{}{}
	}
	return nil
}
