package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// changeEventSchema constrains what a push feed may hand the core before it
// is applied as a patch. The feed is network input; anything that does not
// look like a change event is dropped, not applied.
const changeEventSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["collection", "eventType"],
  "properties": {
    "collection": {"type": "string", "pattern": "^[a-z_]+$"},
    "eventType": {"enum": ["INSERT", "UPDATE", "DELETE"]},
    "new": {"type": ["object", "null"]},
    "old": {"type": ["object", "null"]}
  }
}`

var (
	eventSchemaOnce sync.Once
	eventSchema     *jsonschema.Schema
	eventSchemaErr  error
)

func compiledEventSchema() (*jsonschema.Schema, error) {
	eventSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(changeEventSchema))
		if err != nil {
			eventSchemaErr = err
			return
		}
		if err := compiler.AddResource("change-event.json", doc); err != nil {
			eventSchemaErr = err
			return
		}
		eventSchema, eventSchemaErr = compiler.Compile("change-event.json")
	})
	return eventSchema, eventSchemaErr
}

// DecodeEvent validates raw push payload against the change-event schema and
// decodes it. Invalid payloads are rejected, never partially applied.
func DecodeEvent(payload []byte) (Event, error) {
	schema, err := compiledEventSchema()
	if err != nil {
		return Event{}, fmt.Errorf("event schema unavailable: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return Event{}, fmt.Errorf("undecodable event payload: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return Event{}, fmt.Errorf("event payload rejected: %w", err)
	}
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return Event{}, err
	}
	return event, nil
}
