package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/types"
)

// rawEventSchema is the minimum structure an intake payload must have.
// Probe contents stay schema-less.
const rawEventSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["id", "target"],
  "anyOf": [
    {"required": ["source_id"]},
    {"required": ["collector_id"]}
  ],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "timestamp": {"type": "string"},
    "source_id": {"type": "string"},
    "collector_id": {"type": "string"},
    "scanner_version": {"type": "string"},
    "target": {
      "type": "object",
      "required": ["ip", "port"],
      "properties": {
        "ip": {"type": "string", "minLength": 2},
        "port": {"type": "integer", "minimum": 0, "maximum": 65535},
        "protocol": {"type": "string"}
      }
    },
    "probes": {"type": "object"},
    "meta": {"type": "object"}
  }
}`

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// Decoder validates and decodes raw intake payloads.
type Decoder struct {
	schema *gojsonschema.Schema
	now    func() time.Time
}

func NewDecoder() (*Decoder, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(rawEventSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to load event schema: %w", err)
	}
	return &Decoder{schema: schema, now: time.Now}, nil
}

type wireEvent struct {
	types.AssetEvent
	Timestamp string `json:"timestamp"`
}

// PeekSource extracts the producer identity without validating the rest of
// the payload, so that the signature can be checked before anything else is
// trusted.
func PeekSource(raw []byte) (string, error) {
	var head struct {
		SourceID    string `json:"source_id"`
		CollectorID string `json:"collector_id"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", types.Reject(types.RejectSchema, "", &types.ParseError{Stage: "decode", Err: err})
	}
	if head.SourceID != "" {
		return head.SourceID, nil
	}
	return head.CollectorID, nil
}

// Decode validates raw against the intake schema and returns the event with
// every derived field cleared. Failures are *types.RejectionError.
func (d *Decoder) Decode(raw []byte) (*types.AssetEvent, error) {
	source, _ := PeekSource(raw)

	result, err := d.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, types.Reject(types.RejectSchema, source, &types.ParseError{Stage: "decode", Err: err})
	}
	if !result.Valid() {
		reason := types.RejectSchema
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			if desc.Type() == "required" && desc.Details()["property"] == "id" {
				reason = types.RejectMissingID
			}
			msgs = append(msgs, desc.String())
		}
		return nil, types.Reject(reason, source, errors.New(strings.Join(msgs, "; ")))
	}

	w, err := decodeUntrusted(raw)
	if err != nil {
		return nil, types.Reject(types.RejectSchema, source, &types.ParseError{Stage: "decode", Err: err})
	}
	ev := w.AssetEvent

	addr, err := ev.Target.Addr()
	if err != nil {
		return nil, types.Reject(types.RejectSchema, source, err)
	}
	ev.Target.IP = addr.String()
	if ev.Target.Protocol == "" {
		ev.Target.Protocol = "tcp"
	}

	ts, err := parseTimestamp(w.Timestamp, d.now)
	if err != nil {
		return nil, types.Reject(types.RejectSchema, source, err)
	}
	ev.Timestamp = ts

	if ev.SourceID == "" {
		ev.SourceID = ev.CollectorID
	}
	if ev.Probes == nil {
		ev.Probes = types.Probes{}
	}
	ev.ResetDerived()
	return &ev, nil
}

// Keys the pipeline derives. Whatever a producer put there is discarded
// before decoding so it can neither be trusted nor fail the event.
var derivedKeys = []string{"enrichment", "risk_score", "risk_breakdown", "assurance", "asset_key"}

func decodeUntrusted(raw []byte) (wireEvent, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return wireEvent{}, err
	}
	for _, k := range derivedKeys {
		delete(fields, k)
	}
	stripped, err := json.Marshal(fields)
	if err != nil {
		return wireEvent{}, err
	}
	var w wireEvent
	if err := json.Unmarshal(stripped, &w); err != nil {
		return wireEvent{}, err
	}
	return w, nil
}

func parseTimestamp(s string, now func() time.Time) (time.Time, error) {
	if s == "" {
		return now().UTC(), nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}
