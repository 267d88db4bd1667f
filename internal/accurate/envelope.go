package accurate

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/JakeFAU/accurate-migrator/internal/record"
)

// Envelope is the response wrapper every Accurate endpoint returns.
// D holds the payload (records, per-item results or messages) and R holds the
// saved record on single-save calls.
type Envelope struct {
	S   bool            `json:"s"`
	D   json.RawMessage `json:"d,omitempty"`
	R   json.RawMessage `json:"r,omitempty"`
	Raw json.RawMessage `json:"-"`
}

// DecodeEnvelope parses a response body. Numbers inside D and R are kept verbatim.
func DecodeEnvelope(body []byte) (Envelope, error) {
	trimmed := bytes.TrimSpace(body)
	if !gjson.ValidBytes(trimmed) || !gjson.ParseBytes(trimmed).IsObject() {
		return Envelope{}, fmt.Errorf("decode envelope: response is not a JSON object")
	}
	var env Envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	env.Raw = append(json.RawMessage(nil), trimmed...)
	return env, nil
}

// FailureEnvelope builds the result recorded for an item whose call never
// produced a usable response.
func FailureEnvelope(err error) Envelope {
	msg, _ := json.Marshal(err.Error())
	raw, _ := json.Marshal(map[string]json.RawMessage{
		"s": json.RawMessage("false"),
		"d": msg,
	})
	return Envelope{S: false, D: msg, Raw: raw}
}

// Records decodes D as a list of records.
func (e Envelope) Records() ([]record.Record, error) {
	return record.DecodeList(e.D)
}

// Items splits a bulk response's D into per-item envelopes, in request order.
// Non-object entries become failed items.
func (e Envelope) Items() []Envelope {
	d := gjson.ParseBytes(e.D)
	if !d.IsArray() {
		return nil
	}
	entries := d.Array()
	out := make([]Envelope, 0, len(entries))
	for _, entry := range entries {
		item, err := DecodeEnvelope([]byte(entry.Raw))
		if err != nil {
			item = FailureEnvelope(err)
		}
		out = append(out, item)
	}
	return out
}

// Messages extracts human readable messages from D, which the API uses for
// error text as either a string or a list of strings.
func (e Envelope) Messages() []string {
	d := gjson.ParseBytes(e.D)
	switch {
	case d.Type == gjson.String:
		return []string{d.String()}
	case d.IsArray():
		var out []string
		d.ForEach(func(_, v gjson.Result) bool {
			if v.Type == gjson.String {
				out = append(out, v.String())
			}
			return true
		})
		return out
	default:
		return nil
	}
}
