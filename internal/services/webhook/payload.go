package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

var errEmptyPayload = errors.New("webhook payload is empty")

// payload is a decoded delivery flattened to dotted keys, e.g.
// {"event_body": {"action": {"amount": "5.00"}}} becomes "event_body.action.amount".
// Array elements use their index as the key segment.
type payload map[string]string

// first returns the first non-empty value among keys
func (p payload) first(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(p[k]); v != "" {
			return v
		}
	}
	return ""
}

// decodePayload reads a JSON object and falls back to form encoding
func decodePayload(contentType string, body []byte) (payload, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errEmptyPayload
	}

	isForm := strings.Contains(strings.ToLower(contentType), "application/x-www-form-urlencoded")
	if !isForm && body[0] == '{' {
		p, err := decodeJSON(body)
		if err == nil {
			return p, nil
		}
		if strings.Contains(strings.ToLower(contentType), "json") {
			return nil, err
		}
	}
	return decodeForm(body)
}

func decodeJSON(body []byte) (payload, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var doc map[string]interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode JSON payload: %w", err)
	}

	p := make(payload)
	flatten(p, "", doc)
	return p, nil
}

func decodeForm(body []byte) (payload, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, fmt.Errorf("failed to decode form payload: %w", err)
	}
	if len(values) == 0 {
		return nil, errEmptyPayload
	}

	p := make(payload, len(values))
	for k, v := range values {
		if len(v) > 0 {
			p[k] = v[0]
		}
	}
	return p, nil
}

func flatten(out payload, prefix string, v interface{}) {
	join := func(k string) string {
		if prefix == "" {
			return k
		}
		return prefix + "." + k
	}

	switch val := v.(type) {
	case map[string]interface{}:
		for k, child := range val {
			flatten(out, join(k), child)
		}
	case []interface{}:
		for i, child := range val {
			flatten(out, join(strconv.Itoa(i)), child)
		}
	case json.Number:
		out[prefix] = val.String()
	case string:
		out[prefix] = val
	case bool:
		out[prefix] = strconv.FormatBool(val)
	case nil:
		out[prefix] = ""
	}
}
