// Copyright 2026 The FNNDSC Authors
// SPDX-License-Identifier: Apache-2.0

package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"slices"
)

// MediaType is the content type of envelope bodies.
const MediaType = "application/vnd.collection+json"

// DataList is the record list name used by both upstream servers.
const DataList = "data"

// Item is one {name, value} record.
type Item struct {
	Name  string `json:"name" yaml:"name"`
	Value any    `json:"value" yaml:"value"`
}

// DecodeError reports a malformed envelope or a missing record.
type DecodeError struct {
	// Key is the record name being looked up, empty for parse failures.
	Key    string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	message := "envelope: " + e.Reason
	if e.Key != "" {
		message = fmt.Sprintf("envelope: record %q: %s", e.Key, e.Reason)
	}
	if e.Err != nil {
		message += ": " + e.Err.Error()
	}
	return message
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Collection is a decoded response envelope. Only the first item is
// meaningful to callers; the rest are kept for completeness.
type Collection struct {
	Items []map[string]json.RawMessage
}

type wireCollection struct {
	Collection *struct {
		Items []map[string]json.RawMessage `json:"items"`
	} `json:"collection"`
}

// Decode parses body as a response envelope. A body without a
// collection member or without items is rejected.
func Decode(body []byte) (*Collection, error) {
	var wire wireCollection
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, &DecodeError{Reason: "invalid JSON", Err: err}
	}
	if wire.Collection == nil {
		return nil, &DecodeError{Reason: "missing collection member"}
	}
	if len(wire.Collection.Items) == 0 {
		return nil, &DecodeError{Reason: "collection has no items"}
	}
	return &Collection{Items: wire.Collection.Items}, nil
}

// IsEnvelope reports whether body looks like a response envelope, without
// validating it.
func IsEnvelope(body []byte) bool {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return false
	}
	_, ok := probe["collection"]
	return ok
}

// Records returns the record list named listName in the first item.
func (c *Collection) Records(listName string) ([]Item, error) {
	raw, ok := c.Items[0][listName]
	if !ok {
		return nil, &DecodeError{Reason: fmt.Sprintf("first item has no %q list", listName)}
	}
	var records []Item
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&records); err != nil {
		return nil, &DecodeError{Reason: fmt.Sprintf("list %q is not a record list", listName), Err: err}
	}
	return records, nil
}

// Lookup finds the record named key in the listName list of the first
// item and returns its value converted to T. Supported targets are
// string, bool, int, int64, float64, json.Number and any.
func Lookup[T any](c *Collection, listName, key string) (T, error) {
	var zero T
	records, err := c.Records(listName)
	if err != nil {
		return zero, err
	}
	return Find[T](records, key)
}

// Find scans records for key and converts its value to T. The first
// matching record wins.
func Find[T any](records []Item, key string) (T, error) {
	var zero T
	index := slices.IndexFunc(records, func(item Item) bool { return item.Name == key })
	if index < 0 {
		return zero, &DecodeError{Key: key, Reason: "not found"}
	}
	value, err := convert[T](records[index].Value)
	if err != nil {
		return zero, &DecodeError{Key: key, Reason: err.Error()}
	}
	return value, nil
}

func convert[T any](value any) (T, error) {
	var zero T
	var result any
	switch any(zero).(type) {
	case string:
		text, ok := value.(string)
		if !ok {
			return zero, fmt.Errorf("value %v is %T, not a string", value, value)
		}
		result = text
	case bool:
		flag, ok := value.(bool)
		if !ok {
			return zero, fmt.Errorf("value %v is %T, not a bool", value, value)
		}
		result = flag
	case int:
		number, err := toInt64(value)
		if err != nil {
			return zero, err
		}
		result = int(number)
	case int64:
		number, err := toInt64(value)
		if err != nil {
			return zero, err
		}
		result = number
	case float64:
		number, err := toFloat64(value)
		if err != nil {
			return zero, err
		}
		result = number
	case json.Number:
		switch typed := value.(type) {
		case json.Number:
			result = typed
		case float64:
			result = json.Number(fmt.Sprint(typed))
		case int:
			result = json.Number(fmt.Sprint(typed))
		default:
			return zero, fmt.Errorf("value %v is %T, not a number", value, value)
		}
	default:
		converted, ok := value.(T)
		if !ok {
			return zero, fmt.Errorf("value %v is %T, not %T", value, value, zero)
		}
		return converted, nil
	}
	return result.(T), nil
}

func toInt64(value any) (int64, error) {
	switch typed := value.(type) {
	case json.Number:
		return typed.Int64()
	case int:
		return int64(typed), nil
	case int64:
		return typed, nil
	case float64:
		if typed != math.Trunc(typed) {
			return 0, fmt.Errorf("value %v is not an integer", typed)
		}
		return int64(typed), nil
	default:
		return 0, fmt.Errorf("value %v is %T, not an integer", value, value)
	}
}

func toFloat64(value any) (float64, error) {
	switch typed := value.(type) {
	case json.Number:
		return typed.Float64()
	case int:
		return float64(typed), nil
	case int64:
		return float64(typed), nil
	case float64:
		return typed, nil
	default:
		return 0, fmt.Errorf("value %v is %T, not a number", value, value)
	}
}

type wireTemplate struct {
	Template struct {
		Data []Item `json:"data"`
	} `json:"template"`
}

// EncodeTemplate wraps records into a write body. Record order is
// preserved. A nil list encodes as an empty data array.
func EncodeTemplate(records []Item) ([]byte, error) {
	var wire wireTemplate
	wire.Template.Data = records
	if wire.Template.Data == nil {
		wire.Template.Data = []Item{}
	}
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, &DecodeError{Reason: "encoding template", Err: err}
	}
	return body, nil
}

// EncodeCollection wraps records into a single-item response envelope
// under listName. Upstream servers produce this shape; tests and fakes
// use it to build realistic bodies.
func EncodeCollection(listName string, records []Item) ([]byte, error) {
	if records == nil {
		records = []Item{}
	}
	wire := map[string]any{
		"collection": map[string]any{
			"items": []map[string]any{{listName: records}},
		},
	}
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, &DecodeError{Reason: "encoding collection", Err: err}
	}
	return body, nil
}

// DecodeTemplate parses a write body produced by EncodeTemplate.
func DecodeTemplate(body []byte) ([]Item, error) {
	var wire struct {
		Template *struct {
			Data []Item `json:"data"`
		} `json:"template"`
	}
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	if err := decoder.Decode(&wire); err != nil {
		return nil, &DecodeError{Reason: "invalid JSON", Err: err}
	}
	if wire.Template == nil {
		return nil, &DecodeError{Reason: "missing template member"}
	}
	return wire.Template.Data, nil
}

// FromMap converts a flat mapping into records sorted by name, so that
// encoding the same map twice yields identical bytes.
func FromMap(values map[string]any) []Item {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	slices.Sort(names)
	records := make([]Item, 0, len(names))
	for _, name := range names {
		records = append(records, Item{Name: name, Value: values[name]})
	}
	return records
}

// ToMap converts records into a flat mapping. Duplicate names are
// rejected because the mapping could not represent them.
func ToMap(records []Item) (map[string]any, error) {
	values := make(map[string]any, len(records))
	for _, record := range records {
		if _, exists := values[record.Name]; exists {
			return nil, &DecodeError{Key: record.Name, Reason: "duplicate record"}
		}
		values[record.Name] = record.Value
	}
	return values, nil
}

// Append returns records with an additional record. The input slice is
// never modified, so shared templates stay intact across callers.
func Append(records []Item, name string, value any) []Item {
	extended := make([]Item, 0, len(records)+1)
	extended = append(extended, records...)
	return append(extended, Item{Name: name, Value: value})
}
