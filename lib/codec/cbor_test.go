// Copyright 2026 The FNNDSC Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

type payload struct {
	Username    string            `cbor:"username"`
	Credentials map[string]string `cbor:"credentials"`
}

func TestMarshalDeterministic(t *testing.T) {
	value := payload{
		Username:    "cniadmin",
		Credentials: map[string]string{"b": "2", "a": "1", "c": "3"},
	}
	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for range 10 {
		again, err := Marshal(value)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatal("Marshal produced different bytes for the same value")
		}
	}

	var decoded payload
	if err := Unmarshal(first, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Username != "cniadmin" || decoded.Credentials["c"] != "3" {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestUnmarshalAnyUsesStringKeys(t *testing.T) {
	data, err := Marshal(map[string]any{"nested": map[string]any{"key": "value"}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded map[string]any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if _, ok := decoded["nested"].(map[string]any); !ok {
		t.Errorf("nested value is %T, want map[string]any", decoded["nested"])
	}
}

func TestStreamRoundTrip(t *testing.T) {
	var buffer bytes.Buffer
	if err := NewEncoder(&buffer).Encode(payload{Username: "alice"}); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var decoded payload
	if err := NewDecoder(&buffer).Decode(&decoded); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Username != "alice" {
		t.Errorf("Username = %q", decoded.Username)
	}
}
