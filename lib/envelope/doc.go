// Copyright 2026 The FNNDSC Authors
// SPDX-License-Identifier: Apache-2.0

// Package envelope implements the Collection+JSON subset spoken by the
// ChRIS Store and CUBE (media type application/vnd.collection+json).
//
// Responses wrap flat key/value records one level inside a collection:
//
//	{"collection": {"items": [{"data": [{"name": "name", "value": "pl-foo"}]}]}}
//
// Writes send the same records inside a template:
//
//	{"template": {"data": [{"name": "title", "value": "..."}]}}
//
// [Decode] parses a response body into a [Collection]; [Lookup] scans a
// named record list for a key and converts its value to the requested Go
// type. [EncodeTemplate] produces a write body from an ordered record
// list, and [FromMap]/[ToMap] convert between records and flat maps.
// Every failure is a [*DecodeError].
package envelope
