// Copyright 2026 The FNNDSC Authors
// SPDX-License-Identifier: Apache-2.0

// Package bridge serves a read-only view of CUBE evaluation results to
// Store users.
//
// A Store user never has a CUBE account. The bridge accepts a request
// carrying the user's Store Authorization header, checks it against the
// Store, checks that the user owns the plugin named in the URL, and then
// reads the evaluator instance for that plugin from CUBE with the
// service's own credential:
//
//	GET /cni/{id}/                     status of the evaluator instance
//	GET /cni/{id}/files/               evaluator output files
//	GET /cni/{id}/files/{fid}/{name}   download one output file
//
// The evaluator is found by walking CUBE, not by remembering what the
// upload pipeline created: the first instance CUBE lists for the plugin
// is the submission, and the descendant whose previous_id is the
// submission's id is the evaluator. Nothing is cached between requests.
//
// Failures map onto status codes through the error types in errors.go.
// Authentication failures are 401, ownership failures 400, a broken
// submission/evaluator chain 500, and unknown or misnamed files 404.
// Upstream timeouts are 504 and other upstream failures 502.
package bridge
