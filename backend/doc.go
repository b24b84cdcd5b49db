// Copyright 2026 The FNNDSC Authors
// SPDX-License-Identifier: Apache-2.0

// Package backend is a typed client for CUBE, the ChRIS backend that runs
// plugins as chained plugin instances.
//
// Every request authenticates with one privileged account configured at
// startup. [Client] is immutable after [NewClient] and safe for concurrent
// use; handlers and the upload pipeline share a single instance.
//
// Reads ask for plain JSON (Accept: application/json); without that header
// CUBE answers in Collection+JSON. Writes are Collection+JSON templates
// built with lib/envelope. Hypermedia links returned by CUBE (instances,
// descendants, files, file_resource) are absolute URLs and are followed
// verbatim; relative paths resolve against the configured base URL.
//
// Plugin registration is not part of the REST API. A [Registrar] performs
// it out of band: [CommandRegistrar] runs a local script, and
// [SideloaderRegistrar] calls the cni-sideloader service.
package backend
