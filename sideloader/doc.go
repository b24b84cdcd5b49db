// Copyright 2026 The FNNDSC Authors
// SPDX-License-Identifier: Apache-2.0

// Package sideloader registers Store plugins in a CUBE that runs in a
// local Docker container.
//
// CUBE registers plugins with its own management command, which only runs
// inside the CUBE container. The sideloader finds that container through
// the Docker Engine API on the host's Unix socket (by the
// org.chrisproject.role=cube label) and runs
//
//	python plugins/services/manager.py register <compute env> --pluginname <name>
//
// in it with the exec API. [Service] exposes this over HTTP for the proxy's
// sideloader registrar:
//
//	GET  /           service name and version
//	POST /register   {"name": "pl-foo"}; 201 on exit status 0
//
// The registration output is returned as the response body in both the
// success and failure cases.
package sideloader
