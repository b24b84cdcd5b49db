// Copyright 2026 The FNNDSC Authors
// SPDX-License-Identifier: Apache-2.0

// Cni-sideloader registers ChRIS Store plugins in a CUBE running under
// the local Docker daemon, for deployments where the proxy cannot run
// CUBE's plugin manager itself. It needs access to the Docker socket and
// exits at startup if no running container is labelled
// org.chrisproject.role=cube.
//
//	curl http://localhost:8009/register --data '{"name": "pl-foo"}'
package main
