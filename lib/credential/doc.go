// Copyright 2026 The FNNDSC Authors
// SPDX-License-Identifier: Apache-2.0

// Package credential resolves the privileged CUBE password (and any other
// named secret the proxy needs) from the deployment environment.
//
// Sources form a chain tried in order by [ChainSource]: systemd
// credentials ([SystemdSource]), a key=value file ([FileSource]), a CBOR
// payload piped on stdin ([ReadPipePayload]), and environment variables
// ([EnvSource]). Every value is held in a [secret.Buffer]. Sources cache
// what they load; they never hold caller credentials from inbound
// requests.
package credential
