// Copyright 2026 The FNNDSC Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the proxy's configuration.
//
// Configuration comes from a YAML file named by a --config flag (via
// [LoadFile]) or the CNI_CONFIG environment variable (via [Load]). When
// neither is set, [Load] starts from [Default]; this keeps container
// deployments that are configured purely through environment variables
// working.
//
// Loading happens in three layers, each overriding the previous one:
//
//  1. [Default] values matching the reference deployment
//  2. the file, with its development/staging/production section applied
//     when [Config].Environment matches
//  3. environment variables (CUBE_URL, CHRIS_STORE_URL, PORT and the
//     CNI_* family, see [Config.ApplyEnv])
//
// Run-argument templates for the submission and evaluator jobs may be
// inline lists of {name, value} records or JSONC files. The Backend
// password never appears here: [BackendConfig].PasswordCredential names
// the credential to resolve through lib/credential.
package config
