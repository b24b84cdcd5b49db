// Copyright 2026 The FNNDSC Authors
// SPDX-License-Identifier: Apache-2.0

// Cni-store-proxy fronts the ChRIS Store for a ChRIS challenge. Store API
// traffic passes through unchanged; each successful plugin upload is
// registered in CUBE and run under the challenge's data-generating job,
// followed by the evaluator. Participants read the evaluator's status and
// outputs through /cni/{plugin id}/ with their Store credential.
//
// Configuration comes from a YAML file (--config or CNI_CONFIG) and the
// environment variables of the reference deployment (CUBE_URL,
// CHRIS_STORE_URL, CNI_FS_PLUGIN_NAME, ...). The CUBE password is a
// credential: systemd credentials, --credential-file, a CBOR payload on
// stdin with --credentials-stdin, or the CUBE_PASSWORD variable (see
// --credential-prefix).
package main
