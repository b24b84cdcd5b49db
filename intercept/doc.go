// Copyright 2026 The FNNDSC Authors
// SPDX-License-Identifier: Apache-2.0

// Package intercept turns successful Store plugin uploads into CUBE jobs.
//
// [UploadInterceptor] is a proxy.Observer. It wants exactly the
// responses to POST /api/v1/plugins/ that are 201 Created, reads the new
// plugin's name from the Collection+JSON body and hands it to a
// [Pipeline].
//
// [Pipeline.Run] performs three steps, each awaiting the previous one:
// register the plugin in CUBE, create the submission instance under the
// ancestor instance, then create the evaluator instance under the
// submission. A failed step ends the run and leaves whatever was already
// created. Nothing is retried and no HTTP caller ever sees the outcome;
// it is logged.
package intercept
