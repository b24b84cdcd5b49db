// Copyright 2026 The FNNDSC Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"strings"
	"testing"
)

func TestInfo(t *testing.T) {
	savedCommit, savedDirty := GitCommit, GitDirty
	t.Cleanup(func() { GitCommit, GitDirty = savedCommit, savedDirty })

	GitCommit, GitDirty = "abc1234", "true"
	info := Info()
	if !strings.Contains(info, "abc1234-dirty") {
		t.Errorf("Info() = %q, want dirty commit marker", info)
	}
	if !strings.HasPrefix(Full(), info) {
		t.Errorf("Full() does not start with Info(): %q", Full())
	}
	if Short() != Version {
		t.Errorf("Short() = %q, want %q", Short(), Version)
	}
}

func TestInfoWithoutLinkerStamp(t *testing.T) {
	savedCommit := GitCommit
	t.Cleanup(func() { GitCommit = savedCommit })

	GitCommit = "unknown"
	info := Info()
	if !strings.HasPrefix(info, Version+" (") {
		t.Errorf("Info() = %q, want prefix %q", info, Version+" (")
	}
}
