// Copyright 2026 The FNNDSC Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import "encoding/json"

// Plugin is a plugin registered in CUBE.
type Plugin struct {
	ID      int    `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version"`
	// Instances is the href for listing and creating instances.
	Instances string `json:"instances"`
	URL       string `json:"url"`
}

// Instance is one run of a plugin. PreviousID is nil only for instances
// of FS plugins, which start a feed.
type Instance struct {
	ID            int    `json:"id"`
	PreviousID    *int   `json:"previous_id"`
	PluginName    string `json:"plugin_name"`
	PluginVersion string `json:"plugin_version"`
	Status        string `json:"status"`
	// Summary is passed through untouched; CUBE's encoding of it has
	// changed between releases.
	Summary       json.RawMessage `json:"summary,omitempty"`
	OwnerUsername string          `json:"owner_username"`
	URL           string          `json:"url"`
	Descendants   string          `json:"descendants"`
	Files         string          `json:"files"`
}

// ChainedTo reports whether the instance's previous_id is id.
func (i *Instance) ChainedTo(id int) bool {
	return i.PreviousID != nil && *i.PreviousID == id
}

// File is an output file of a plugin instance.
type File struct {
	ID           int    `json:"id"`
	CreationDate string `json:"creation_date"`
	// Fname is the storage path; its last element is the file name.
	Fname        string `json:"fname"`
	FileResource string `json:"file_resource"`
}

// Chain is the result of one upload workflow:
// ancestor -> submission -> evaluator.
type Chain struct {
	AncestorID int
	Submission *Instance
	Evaluator  *Instance
}

// page is one page of a DRF paginated list.
type page[T any] struct {
	Count    int     `json:"count"`
	Next     *string `json:"next"`
	Previous *string `json:"previous"`
	Results  []T     `json:"results"`
}
