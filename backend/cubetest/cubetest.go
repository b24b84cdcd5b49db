// Copyright 2026 The FNNDSC Authors
// SPDX-License-Identifier: Apache-2.0

// Package cubetest provides an in-memory CUBE server for tests.
//
// The fake implements the subset of CUBE's REST API that the proxy uses:
// plugin search, per-plugin instance listing and creation, instance
// detail, descendants, file listing and file download. Lists are DRF
// paginated (limit/offset) when PageSize is set. Every link in a response
// is absolute, as in CUBE.
package cubetest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/fnndsc/cni-store-proxy/backend"
	"github.com/fnndsc/cni-store-proxy/lib/envelope"
)

// Server is a fake CUBE. Create it with New; it is closed by t.Cleanup.
type Server struct {
	*httptest.Server

	Username string
	Password string

	// PageSize > 0 paginates every list response.
	PageSize int
	// EnvelopeResponses makes instance creation answer in
	// Collection+JSON instead of plain JSON.
	EnvelopeResponses bool

	mu        sync.Mutex
	nextID    int
	plugins   []backend.Plugin
	instances []backend.Instance
	files     map[int][]backend.File
	contents  map[int][]byte
	created   []Created
	failures  map[string]int
	requests  int
}

// Created records one instance creation request.
type Created struct {
	Plugin   string
	Records  []envelope.Item
	Instance backend.Instance
}

// New starts a fake CUBE accepting username/password.
func New(t testing.TB, username, password string) *Server {
	t.Helper()
	s := &Server{
		Username: username,
		Password: password,
		nextID:   1,
		files:    make(map[int][]backend.File),
		contents: make(map[int][]byte),
		failures: make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func (s *Server) id() int {
	id := s.nextID
	s.nextID++
	return id
}

// AddPlugin registers a plugin.
func (s *Server) AddPlugin(name string) backend.Plugin {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.id()
	plugin := backend.Plugin{
		ID:        id,
		Name:      name,
		Version:   "1.0.0",
		Instances: fmt.Sprintf("%s/api/v1/plugins/%d/instances/", s.URL, id),
		URL:       fmt.Sprintf("%s/api/v1/plugins/%d/", s.URL, id),
	}
	s.plugins = append(s.plugins, plugin)
	return plugin
}

// AddInstance creates an instance of an already added plugin. previousID
// zero creates a feed root.
func (s *Server) AddInstance(pluginName, owner string, previousID int) backend.Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addInstance(pluginName, owner, previousID)
}

func (s *Server) addInstance(pluginName, owner string, previousID int) backend.Instance {
	id := s.id()
	instance := backend.Instance{
		ID:            id,
		PluginName:    pluginName,
		PluginVersion: "1.0.0",
		Status:        "scheduled",
		Summary:       json.RawMessage(`{"pull_path":{"status":true}}`),
		OwnerUsername: owner,
		URL:           fmt.Sprintf("%s/api/v1/plugins/instances/%d/", s.URL, id),
		Descendants:   fmt.Sprintf("%s/api/v1/plugins/instances/%d/descendants/", s.URL, id),
		Files:         fmt.Sprintf("%s/api/v1/plugins/instances/%d/files/", s.URL, id),
	}
	if previousID > 0 {
		previous := previousID
		instance.PreviousID = &previous
	}
	s.instances = append(s.instances, instance)
	return instance
}

// SetStatus changes an instance's status.
func (s *Server) SetStatus(instanceID int, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for index := range s.instances {
		if s.instances[index].ID == instanceID {
			s.instances[index].Status = status
		}
	}
}

// AddFile attaches an output file to an instance. fname is the storage
// path, e.g. "cniadmin/feed_1/pl-eval_8/data/results.json".
func (s *Server) AddFile(instanceID int, fname string, content []byte) backend.File {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.id()
	base := fname[strings.LastIndex(fname, "/")+1:]
	file := backend.File{
		ID:           id,
		CreationDate: "2026-03-01T12:00:00.000000-05:00",
		Fname:        fname,
		FileResource: fmt.Sprintf("%s/api/v1/files/%d/%s", s.URL, id, base),
	}
	s.files[instanceID] = append(s.files[instanceID], file)
	s.contents[id] = content
	return file
}

// Fail makes every request whose path starts with prefix answer status.
func (s *Server) Fail(prefix string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[prefix] = status
}

// Requests returns the number of requests received.
func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// CreatedInstances returns the instance creation requests in order.
func (s *Server) CreatedInstances() []Created {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Created(nil), s.created...)
}

// Instance returns the stored instance with id.
func (s *Server) Instance(id int) (backend.Instance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, instance := range s.instances {
		if instance.ID == id {
			return instance, true
		}
	}
	return backend.Instance{}, false
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests++

	username, password, ok := r.BasicAuth()
	if !ok || username != s.Username || password != s.Password {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Invalid username/password."})
		return
	}
	for prefix, status := range s.failures {
		if strings.HasPrefix(r.URL.Path, prefix) {
			writeJSON(w, status, map[string]string{"detail": "injected failure"})
			return
		}
	}

	segments := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(segments) < 3 || segments[0] != "api" || segments[1] != "v1" {
		http.NotFound(w, r)
		return
	}
	segments = segments[2:]

	switch {
	case r.Method == http.MethodGet && len(segments) == 2 && segments[0] == "plugins" && segments[1] == "search":
		name := r.URL.Query().Get("name")
		var matches []backend.Plugin
		for _, plugin := range s.plugins {
			if strings.Contains(plugin.Name, name) {
				matches = append(matches, plugin)
			}
		}
		writePage(w, r, s.PageSize, matches)

	case len(segments) == 3 && segments[0] == "plugins" && segments[2] == "instances":
		plugin, found := s.pluginByID(segments[1])
		if !found {
			http.NotFound(w, r)
			return
		}
		switch r.Method {
		case http.MethodGet:
			var matches []backend.Instance
			for _, instance := range s.instances {
				if instance.PluginName == plugin.Name {
					matches = append(matches, instance)
				}
			}
			writePage(w, r, s.PageSize, matches)
		case http.MethodPost:
			s.create(w, r, plugin)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}

	case r.Method == http.MethodGet && len(segments) >= 3 && segments[0] == "plugins" && segments[1] == "instances":
		instance, found := s.instanceByID(segments[2])
		if !found {
			http.NotFound(w, r)
			return
		}
		switch {
		case len(segments) == 3:
			writeJSON(w, http.StatusOK, instance)
		case len(segments) == 4 && segments[3] == "descendants":
			writePage(w, r, s.PageSize, s.descendants(instance.ID))
		case len(segments) == 4 && segments[3] == "files":
			writePage(w, r, s.PageSize, s.files[instance.ID])
		default:
			http.NotFound(w, r)
		}

	case r.Method == http.MethodGet && len(segments) == 3 && segments[0] == "files":
		id, err := strconv.Atoi(segments[1])
		content, found := s.contents[id]
		if err != nil || !found {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write(content)

	default:
		http.NotFound(w, r)
	}
}

func (s *Server) create(w http.ResponseWriter, r *http.Request, plugin backend.Plugin) {
	if r.Header.Get("Content-Type") != envelope.MediaType {
		writeJSON(w, http.StatusUnsupportedMediaType, map[string]string{"detail": "unsupported media type"})
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	records, err := envelope.DecodeTemplate(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
		return
	}
	previousID := 0
	if value, lookupErr := envelope.Find[int](records, "previous_id"); lookupErr == nil {
		previousID = value
		if _, found := s.instanceByID(strconv.Itoa(value)); !found {
			writeJSON(w, http.StatusBadRequest, map[string]string{"previous_id": "no such instance"})
			return
		}
	}
	username, _, _ := r.BasicAuth()
	instance := s.addInstance(plugin.Name, username, previousID)
	s.created = append(s.created, Created{Plugin: plugin.Name, Records: records, Instance: instance})

	if !s.EnvelopeResponses {
		writeJSON(w, http.StatusCreated, instance)
		return
	}
	records = []envelope.Item{
		{Name: "id", Value: instance.ID},
		{Name: "plugin_name", Value: instance.PluginName},
		{Name: "status", Value: instance.Status},
		{Name: "owner_username", Value: instance.OwnerUsername},
	}
	if instance.PreviousID != nil {
		records = append(records, envelope.Item{Name: "previous_id", Value: *instance.PreviousID})
	}
	encoded, _ := envelope.EncodeCollection(envelope.DataList, records)
	w.Header().Set("Content-Type", envelope.MediaType)
	w.WriteHeader(http.StatusCreated)
	w.Write(encoded)
}

// descendants returns the instance and every instance chained below it,
// breadth first.
func (s *Server) descendants(id int) []backend.Instance {
	var result []backend.Instance
	queue := []int{id}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, instance := range s.instances {
			if instance.ID == current {
				result = append(result, instance)
			}
			if instance.ChainedTo(current) {
				queue = append(queue, instance.ID)
			}
		}
	}
	return result
}

func (s *Server) pluginByID(raw string) (backend.Plugin, bool) {
	id, err := strconv.Atoi(raw)
	if err != nil {
		return backend.Plugin{}, false
	}
	for _, plugin := range s.plugins {
		if plugin.ID == id {
			return plugin, true
		}
	}
	return backend.Plugin{}, false
}

func (s *Server) instanceByID(raw string) (backend.Instance, bool) {
	id, err := strconv.Atoi(raw)
	if err != nil {
		return backend.Instance{}, false
	}
	for _, instance := range s.instances {
		if instance.ID == id {
			return instance, true
		}
	}
	return backend.Instance{}, false
}

// writePage writes items as a DRF page honoring limit/offset.
func writePage[T any](w http.ResponseWriter, r *http.Request, pageSize int, items []T) {
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 || offset > len(items) {
		offset = len(items)
	}
	end := len(items)
	if pageSize > 0 && offset+pageSize < end {
		end = offset + pageSize
	}

	var next *string
	if end < len(items) {
		query := r.URL.Query()
		query.Set("limit", strconv.Itoa(pageSize))
		query.Set("offset", strconv.Itoa(end))
		link := "http://" + r.Host + r.URL.Path + "?" + query.Encode()
		next = &link
	}
	results := items[offset:end]
	if results == nil {
		results = []T{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(items),
		"next":     next,
		"previous": nil,
		"results":  results,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
