// Copyright 2026 The FNNDSC Authors
// SPDX-License-Identifier: Apache-2.0

// Package storetest provides an in-memory ChRIS Store for tests.
//
// It serves the API root (with an owned_plugin_metas link for
// authenticated callers), the owned plugin meta list, and plugin upload
// (POST /api/v1/plugins/), which answers 201 Created with a
// Collection+JSON body naming the new plugin.
package storetest

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/fnndsc/cni-store-proxy/lib/envelope"
	"github.com/fnndsc/cni-store-proxy/store"
)

// Server is a fake ChRIS Store, closed by t.Cleanup.
type Server struct {
	*httptest.Server

	// PageSize > 0 paginates the owned plugin list.
	PageSize int

	mu       sync.Mutex
	nextID   int
	users    map[string]string
	owned    map[string][]store.PluginMeta
	requests []string
	failures map[string]failure
}

type failure struct {
	status int
	detail string
}

// New starts a fake Store.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		nextID:   1,
		users:    make(map[string]string),
		owned:    make(map[string][]store.PluginMeta),
		failures: make(map[string]failure),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// AddUser makes authorization (a full header value, e.g. "Token abc")
// authenticate as username.
func (s *Server) AddUser(authorization, username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[authorization] = username
}

// AddPlugin records username as owner of a plugin with the given Store id.
func (s *Server) AddPlugin(username string, id int, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owned[username] = append(s.owned[username], store.PluginMeta{ID: id, Name: name})
	if id >= s.nextID {
		s.nextID = id + 1
	}
}

// Fail makes requests for path answer status with a {"detail"} body.
// An empty detail sends an empty JSON object.
func (s *Server) Fail(path string, status int, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[path] = failure{status: status, detail: detail}
}

// Requests returns the received requests as "METHOD /path?query" lines.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, r.Method+" "+r.URL.RequestURI())

	if failed, ok := s.failures[r.URL.Path]; ok {
		body := map[string]string{}
		if failed.detail != "" {
			body["detail"] = failed.detail
		}
		writeJSON(w, failed.status, body)
		return
	}

	username, authenticated := s.users[r.Header.Get("Authorization")]
	if r.Header.Get("Authorization") != "" && !authenticated {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Invalid token."})
		return
	}

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/api/v1/":
		links := map[string]string{}
		if authenticated {
			links["owned_plugin_metas"] = s.URL + "/api/v1/users/" + username + "/owned_plugin_metas/"
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"collection_links": links,
			"results":          []any{},
		})

	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/v1/users/") &&
		strings.HasSuffix(r.URL.Path, "/owned_plugin_metas/"):
		owner := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/v1/users/"), "/owned_plugin_metas/")
		if !authenticated || owner != username {
			writeJSON(w, http.StatusForbidden, map[string]string{"detail": "You do not have permission to perform this action."})
			return
		}
		s.writeOwned(w, r, s.owned[username])

	case r.Method == http.MethodPost && r.URL.Path == "/api/v1/plugins/":
		if !authenticated {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication credentials were not provided."})
			return
		}
		s.upload(w, r, username)

	case r.Method == http.MethodGet && r.URL.Path == "/api/v1/echo/":
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("X-Echo-Host", r.Host)
		fmt.Fprintf(w, "%s %s", r.Method, r.URL.RequestURI())

	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not found."})
	}
}

// upload accepts a multipart form (as the Store does) or a JSON body with
// a name member.
func (s *Server) upload(w http.ResponseWriter, r *http.Request, username string) {
	var name string
	mediaType, params, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch {
	case strings.HasPrefix(mediaType, "multipart/"):
		form, err := multipart.NewReader(r.Body, params["boundary"]).ReadForm(1 << 20)
		if err == nil && len(form.Value["name"]) > 0 {
			name = form.Value["name"][0]
		}
	default:
		var body struct {
			Name string `json:"name"`
		}
		data, _ := io.ReadAll(r.Body)
		json.Unmarshal(data, &body)
		name = body.Name
	}
	if name == "" {
		writeJSON(w, http.StatusBadRequest, map[string][]string{"name": {"This field is required."}})
		return
	}

	id := s.nextID
	s.nextID++
	s.owned[username] = append(s.owned[username], store.PluginMeta{ID: id, Name: name})

	body, _ := envelope.EncodeCollection(envelope.DataList, []envelope.Item{
		{Name: "id", Value: id},
		{Name: "name", Value: name},
		{Name: "version", Value: "1.0.0"},
	})
	w.Header().Set("Content-Type", envelope.MediaType)
	w.WriteHeader(http.StatusCreated)
	w.Write(body)
}

func (s *Server) writeOwned(w http.ResponseWriter, r *http.Request, items []store.PluginMeta) {
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 || offset > len(items) {
		offset = len(items)
	}
	end := len(items)
	if s.PageSize > 0 && offset+s.PageSize < end {
		end = offset + s.PageSize
	}
	var next *string
	if end < len(items) {
		link := fmt.Sprintf("%s%s?limit=%d&offset=%d", s.URL, r.URL.Path, s.PageSize, end)
		next = &link
	}
	results := items[offset:end]
	if results == nil {
		results = []store.PluginMeta{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(items), "next": next, "results": results})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
