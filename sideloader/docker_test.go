// Copyright 2026 The FNNDSC Authors
// SPDX-License-Identifier: Apache-2.0

package sideloader

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"

	cerrdefs "github.com/containerd/errdefs"

	"github.com/fnndsc/cni-store-proxy/lib/testutil"
)

// apiVersionPrefix matches the /v1.NN prefix the client puts on every
// path after version negotiation.
var apiVersionPrefix = regexp.MustCompile(`^/v[0-9.]+`)

// fakeDocker is a Docker Engine API on a Unix socket. It knows the given
// containers and answers every exec with exitCode and output.
type fakeDocker struct {
	socketPath string
	containers []Container
	exitCode   int
	output     []byte

	mu       sync.Mutex
	filters  string
	commands [][]string
}

func newFakeDocker(t *testing.T, containers ...Container) *fakeDocker {
	t.Helper()
	d := &fakeDocker{
		socketPath: filepath.Join(testutil.SocketDir(t), "docker.sock"),
		containers: containers,
		output:     []byte("plugin registered\n"),
	}
	listener, err := net.Listen("unix", d.socketPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	server := httptest.NewUnstartedServer(http.HandlerFunc(d.serve))
	server.Listener = listener
	server.Start()
	t.Cleanup(server.Close)
	return d
}

func newTestDockerClient(t *testing.T, socketPath string) *DockerClient {
	t.Helper()
	docker, err := NewDockerClient(socketPath)
	if err != nil {
		t.Fatalf("NewDockerClient: %v", err)
	}
	t.Cleanup(func() { docker.Close() })
	return docker
}

// frame wraps payload in a Docker stream header.
func frame(stream byte, payload string) []byte {
	header := make([]byte, 8)
	header[0] = stream
	binary.BigEndian.PutUint32(header[4:], uint32(len(payload)))
	return append(header, payload...)
}

func (d *fakeDocker) serve(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()

	path := apiVersionPrefix.ReplaceAllString(r.URL.Path, "")
	switch {
	case path == "/_ping":
		w.Header().Set("API-Version", "1.45")
		w.Header().Set("OSType", "linux")
		io.WriteString(w, "OK")

	case r.Method == "GET" && path == "/containers/json":
		d.filters = r.URL.Query().Get("filters")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(append([]Container{}, d.containers...))

	case r.Method == "POST" && strings.HasPrefix(path, "/containers/") && strings.HasSuffix(path, "/exec"):
		id := strings.TrimSuffix(strings.TrimPrefix(path, "/containers/"), "/exec")
		if len(d.containers) == 0 || id != d.containers[0].ID {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `{"message":"No such container: `+id+`"}`)
			return
		}
		var body struct {
			Cmd []string
		}
		json.NewDecoder(r.Body).Decode(&body)
		d.commands = append(d.commands, body.Cmd)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"Id":"exec-1"}`)

	case r.Method == "POST" && path == "/exec/exec-1/start":
		io.Copy(io.Discard, r.Body)
		conn, buffered, err := w.(http.Hijacker).Hijack()
		if err != nil {
			return
		}
		defer conn.Close()
		buffered.WriteString("HTTP/1.1 101 UPGRADED\r\n" +
			"Content-Type: application/vnd.docker.raw-stream\r\n" +
			"Connection: Upgrade\r\n" +
			"Upgrade: tcp\r\n\r\n")
		buffered.Write(frame(1, string(d.output)))
		buffered.Write(frame(2, "warning: slow\n"))
		buffered.Flush()

	case r.Method == "GET" && path == "/exec/exec-1/json":
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"ID": "exec-1", "ExitCode": d.exitCode, "Running": false})

	default:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"message":"page not found"}`)
	}
}

func (d *fakeDocker) recordedCommands() [][]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]string(nil), d.commands...)
}

func TestFindContainer(t *testing.T) {
	cube := Container{ID: "abc123", Names: []string{"/chris_dev"}, Image: "fnndsc/chris"}
	docker := newFakeDocker(t, cube)

	found, err := newTestDockerClient(t, docker.socketPath).FindContainer(context.Background(), CubeRoleLabel)
	if err != nil {
		t.Fatalf("FindContainer: %v", err)
	}
	if found.ID != "abc123" || found.Image != "fnndsc/chris" || len(found.Names) != 1 {
		t.Errorf("container = %+v", found)
	}

	docker.mu.Lock()
	raw := docker.filters
	docker.mu.Unlock()
	var filters map[string]map[string]bool
	if err := json.Unmarshal([]byte(raw), &filters); err != nil {
		t.Fatalf("filters %q: %v", raw, err)
	}
	if len(filters["label"]) != 1 || !filters["label"][CubeRoleLabel] {
		t.Errorf("label filter = %v", filters["label"])
	}
	if len(filters["status"]) != 1 || !filters["status"]["running"] {
		t.Errorf("status filter = %v", filters["status"])
	}
}

func TestFindContainerNone(t *testing.T) {
	docker := newFakeDocker(t)
	_, err := newTestDockerClient(t, docker.socketPath).FindContainer(context.Background(), CubeRoleLabel)
	if !errors.Is(err, ErrNoContainer) {
		t.Fatalf("err = %v, want ErrNoContainer", err)
	}
}

func TestDockerUnreachable(t *testing.T) {
	docker := newTestDockerClient(t, filepath.Join(testutil.SocketDir(t), "missing.sock"))
	if _, err := docker.FindContainer(context.Background(), CubeRoleLabel); err == nil {
		t.Fatal("expected error for missing socket")
	}
}

func TestExec(t *testing.T) {
	docker := newFakeDocker(t, Container{ID: "abc123"})
	docker.exitCode = 2

	result, err := newTestDockerClient(t, docker.socketPath).Exec(context.Background(), "abc123", []string{"echo", "hello"})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if result.ExitCode != 2 {
		t.Errorf("ExitCode = %d, want 2", result.ExitCode)
	}
	if string(result.Output) != "plugin registered\nwarning: slow\n" {
		t.Errorf("Output = %q", result.Output)
	}
	if result.Truncated {
		t.Error("short output marked truncated")
	}
	commands := docker.recordedCommands()
	if len(commands) != 1 || strings.Join(commands[0], " ") != "echo hello" {
		t.Errorf("commands = %v", commands)
	}
}

func TestExecOutputOverLimit(t *testing.T) {
	docker := newFakeDocker(t, Container{ID: "abc123"})
	docker.output = []byte(strings.Repeat("x", 64))

	dockerClient := newTestDockerClient(t, docker.socketPath)
	dockerClient.outputLimit = 10

	result, err := dockerClient.Exec(context.Background(), "abc123", []string{"true"})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", result.ExitCode)
	}
	if !result.Truncated {
		t.Error("Truncated = false, want true")
	}
	if string(result.Output) != strings.Repeat("x", 10) {
		t.Errorf("Output = %q, want the first 10 bytes", result.Output)
	}
}

func TestExecUnknownContainer(t *testing.T) {
	docker := newFakeDocker(t, Container{ID: "abc123"})
	_, err := newTestDockerClient(t, docker.socketPath).Exec(context.Background(), "gone", []string{"true"})
	if !cerrdefs.IsNotFound(err) {
		t.Fatalf("err = %v, want a not-found error", err)
	}
}

func TestCappedBuffer(t *testing.T) {
	tests := []struct {
		name          string
		writes        []string
		want          string
		wantTruncated bool
	}{
		{"under limit", []string{"ab", "cd"}, "abcd", false},
		{"exactly at limit", []string{"abcde"}, "abcde", false},
		{"split write", []string{"abc", "defg"}, "abcde", true},
		{"after full", []string{"abcde", "f"}, "abcde", true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			buffer := &cappedBuffer{limit: 5}
			for _, write := range test.writes {
				if n, err := buffer.Write([]byte(write)); n != len(write) || err != nil {
					t.Fatalf("Write(%q) = %d, %v", write, n, err)
				}
			}
			if buffer.String() != test.want || buffer.truncated != test.wantTruncated {
				t.Errorf("buffer = %q truncated=%v, want %q truncated=%v",
					buffer.String(), buffer.truncated, test.want, test.wantTruncated)
			}
		})
	}
}
