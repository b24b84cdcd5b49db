// Copyright 2026 The FNNDSC Authors
// SPDX-License-Identifier: Apache-2.0

package backend_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fnndsc/cni-store-proxy/backend"
	"github.com/fnndsc/cni-store-proxy/lib/netutil"
	"github.com/fnndsc/cni-store-proxy/lib/secret"
)

// writeScript writes an executable shell script into a temp dir.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "plugin2cube.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCommandRegistrar(t *testing.T) {
	t.Setenv("PROXY_ONLY_SECRET", "must-not-leak")
	output := filepath.Join(t.TempDir(), "out")
	script := writeScript(t, `printf '%s|%s|%s|%s' "$1" "$CUBE_URL" "$CUBE_PASSWORD" "$PROXY_ONLY_SECRET" > "`+output+`"
echo "registered $1"
`)

	registrar, err := backend.NewCommandRegistrar(backend.CommandRegistrarConfig{
		Command:     script,
		Env:         map[string]string{"CUBE_URL": "http://cube:8000"},
		Credentials: map[string]*secret.Buffer{"CUBE_PASSWORD": testBuffer(t, "pw")},
		Timeout:     10 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := registrar.Register(context.Background(), "pl-foo"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	data, err := os.ReadFile(output)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(data), "pl-foo|http://cube:8000|pw|"; got != want {
		t.Errorf("script saw %q, want %q", got, want)
	}
}

func TestCommandRegistrarFailure(t *testing.T) {
	script := writeScript(t, "echo 'plugin not in store' >&2\nexit 3\n")
	registrar, err := backend.NewCommandRegistrar(backend.CommandRegistrarConfig{Command: script})
	if err != nil {
		t.Fatal(err)
	}

	err = registrar.Register(context.Background(), "pl-foo")
	var registrationError *backend.RegistrationError
	if !errors.As(err, &registrationError) {
		t.Fatalf("expected RegistrationError, got %v", err)
	}
	if !strings.Contains(registrationError.Output, "plugin not in store") {
		t.Errorf("Output = %q", registrationError.Output)
	}
	var exitError *exec.ExitError
	if !errors.As(err, &exitError) || exitError.ExitCode() != 3 {
		t.Errorf("expected exit code 3, got %v", err)
	}
}

func TestCommandRegistrarTimeout(t *testing.T) {
	script := writeScript(t, "exec sleep 5\n")
	registrar, err := backend.NewCommandRegistrar(backend.CommandRegistrarConfig{
		Command: script,
		Timeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	err = registrar.Register(context.Background(), "pl-foo")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestRegistrarRejectsFlagNames(t *testing.T) {
	registrar, err := backend.NewCommandRegistrar(backend.CommandRegistrarConfig{Command: "/bin/false"})
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"", "--help", "pl\nfoo"} {
		if err := registrar.Register(context.Background(), name); err == nil {
			t.Errorf("Register(%q) succeeded", name)
		}
	}
}

func TestSideloaderRegistrar(t *testing.T) {
	var names []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/register" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var body struct {
			Name string `json:"name"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		names = append(names, body.Name)
		if body.Name == "pl-broken" {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"ExitCode":1}`))
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	registrar, err := backend.NewSideloaderRegistrar(backend.SideloaderRegistrarConfig{URL: server.URL + "/"})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := registrar.Register(ctx, "pl-foo"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	err = registrar.Register(ctx, "pl-broken")
	if netutil.StatusCode(err) != http.StatusInternalServerError {
		t.Errorf("expected 500 StatusError, got %v", err)
	}
	if len(names) != 2 || names[0] != "pl-foo" || names[1] != "pl-broken" {
		t.Errorf("sideloader saw %v", names)
	}
}
