// Copyright 2026 The FNNDSC Authors
// SPDX-License-Identifier: Apache-2.0

package credential

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fnndsc/cni-store-proxy/lib/codec"
	"github.com/fnndsc/cni-store-proxy/lib/secret"
)

// Source provides named credentials.
//
// Get returns a borrowed buffer that the source keeps ownership of, or
// nil when the credential is unknown. Close releases every buffer the
// source holds; the creator of a source is responsible for calling it.
type Source interface {
	Get(name string) *secret.Buffer
	Close() error
}

// envName converts a credential name to its variable form:
// cube-password -> CUBE_PASSWORD.
func envName(name string) string {
	return strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

// EnvSource reads credentials from environment variables. With an empty
// Prefix, Get("cube-password") reads CUBE_PASSWORD, which is
// what the CUBE deployment scripts export.
type EnvSource struct {
	Prefix string

	mu    sync.Mutex
	cache map[string]*secret.Buffer
}

// Get looks up Prefix + NAME in the environment.
func (s *EnvSource) Get(name string) *secret.Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()

	if buffer, ok := s.cache[name]; ok {
		return buffer
	}
	value := os.Getenv(s.Prefix + envName(name))
	if value == "" {
		return nil
	}
	buffer, err := secret.NewFromString(value)
	if err != nil {
		return nil
	}
	if s.cache == nil {
		s.cache = make(map[string]*secret.Buffer)
	}
	s.cache[name] = buffer
	return buffer
}

// Close releases cached buffers.
func (s *EnvSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, buffer := range s.cache {
		buffer.Close()
		delete(s.cache, name)
	}
	return nil
}

// FileSource reads credentials from a key=value file:
//
//	# comments and blank lines are ignored
//	CUBE_PASSWORD=cniadmin1234
//
// The file is loaded once, on first Get. A missing or unreadable file
// yields no credentials.
type FileSource struct {
	Path string

	once        sync.Once
	credentials map[string]*secret.Buffer
}

// Get returns the value for NAME from the file.
func (s *FileSource) Get(name string) *secret.Buffer {
	s.once.Do(s.load)
	return s.credentials[envName(name)]
}

// Close releases all buffers.
func (s *FileSource) Close() error {
	for key, buffer := range s.credentials {
		buffer.Close()
		delete(s.credentials, key)
	}
	return nil
}

func (s *FileSource) load() {
	s.credentials = make(map[string]*secret.Buffer)
	if s.Path == "" {
		return
	}
	file, err := os.Open(s.Path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !found || key == "" {
			continue
		}
		buffer, err := secret.NewFromString(strings.TrimSpace(value))
		if err != nil {
			continue
		}
		s.credentials[key] = buffer
	}
}

// SystemdSource reads credentials from systemd's credential directory
// (LoadCredential= in the unit). See https://systemd.io/CREDENTIALS/.
type SystemdSource struct {
	// Directory defaults to $CREDENTIALS_DIRECTORY.
	Directory string

	mu    sync.Mutex
	cache map[string]*secret.Buffer
}

// Get reads the file named name from the credential directory.
func (s *SystemdSource) Get(name string) *secret.Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()

	if buffer, ok := s.cache[name]; ok {
		return buffer
	}
	directory := s.Directory
	if directory == "" {
		directory = os.Getenv("CREDENTIALS_DIRECTORY")
	}
	if directory == "" {
		return nil
	}
	data, err := os.ReadFile(filepath.Join(directory, name))
	if err != nil {
		return nil
	}
	// Credential files usually end with a newline.
	trimmed := []byte(strings.TrimSpace(string(data)))
	secret.Zero(data)
	if len(trimmed) == 0 {
		return nil
	}
	buffer, err := secret.NewFromBytes(trimmed)
	if err != nil {
		return nil
	}
	if s.cache == nil {
		s.cache = make(map[string]*secret.Buffer)
	}
	s.cache[name] = buffer
	return buffer
}

// Close releases cached buffers.
func (s *SystemdSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, buffer := range s.cache {
		buffer.Close()
		delete(s.cache, name)
	}
	return nil
}

// MapSource serves fixed credentials. The map is immutable after
// construction.
type MapSource struct {
	credentials map[string]*secret.Buffer
}

// NewMapSource copies values into secret buffers.
func NewMapSource(values map[string]string) (*MapSource, error) {
	credentials := make(map[string]*secret.Buffer, len(values))
	for key, value := range values {
		buffer, err := secret.NewFromString(value)
		if err != nil {
			for _, existing := range credentials {
				existing.Close()
			}
			return nil, fmt.Errorf("creating credential buffer for %q: %w", key, err)
		}
		credentials[key] = buffer
	}
	return &MapSource{credentials: credentials}, nil
}

// Get returns the credential stored under name exactly.
func (s *MapSource) Get(name string) *secret.Buffer {
	return s.credentials[name]
}

// Close releases all buffers.
func (s *MapSource) Close() error {
	for key, buffer := range s.credentials {
		buffer.Close()
		delete(s.credentials, key)
	}
	return nil
}

// ChainSource tries each source in order and returns the first hit.
type ChainSource struct {
	Sources []Source
}

// Get returns the first non-nil credential.
func (s *ChainSource) Get(name string) *secret.Buffer {
	for _, source := range s.Sources {
		if value := source.Get(name); value != nil {
			return value
		}
	}
	return nil
}

// Close closes every child source.
func (s *ChainSource) Close() error {
	for _, source := range s.Sources {
		source.Close()
	}
	return nil
}

// PipePayload is the CBOR document a deployment may pipe to the proxy's
// stdin instead of putting passwords in the environment. Credentials
// keys are credential names (cube-password).
type PipePayload struct {
	Credentials map[string]string `cbor:"credentials"`
}

// ReadPipePayload reads a CBOR [PipePayload] from reader to completion
// and returns it as a MapSource. The raw bytes are zeroed after parsing.
func ReadPipePayload(reader io.Reader) (*MapSource, error) {
	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading credential payload: %w", err)
	}
	defer secret.Zero(raw)

	if len(raw) == 0 {
		return nil, fmt.Errorf("credential payload is empty")
	}
	var payload PipePayload
	if err := codec.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("parsing credential payload: %w", err)
	}
	if len(payload.Credentials) == 0 {
		return nil, fmt.Errorf("credential payload has no credentials")
	}
	return NewMapSource(payload.Credentials)
}

var (
	_ Source = (*EnvSource)(nil)
	_ Source = (*FileSource)(nil)
	_ Source = (*SystemdSource)(nil)
	_ Source = (*MapSource)(nil)
	_ Source = (*ChainSource)(nil)
)
