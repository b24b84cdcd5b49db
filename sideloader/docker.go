// Copyright 2026 The FNNDSC Authors
// SPDX-License-Identifier: Apache-2.0

package sideloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DefaultSocketPath is where the Docker daemon listens.
const DefaultSocketPath = "/var/run/docker.sock"

// CubeRoleLabel marks the CUBE container.
const CubeRoleLabel = "org.chrisproject.role=cube"

// ErrNoContainer is returned when no running container carries the label.
var ErrNoContainer = errors.New("no running container found")

// maxExecOutput bounds the captured output of one exec.
const maxExecOutput = 4 << 20

// Container is the subset of a Docker container summary the sideloader
// uses.
type Container struct {
	ID    string   `json:"Id"`
	Names []string `json:"Names"`
	Image string   `json:"Image"`
}

// ExecResult is the outcome of a command run in a container.
type ExecResult struct {
	ExitCode int
	// Output is stdout and stderr interleaved in arrival order.
	Output []byte
	// Truncated is set when the command wrote more than the capture
	// limit. The rest of its output was read and discarded.
	Truncated bool
}

// DockerClient talks to the Docker Engine API.
type DockerClient struct {
	api         *client.Client
	outputLimit int
}

// NewDockerClient creates a client for the daemon on socketPath. The API
// version is negotiated with the daemon on first use.
func NewDockerClient(socketPath string) (*DockerClient, error) {
	api, err := client.NewClientWithOpts(
		client.WithHost("unix://"+socketPath),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating docker client for %s: %w", socketPath, err)
	}
	return &DockerClient{api: api, outputLimit: maxExecOutput}, nil
}

// Close releases the client's connections.
func (d *DockerClient) Close() error {
	return d.api.Close()
}

// FindContainer returns the first running container with label.
func (d *DockerClient) FindContainer(ctx context.Context, label string) (*Container, error) {
	containers, err := d.api.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(
			filters.Arg("label", label),
			filters.Arg("status", "running"),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}
	if len(containers) == 0 {
		return nil, fmt.Errorf("%w with label %q", ErrNoContainer, label)
	}
	return &Container{
		ID:    containers[0].ID,
		Names: containers[0].Names,
		Image: containers[0].Image,
	}, nil
}

// Exec runs cmd in the container, waits for it to finish and returns its
// exit code and output.
func (d *DockerClient) Exec(ctx context.Context, containerID string, cmd []string) (*ExecResult, error) {
	created, err := d.api.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating exec: %w", err)
	}

	attach, err := d.api.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("starting exec: %w", err)
	}
	defer attach.Close()
	stop := context.AfterFunc(ctx, attach.Close)
	defer stop()

	// The stream ends when the command exits. It is read to the end even
	// past the capture limit.
	output := &cappedBuffer{limit: d.outputLimit}
	if _, err := stdcopy.StdCopy(output, output, attach.Reader); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("reading exec output: %w", ctx.Err())
		}
		return nil, fmt.Errorf("reading exec output: %w", err)
	}

	inspect, err := d.api.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("inspecting exec: %w", err)
	}
	if inspect.Running {
		return nil, fmt.Errorf("exec %s still running after its output closed", created.ID)
	}
	return &ExecResult{
		ExitCode:  inspect.ExitCode,
		Output:    output.Bytes(),
		Truncated: output.truncated,
	}, nil
}

// cappedBuffer keeps the first limit bytes written to it and accepts the
// rest without storing it.
type cappedBuffer struct {
	bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.Len()
	if room >= len(p) {
		return b.Buffer.Write(p)
	}
	b.truncated = true
	if room > 0 {
		b.Buffer.Write(p[:room])
	}
	return len(p), nil
}
