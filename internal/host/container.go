// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package host

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	"github.com/nya3jp/harness/internal/errors"
	"github.com/nya3jp/harness/internal/logging"
)

const (
	containerLabel       = "harness.host"  // label attached to every host container
	ownerLabel           = "harness.owner" // identifies the harness process that created a container
	containerInspectWait = 5 * time.Second // timeout of liveness queries
	containerStopTimeout = 10              // seconds given to the container to exit
)

// ContainerFactory creates hosts running a headless browser image through the
// Docker API. Close must be called to release the Docker client.
type ContainerFactory struct {
	cl    *client.Client
	image string
	owner string
}

// NewContainerFactory connects to the Docker daemon configured by the
// environment (DOCKER_HOST etc.).
func NewContainerFactory(image string) (*ContainerFactory, error) {
	cl, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Docker client")
	}
	return NewContainerFactoryWithClient(cl, image), nil
}

// NewContainerFactoryWithClient returns a ContainerFactory using cl.
// Close closes cl.
func NewContainerFactoryWithClient(cl *client.Client, image string) *ContainerFactory {
	hostname, _ := os.Hostname()
	return &ContainerFactory{
		cl:    cl,
		image: image,
		owner: fmt.Sprintf("%s/%d", hostname, os.Getpid()),
	}
}

// Close releases the Docker client.
func (f *ContainerFactory) Close() error {
	return f.cl.Close()
}

// New implements Factory.
func (f *ContainerFactory) New(params LaunchParams) (Host, error) {
	return &Container{cl: f.cl, image: f.image, owner: f.owner, params: params}, nil
}

// Container is a Host running inside a Docker container. The native process
// ID is never known and no blocking artifact is ever reported since the
// browser runs headless.
type Container struct {
	cl     *client.Client
	image  string
	owner  string
	params LaunchParams

	mu sync.Mutex
	id string
}

// Start creates and starts the container.
func (c *Container) Start(ctx context.Context) error {
	if !c.params.ForceStart {
		running, err := c.cl.ContainerList(ctx, types.ContainerListOptions{
			Filters: filters.NewArgs(filters.Arg("label", containerLabel)),
		})
		if err != nil {
			return errors.Wrap(err, "failed to list containers")
		}
		// Containers of sibling hosts in the same run carry our owner label.
		for _, r := range running {
			if r.Labels[ownerLabel] != c.owner {
				return errors.Errorf("host container %s is already running (use force start to launch anyway)", r.ID)
			}
		}
	}

	resp, err := c.cl.ContainerCreate(ctx,
		&container.Config{
			Image:  c.image,
			Cmd:    []string{c.params.Address},
			Labels: map[string]string{containerLabel: c.params.HostID, ownerLabel: c.owner},
		},
		&container.HostConfig{
			// The test-entry address points at a server on the loopback
			// interface.
			NetworkMode: "host",
		},
		nil, nil, "")
	if err != nil {
		return errors.Wrap(err, "failed to create container")
	}
	for _, w := range resp.Warnings {
		logging.Debugf(ctx, "Container %s: %s", resp.ID, w)
	}

	c.mu.Lock()
	c.id = resp.ID
	c.mu.Unlock()

	if err := c.cl.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return errors.Wrapf(err, "failed to start container %s", resp.ID)
	}
	return nil
}

// Stop stops and removes the container.
func (c *Container) Stop(ctx context.Context) error {
	c.mu.Lock()
	id := c.id
	c.id = ""
	c.mu.Unlock()
	if id == "" {
		return nil
	}

	timeout := containerStopTimeout
	if err := c.cl.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout}); err != nil && !client.IsErrNotFound(err) {
		logging.Debugf(ctx, "Failed to stop container %s: %v", id, err)
	}
	if err := c.cl.ContainerRemove(ctx, id, types.ContainerRemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		return errors.Wrapf(err, "failed to remove container %s", id)
	}
	return nil
}

// IsAlive inspects the container state.
func (c *Container) IsAlive() bool {
	c.mu.Lock()
	id := c.id
	c.mu.Unlock()
	if id == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), containerInspectWait)
	defer cancel()
	info, err := c.cl.ContainerInspect(ctx, id)
	if err != nil {
		return false
	}
	return info.ContainerJSONBase != nil && info.State != nil && info.State.Running
}

// ProcessID is unknown for containers.
func (c *Container) ProcessID() (int, bool) {
	return 0, false
}

// QueryBlockingArtifact never finds anything: the browser runs headless.
func (c *Container) QueryBlockingArtifact(ctx context.Context) (string, bool, error) {
	return "", false, nil
}
