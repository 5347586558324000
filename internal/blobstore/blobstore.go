// Package blobstore abstracts the blob containers spec.md §6 names
// (task-configs, vm-scripts, proxy-configs, repro-scripts,
// instance-specific-setup, tools, base-config): put/get objects and mint a
// time-limited presigned URL a node agent can use without holding
// long-lived credentials — the SAS-token-equivalent spec.md's
// ResolvedContainer.URL carries.
package blobstore

import (
	"context"
	"time"
)

// Container names spec.md §6 "Blob containers" lists.
const (
	ContainerTaskConfigs           = "task-configs"
	ContainerVMScripts             = "vm-scripts"
	ContainerProxyConfigs          = "proxy-configs"
	ContainerReproScripts          = "repro-scripts"
	ContainerInstanceSpecificSetup = "instance-specific-setup"
	ContainerTools                 = "tools"
	ContainerBaseConfig            = "base-config"
)

// Store is the blob container collaborator interface.
type Store interface {
	// Put writes body under container/key, creating the container if it
	// does not already exist.
	Put(ctx context.Context, container, key string, body []byte) error

	// Get reads the object back; if it is absent the error satisfies
	// IsNotFound.
	Get(ctx context.Context, container, key string) ([]byte, error)

	// Delete removes the object. Deleting an absent object is not an error.
	Delete(ctx context.Context, container, key string) error

	// PresignedURL mints a time-limited URL good for ttl, scoped to the
	// requested permissions — the ResolvedContainer.URL spec.md §4.10
	// step 1 embeds in a WorkUnit's TaskUnitConfig.
	PresignedURL(ctx context.Context, container, key string, ttl time.Duration, readOnly bool) (string, error)

	// Exists reports whether container itself has been provisioned —
	// task.Operations.Create uses this at check_config time (spec.md §4.10)
	// to reject a task whose config.containers names one that was never
	// created.
	Exists(ctx context.Context, container string) (bool, error)
}

// notFoundError is returned by Get when the object does not exist; callers
// test for it with IsNotFound.
type notFoundError struct{ container, key string }

func (e *notFoundError) Error() string {
	return "blobstore: not found: " + e.container + "/" + e.key
}

func newNotFound(container, key string) error { return &notFoundError{container, key} }

func IsNotFound(err error) bool {
	_, ok := err.(*notFoundError)
	return ok
}
