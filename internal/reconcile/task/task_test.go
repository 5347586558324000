package task

import (
	"context"
	"testing"

	"github.com/onefuzz-core/orchestrator/internal/blobstore"
	"github.com/onefuzz-core/orchestrator/internal/domain"
	"github.com/onefuzz-core/orchestrator/internal/store"
)

func newValidConfig(containers ...domain.ContainerRef) domain.TaskConfig {
	return domain.TaskConfig{
		Type:          "libfuzzer_fuzz",
		DurationHours: 1,
		PoolName:      "pool-1",
		Count:         1,
		Containers:    containers,
	}
}

func TestCreateRejectsMissingContainer(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryBacked()
	blob := blobstore.NewFake()
	ops := &Operations{Store: s, Blob: blob}

	cfg := newValidConfig(domain.ContainerRef{Name: "my-corpus", Type: "inputs"})
	_, err := ops.Create(ctx, "task-1", "job-1", cfg)
	if err == nil {
		t.Fatalf("create with an unprovisioned container did not error")
	}
	derr, ok := err.(*domain.Error)
	if !ok {
		t.Fatalf("error type = %T, want *domain.Error", err)
	}
	if derr.Code != domain.CodeInvalidContainer {
		t.Fatalf("error code = %q, want %q", derr.Code, domain.CodeInvalidContainer)
	}
}

func TestCreateSucceedsWhenContainersExist(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryBacked()
	blob := blobstore.NewFake()
	blob.CreateContainer("my-corpus")
	ops := &Operations{Store: s, Blob: blob}

	pool := domain.NewPool("pool-1", "pool-1", "linux", "x86_64", true, &domain.AutoscalePolicy{Min: 0, Max: 1})
	if err := s.Pools.Create(ctx, pool); err != nil {
		t.Fatalf("create pool: %v", err)
	}

	cfg := newValidConfig(domain.ContainerRef{Name: "my-corpus", Type: "inputs"})
	got, err := ops.Create(ctx, "task-1", "job-1", cfg)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got.State != domain.TaskStateInit {
		t.Fatalf("state = %q, want init", got.State)
	}
	if got.OS != "linux" {
		t.Fatalf("os = %q, want linux (resolved from pool)", got.OS)
	}
}

func TestCreateSkipsContainerCheckWithoutBlobCollaborator(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryBacked()
	ops := &Operations{Store: s}

	cfg := newValidConfig(domain.ContainerRef{Name: "never-provisioned", Type: "inputs"})
	if _, err := ops.Create(ctx, "task-1", "job-1", cfg); err != nil {
		t.Fatalf("create without a blobstore collaborator should skip the container check: %v", err)
	}
}
