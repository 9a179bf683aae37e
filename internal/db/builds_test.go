package db

import (
	"context"
	"testing"
)

func TestInsertAndGetBuild(t *testing.T) {
	ctx := context.Background()
	journal, err := Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer journal.Close()

	build := &Build{
		ImagePath:  "/tmp/disk.img",
		TableKind:  "gpt",
		TotalBytes: 64 * 1024 * 1024,
		Status:     "populated",
		Partitions: []BuildPartition{
			{Ordinal: 1, FSKind: "fat32", OffsetBytes: 1 << 20, LengthBytes: 33 << 20, Digest: "sha256:aaaa"},
			{Ordinal: 2, FSKind: "ext4", OffsetBytes: 34 << 20, LengthBytes: 16 << 20, Digest: "sha256:bbbb"},
		},
	}
	if err := InsertBuild(ctx, journal, build); err != nil {
		t.Fatalf("InsertBuild: %v", err)
	}
	if build.ID == "" {
		t.Fatal("InsertBuild did not assign an ID")
	}

	got, err := GetBuildByID(ctx, journal, build.ID)
	if err != nil {
		t.Fatalf("GetBuildByID: %v", err)
	}
	if got.ImagePath != build.ImagePath || got.TableKind != "gpt" || got.TotalBytes != build.TotalBytes {
		t.Errorf("build row mismatch: %+v", got)
	}
	if len(got.Partitions) != 2 {
		t.Fatalf("got %d partitions, want 2", len(got.Partitions))
	}
	if got.Partitions[1].FSKind != "ext4" || got.Partitions[1].Digest != "sha256:bbbb" {
		t.Errorf("partition row mismatch: %+v", got.Partitions[1])
	}
}

func TestListBuildsByImagePath(t *testing.T) {
	ctx := context.Background()
	journal, err := Open(ctx, ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer journal.Close()

	for _, status := range []string{"failed", "populated"} {
		if err := InsertBuild(ctx, journal, &Build{
			ImagePath: "/tmp/disk.img",
			TableKind: "mbr",
			Status:    status,
		}); err != nil {
			t.Fatalf("InsertBuild: %v", err)
		}
	}
	if err := InsertBuild(ctx, journal, &Build{ImagePath: "/tmp/other.img", TableKind: "none", Status: "populated"}); err != nil {
		t.Fatalf("InsertBuild: %v", err)
	}

	builds, err := ListBuildsByImagePath(ctx, journal, "/tmp/disk.img")
	if err != nil {
		t.Fatalf("ListBuildsByImagePath: %v", err)
	}
	if len(builds) != 2 {
		t.Fatalf("got %d builds, want 2", len(builds))
	}
	for _, b := range builds {
		if b.ImagePath != "/tmp/disk.img" {
			t.Errorf("unexpected image path %s", b.ImagePath)
		}
	}
}
