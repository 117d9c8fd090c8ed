package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func sampleUpload() Upload {
	return Upload{
		ID:           "11111111-2222-3333-4444-555555555555",
		OriginalName: "song.mp3",
		ContentType:  "audio/mpeg",
		DiskName:     "11111111-2222-3333-4444-555555555555.mp3",
		SizeBytes:    2048,
		CreatedAt:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestCreateAndFetchUpload(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	want := sampleUpload()

	if err := st.CreateUpload(ctx, want); err != nil {
		t.Fatalf("create upload: %v", err)
	}

	got, err := st.UploadByDiskName(ctx, want.DiskName)
	if err != nil {
		t.Fatalf("fetch upload: %v", err)
	}
	if got != want {
		t.Fatalf("fetched upload = %+v, want %+v", got, want)
	}
}

func TestUploadNotFound(t *testing.T) {
	st := openTestStore(t)
	_, err := st.UploadByDiskName(context.Background(), "missing.mp3")
	if !errors.Is(err, ErrUploadNotFound) {
		t.Fatalf("err = %v, want ErrUploadNotFound", err)
	}
}

func TestCreateUploadValidation(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	cases := []func(*Upload){
		func(u *Upload) { u.ID = "" },
		func(u *Upload) { u.OriginalName = " " },
		func(u *Upload) { u.ContentType = "" },
		func(u *Upload) { u.DiskName = "" },
		func(u *Upload) { u.SizeBytes = -1 },
	}
	for i, mutate := range cases {
		u := sampleUpload()
		mutate(&u)
		if err := st.CreateUpload(ctx, u); err == nil {
			t.Fatalf("case %d: invalid upload should be rejected", i)
		}
	}
}

func TestDuplicateDiskNameRejected(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	u := sampleUpload()
	if err := st.CreateUpload(ctx, u); err != nil {
		t.Fatalf("create upload: %v", err)
	}
	u.ID = "99999999-8888-7777-6666-555555555555"
	if err := st.CreateUpload(ctx, u); err == nil {
		t.Fatalf("duplicate disk name should violate the unique constraint")
	}
}

func TestDeleteByDiskName(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	u := sampleUpload()
	if err := st.CreateUpload(ctx, u); err != nil {
		t.Fatalf("create upload: %v", err)
	}
	if err := st.DeleteByDiskName(ctx, u.DiskName); err != nil {
		t.Fatalf("delete upload: %v", err)
	}
	if _, err := st.UploadByDiskName(ctx, u.DiskName); !errors.Is(err, ErrUploadNotFound) {
		t.Fatalf("deleted upload should be gone, err = %v", err)
	}

	// Deleting again is not an error.
	if err := st.DeleteByDiskName(ctx, u.DiskName); err != nil {
		t.Fatalf("re-delete: %v", err)
	}
}

func TestCount(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if n, err := st.Count(ctx); err != nil || n != 0 {
		t.Fatalf("empty count = %d, %v", n, err)
	}
	if err := st.CreateUpload(ctx, sampleUpload()); err != nil {
		t.Fatalf("create upload: %v", err)
	}
	if n, err := st.Count(ctx); err != nil || n != 1 {
		t.Fatalf("count = %d, %v", n, err)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatalf("blank path should be rejected")
	}
}
