package hfclient

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestDownloader(t *testing.T, handler http.HandlerFunc) (*Downloader, string) {
	t.Helper()
	c, _ := newTestClient(t, handler)
	root := t.TempDir()
	return NewDownloader(c, filepath.Join(root, "downloads.json")), root
}

func TestStartDownloadCompletesSingleFile(t *testing.T) {
	content := []byte("hello weight file contents")
	dl, root := newTestDownloader(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/api/models/org/model/tree/main":
			_ = json.NewEncoder(w).Encode([]treeEntry{
				{Path: "model.gguf", Type: "file", Size: int64(len(content)), LFS: &struct {
					SHA256 string `json:"sha256"`
				}{SHA256: "abc123"}},
			})
		default:
			_, _ = w.Write(content)
		}
	})

	destDir := filepath.Join(root, "dest")
	id, err := dl.StartDownload(context.Background(), DownloadRequest{RepoID: "org/model"}, destDir)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(filepath.Join(destDir, "model.gguf"))
		return err == nil && string(data) == string(content)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSelectAuxiliaryFilesEmptyWhenNoneMatch(t *testing.T) {
	got := SelectAuxiliaryFiles([]string{"README.md", "LICENSE"})
	require.Empty(t, got)
}

func TestRecoverFromDiskDropsEntriesWithNoLocalFiles(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	root := t.TempDir()
	statePath := filepath.Join(root, "downloads.json")

	persisted := persistedDownloads{Downloads: []DownloadState{
		{DownloadID: "gone", RepoID: "org/model", Filenames: []string{"missing.gguf"}, DestDir: filepath.Join(root, "dest-gone"), Status: StatusDownloading},
	}}
	data, err := json.Marshal(persisted)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(statePath, data, 0o644))

	dl := NewDownloader(c, statePath)
	require.NoError(t, dl.RecoverFromDisk())
	require.Empty(t, dl.ListDownloads())
}

func TestRecoverFromDiskDowngradesActiveStatusToPaused(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	root := t.TempDir()
	statePath := filepath.Join(root, "downloads.json")
	destDir := filepath.Join(root, "dest")
	require.NoError(t, os.MkdirAll(destDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(destDir, "model.gguf.part"), []byte("partial"), 0o644))

	persisted := persistedDownloads{Downloads: []DownloadState{
		{DownloadID: "active", RepoID: "org/model", Filenames: []string{"model.gguf"}, DestDir: destDir, Status: StatusDownloading},
	}}
	data, err := json.Marshal(persisted)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(statePath, data, 0o644))

	dl := NewDownloader(c, statePath)
	require.NoError(t, dl.RecoverFromDisk())

	downloads := dl.ListDownloads()
	require.Len(t, downloads, 1)
	require.Equal(t, StatusPaused, downloads[0].Status)
}

func TestCancelDownloadRemovesPartFile(t *testing.T) {
	dl, root := newTestDownloader(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]treeEntry{{Path: "big.gguf", Type: "file", Size: 1 << 20, LFS: &struct {
			SHA256 string `json:"sha256"`
		}{SHA256: "abc123"}}})
	})
	destDir := filepath.Join(root, "dest")

	id, err := dl.StartDownload(context.Background(), DownloadRequest{RepoID: "org/model"}, destDir)
	require.NoError(t, err)
	require.NoError(t, dl.CancelDownload(id))

	require.Eventually(t, func() bool {
		_, err := dl.GetDownloadProgress(id)
		return err != nil // task removed once cancellation completes
	}, 5*time.Second, 20*time.Millisecond)

	_, err = os.Stat(filepath.Join(destDir, "big.gguf.part"))
	require.True(t, os.IsNotExist(err), "cancellation should leave no .part file behind")
}
