package hfclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/pumas-run/pumas/internal/jsonstore"
	"github.com/pumas-run/pumas/internal/perrors"
)

// plannedFile is one file resolved into a download plan, with its known
// size/sha256 when available from the repo tree.
type plannedFile struct {
	Filename string
	Size     int64
	SHA256   string
	IsAux    bool
}

// DownloadPlan is the resolved file list for a DownloadRequest.
type DownloadPlan struct {
	Files       []plannedFile
	PrimaryFile string
	KnownSHA256 string
	TotalBytes  *int64
}

// PlanDownload resolves req against repo tree into a concrete file list:
// an explicit filename takes just that file, a quant token takes every
// LFS file whose name contains it (covers sharded models), and otherwise
// every LFS file in the repo is taken. A fixed auxiliary allowlist is
// always appended afterward, matched by basename.
func (c *Client) PlanDownload(ctx context.Context, req DownloadRequest) (DownloadPlan, error) {
	tree, err := c.GetRepoFiles(ctx, req.RepoID)
	if err != nil {
		return DownloadPlan{}, err
	}

	var weightFiles []LFSFile
	switch {
	case req.Filename != "":
		for _, f := range tree.LFSFiles {
			if f.Filename == req.Filename {
				weightFiles = append(weightFiles, f)
				break
			}
		}
		if len(weightFiles) == 0 {
			weightFiles = append(weightFiles, LFSFile{Filename: req.Filename})
		}
	case req.Quant != "":
		for _, f := range tree.LFSFiles {
			if strings.Contains(strings.ToLower(f.Filename), strings.ToLower(req.Quant)) {
				weightFiles = append(weightFiles, f)
			}
		}
	default:
		weightFiles = tree.LFSFiles
	}

	var plan DownloadPlan
	var total int64
	knownTotal := true
	var primary LFSFile
	for _, f := range weightFiles {
		plan.Files = append(plan.Files, plannedFile{Filename: f.Filename, Size: f.Size, SHA256: f.SHA256})
		if f.Size > primary.Size {
			primary = f
		}
		if f.Size > 0 {
			total += f.Size
		} else {
			knownTotal = false
		}
	}
	plan.PrimaryFile = primary.Filename
	plan.KnownSHA256 = primary.SHA256
	if knownTotal && total > 0 {
		plan.TotalBytes = &total
	}

	for _, aux := range SelectAuxiliaryFiles(tree.RegularFiles) {
		plan.Files = append(plan.Files, plannedFile{Filename: aux, IsAux: true})
	}
	return plan, nil
}

// downloadTask tracks one in-flight download's live (unpersisted) state
// and cooperative control flags.
type downloadTask struct {
	mu       sync.Mutex
	state    DownloadState
	cancel   atomic.Bool
	pause    atomic.Bool
	progress Progress
}

// Downloader manages multi-file HF downloads: planning, execution with
// resumable .part files, retry with exponential backoff, and crash
// recovery of persisted DownloadState on daemon start.
type Downloader struct {
	client     *Client
	httpClient *http.Client
	statePath  string
	maxRetries uint64

	mu    sync.Mutex
	tasks map[string]*downloadTask
}

// NewDownloader binds a Downloader to client, persisting DownloadState to
// statePath (downloads.json).
func NewDownloader(client *Client, statePath string) *Downloader {
	return &Downloader{
		client:     client,
		httpClient: &http.Client{}, // no overall timeout: large files
		statePath:  statePath,
		maxRetries: 5,
		tasks:      make(map[string]*downloadTask),
	}
}

type persistedDownloads struct {
	Downloads []DownloadState `json:"downloads"`
}

func (d *Downloader) persistLocked() error {
	var states []DownloadState
	for _, t := range d.tasks {
		t.mu.Lock()
		states = append(states, t.state)
		t.mu.Unlock()
	}
	return jsonstore.Write(d.statePath, persistedDownloads{Downloads: states}, false)
}

// StartDownload creates a DownloadState for req, plans its file list, and
// spawns the download goroutine, returning the new download_id.
func (d *Downloader) StartDownload(ctx context.Context, req DownloadRequest, destDir string) (string, error) {
	plan, err := d.client.PlanDownload(ctx, req)
	if err != nil {
		return "", err
	}
	if len(plan.Files) == 0 {
		return "", perrors.InvalidInput("hfclient.StartDownload", "request", "no files resolved")
	}

	filenames := make([]string, len(plan.Files))
	for i, f := range plan.Files {
		filenames[i] = f.Filename
	}

	task := &downloadTask{
		state: DownloadState{
			DownloadID:      uuid.NewString(),
			RepoID:          req.RepoID,
			PrimaryFilename: plan.PrimaryFile,
			Filenames:       filenames,
			DestDir:         destDir,
			TotalBytes:      plan.TotalBytes,
			Status:          StatusQueued,
			Request:         req,
			CreatedAt:       nowRFC3339(),
			KnownSHA256:     plan.KnownSHA256,
		},
	}

	d.mu.Lock()
	d.tasks[task.state.DownloadID] = task
	if err := d.persistLocked(); err != nil {
		delete(d.tasks, task.state.DownloadID)
		d.mu.Unlock()
		return "", err
	}
	d.mu.Unlock()

	go d.run(context.Background(), task, plan)
	return task.state.DownloadID, nil
}

func (d *Downloader) run(ctx context.Context, task *downloadTask, plan DownloadPlan) {
	task.mu.Lock()
	task.state.Status = StatusDownloading
	task.mu.Unlock()
	d.mu.Lock()
	_ = d.persistLocked()
	d.mu.Unlock()

	if err := os.MkdirAll(task.state.DestDir, 0o755); err != nil {
		d.fail(task, err)
		return
	}

	var offset int64
	for _, f := range plan.Files {
		if task.cancel.Load() {
			d.finishCancelled(task)
			return
		}
		if task.pause.Load() {
			d.finishPaused(task)
			return
		}

		final := filepath.Join(task.state.DestDir, f.Filename)
		if info, err := os.Stat(final); err == nil {
			offset += info.Size()
			continue
		}

		if err := d.downloadOneFile(ctx, task, f, offset); err != nil {
			if err == errPausedMidFile {
				d.finishPaused(task)
				return
			}
			if err == errCancelledMidFile {
				d.finishCancelled(task)
				return
			}
			d.fail(task, err)
			return
		}
	}

	task.mu.Lock()
	task.state.Status = StatusCompleted
	task.progress.Fraction = 1
	task.mu.Unlock()
	d.mu.Lock()
	delete(d.tasks, task.state.DownloadID)
	_ = d.persistLocked()
	d.mu.Unlock()
}

var errPausedMidFile = fmt.Errorf("paused mid-file")
var errCancelledMidFile = fmt.Errorf("cancelled mid-file")

func (d *Downloader) downloadOneFile(ctx context.Context, task *downloadTask, f plannedFile, priorBytes int64) error {
	partPath := filepath.Join(task.state.DestDir, f.Filename+".part")
	finalPath := filepath.Join(task.state.DestDir, f.Filename)

	op := func() error {
		if task.cancel.Load() {
			return backoff.Permanent(errCancelledMidFile)
		}
		if task.pause.Load() {
			return backoff.Permanent(errPausedMidFile)
		}

		var resumeFrom int64
		if info, err := os.Stat(partPath); err == nil {
			resumeFrom = info.Size()
		}

		downloadURL := fmt.Sprintf("%s/%s/resolve/main/%s", d.client.baseURL, task.state.RepoID, f.Filename)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		d.client.authHeader(req)
		if resumeFrom > 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeFrom))
		}

		resp, err := d.httpClient.Do(req)
		if err != nil {
			return err // retryable: network error
		}
		defer resp.Body.Close()

		flags := os.O_CREATE | os.O_WRONLY
		if resp.StatusCode == http.StatusPartialContent {
			flags |= os.O_APPEND
		} else if resp.StatusCode == http.StatusOK {
			// Server ignored our Range request; restart from zero rather
			// than corrupt the partial file with a second copy appended.
			flags |= os.O_TRUNC
			resumeFrom = 0
		} else {
			resp.Body.Close()
			if err := checkStatus(resp, "hf"); err != nil {
				if rl, ok := err.(*perrors.RateLimited); ok {
					return rl
				}
				if ne, ok := err.(*perrors.Network); ok && !ne.Retryable {
					return backoff.Permanent(ne)
				}
				return err
			}
		}

		out, err := os.OpenFile(partPath, flags, 0o644)
		if err != nil {
			return backoff.Permanent(err)
		}
		defer out.Close()

		written, err := copyWithProgress(out, resp.Body, func(n int64) {
			task.mu.Lock()
			task.progress.DownloadedBytes = priorBytes + resumeFrom + n
			if task.state.TotalBytes != nil {
				task.progress.Fraction = float64(task.progress.DownloadedBytes) / float64(*task.state.TotalBytes)
			}
			task.mu.Unlock()
			if task.cancel.Load() || task.pause.Load() {
				// Closing the body makes the next chunk read fail,
				// stopping the copy at this chunk boundary.
				resp.Body.Close()
			}
		})
		if err != nil {
			if task.cancel.Load() {
				return backoff.Permanent(errCancelledMidFile)
			}
			if task.pause.Load() {
				return backoff.Permanent(errPausedMidFile)
			}
			return err
		}

		if f.Size > 0 && resumeFrom+written != f.Size {
			return fmt.Errorf("size mismatch for %s: got %d want %d", f.Filename, resumeFrom+written, f.Size)
		}
		return os.Rename(partPath, finalPath)
	}

	boff := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), d.maxRetries)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if _, ok := err.(*backoff.PermanentError); ok {
			return err
		}
		if rl, ok := err.(*perrors.RateLimited); ok {
			return rl
		}
		return err
	}, boff)
}

func copyWithProgress(dst io.Writer, src io.Reader, onWrite func(int64)) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
			onWrite(total)
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

func (d *Downloader) fail(task *downloadTask, err error) {
	task.mu.Lock()
	task.state.Status = StatusError
	task.state.ErrorMessage = err.Error()
	task.mu.Unlock()
	d.mu.Lock()
	_ = d.persistLocked()
	d.mu.Unlock()
}

func (d *Downloader) finishCancelled(task *downloadTask) {
	task.mu.Lock()
	destDir := task.state.DestDir
	filenames := append([]string(nil), task.state.Filenames...)
	task.mu.Unlock()
	// Finished files have already been renamed off their .part, so this
	// removes the .part of whichever file was in flight.
	for _, name := range filenames {
		_ = os.Remove(filepath.Join(destDir, name+".part"))
	}
	task.mu.Lock()
	task.state.Status = StatusCancelled
	task.mu.Unlock()
	d.mu.Lock()
	delete(d.tasks, task.state.DownloadID)
	_ = d.persistLocked()
	d.mu.Unlock()
}

func (d *Downloader) finishPaused(task *downloadTask) {
	task.mu.Lock()
	task.state.Status = StatusPaused
	task.mu.Unlock()
	d.mu.Lock()
	_ = d.persistLocked()
	d.mu.Unlock()
}

// PauseDownload sets the cooperative pause flag; the running task flushes
// and preserves its .part file, then exits.
func (d *Downloader) PauseDownload(downloadID string) error {
	task, err := d.taskFor(downloadID)
	if err != nil {
		return err
	}
	task.pause.Store(true)
	return nil
}

// ResumeDownload re-spawns the download pipeline for a paused entry:
// files already present are skipped, the active file resumes from .part.
func (d *Downloader) ResumeDownload(ctx context.Context, downloadID string) error {
	task, err := d.taskFor(downloadID)
	if err != nil {
		return err
	}
	task.mu.Lock()
	if task.state.Status != StatusPaused && task.state.Status != StatusError {
		task.mu.Unlock()
		return perrors.InvalidInput("hfclient.ResumeDownload", "status", "not paused")
	}
	task.pause.Store(false)
	task.cancel.Store(false)
	plan := DownloadPlan{TotalBytes: task.state.TotalBytes}
	for _, name := range task.state.Filenames {
		plan.Files = append(plan.Files, plannedFile{Filename: name})
	}
	task.mu.Unlock()

	go d.run(ctx, task, plan)
	return nil
}

// CancelDownload sets the cooperative cancel flag; at the next chunk or
// file boundary the in-flight .part is deleted and the entry removed.
func (d *Downloader) CancelDownload(downloadID string) error {
	task, err := d.taskFor(downloadID)
	if err != nil {
		return err
	}
	task.cancel.Store(true)
	return nil
}

// GetDownloadProgress returns the live progress view for downloadID.
func (d *Downloader) GetDownloadProgress(downloadID string) (Progress, error) {
	task, err := d.taskFor(downloadID)
	if err != nil {
		return Progress{}, err
	}
	task.mu.Lock()
	defer task.mu.Unlock()
	p := task.progress
	p.DownloadID = downloadID
	p.Status = task.state.Status
	p.TotalBytes = task.state.TotalBytes
	return p, nil
}

// ListDownloads returns the persisted state of every tracked download.
func (d *Downloader) ListDownloads() []DownloadState {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DownloadState, 0, len(d.tasks))
	for _, t := range d.tasks {
		t.mu.Lock()
		out = append(out, t.state)
		t.mu.Unlock()
	}
	return out
}

func (d *Downloader) taskFor(downloadID string) (*downloadTask, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	task, ok := d.tasks[downloadID]
	if !ok {
		return nil, perrors.NotFound("hfclient.Downloader", downloadID)
	}
	return task, nil
}

// RecoverFromDisk reads persisted download state on daemon start. Any
// entry with neither a .part nor a completed file under its dest_dir is
// dropped; downloaded_bytes is recomputed from what's on disk. Entries
// persisted as Queued or Downloading are re-materialized as Paused since
// no task is running to drive them forward; Error and Paused entries are
// preserved as-is.
func (d *Downloader) RecoverFromDisk() error {
	loaded, err := jsonstore.Read[persistedDownloads](d.statePath)
	if err != nil {
		return err
	}
	if loaded == nil {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, state := range loaded.Downloads {
		if !anyFileExists(state) {
			continue
		}
		if state.Status == StatusQueued || state.Status == StatusDownloading {
			state.Status = StatusPaused
		}
		task := &downloadTask{state: state}
		task.progress.DownloadedBytes = downloadedBytesOnDisk(state)
		d.tasks[state.DownloadID] = task
	}
	return d.persistLocked()
}

func anyFileExists(state DownloadState) bool {
	for _, name := range state.Filenames {
		if _, err := os.Stat(filepath.Join(state.DestDir, name)); err == nil {
			return true
		}
		if _, err := os.Stat(filepath.Join(state.DestDir, name+".part")); err == nil {
			return true
		}
	}
	return false
}

func downloadedBytesOnDisk(state DownloadState) int64 {
	var total int64
	for _, name := range state.Filenames {
		if info, err := os.Stat(filepath.Join(state.DestDir, name)); err == nil {
			total += info.Size()
			continue
		}
		if info, err := os.Stat(filepath.Join(state.DestDir, name+".part")); err == nil {
			total += info.Size()
		}
	}
	return total
}
