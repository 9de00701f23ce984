// Package scanner walks included disks in parallel, yielding a fresh
// generation of files for the catalog. The walk is a fan-out/fan-in
// pipeline: one goroutine per directory (bounded by a semaphore), a
// single collector gathering matches into the in-memory result, and
// atomic counters driving periodic progress events. Nothing is written
// to the catalog during the walk; the caller inserts the result in
// batches after Walk returns.
package scanner

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"pbalanced/internal/catalog"
	"pbalanced/internal/safety"
)

// ProgressFunc receives a disk's running file/byte counts; called at
// most every 250ms or every 5,000 files, whichever comes first.
type ProgressFunc func(filesSeen, bytesSeen int64)

// Options configures one disk's walk.
type Options struct {
	Concurrency  int
	OnProgress   ProgressFunc
	OnEntryError func(path string, err error)
}

// Result summarizes a completed (or partially completed) disk walk.
type Result struct {
	Files        []catalog.File
	FilesSeen    int64
	BytesSeen    int64
	Partial      bool
	ErrorMessage string
}

const (
	progressInterval  = 250 * time.Millisecond
	progressFileCount = 5000
)

// Walk recursively descends mountPath, the root of a single disk, and
// returns every file and directory entry found (symlinks are recorded
// but never followed). It refuses to walk any root outside
// /mnt/disk*/mnt/cache — callers should already have excluded the
// union-FUSE path, but this is the last line of defense before a
// filesystem walk that could double-count bytes.
func Walk(ctx context.Context, diskID int64, mountPath string, opts Options) Result {
	if !safety.IsAllowedPath(mountPath) {
		return Result{Partial: true, ErrorMessage: "refused to scan disallowed root: " + mountPath}
	}

	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 2
	}

	w := &walker{
		ctx:     ctx,
		diskID:  diskID,
		sem:     make(chan struct{}, concurrency),
		resultC: make(chan catalog.File, 1000),
		onEntryError: opts.OnEntryError,
	}

	var collected []catalog.File
	var filesSeen, bytesSeen atomic.Int64
	done := make(chan struct{})
	go func() {
		defer close(done)
		lastEmit := time.Now()
		lastCount := int64(0)
		for f := range w.resultC {
			collected = append(collected, f)
			filesSeen.Add(1)
			if !f.IsDir {
				bytesSeen.Add(f.SizeBytes)
			}
			if opts.OnProgress != nil {
				seen := filesSeen.Load()
				if time.Since(lastEmit) >= progressInterval || seen-lastCount >= progressFileCount {
					opts.OnProgress(seen, bytesSeen.Load())
					lastEmit = time.Now()
					lastCount = seen
				}
			}
		}
	}()

	w.wg.Add(1)
	w.walkDir(mountPath, "")
	w.wg.Wait()
	close(w.resultC)
	<-done

	if opts.OnProgress != nil {
		opts.OnProgress(filesSeen.Load(), bytesSeen.Load())
	}

	partial := w.aborted.Load()
	return Result{
		Files:        collected,
		FilesSeen:    filesSeen.Load(),
		BytesSeen:    bytesSeen.Load(),
		Partial:      partial,
		ErrorMessage: w.abortReason(),
	}
}

type walker struct {
	ctx          context.Context
	diskID       int64
	sem          chan struct{}
	resultC      chan catalog.File
	wg           sync.WaitGroup
	onEntryError func(path string, err error)

	aborted    atomic.Bool
	abortMu    sync.Mutex
	abortMsg   string
}

func (w *walker) abortReason() string {
	w.abortMu.Lock()
	defer w.abortMu.Unlock()
	return w.abortMsg
}

func (w *walker) abort(reason string) {
	w.abortMu.Lock()
	defer w.abortMu.Unlock()
	if w.abortMsg == "" {
		w.abortMsg = reason
	}
	w.aborted.Store(true)
}

func (w *walker) walkDir(dirPath, parentPath string) {
	defer w.wg.Done()

	select {
	case w.sem <- struct{}{}:
	case <-w.ctx.Done():
		w.abort("scan cancelled at directory boundary")
		return
	}
	entries, err := readDirBatched(dirPath)
	<-w.sem

	if err != nil {
		if w.onEntryError != nil {
			w.onEntryError(dirPath, err)
		}
		// Only the disk's own mount root failing to read is a per-disk
		// failure (mount vanished, permission denied on the root itself);
		// a nested subdirectory's read error — EACCES deep in the tree is
		// the common case — is a per-entry error: log it and keep walking
		// the rest of the tree rather than marking the whole scan partial.
		if parentPath == "" {
			w.abort(err.Error())
		}
		return
	}

	for _, entry := range entries {
		select {
		case <-w.ctx.Done():
			w.abort("scan cancelled mid-directory")
			return
		default:
		}

		fullPath := filepath.Join(dirPath, entry.Name())
		info, ierr := entry.Info()
		if ierr != nil {
			if w.onEntryError != nil {
				w.onEntryError(fullPath, ierr)
			}
			continue
		}

		isSymlink := info.Mode()&os.ModeSymlink != 0
		f := catalog.File{
			DiskID:     w.diskID,
			FilePath:   fullPath,
			BaseName:   entry.Name(),
			ParentPath: dirPath,
			SizeBytes:  info.Size(),
			IsDir:      entry.IsDir(),
			Mtime:      info.ModTime().Unix(),
		}
		w.resultC <- f

		if entry.IsDir() && !isSymlink {
			w.wg.Add(1)
			go w.walkDir(fullPath, dirPath)
		}
		// Symlinks (including symlinked directories) are recorded above but
		// never traversed — following one risks re-visiting files already
		// counted elsewhere in the tree, corrupting per-disk totals.
	}
}

// readDirBatched reads a directory 1000 entries at a time and returns
// every entry in one slice, so a whole directory's entries are held in
// memory at once.
func readDirBatched(dirPath string) ([]os.DirEntry, error) {
	dir, err := os.Open(dirPath)
	if err != nil {
		return nil, err
	}
	defer dir.Close()

	const batchSize = 1000
	var all []os.DirEntry
	for {
		batch, err := dir.ReadDir(batchSize)
		all = append(all, batch...)
		if err != nil {
			if err == io.EOF {
				break
			}
			return all, err
		}
		if len(batch) == 0 {
			break
		}
	}
	return all, nil
}
