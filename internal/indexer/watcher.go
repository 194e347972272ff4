package indexer

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/yourorg/acetool-go/internal/chunker"
	"github.com/yourorg/acetool-go/internal/logging"
	"github.com/yourorg/acetool-go/internal/scanner"
	"github.com/yourorg/acetool-go/internal/uploader"
)

const (
	watchDebounce   = 500 * time.Millisecond
	applyTimeout    = 5 * time.Minute
	rescanInterval  = 10 * time.Minute
	maxPendingFlush = 2000
)

type pendingChanges struct {
	upsert map[string]struct{}
	remove map[string]struct{}
}

type watchState struct {
	mu       sync.Mutex
	watchers map[string]*fsnotify.Watcher
	timers   map[string]*time.Timer
	pending  map[string]*pendingChanges
}

func newWatchState() watchState {
	return watchState{
		watchers: make(map[string]*fsnotify.Watcher),
		timers:   make(map[string]*time.Timer),
		pending:  make(map[string]*pendingChanges),
	}
}

// StartWatching begins watching a project tree for changes. Events are
// debounced per project and applied as incremental sync passes.
func (s *Service) StartWatching(root string) error {
	normRoot, err := normalizeRoot(root)
	if err != nil {
		return err
	}

	s.watch.mu.Lock()
	if _, ok := s.watch.watchers[normRoot]; ok {
		s.watch.mu.Unlock()
		return nil
	}
	s.watch.mu.Unlock()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	// Watch every non-excluded directory; fsnotify is not recursive.
	dirs := 0
	err = filepath.WalkDir(normRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(normRoot, path)
		if relErr == nil && rel != "." {
			if s.scannerExcludedDir(normRoot, filepath.ToSlash(rel)) {
				return filepath.SkipDir
			}
		}
		if addErr := w.Add(path); addErr == nil {
			dirs++
		}
		return nil
	})
	if err != nil {
		w.Close()
		return err
	}

	s.watch.mu.Lock()
	s.watch.watchers[normRoot] = w
	s.watch.mu.Unlock()

	s.logger.Info("watching project",
		logging.String("root", normRoot),
		logging.Int("dirs", dirs),
	)
	s.opLog.Infof(OpWatch, normRoot, "watching %d directories", dirs)

	go s.watchLoop(normRoot, w)
	return nil
}

func (s *Service) scannerExcludedDir(root, rel string) bool {
	for _, part := range strings.Split(rel, "/") {
		for _, pat := range s.cfg.ExcludePatterns {
			if part == pat {
				return true
			}
		}
	}
	return false
}

func (s *Service) watchLoop(root string, w *fsnotify.Watcher) {
	// Events can be dropped under load; a periodic full pass picks up
	// anything the watcher missed. Unchanged files cost no traffic.
	rescan := time.NewTicker(rescanInterval)
	defer rescan.Stop()

	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			s.handleEvent(root, w, ev)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.logger.Warn("watcher error", logging.String("root", root), logging.Error(err))
		case <-rescan.C:
			ctx, cancel := context.WithTimeout(context.Background(), applyTimeout)
			if _, err := s.SyncProject(ctx, root); err != nil {
				s.logger.Warn("periodic rescan failed",
					logging.String("root", root), logging.Error(err))
			}
			cancel()
		}
	}
}

func (s *Service) handleEvent(root string, w *fsnotify.Watcher, ev fsnotify.Event) {
	name := filepath.Clean(ev.Name)

	if filepath.Base(name) == ".gitignore" {
		s.scanner.InvalidateIgnoreRules(root)
	}

	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(name); err == nil && info.IsDir() {
			rel, relErr := filepath.Rel(root, name)
			if relErr == nil && !s.scannerExcludedDir(root, filepath.ToSlash(rel)) {
				_ = w.Add(name)
			}
			return
		}
	}

	switch {
	case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
		if !s.scanner.IsCandidate(root, name) {
			return
		}
		s.scheduleChange(root, name, false)
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		s.scheduleChange(root, name, true)
	}
}

func (s *Service) scheduleChange(root, path string, removed bool) {
	s.watch.mu.Lock()
	defer s.watch.mu.Unlock()

	p := s.watch.pending[root]
	if p == nil {
		p = &pendingChanges{
			upsert: make(map[string]struct{}),
			remove: make(map[string]struct{}),
		}
		s.watch.pending[root] = p
	}
	if removed {
		delete(p.upsert, path)
		p.remove[path] = struct{}{}
	} else {
		delete(p.remove, path)
		p.upsert[path] = struct{}{}
	}

	if len(p.upsert)+len(p.remove) >= maxPendingFlush {
		if t := s.watch.timers[root]; t != nil {
			t.Stop()
			delete(s.watch.timers, root)
		}
		go s.flushPending(root)
		return
	}

	if t := s.watch.timers[root]; t != nil {
		t.Reset(watchDebounce)
		return
	}
	s.watch.timers[root] = time.AfterFunc(watchDebounce, func() {
		s.flushPending(root)
	})
}

func (s *Service) flushPending(root string) {
	s.watch.mu.Lock()
	delete(s.watch.timers, root)
	p := s.watch.pending[root]
	delete(s.watch.pending, root)
	s.watch.mu.Unlock()

	if p == nil || (len(p.upsert) == 0 && len(p.remove) == 0) {
		return
	}

	upserts := make([]string, 0, len(p.upsert))
	for path := range p.upsert {
		upserts = append(upserts, path)
	}
	removes := make([]string, 0, len(p.remove))
	for path := range p.remove {
		removes = append(removes, path)
	}

	ctx, cancel := context.WithTimeout(context.Background(), applyTimeout)
	defer cancel()
	if err := s.ApplyFileChanges(ctx, root, upserts, removes); err != nil {
		s.logger.Warn("apply file changes",
			logging.String("root", root),
			logging.Error(err),
		)
		s.opLog.Errorf(OpWatch, root, "apply changes failed: %v", err)
	}
}

// ApplyFileChanges runs an incremental sync for an explicit set of changed
// and removed files. Cache entries are committed only for files whose blobs
// were acknowledged, exactly as in a full pass.
func (s *Service) ApplyFileChanges(ctx context.Context, root string, upserts, removes []string) error {
	normRoot, err := normalizeRoot(root)
	if err != nil {
		return err
	}
	lock := s.projectLock(normRoot)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()

	for _, path := range removes {
		s.cache.Delete(normRoot, path)
	}

	var changed []scanner.ScannedFile
	for _, path := range upserts {
		sf := s.scanner.ScanFile(normRoot, path, s.cache)
		if sf.Unchanged || sf.SkipReason != "" {
			continue
		}
		changed = append(changed, sf)
	}

	uploaded := 0
	if len(changed) > 0 {
		byHash := make(map[string]chunker.Blob)
		var candidateHashes []string
		for _, cf := range changed {
			for _, b := range cf.Blobs {
				h := b.Hash()
				if _, ok := byHash[h]; !ok {
					byHash[h] = b
					candidateHashes = append(candidateHashes, h)
				}
			}
		}

		fmCtx, cancel := context.WithTimeout(ctx, s.cfg.RetrievalTimeout())
		fm, err := s.api.FindMissing(fmCtx, candidateHashes)
		cancel()
		if err != nil {
			return fmt.Errorf("find-missing: %w", err)
		}
		missing := make(map[string]struct{}, len(fm.UnknownBlobNames))
		for _, h := range fm.UnknownBlobNames {
			missing[h] = struct{}{}
		}

		var toUpload []chunker.Blob
		for _, h := range candidateHashes {
			if _, ok := missing[h]; ok {
				toUpload = append(toUpload, byHash[h])
			}
		}

		ackedSet := make(map[string]struct{})
		var failed []uploader.FailedBlob
		if len(toUpload) > 0 {
			strategy := uploader.NewStrategy(len(toUpload), s.cfg.Overrides, !s.cfg.NoAdaptive, s.logger)
			up := uploader.New(s.api, strategy, s.cfg.MaxBatchBytes, s.logger)
			res := up.Run(ctx, toUpload)
			if res.Fatal != nil {
				return fmt.Errorf("upload: %w", res.Fatal)
			}
			ackedSet = res.Uploaded
			failed = res.Failed
		}

		acked := func(h string) bool {
			if _, ok := ackedSet[h]; ok {
				return true
			}
			_, wasMissing := missing[h]
			return !wasMissing
		}

		var ackedHashes []string
		for _, cf := range changed {
			ok := true
			for _, h := range cf.Hashes {
				if !acked(h) {
					ok = false
					break
				}
			}
			if !ok {
				continue
			}
			s.cache.Commit(normRoot, cf.AbsPath, scanner.FileMeta{
				Hashes: cf.Hashes,
				Mtime:  cf.Mtime,
				Size:   cf.Size,
			})
			ackedHashes = append(ackedHashes, cf.Hashes...)
		}
		s.recordFailed(normRoot, failed)
		s.clearFailed(normRoot, ackedHashes)
		uploaded = len(ackedSet)
	}

	// The project's searchable set is the union of all committed files.
	hashes := make(map[string]struct{})
	for _, meta := range s.cache.ProjectFiles(normRoot) {
		for _, h := range meta.Hashes {
			hashes[h] = struct{}{}
		}
	}
	total := s.commitProject(normRoot, hashes)
	if err := s.cache.Flush(); err != nil {
		s.logger.Warn("flush mtime cache", logging.Error(err))
	}

	s.opLog.Record(OpSync, normRoot, time.Since(start), true, uploaded,
		"applied %d upserts, %d removes (%d blobs uploaded, %d total)",
		len(upserts), len(removes), uploaded, total)
	return nil
}

// StopWatching closes all watchers and drops pending changes.
func (s *Service) StopWatching() {
	s.watch.mu.Lock()
	defer s.watch.mu.Unlock()
	for root, w := range s.watch.watchers {
		w.Close()
		delete(s.watch.watchers, root)
	}
	for root, t := range s.watch.timers {
		t.Stop()
		delete(s.watch.timers, root)
	}
	s.watch.pending = make(map[string]*pendingChanges)
}

// WatchedProjects lists roots with an active watcher.
func (s *Service) WatchedProjects() []string {
	s.watch.mu.Lock()
	defer s.watch.mu.Unlock()
	out := make([]string, 0, len(s.watch.watchers))
	for root := range s.watch.watchers {
		out = append(out, root)
	}
	return out
}
