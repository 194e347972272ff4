// Package indexer orchestrates the sync pipeline: scan, chunk, dedupe against
// the remote index, upload through the adaptive window, and commit the mtime
// cache only for files whose blobs were acknowledged.
package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/yourorg/acetool-go/internal/chunker"
	"github.com/yourorg/acetool-go/internal/config"
	"github.com/yourorg/acetool-go/internal/logging"
	"github.com/yourorg/acetool-go/internal/remote"
	"github.com/yourorg/acetool-go/internal/scanner"
	"github.com/yourorg/acetool-go/internal/uploader"
)

// RemoteAPI is the slice of the remote client the service depends on.
type RemoteAPI interface {
	BatchUpload(ctx context.Context, blobs []chunker.Blob) error
	FindMissing(ctx context.Context, hashes []string) (*remote.FindMissingResult, error)
	Search(ctx context.Context, query string, blobNames []string) (string, error)
}

// ErrNotReady is returned when a search races a failed initial sync.
var ErrNotReady = errors.New("indexer: project not indexed yet")

// IndexResult summarizes one sync pass.
type IndexResult struct {
	Status      string `json:"status"`
	Message     string `json:"message"`
	NewBlobs    int    `json:"new_blobs"`
	TotalBlobs  int    `json:"total_blobs"`
	FailedBlobs int    `json:"failed_blobs,omitempty"`
}

// SearchResult carries a retrieval answer.
type SearchResult struct {
	Status     string `json:"status"`
	Message    string `json:"message"`
	Output     string `json:"output,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// FailedUpload records a blob dropped by a past sync, kept so operators can
// see what is missing from the remote index.
type FailedUpload struct {
	Hash      string `json:"blob_hash"`
	Path      string `json:"path"`
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}

// Service owns the per-project sync state.
type Service struct {
	logger  *logging.Logger
	cfg     *config.Config
	api     RemoteAPI
	scanner *scanner.Scanner
	cache   *scanner.Cache
	opLog   *OpLogger

	projectsPath string
	failedPath   string

	mu       sync.Mutex
	projects map[string][]string // project root -> searchable blob hashes
	failed   map[string][]FailedUpload
	loaded   bool

	syncMu    sync.Mutex
	syncLocks map[string]*sync.Mutex

	metricsMu    sync.Mutex
	syncRuns     int
	searchRuns   int
	lastSync     time.Time
	lastSearch   time.Time
	lastStrategy *uploader.Strategy

	watch watchState
}

func NewService(cfg *config.Config, api RemoteAPI, logger *logging.Logger) *Service {
	ch := chunker.New(cfg.MaxLinesPerBlob, 0)
	return &Service{
		logger:       logger,
		cfg:          cfg,
		api:          api,
		scanner:      scanner.New(cfg, ch, logger),
		cache:        scanner.NewCache(filepath.Join(cfg.DataDir, "files_index.json")),
		opLog:        NewOpLogger(200),
		projectsPath: filepath.Join(cfg.DataDir, "projects.json"),
		failedPath:   filepath.Join(cfg.DataDir, "failed_blobs.json"),
		projects:     make(map[string][]string),
		failed:       make(map[string][]FailedUpload),
		syncLocks:    make(map[string]*sync.Mutex),
		watch:        newWatchState(),
	}
}

// OpLogs returns the recent operation log, newest first.
func (s *Service) OpLogs(n int) []OpLog { return s.opLog.Recent(n) }

// OpLogsSince returns operation log entries newer than afterID, newest first.
func (s *Service) OpLogsSince(afterID int64) []OpLog { return s.opLog.Since(afterID) }

// RecordEnhance notes a completed prompt enhancement in the operation log.
func (s *Service) RecordEnhance(d time.Duration, err error) {
	if err != nil {
		s.opLog.Record(OpEnhance, "", d, false, 0, "enhance failed: %v", err)
		return
	}
	s.opLog.Record(OpEnhance, "", d, true, 1, "prompt enhanced")
}

// ListFailed returns the persistent record of dropped blobs per project.
func (s *Service) ListFailed() map[string][]FailedUpload {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLedgers()
	out := make(map[string][]FailedUpload, len(s.failed))
	for root, list := range s.failed {
		if len(list) == 0 {
			continue
		}
		cp := make([]FailedUpload, len(list))
		copy(cp, list)
		out[root] = cp
	}
	return out
}

// projectLock serializes sync passes per project root.
func (s *Service) projectLock(root string) *sync.Mutex {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	if m, ok := s.syncLocks[root]; ok {
		return m
	}
	m := &sync.Mutex{}
	s.syncLocks[root] = m
	return m
}

func normalizeRoot(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve project root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("project root: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("project root %s is not a directory", abs)
	}
	return filepath.Clean(abs), nil
}

func (s *Service) loadLedgers() {
	if s.loaded {
		return
	}
	s.loaded = true
	if b, err := os.ReadFile(s.projectsPath); err == nil && len(b) > 0 {
		_ = json.Unmarshal(b, &s.projects)
	}
	if b, err := os.ReadFile(s.failedPath); err == nil && len(b) > 0 {
		_ = json.Unmarshal(b, &s.failed)
	}
	if s.projects == nil {
		s.projects = make(map[string][]string)
	}
	if s.failed == nil {
		s.failed = make(map[string][]FailedUpload)
	}
}

func (s *Service) saveLedgersLocked() {
	if err := os.MkdirAll(filepath.Dir(s.projectsPath), 0o755); err != nil {
		s.logger.Warn("create data dir", logging.Error(err))
		return
	}
	if data, err := json.Marshal(s.projects); err == nil {
		if err := os.WriteFile(s.projectsPath, data, 0o644); err != nil {
			s.logger.Warn("save projects ledger", logging.Error(err))
		}
	}
	if data, err := json.Marshal(s.failed); err == nil {
		if err := os.WriteFile(s.failedPath, data, 0o644); err != nil {
			s.logger.Warn("save failed ledger", logging.Error(err))
		}
	}
}

// ProjectBlobs returns the searchable blob hashes of a project, or nil if the
// project has never completed a sync.
func (s *Service) ProjectBlobs(root string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLedgers()
	hashes := s.projects[root]
	out := make([]string, len(hashes))
	copy(out, hashes)
	if len(out) == 0 {
		return nil
	}
	return out
}

// ListProjects returns project root -> tracked blob count.
func (s *Service) ListProjects() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLedgers()
	out := make(map[string]int, len(s.projects))
	for root, hashes := range s.projects {
		out[root] = len(hashes)
	}
	return out
}

// SyncProject runs one full sync pass for a project root.
func (s *Service) SyncProject(ctx context.Context, root string) (*IndexResult, error) {
	normRoot, err := normalizeRoot(root)
	if err != nil {
		return nil, err
	}
	lock := s.projectLock(normRoot)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	res, err := s.syncLocked(ctx, normRoot)
	if err != nil {
		s.opLog.Record(OpSync, normRoot, time.Since(start), false, 0, "sync failed: %v", err)
		return nil, err
	}
	s.opLog.Record(OpSync, normRoot, time.Since(start), true, res.NewBlobs, "%s", res.Message)

	s.metricsMu.Lock()
	s.syncRuns++
	s.lastSync = time.Now()
	s.metricsMu.Unlock()

	// A synced project stays synced: watch it so later edits re-enter the
	// scan/chunk/upload pipeline without another explicit sync.
	if !s.cfg.DisableWatch {
		if werr := s.StartWatching(normRoot); werr != nil {
			s.logger.Warn("watch project", logging.String("root", normRoot), logging.Error(werr))
		}
	}
	return res, nil
}

func (s *Service) syncLocked(ctx context.Context, root string) (*IndexResult, error) {
	files, err := s.scanner.Scan(ctx, root, s.cache)
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}

	type changedFile struct {
		file  scanner.ScannedFile
		blobs []chunker.Blob
	}
	var changed []changedFile
	projectHashes := make(map[string]struct{})
	for _, f := range files {
		switch {
		case f.Unchanged:
			for _, h := range f.Hashes {
				projectHashes[h] = struct{}{}
			}
		case f.SkipReason != "":
			s.logger.Debug("file skipped",
				logging.String("path", f.RelPath),
				logging.String("reason", f.SkipReason),
			)
		default:
			changed = append(changed, changedFile{file: f, blobs: f.Blobs})
		}
	}

	if len(changed) == 0 {
		total := s.commitProject(root, projectHashes)
		return &IndexResult{
			Status:     "ok",
			Message:    "already in sync",
			TotalBlobs: total,
		}, nil
	}

	// Dedupe candidate blobs by hash before asking the remote side.
	byHash := make(map[string]chunker.Blob)
	var candidateHashes []string
	for _, cf := range changed {
		for _, b := range cf.blobs {
			h := b.Hash()
			if _, ok := byHash[h]; !ok {
				byHash[h] = b
				candidateHashes = append(candidateHashes, h)
			}
		}
	}

	missing := make(map[string]struct{})
	if len(candidateHashes) > 0 {
		fmCtx, cancel := context.WithTimeout(ctx, s.cfg.RetrievalTimeout())
		fm, err := s.api.FindMissing(fmCtx, candidateHashes)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("find-missing: %w", err)
		}
		for _, h := range fm.UnknownBlobNames {
			missing[h] = struct{}{}
		}
	}

	var toUpload []chunker.Blob
	for _, h := range candidateHashes {
		if _, ok := missing[h]; ok {
			toUpload = append(toUpload, byHash[h])
		}
	}

	uploaded := make(map[string]struct{})
	var failed []uploader.FailedBlob
	if len(toUpload) > 0 {
		strategy := uploader.NewStrategy(len(toUpload), s.cfg.Overrides, !s.cfg.NoAdaptive, s.logger)
		s.metricsMu.Lock()
		s.lastStrategy = strategy
		s.metricsMu.Unlock()

		up := uploader.New(s.api, strategy, s.cfg.MaxBatchBytes, s.logger)
		res := up.Run(ctx, toUpload)
		if res.Fatal != nil {
			return nil, fmt.Errorf("upload: %w", res.Fatal)
		}
		uploaded = res.Uploaded
		failed = res.Failed
		s.opLog.Record(OpUpload, root, 0, len(failed) == 0, len(uploaded),
			"uploaded %d blobs, %d failed", len(uploaded), len(failed))
	}

	// acked: present remotely already, or acknowledged this pass.
	acked := func(h string) bool {
		if _, ok := uploaded[h]; ok {
			return true
		}
		_, wasMissing := missing[h]
		return !wasMissing
	}

	committed := 0
	var ackedHashes []string
	for _, cf := range changed {
		ok := true
		for _, h := range cf.file.Hashes {
			if !acked(h) {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		s.cache.Commit(root, cf.file.AbsPath, scanner.FileMeta{
			Hashes: cf.file.Hashes,
			Mtime:  cf.file.Mtime,
			Size:   cf.file.Size,
		})
		for _, h := range cf.file.Hashes {
			projectHashes[h] = struct{}{}
			ackedHashes = append(ackedHashes, h)
		}
		committed++
	}
	s.recordFailed(root, failed)
	s.clearFailed(root, ackedHashes)

	total := s.commitProject(root, projectHashes)
	if err := s.cache.Flush(); err != nil {
		s.logger.Warn("flush mtime cache", logging.Error(err))
	}

	return &IndexResult{
		Status: "ok",
		Message: fmt.Sprintf("synced %d files (%d blobs uploaded, %d failed)",
			committed, len(uploaded), len(failed)),
		NewBlobs:    len(uploaded),
		TotalBlobs:  total,
		FailedBlobs: len(failed),
	}, nil
}

// commitProject replaces the project's searchable hash set and persists the
// ledgers. Returns the total tracked blob count.
func (s *Service) commitProject(root string, hashes map[string]struct{}) int {
	list := make([]string, 0, len(hashes))
	for h := range hashes {
		list = append(list, h)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLedgers()
	s.projects[root] = list
	s.saveLedgersLocked()
	return len(list)
}

func (s *Service) recordFailed(root string, blobs []uploader.FailedBlob) {
	if len(blobs) == 0 {
		return
	}
	now := time.Now().Format(time.RFC3339)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLedgers()
	list := s.failed[root]
	for _, fb := range blobs {
		replaced := false
		for i := range list {
			if list[i].Hash == fb.Hash {
				list[i] = FailedUpload{Hash: fb.Hash, Path: fb.Path, Error: fb.Error, Timestamp: now}
				replaced = true
				break
			}
		}
		if !replaced {
			list = append(list, FailedUpload{Hash: fb.Hash, Path: fb.Path, Error: fb.Error, Timestamp: now})
		}
	}
	s.failed[root] = list
	s.saveLedgersLocked()
}

func (s *Service) clearFailed(root string, hashes []string) {
	if len(hashes) == 0 {
		return
	}
	set := make(map[string]struct{}, len(hashes))
	for _, h := range hashes {
		set[h] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLedgers()
	list := s.failed[root]
	if len(list) == 0 {
		return
	}
	filtered := list[:0]
	for _, fb := range list {
		if _, ok := set[fb.Hash]; !ok {
			filtered = append(filtered, fb)
		}
	}
	s.failed[root] = filtered
	s.saveLedgersLocked()
}

const (
	indexPollInterval = 2 * time.Second
	indexPollAttempts = 3
)

// awaitIndexed gives the remote side a short grace period to finish indexing
// freshly uploaded blobs. Best effort: poll errors and a persistent backlog
// both fall through to the search.
func (s *Service) awaitIndexed(ctx context.Context, blobNames []string) {
	if len(blobNames) == 0 {
		return
	}
	for attempt := 0; attempt < indexPollAttempts; attempt++ {
		fmCtx, cancel := context.WithTimeout(ctx, s.cfg.RetrievalTimeout())
		fm, err := s.api.FindMissing(fmCtx, blobNames)
		cancel()
		if err != nil || len(fm.NonindexedBlobNames) == 0 {
			return
		}
		s.logger.Debug("waiting for remote indexing",
			logging.Int("nonindexed", len(fm.NonindexedBlobNames)),
			logging.Int("attempt", attempt+1),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(indexPollInterval):
		}
	}
}

// SearchContext answers a retrieval query. A project that has never synced is
// synced first, so an early search blocks until the index exists rather than
// racing into a partial state.
func (s *Service) SearchContext(ctx context.Context, root, query string) (*SearchResult, error) {
	normRoot, err := normalizeRoot(root)
	if err != nil {
		return nil, err
	}

	if s.ProjectBlobs(normRoot) == nil {
		if _, err := s.SyncProject(ctx, normRoot); err != nil {
			return nil, fmt.Errorf("%w: initial sync failed: %v", ErrNotReady, err)
		}
	}
	// Debounced watcher changes must land before the query sees the project.
	s.flushPending(normRoot)
	blobNames := s.ProjectBlobs(normRoot)
	s.awaitIndexed(ctx, blobNames)

	start := time.Now()
	searchCtx, cancel := context.WithTimeout(ctx, s.cfg.RetrievalTimeout())
	output, err := s.api.Search(searchCtx, query, blobNames)
	cancel()
	elapsed := time.Since(start)

	if err != nil {
		s.opLog.Record(OpSearch, normRoot, elapsed, false, 0, "search failed: %v", err)
		return nil, fmt.Errorf("search: %w", err)
	}
	s.opLog.Record(OpSearch, normRoot, elapsed, true, len(blobNames), "search ok")

	s.metricsMu.Lock()
	s.searchRuns++
	s.lastSearch = time.Now()
	s.metricsMu.Unlock()

	return &SearchResult{
		Status:     "ok",
		Output:     output,
		DurationMs: elapsed.Milliseconds(),
	}, nil
}

// Metrics is a point-in-time view of service activity.
type Metrics struct {
	SyncRuns   int                       `json:"sync_runs"`
	SearchRuns int                       `json:"search_runs"`
	LastSync   time.Time                 `json:"last_sync,omitempty"`
	LastSearch time.Time                 `json:"last_search,omitempty"`
	Projects   map[string]int            `json:"projects"`
	Strategy   *uploader.MetricsSnapshot `json:"strategy,omitempty"`
}

func (s *Service) Metrics() Metrics {
	s.metricsMu.Lock()
	m := Metrics{
		SyncRuns:   s.syncRuns,
		SearchRuns: s.searchRuns,
		LastSync:   s.lastSync,
		LastSearch: s.lastSearch,
	}
	if s.lastStrategy != nil {
		snap := s.lastStrategy.Snapshot()
		m.Strategy = &snap
	}
	s.metricsMu.Unlock()
	m.Projects = s.ListProjects()
	return m
}

// Close stops watchers and flushes persisted state.
func (s *Service) Close() error {
	s.StopWatching()
	return s.cache.Flush()
}
