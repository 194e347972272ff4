// Package scanner walks a project tree, diffs it against the persisted mtime
// cache, and chunks changed files into uploadable blobs. Files are
// independent, so chunking runs on a worker pool.
package scanner

import (
	"bufio"
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	gitignore "github.com/go-git/go-git/v5/plumbing/format/gitignore"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/acetool-go/internal/chunker"
	"github.com/yourorg/acetool-go/internal/config"
	"github.com/yourorg/acetool-go/internal/logging"
)

// ScannedFile is one file's outcome for a sync pass.
type ScannedFile struct {
	AbsPath string
	RelPath string
	Mtime   int64
	Size    int64

	// Blobs and Hashes are populated for files that were (re)chunked.
	Blobs  []chunker.Blob
	Hashes []string

	// Unchanged files matched their cache entry and produce no traffic.
	Unchanged bool
	// SkipReason marks files excluded from upload (oversized, binary,
	// unreadable). Skipped files are not fatal to the pass.
	SkipReason string
}

// Scanner enumerates and chunks project files.
type Scanner struct {
	cfg     *config.Config
	chunker *chunker.Chunker
	logger  *logging.Logger

	allowedExts  map[string]struct{}
	allowedNames map[string]struct{}

	mu         sync.Mutex
	gitignores map[string]gitignore.Matcher
}

func New(cfg *config.Config, ch *chunker.Chunker, logger *logging.Logger) *Scanner {
	exts := make(map[string]struct{}, len(cfg.TextExtensions))
	for _, e := range cfg.TextExtensions {
		exts[strings.ToLower(e)] = struct{}{}
	}
	names := make(map[string]struct{}, len(cfg.TextFilenames))
	for _, n := range cfg.TextFilenames {
		names[n] = struct{}{}
	}
	return &Scanner{
		cfg:          cfg,
		chunker:      ch,
		logger:       logger,
		allowedExts:  exts,
		allowedNames: names,
		gitignores:   make(map[string]gitignore.Matcher),
	}
}

// InvalidateIgnoreRules drops the cached .gitignore matcher for a project so
// the next scan reloads it.
func (s *Scanner) InvalidateIgnoreRules(root string) {
	s.mu.Lock()
	delete(s.gitignores, root)
	s.mu.Unlock()
}

func (s *Scanner) ignoreMatcher(root string) gitignore.Matcher {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.gitignores[root]; ok {
		return m
	}

	var matcher gitignore.Matcher
	f, err := os.Open(filepath.Join(root, ".gitignore"))
	if err == nil {
		defer f.Close()
		var patterns []gitignore.Pattern
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			patterns = append(patterns, gitignore.ParsePattern(line, nil))
		}
		if len(patterns) > 0 {
			matcher = gitignore.NewMatcher(patterns)
		}
	}
	s.gitignores[root] = matcher
	return matcher
}

func (s *Scanner) excluded(root, relPath string, isDir bool) bool {
	if m := s.ignoreMatcher(root); m != nil {
		if m.Match(strings.Split(relPath, "/"), isDir) {
			return true
		}
	}
	for _, part := range strings.Split(relPath, "/") {
		for _, pat := range s.cfg.ExcludePatterns {
			if part == pat {
				return true
			}
		}
	}
	return false
}

func (s *Scanner) isTextCandidate(name string) bool {
	if _, ok := s.allowedNames[name]; ok {
		return true
	}
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return false
	}
	_, ok := s.allowedExts[ext]
	return ok
}

// enumerate walks the tree and returns candidate files in path order.
func (s *Scanner) enumerate(root string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subtree: log and keep walking.
			s.logger.Warn("walk error", logging.String("path", path), logging.Error(err))
			return nil
		}
		if path == root {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if s.excluded(root, rel, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if s.excluded(root, rel, false) {
			return nil
		}
		if !s.isTextCandidate(d.Name()) {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

// Scan walks root and returns one ScannedFile per candidate. Files whose
// (mtime, size) match their cache entry are marked Unchanged and skipped
// without reading content; everything else is read and chunked.
func (s *Scanner) Scan(ctx context.Context, root string, cache *Cache) ([]ScannedFile, error) {
	paths, err := s.enumerate(root)
	if err != nil {
		return nil, err
	}

	results := make([]ScannedFile, len(paths))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			results[i] = s.processFile(root, path, cache)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	changed, unchanged, skipped := 0, 0, 0
	for _, r := range results {
		switch {
		case r.Unchanged:
			unchanged++
		case r.SkipReason != "":
			skipped++
		default:
			changed++
		}
	}
	s.logger.Info("scan complete",
		logging.String("root", root),
		logging.Int("changed", changed),
		logging.Int("unchanged", unchanged),
		logging.Int("skipped", skipped),
	)
	return results, nil
}

// IsCandidate reports whether a single path would be picked up by a scan.
// Used by the file watcher to filter raw filesystem events.
func (s *Scanner) IsCandidate(root, absPath string) bool {
	rel, err := filepath.Rel(root, absPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return false
	}
	rel = filepath.ToSlash(rel)
	if s.excluded(root, rel, false) {
		return false
	}
	return s.isTextCandidate(filepath.Base(absPath))
}

// ScanFile evaluates one file against the cache, chunking it when changed.
func (s *Scanner) ScanFile(root, absPath string, cache *Cache) ScannedFile {
	return s.processFile(root, absPath, cache)
}

func (s *Scanner) processFile(root, absPath string, cache *Cache) ScannedFile {
	relPath, err := filepath.Rel(root, absPath)
	if err != nil {
		return ScannedFile{AbsPath: absPath, SkipReason: "unresolvable path"}
	}
	relPath = filepath.ToSlash(relPath)

	out := ScannedFile{AbsPath: absPath, RelPath: relPath}

	info, err := os.Stat(absPath)
	if err != nil {
		out.SkipReason = "stat failed: " + err.Error()
		return out
	}
	out.Mtime = info.ModTime().Unix()
	out.Size = info.Size()

	if prev, ok := cache.Lookup(root, absPath); ok {
		if prev.Mtime == out.Mtime && prev.Size == out.Size {
			out.Unchanged = true
			out.Hashes = prev.Hashes
			return out
		}
	}

	if s.cfg.MaxFileBytes > 0 && info.Size() > int64(s.cfg.MaxFileBytes) {
		out.SkipReason = "file too large"
		return out
	}

	raw, err := os.ReadFile(absPath)
	if err != nil {
		out.SkipReason = "read failed: " + err.Error()
		return out
	}

	blobs, err := s.chunker.Split(relPath, raw)
	if err != nil {
		out.SkipReason = "binary content"
		return out
	}
	out.Blobs = blobs
	out.Hashes = make([]string, len(blobs))
	for i, b := range blobs {
		out.Hashes[i] = b.Hash()
	}
	return out
}
