package contentcache

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"inkdeck/pkg/logx"
)

// RetrievalError wraps a failure to obtain content from its source.
type RetrievalError struct {
	URL string
	Err error
}

func (e *RetrievalError) Error() string { return "retrieve " + e.URL + ": " + e.Err.Error() }
func (e *RetrievalError) Unwrap() error { return e.Err }

// StorageError wraps a failure to persist or manage cached content on disk.
type StorageError struct {
	Path string
	Err  error
}

func (e *StorageError) Error() string { return "cache storage " + e.Path + ": " + e.Err.Error() }
func (e *StorageError) Unwrap() error { return e.Err }

// Cache is the shared on-disk content store. All access goes through Scopes.
type Cache struct {
	root    string
	fetcher Fetcher
	log     logx.Logger

	mu     sync.Mutex
	scopes map[string]*Scope

	now func() time.Time
}

// New opens (and creates if needed) a cache rooted at dir.
func New(dir string, fetcher Fetcher, log logx.Logger) (*Cache, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("contentcache: empty root dir")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &StorageError{Path: dir, Err: err}
	}
	return &Cache{
		root:    dir,
		fetcher: fetcher,
		log:     log.With(logx.String("comp", "cache")),
		scopes:  make(map[string]*Scope),
		now:     time.Now,
	}, nil
}

// Root returns the cache root directory.
func (c *Cache) Root() string { return c.root }

// Scope returns the per-instance view for identity. Repeated calls with the
// same identity return the same Scope with the TTL updated.
func (c *Cache) Scope(identity string, ttl time.Duration) *Scope {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.scopes[identity]; ok {
		s.mu.Lock()
		s.ttl = ttl
		s.mu.Unlock()
		return s
	}
	s := &Scope{
		cache:    c,
		identity: identity,
		dir:      filepath.Join(c.root, identity),
		ttl:      ttl,
		log:      c.log.With(logx.String("plugin", identity)),
	}
	c.scopes[identity] = s
	return s
}

// ClearAll sweeps every known scope. With all=true it additionally removes
// any orphaned scope directories left by instances that no longer exist.
func (c *Cache) ClearAll(all bool) error {
	c.mu.Lock()
	scopes := make([]*Scope, 0, len(c.scopes))
	for _, s := range c.scopes {
		scopes = append(scopes, s)
	}
	c.mu.Unlock()

	var firstErr error
	for _, s := range scopes {
		if err := s.Clear(all); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if all {
		entries, err := os.ReadDir(c.root)
		if err != nil {
			if firstErr == nil {
				firstErr = &StorageError{Path: c.root, Err: err}
			}
			return firstErr
		}
		known := make(map[string]bool, len(scopes))
		for _, s := range scopes {
			known[s.identity] = true
		}
		for _, e := range entries {
			if !e.IsDir() || known[e.Name()] {
				continue
			}
			orphan := filepath.Join(c.root, e.Name())
			if err := os.RemoveAll(orphan); err != nil && firstErr == nil {
				firstErr = &StorageError{Path: orphan, Err: err}
			}
		}
	}
	return firstErr
}

// Scope is one plugin instance's view of the cache. Files live under
// root/<identity>/ and expire once their age exceeds the TTL.
type Scope struct {
	cache    *Cache
	identity string
	dir      string
	log      logx.Logger

	mu  sync.Mutex
	ttl time.Duration
}

// Dir returns the scope directory. It may not exist yet.
func (s *Scope) Dir() string { return s.dir }

// TTL returns the current freshness bound.
func (s *Scope) TTL() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ttl
}

// Fetch returns the local path of the content behind rawURL. A cached copy
// younger than the TTL is returned as-is; otherwise the content is retrieved,
// written to a temp file and renamed into place before the path is returned.
func (s *Scope) Fetch(ctx context.Context, rawURL string) (string, error) {
	local := filepath.Join(s.dir, localName(rawURL))

	if st, err := os.Stat(local); err == nil {
		age := s.cache.now().Sub(st.ModTime())
		if ttl := s.TTL(); ttl > 0 && age < ttl {
			s.log.Debug("cache hit", logx.String("url", rawURL), logx.Duration("age", age))
			return local, nil
		}
	}

	if s.cache.fetcher == nil {
		return "", &RetrievalError{URL: rawURL, Err: fmt.Errorf("no fetcher configured")}
	}

	body, err := s.cache.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return "", &RetrievalError{URL: rawURL, Err: err}
	}
	defer body.Close()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", &StorageError{Path: s.dir, Err: err}
	}

	tmp := local + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return "", &StorageError{Path: tmp, Err: err}
	}
	if _, err := io.Copy(f, body); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", &RetrievalError{URL: rawURL, Err: err}
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", &StorageError{Path: tmp, Err: err}
	}
	if err := os.Rename(tmp, local); err != nil {
		_ = os.Remove(tmp)
		return "", &StorageError{Path: local, Err: err}
	}

	s.log.Debug("cache fill", logx.String("url", rawURL), logx.String("path", local))
	return local, nil
}

// Clear removes cached files in this scope. With all=true every file goes;
// otherwise only files older than the TTL are removed.
func (s *Scope) Clear(all bool) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &StorageError{Path: s.dir, Err: err}
	}

	ttl := s.TTL()
	now := s.cache.now()
	removed := 0
	var firstErr error
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		p := filepath.Join(s.dir, e.Name())
		if !all {
			st, err := e.Info()
			if err != nil {
				continue
			}
			if ttl > 0 && now.Sub(st.ModTime()) < ttl {
				continue
			}
		}
		if err := os.Remove(p); err != nil {
			if firstErr == nil {
				firstErr = &StorageError{Path: p, Err: err}
			}
			continue
		}
		removed++
	}
	if removed > 0 {
		s.log.Debug("cache sweep", logx.Int("removed", removed), logx.Bool("all", all))
	}
	return firstErr
}

// localName maps a URL to a stable file name inside the scope. The basename
// of the URL path is used when it is usable; otherwise a hash of the full
// URL stands in so opaque URLs still cache.
func localName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err == nil {
		if base := path.Base(u.Path); base != "" && base != "." && base != "/" {
			return base
		}
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(rawURL))
	return fmt.Sprintf("u%016x", h.Sum64())
}
