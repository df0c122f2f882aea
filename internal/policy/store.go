// Package policy holds the in-memory mirror of the persisted policy document
// and answers the mediation core's questions: which fake secret does a
// request carry, which stored pattern matches its key, and what is the real
// credential. Mutations are write-through: every grant or rejection added
// re-serializes the whole document.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/tokengate/tokengate/internal/pattern"
)

// ErrNoRealSecret is returned when the env var behind a secret is unset at
// forward time.
var ErrNoRealSecret = errors.New("no real secret configured")

// ErrUnknownSecret is returned by mutations naming a host/secret pair that
// is not in the document.
var ErrUnknownSecret = errors.New("unknown host or secret")

// Secret is an immutable snapshot identifying one configured fake secret.
// The mediation core holds it across suspension points; pattern lists are
// always re-read from the store so concurrent mutations are observed.
type Secret struct {
	Host       string
	FakeSecret string
	EnvVarName string
}

// Store is the in-memory policy mirror. Reads take a shared lock; mutations
// and reloads serialize through the write lock and persist before returning.
type Store struct {
	path   string
	logger *slog.Logger

	mu  sync.RWMutex
	doc Document
}

// Load reads the document at path. An absent file is an empty configuration.
func Load(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	doc, err := readDocument(path)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, logger: logger, doc: doc}, nil
}

// Hosts returns the configured hostnames.
func (s *Store) Hosts() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hosts := make([]string, 0, len(s.doc))
	for h := range s.doc {
		hosts = append(hosts, h)
	}
	return hosts
}

// OpenAPISource returns the host's spec source, if any.
func (s *Store) OpenAPISource(host string) *OpenAPISource {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hp := s.doc[host]
	if hp == nil || hp.OpenAPISpec == nil {
		return nil
	}
	src := *hp.OpenAPISpec
	return &src
}

// IsGraphQLEndpoint reports whether the path (query string ignored) is one
// of the host's configured GraphQL endpoints.
func (s *Store) IsGraphQLEndpoint(host, path string) bool {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	hp := s.doc[host]
	if hp == nil {
		return false
	}
	for _, ep := range hp.GraphQLEndpoints {
		if ep == path {
			return true
		}
	}
	return false
}

// FindSecretConfig scans the host's secrets in order and returns the first
// whose fake secret appears as a substring of any header value. A request
// matching no fake secret returns nil and is outside policy scope.
func (s *Store) FindSecretConfig(host string, header http.Header) *Secret {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hp := s.doc[host]
	if hp == nil {
		return nil
	}
	for _, sp := range hp.Secrets {
		if sp.Secret == "" {
			continue
		}
		for _, values := range header {
			for _, v := range values {
				if strings.Contains(v, sp.Secret) {
					return &Secret{Host: host, FakeSecret: sp.Secret, EnvVarName: sp.SecretEnvVarName}
				}
			}
		}
	}
	return nil
}

// MatchingRejection returns the first rejection pattern matching the key.
func (s *Store) MatchingRejection(sec *Secret, key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sp := s.secretLocked(sec)
	if sp == nil {
		return "", false
	}
	return s.matchList(sp.Rejections, key)
}

// MatchingGrant returns the first grant pattern matching the key.
func (s *Store) MatchingGrant(sec *Secret, key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sp := s.secretLocked(sec)
	if sp == nil {
		return "", false
	}
	return s.matchList(sp.Grants, key)
}

func (s *Store) matchList(patterns []string, key string) (string, bool) {
	for _, p := range patterns {
		ok, err := pattern.Matches(p, key)
		if err != nil {
			// Erroring patterns never match; surface the diagnostic without
			// the request's secret material.
			s.logger.Warn("pattern match failed", "pattern", p, "error", err)
			continue
		}
		if ok {
			return p, true
		}
	}
	return "", false
}

// AddGrant appends a grant pattern and persists. Adding a pattern already in
// the list is a no-op.
func (s *Store) AddGrant(sec *Secret, pat string) error {
	return s.addPattern(sec, pat, false)
}

// AddRejection appends a rejection pattern and persists.
func (s *Store) AddRejection(sec *Secret, pat string) error {
	return s.addPattern(sec, pat, true)
}

func (s *Store) addPattern(sec *Secret, pat string, rejection bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp := s.secretLocked(sec)
	if sp == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSecret, sec.Host)
	}
	list := &sp.Grants
	if rejection {
		list = &sp.Rejections
	}
	for _, existing := range *list {
		if existing == pat {
			return nil
		}
	}
	*list = append(*list, pat)
	if err := writeDocument(s.path, s.doc); err != nil {
		// Keep the in-memory append; the next successful mutation persists it.
		return err
	}
	return nil
}

func (s *Store) secretLocked(sec *Secret) *SecretPolicy {
	if sec == nil {
		return nil
	}
	hp := s.doc[sec.Host]
	if hp == nil {
		return nil
	}
	for _, sp := range hp.Secrets {
		if sp.Secret == sec.FakeSecret {
			return sp
		}
	}
	return nil
}

// ResolveRealSecret reads the real credential from the process environment.
func (s *Store) ResolveRealSecret(sec *Secret) (string, error) {
	if sec.EnvVarName == "" {
		return "", fmt.Errorf("%w for %s", ErrNoRealSecret, sec.Host)
	}
	v := os.Getenv(sec.EnvVarName)
	if v == "" {
		return "", fmt.Errorf("%w: %s is unset", ErrNoRealSecret, sec.EnvVarName)
	}
	return v, nil
}

// Reload re-reads the document from disk, replacing the in-memory state.
// Out-of-band edits win over in-memory state: deleting a grant from the file
// revokes it.
func (s *Store) Reload() error {
	doc, err := readDocument(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()
	return nil
}

// Watch reloads the document whenever the file changes on disk, until ctx is
// done. Rename-based replacement (our own persist included) shows up as
// Create events on the watched directory.
func (s *Store) Watch(ctx context.Context, onReload func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create policy watcher: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
					continue
				}
				if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
					continue
				}
				if err := s.Reload(); err != nil {
					s.logger.Warn("policy reload failed", "path", s.path, "error", err)
					continue
				}
				s.logger.Info("policy document reloaded", "path", s.path)
				if onReload != nil {
					onReload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("policy watcher error", "error", err)
			}
		}
	}()
	return nil
}
