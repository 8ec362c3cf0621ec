// Package imagestore implements the shared image store (C1): a directory on
// a cluster-visible filesystem holding per-environment tarballs named
// "<env>-<unix-ts>.tar", where the greatest timestamp is canonical.
package imagestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/cuemby/hakuriver/pkg/log"
)

// envNamePattern matches the <env> portion of a tarball filename.
var envNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// filenamePattern extracts (env, ts) from "<env>-<unix-ts>.tar".
var filenamePattern = regexp.MustCompile(`^([a-z0-9][a-z0-9._-]*)-(\d+)\.tar$`)

// Entry is one tarball artifact: an environment name, its timestamp, and its
// path on the shared filesystem.
type Entry struct {
	Env       string
	Timestamp int64
	Path      string
}

// ImageTag returns the local runtime image tag this entry's environment
// syncs to, e.g. "kohakuriver/base:base".
func (e Entry) ImageTag() string {
	return ImageTag(e.Env)
}

// ImageTag returns the canonical local runtime tag for an environment name.
func ImageTag(env string) string {
	return fmt.Sprintf("kohakuriver/%s:base", env)
}

// Store is the shared-filesystem-backed image tarball directory.
type Store struct {
	dir string
}

// New returns a Store rooted at dir. The directory need not exist yet: List
// tolerates its absence and Put creates it on demand.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// List returns every tarball for env, sorted descending by timestamp. A
// missing store directory yields an empty list, not an error.
func (s *Store) List(env string) ([]Entry, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("imagestore: list %s: %w", s.dir, err)
	}

	var out []Entry
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		m := filenamePattern.FindStringSubmatch(de.Name())
		if m == nil || m[1] != env {
			continue
		}
		ts, err := strconv.ParseInt(m[2], 10, 64)
		if err != nil {
			continue
		}
		out = append(out, Entry{Env: env, Timestamp: ts, Path: filepath.Join(s.dir, de.Name())})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	return out, nil
}

// Latest returns the canonical (greatest-timestamp) entry for env, or
// (Entry{}, false) if none exists.
func (s *Store) Latest(env string) (Entry, bool, error) {
	entries, err := s.List(env)
	if err != nil {
		return Entry{}, false, err
	}
	if len(entries) == 0 {
		return Entry{}, false, nil
	}
	return entries[0], true, nil
}

// Committer saves a running container to a tarball at the given path; it is
// satisfied by pkg/runtime's Adapter.Commit+Save pair.
type Committer interface {
	CommitAndSave(ctx context.Context, containerName, repoTag, destPath string) error
}

// Put snapshots sourceContainer into a new tarball for env with a timestamp
// strictly greater than any existing tarball for that env, then deletes older
// tarballs for the env (keep-1 policy). It returns the new entry.
func (s *Store) Put(ctx context.Context, env, sourceContainer string, committer Committer, nowUnix int64) (Entry, error) {
	if !envNamePattern.MatchString(env) {
		return Entry{}, fmt.Errorf("imagestore: invalid env name %q", env)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return Entry{}, fmt.Errorf("imagestore: mkdir %s: %w", s.dir, err)
	}

	existing, err := s.List(env)
	if err != nil {
		return Entry{}, err
	}

	ts := nowUnix
	if len(existing) > 0 && ts <= existing[0].Timestamp {
		ts = existing[0].Timestamp + 1
	}

	filename := fmt.Sprintf("%s-%d.tar", env, ts)
	path := filepath.Join(s.dir, filename)

	if err := committer.CommitAndSave(ctx, sourceContainer, ImageTag(env), path); err != nil {
		return Entry{}, fmt.Errorf("imagestore: commit+save %s: %w", env, err)
	}

	for _, old := range existing {
		if rmErr := os.Remove(old.Path); rmErr != nil && !os.IsNotExist(rmErr) {
			log.WithComponent("imagestore").Warn().Err(rmErr).Str("path", old.Path).Msg("failed to remove superseded tarball")
		}
	}

	return Entry{Env: env, Timestamp: ts, Path: path}, nil
}

// ParseEnvFromImageTag extracts the environment name from a
// "kohakuriver/<env>:base" tag, or "" if it doesn't match.
func ParseEnvFromImageTag(tag string) string {
	const prefix = "kohakuriver/"
	const suffix = ":base"
	if !strings.HasPrefix(tag, prefix) || !strings.HasSuffix(tag, suffix) {
		return ""
	}
	return strings.TrimSuffix(strings.TrimPrefix(tag, prefix), suffix)
}
