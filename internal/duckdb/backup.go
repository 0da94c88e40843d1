package duckdb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrInMemoryStore indicates the store uses an in-memory DB and cannot be snapshotted.
var ErrInMemoryStore = errors.New("duckdb: in-memory store cannot be snapshotted")

const snapshotLayout = "20060102T150405Z"

// DBPath returns the configured DuckDB path. Empty means in-memory DB.
func (s *Store) DBPath() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dbPath
}

// SnapshotTo checkpoints the database and copies its file to dstPath.
// The copy happens outside the store lock.
func (s *Store) SnapshotTo(dstPath string) error {
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	s.mu.Lock()
	dbPath := s.dbPath
	if dbPath == "" {
		s.mu.Unlock()
		return ErrInMemoryStore
	}
	if _, err := s.db.Exec("CHECKPOINT"); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("checkpoint: %w", err)
	}
	s.mu.Unlock()

	if err := copyFile(dbPath, dstPath); err != nil {
		return fmt.Errorf("copy duckdb file: %w", err)
	}
	return nil
}

// Snapshotter writes timestamped snapshots into a directory and keeps the
// newest Keep of them.
type Snapshotter struct {
	Store *Store
	Dir   string
	Keep  int
	now   func() time.Time
}

// Snapshot writes one snapshot. It matches the pipeline snapshot hook.
func (sn *Snapshotter) Snapshot(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := time.Now
	if sn.now != nil {
		now = sn.now
	}
	name := "errtally-" + now().UTC().Format(snapshotLayout) + ".duckdb"
	dst := filepath.Join(sn.Dir, name)
	if err := sn.Store.SnapshotTo(dst); err != nil {
		return err
	}
	log.Printf("duckdb: snapshot written to %s", dst)
	if sn.Keep > 0 {
		sn.prune()
	}
	return nil
}

func (sn *Snapshotter) prune() {
	entries, err := os.ReadDir(sn.Dir)
	if err != nil {
		log.Printf("duckdb: list snapshots: %v", err)
		return
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "errtally-") && strings.HasSuffix(e.Name(), ".duckdb") {
			names = append(names, e.Name())
		}
	}
	if len(names) <= sn.Keep {
		return
	}
	sort.Strings(names)
	for _, name := range names[:len(names)-sn.Keep] {
		if err := os.Remove(filepath.Join(sn.Dir, name)); err != nil {
			log.Printf("duckdb: remove old snapshot %s: %v", name, err)
		}
	}
}

func copyFile(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	tmp := dstPath + ".tmp"
	dst, err := os.Create(tmp)
	if err != nil {
		return err
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dstPath)
}
