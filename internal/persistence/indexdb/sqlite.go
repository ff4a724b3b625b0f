// Package indexdb maintains a queryable sqlite index of sync passes and
// snapshot files. It implements the stage's PassLogger.
package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"scenesync.dev/internal/persistence/snapshot"
	"scenesync.dev/internal/stage"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool
}

type reqKind int

const (
	reqPass reqKind = iota + 1
	reqSnapshot
)

type req struct {
	kind reqKind

	pass     stage.PassLogEntry
	snapshot snapshotRow
}

type snapshotRow struct {
	Pass    uint64
	Path    string
	StageID string
	Objects int
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		// High buffer: absorb bursty pass traffic without stalling the stage.
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads.
	// NORMAL is a decent durability/perf tradeoff for a secondary index.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS passes (
			pass INTEGER PRIMARY KEY,
			source TEXT NOT NULL,
			seq INTEGER NOT NULL,
			added INTEGER NOT NULL,
			changed INTEGER NOT NULL,
			removed INTEGER NOT NULL,
			objects INTEGER NOT NULL,
			digest TEXT NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_passes_source ON passes(source, pass);`,
		`CREATE TABLE IF NOT EXISTS failures (
			pass INTEGER NOT NULL,
			key TEXT NOT NULL,
			code TEXT NOT NULL,
			message TEXT,
			PRIMARY KEY (pass, key)
		);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			pass INTEGER PRIMARY KEY,
			path TEXT NOT NULL,
			stage_id TEXT NOT NULL,
			objects INTEGER NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// WritePass implements stage.PassLogger.
func (s *SQLiteIndex) WritePass(entry stage.PassLogEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqPass, pass: entry}:
	default:
		// Drop if the indexer falls behind; snapshots remain the source of truth.
	}
	return nil
}

func (s *SQLiteIndex) RecordSnapshot(path string, snap snapshot.SnapshotV1) {
	if s == nil || s.closed.Load() {
		return
	}
	r := snapshotRow{
		Pass:    snap.Header.Pass,
		Path:    path,
		StageID: snap.Header.StageID,
		Objects: len(snap.Objects),
	}
	select {
	case s.ch <- req{kind: reqSnapshot, snapshot: r}:
	default:
	}
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	// Prepared statements (on db; executed within tx).
	insertPass, _ := s.db.Prepare(`INSERT OR REPLACE INTO passes(pass,source,seq,added,changed,removed,objects,digest,raw_json) VALUES(?,?,?,?,?,?,?,?,?)`)
	insertFailure, _ := s.db.Prepare(`INSERT OR REPLACE INTO failures(pass,key,code,message) VALUES(?,?,?,?)`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(pass,path,stage_id,objects,recorded_at) VALUES(?,?,?,?,?)`)
	defer func() {
		if insertPass != nil {
			_ = insertPass.Close()
		}
		if insertFailure != nil {
			_ = insertFailure.Close()
		}
		if insertSnapshot != nil {
			_ = insertSnapshot.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			// If we can't start a tx, we can't do much; sleep a bit.
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
	}
	defer commit()

	flushTimer := time.NewTicker(500 * time.Millisecond)
	defer flushTimer.Stop()

	for {
		select {
		case r, ok := <-s.ch:
			if !ok {
				return
			}
			begin()
			if tx == nil {
				continue
			}
			switch r.kind {
			case reqPass:
				raw, _ := json.Marshal(r.pass)
				_, _ = tx.Stmt(insertPass).Exec(
					int64(r.pass.Pass), r.pass.Source, int64(r.pass.Seq),
					r.pass.Added, r.pass.Changed, r.pass.Removed,
					r.pass.Objects, r.pass.Digest, string(raw),
				)
				for _, f := range r.pass.Failures {
					_, _ = tx.Stmt(insertFailure).Exec(int64(r.pass.Pass), f.Key, f.Code, f.Message)
				}
				opCount += 1 + len(r.pass.Failures)
			case reqSnapshot:
				now := time.Now().UTC().Format(time.RFC3339Nano)
				_, _ = tx.Stmt(insertSnapshot).Exec(int64(r.snapshot.Pass), r.snapshot.Path, r.snapshot.StageID, r.snapshot.Objects, now)
				opCount++
			}
			if opCount >= commitEvery || time.Since(lastCommit) > commitMaxWait {
				commit()
			}
		case <-flushTimer.C:
			commit()
		}
	}
}
