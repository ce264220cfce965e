// End-to-end demonstration of the 2PC manager's six literal scenarios.
//
// Use `twophase-example` to drive the prepare/finish/recovery/checkpoint
// pipelines against a real WAL segment on disk, one scenario at a time,
// the same way `smoketest` drives RockyardKV's own end-to-end paths.
//
// Run it:
//
// ```bash
// go run ./example
// ```
package main

import (
	"bytes"
	"fmt"
	"os"

	"github.com/aalhour/twophase"
	"github.com/aalhour/twophase/internal/vfs"
)

var verbose = true

func main() {
	fmt.Println("╔══════════════════════════════════════════════════════════════╗")
	fmt.Println("║           Two-Phase Commit Manager — Scenario Walkthrough       ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")
	fmt.Println()

	scenarios := []struct {
		name string
		fn   func(dir string) error
	}{
		{"Happy commit", scenarioHappyCommit},
		{"Rollback after prepare", scenarioRollbackAfterPrepare},
		{"Duplicate GID rejection", scenarioDuplicateGidRejection},
		{"Crash-replay", scenarioCrashReplay},
		{"Cross-session race", scenarioCrossSessionRace},
		{"Checkpoint horizon", scenarioCheckpointHorizon},
	}

	passed, failed := 0, 0
	for _, s := range scenarios {
		fmt.Printf("\n🧪 Scenario: %s\n", s.name)
		dir, err := os.MkdirTemp("", "twophase-example-*")
		if err != nil {
			fatal("MkdirTemp: %v", err)
		}

		if err := s.fn(dir); err != nil {
			fmt.Printf("   ❌ FAILED: %v\n", err)
			failed++
		} else {
			fmt.Printf("   ✅ PASSED\n")
			passed++
		}
		os.RemoveAll(dir)
	}

	fmt.Println()
	fmt.Println("═══════════════════════════════════════════════════════════════")
	fmt.Printf("Results: %d passed, %d failed\n", passed, failed)
	if failed > 0 {
		os.Exit(1)
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func log(format string, args ...any) {
	if verbose {
		fmt.Printf(format+"\n", args...)
	}
}

func openManager(dir string) (*twophase.Manager, error) {
	opts := twophase.DefaultOptions()
	opts.MaxPreparedXacts = 8
	m, err := twophase.Open(vfs.Default(), dir, opts)
	if err != nil {
		return nil, err
	}
	m.SetUnlinker(dirUnlinker{dir: dir})
	return m, nil
}

// dirUnlinker unlinks a relation's synthetic file under dir/relations,
// created up front by prepareWithRels so scenarios 1/2 have something
// real to observe being dropped.
type dirUnlinker struct{ dir string }

func (u dirUnlinker) Unlink(node twophase.RelFileNode) error {
	path := relPath(u.dir, node)
	err := os.Remove(path)
	if err == nil || os.IsNotExist(err) {
		return nil
	}
	return err
}

func relPath(dir string, node twophase.RelFileNode) string {
	return fmt.Sprintf("%s/rel-%d-%d-%d", dir, node.Tablespace, node.Database, node.Relfilenode)
}

func touchRel(dir string, node twophase.RelFileNode) error {
	path := relPath(dir, node)
	return os.WriteFile(path, []byte("relation data"), 0o644)
}

func relExists(dir string, node twophase.RelFileNode) bool {
	_, err := os.Stat(relPath(dir, node))
	return err == nil
}

// prepareWithRels drives ReservePrepare..EndPayloadAndCommitToWAL for one
// transaction with a commit-rel, an abort-rel, and one rmgr record.
func prepareWithRels(m *twophase.Manager, dir, gid string, xid uint32, rmid uint8, data []byte, commitRel, abortRel twophase.RelFileNode) (twophase.SlotHandle, error) {
	h, err := m.ReservePrepare(twophase.ReserveParams{Gid: gid, Xid: xid, Owner: 1, Database: 7, Session: int64(xid)})
	if err != nil {
		return h, fmt.Errorf("ReservePrepare: %w", err)
	}
	if err := m.BeginPayload(h); err != nil {
		return h, fmt.Errorf("BeginPayload: %w", err)
	}
	if err := m.SetCommitRels(h, []twophase.RelFileNode{commitRel}); err != nil {
		return h, fmt.Errorf("SetCommitRels: %w", err)
	}
	if err := m.SetAbortRels(h, []twophase.RelFileNode{abortRel}); err != nil {
		return h, fmt.Errorf("SetAbortRels: %w", err)
	}
	if err := m.RegisterPayload(h, rmid, 0, data); err != nil {
		return h, fmt.Errorf("RegisterPayload: %w", err)
	}
	if err := touchRel(dir, commitRel); err != nil {
		return h, fmt.Errorf("touchRel commit: %w", err)
	}
	if err := touchRel(dir, abortRel); err != nil {
		return h, fmt.Errorf("touchRel abort: %w", err)
	}
	if _, _, err := m.EndPayloadAndCommitToWAL(h); err != nil {
		return h, fmt.Errorf("EndPayloadAndCommitToWAL: %w", err)
	}
	return h, nil
}

// Scenario 1: happy commit (spec.md §8, scenario 1).
func scenarioHappyCommit(dir string) error {
	m, err := openManager(dir)
	if err != nil {
		return err
	}
	defer m.Close()

	var committed []byte
	if err := m.RegisterRmgr(5,
		func(xid uint32, info uint16, data []byte) error { committed = data; return nil },
		nil, nil,
	); err != nil {
		return fmt.Errorf("RegisterRmgr: %w", err)
	}

	commitRel := twophase.RelFileNode{Tablespace: 1, Database: 2, Relfilenode: 3}
	abortRel := twophase.RelFileNode{Tablespace: 9, Database: 9, Relfilenode: 99}

	h, err := prepareWithRels(m, dir, "gxa", 42, 5, []byte{0xAA, 0xBB}, commitRel, abortRel)
	if err != nil {
		return err
	}
	if err := m.LoadSubxacts(h, []uint32{43, 44}); err != nil {
		return fmt.Errorf("LoadSubxacts: %w", err)
	}
	log("  prepared gid=gxa xid=42 with subxacts [43 44]")

	finished, err := m.Finish(twophase.FinishParams{Gid: "gxa", IsCommit: true, CallerRole: 1, Database: 7})
	if err != nil {
		return fmt.Errorf("Finish: %w", err)
	}
	if !finished {
		return fmt.Errorf("want finished=true")
	}
	if !bytes.Equal(committed, []byte{0xAA, 0xBB}) {
		return fmt.Errorf("rmgr 5 post-commit callback saw %v, want [0xAA 0xBB]", committed)
	}
	if relExists(dir, abortRel) {
		return fmt.Errorf("abort-rel should not be touched by a commit")
	}
	if relExists(dir, commitRel) {
		return fmt.Errorf("commit-rel should have been unlinked")
	}
	if len(m.ListPrepared()) != 0 {
		return fmt.Errorf("registry should be empty after commit")
	}
	log("  commit-rel unlinked, abort-rel untouched, registry empty")
	return nil
}

// Scenario 2: rollback after prepare (spec.md §8, scenario 2).
func scenarioRollbackAfterPrepare(dir string) error {
	m, err := openManager(dir)
	if err != nil {
		return err
	}
	defer m.Close()

	var aborted []byte
	if err := m.RegisterRmgr(5, nil,
		func(xid uint32, info uint16, data []byte) error { aborted = data; return nil },
		nil,
	); err != nil {
		return fmt.Errorf("RegisterRmgr: %w", err)
	}

	commitRel := twophase.RelFileNode{Tablespace: 1, Database: 2, Relfilenode: 3}
	abortRel := twophase.RelFileNode{Tablespace: 9, Database: 9, Relfilenode: 99}

	if _, err := prepareWithRels(m, dir, "gxa", 42, 5, []byte{0xAA, 0xBB}, commitRel, abortRel); err != nil {
		return err
	}

	finished, err := m.Finish(twophase.FinishParams{Gid: "gxa", IsCommit: false, CallerRole: 1, Database: 7})
	if err != nil {
		return fmt.Errorf("Finish: %w", err)
	}
	if !finished {
		return fmt.Errorf("want finished=true")
	}
	if !bytes.Equal(aborted, []byte{0xAA, 0xBB}) {
		return fmt.Errorf("rmgr 5 post-abort callback saw %v, want [0xAA 0xBB]", aborted)
	}
	if relExists(dir, commitRel) {
		return fmt.Errorf("commit-rel should not be touched by a rollback")
	}
	if relExists(dir, abortRel) {
		return fmt.Errorf("abort-rel should have been unlinked")
	}
	if len(m.ListPrepared()) != 0 {
		return fmt.Errorf("registry should be empty after rollback")
	}
	log("  abort-rel unlinked, commit-rel untouched, registry empty")
	return nil
}

// Scenario 3: duplicate GID rejection (spec.md §8, scenario 3).
func scenarioDuplicateGidRejection(dir string) error {
	m, err := openManager(dir)
	if err != nil {
		return err
	}
	defer m.Close()

	if _, err := m.ReservePrepare(twophase.ReserveParams{Gid: "gxa", Xid: 1}); err != nil {
		return fmt.Errorf("first ReservePrepare: %w", err)
	}
	_, err = m.ReservePrepare(twophase.ReserveParams{Gid: "gxa", Xid: 2})
	if !twophase.IsKind(err, twophase.KindDuplicateGid) {
		return fmt.Errorf("second ReservePrepare: want DuplicateGid, got %v", err)
	}
	log("  duplicate gxa rejected without consuming a free slot")
	return nil
}

// Scenario 4: crash-replay (spec.md §8, scenario 4).
func scenarioCrashReplay(dir string) error {
	m1, err := openManager(dir)
	if err != nil {
		return err
	}

	h, err := m1.ReservePrepare(twophase.ReserveParams{Gid: "gxb", Xid: 100, Owner: 1, Database: 7})
	if err != nil {
		return fmt.Errorf("ReservePrepare: %w", err)
	}
	if err := m1.BeginPayload(h); err != nil {
		return fmt.Errorf("BeginPayload: %w", err)
	}
	if err := m1.RegisterPayload(h, 1, 0, []byte("payload")); err != nil {
		return fmt.Errorf("RegisterPayload: %w", err)
	}
	if _, _, err := m1.EndPayloadAndCommitToWAL(h); err != nil {
		return fmt.Errorf("EndPayloadAndCommitToWAL: %w", err)
	}
	// Simulate a crash: close without finishing.
	if err := m1.Close(); err != nil {
		return fmt.Errorf("Close: %w", err)
	}
	log("  prepared gxb xid=100, then simulated a crash before finish")

	m2, err := openManager(dir)
	if err != nil {
		return fmt.Errorf("reopen: %w", err)
	}
	defer m2.Close()

	oldest, _, err := m2.PrescanAndAdvanceNextXid(1)
	if err != nil {
		return fmt.Errorf("PrescanAndAdvanceNextXid: %w", err)
	}
	if oldest != 100 {
		return fmt.Errorf("prescan: want oldest=100, got %d", oldest)
	}

	if err := m2.RebuildRecoveryIndexFromWAL(); err != nil {
		return fmt.Errorf("RebuildRecoveryIndexFromWAL: %w", err)
	}
	recovered, err := m2.RecoverPrepared()
	if err != nil {
		return fmt.Errorf("RecoverPrepared: %w", err)
	}
	if recovered != 1 {
		return fmt.Errorf("want 1 recovered xact, got %d", recovered)
	}

	xs := m2.ListPrepared()
	if len(xs) != 1 || xs[0].Gid != "gxb" || xs[0].Xid != 100 {
		return fmt.Errorf("unexpected recovered state: %+v", xs)
	}
	log("  recovered one slot after restart: gid=%s xid=%d", xs[0].Gid, xs[0].Xid)

	if _, err := m2.Finish(twophase.FinishParams{Gid: "gxb", IsCommit: true, CallerRole: 1, Database: 7}); err != nil {
		return fmt.Errorf("Finish after recovery: %w", err)
	}
	log("  finished gxb after recovery")
	return nil
}

// Scenario 5: cross-session race (spec.md §8, scenario 5).
func scenarioCrossSessionRace(dir string) error {
	m, err := openManager(dir)
	if err != nil {
		return err
	}
	defer m.Close()

	h, err := m.ReservePrepare(twophase.ReserveParams{Gid: "gxa", Xid: 1, Owner: 1, Database: 7, Session: 11})
	if err != nil {
		return fmt.Errorf("ReservePrepare: %w", err)
	}
	if err := m.BeginPayload(h); err != nil {
		return fmt.Errorf("BeginPayload: %w", err)
	}
	if err := m.RegisterPayload(h, 1, 0, nil); err != nil {
		return fmt.Errorf("RegisterPayload: %w", err)
	}
	if _, _, err := m.EndPayloadAndCommitToWAL(h); err != nil {
		return fmt.Errorf("EndPayloadAndCommitToWAL: %w", err)
	}

	// Session A (77) locks gxa for finish but never completes — simulating
	// a session that crashed mid-finish.
	lockA, err := m.LockForFinish(twophase.LockParams{Gid: "gxa", Session: 77, CallerRole: 1, Database: 7})
	if err != nil {
		return fmt.Errorf("session A LockForFinish: %w", err)
	}
	_ = lockA
	log("  session A (77) locked gxa for finish")

	// Session B (88) races in and must observe Busy.
	_, err = m.Finish(twophase.FinishParams{Gid: "gxa", IsCommit: true, Session: 88, CallerRole: 1, Database: 7})
	if !twophase.IsKind(err, twophase.KindBusy) {
		return fmt.Errorf("session B Finish while locked: want Busy, got %v", err)
	}
	log("  session B (88) correctly observed Busy")

	// Session A crashes: its abort/exit hook unlocks (not removes) the
	// still-valid slot.
	if err := m.AbortSession(77); err != nil {
		return fmt.Errorf("AbortSession(77): %w", err)
	}
	log("  session A (77) crashed; AbortSession released its lock")

	// Session B's retry now succeeds.
	finished, err := m.Finish(twophase.FinishParams{Gid: "gxa", IsCommit: true, Session: 88, CallerRole: 1, Database: 7})
	if err != nil {
		return fmt.Errorf("session B retry Finish: %w", err)
	}
	if !finished {
		return fmt.Errorf("session B retry: want finished=true")
	}
	log("  session B (88) retry finished gxa successfully")
	return nil
}

// Scenario 6: checkpoint horizon (spec.md §8, scenario 6).
func scenarioCheckpointHorizon(dir string) error {
	m, err := openManager(dir)
	if err != nil {
		return err
	}
	defer m.Close()

	for i, gid := range []string{"gx-100", "gx-200", "gx-300"} {
		h, err := m.ReservePrepare(twophase.ReserveParams{Gid: gid, Xid: uint32(100 * (i + 1)), Owner: 1, Database: 7})
		if err != nil {
			return fmt.Errorf("ReservePrepare(%s): %w", gid, err)
		}
		if err := m.BeginPayload(h); err != nil {
			return fmt.Errorf("BeginPayload(%s): %w", gid, err)
		}
		if err := m.RegisterPayload(h, 1, 0, nil); err != nil {
			return fmt.Errorf("RegisterPayload(%s): %w", gid, err)
		}
		if _, _, err := m.EndPayloadAndCommitToWAL(h); err != nil {
			return fmt.Errorf("EndPayloadAndCommitToWAL(%s): %w", gid, err)
		}
	}

	first, ok := m.OldestPrepareLSN()
	if !ok {
		return fmt.Errorf("want an oldest prepare LSN with three prepared xacts")
	}
	log("  oldest prepare LSN with three resident xacts: %d", first)

	if _, err := m.Finish(twophase.FinishParams{Gid: "gx-100", IsCommit: true, CallerRole: 1, Database: 7}); err != nil {
		return fmt.Errorf("Finish(gx-100): %w", err)
	}

	second, ok := m.OldestPrepareLSN()
	if !ok {
		return fmt.Errorf("want an oldest prepare LSN with two prepared xacts remaining")
	}
	if second <= first {
		return fmt.Errorf("oldest prepare LSN should advance past the finished xact's LSN: first=%d second=%d", first, second)
	}
	log("  oldest prepare LSN advanced to %d after finishing gx-100", second)
	return nil
}
