package twophase

import (
	"fmt"
	"os"

	"github.com/aalhour/twophase/internal/vfs"
)

// RelationUnlinker drops a relation's on-disk file for the chosen finish
// outcome. The storage manager that actually owns relation files lives
// outside this package; this interface is the concrete collaborator that
// lets a finish outcome's "file unlinked" behavior be checked for real,
// the same way internal/clog and internal/procarray stand in for their own
// out-of-scope collaborators.
type RelationUnlinker interface {
	// Unlink removes every fork of node, ignoring a missing file.
	Unlink(node RelFileNode) error
}

// VFSUnlinker implements RelationUnlinker over an internal/vfs.FS rooted at
// Dir, naming files "tablespace-database-relfilenode" in a single-fork
// style; multi-fork naming (main, free-space-map, visibility-map) is the
// storage manager's own internal detail and stays out of scope here.
type VFSUnlinker struct {
	FS  vfs.FS
	Dir string
}

// Unlink removes node's file, treating a not-exist error as success.
func (u VFSUnlinker) Unlink(node RelFileNode) error {
	path := fmt.Sprintf("%s/%d-%d-%d", u.Dir, node.Tablespace, node.Database, node.Relfilenode)
	err := u.FS.Remove(path)
	if err == nil || os.IsNotExist(err) {
		return nil
	}
	return err
}

// noopUnlinker discards unlink requests. Open never installs it; tests that
// exercise WAL/registry behavior only set it with Manager.SetUnlinker.
type noopUnlinker struct{}

func (noopUnlinker) Unlink(RelFileNode) error { return nil }
