// Package builtin provides the task implementations linked into the
// taskdirector binaries.
package builtin

import "github.com/seantiz/taskdirector/internal/worker"

// Entry point names.
const (
	EntryEcho     = "echo"
	EntryDigest   = "digest"
	EntryGenerate = "generate"
	EntryRelay    = "relay"
)

// Dependency fragment names.
const (
	DepSHA256 = "sha256"
	DepCRC32  = "crc32"
)

// Register adds every builtin entry and dependency to c.
func Register(c *worker.Catalog) {
	c.RegisterEntry(EntryEcho, newEcho)
	c.RegisterEntry(EntryDigest, newDigest)
	c.RegisterEntry(EntryGenerate, newGenerate)
	c.RegisterEntry(EntryRelay, newRelay)

	c.RegisterDependency(DepSHA256, loadSHA256)
	c.RegisterDependency(DepCRC32, loadCRC32)
}
