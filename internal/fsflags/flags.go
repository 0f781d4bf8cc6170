// Package fsflags implements the filesystem-toggle cooperative control
// surface every daemon honors each cycle (§5, §6): a kill-switch file
// whose mere presence ends the process, and pause/backfill toggles that
// idle a loop without exiting it.
package fsflags

import "os"

// Exists reports whether a toggle file is present.
func Exists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// KillSwitch reports whether the daemon should exit at the next cycle
// boundary.
func KillSwitch(path string) bool {
	return Exists(path)
}

// Paused reports whether the daemon should idle this cycle rather than do
// work.
func Paused(path string) bool {
	return Exists(path)
}
