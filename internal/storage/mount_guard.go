// Package storage guards against writing into a directory that used
// to be a mountpoint but has since been unmounted — a JBOD disk going
// offline mid-run must never have files written into the (now empty)
// root filesystem directory underneath its old mount path.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const guardFileName = ".pbalanced_mount_guard"

// MountGuard tracks a guard file written at registration time under
// each disk's mount path. If the guard file later vanishes without
// having been deleted by this process, the mount itself is gone —
// the underlying filesystem unmounted, exposing the empty directory
// the mount used to cover.
type MountGuard struct {
	mu         sync.RWMutex
	guardFiles map[string]string // absolute mount path -> guard file path
}

// NewMountGuard constructs an empty guard; call RegisterPath once per
// disk at startup (and again after any rescan that confirms the disk
// remounted).
func NewMountGuard() *MountGuard {
	return &MountGuard{guardFiles: make(map[string]string)}
}

// RegisterPath writes a guard file under path and remembers it for
// future CheckMounted calls.
func (g *MountGuard) RegisterPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve mount guard path: %w", err)
	}

	guardPath := filepath.Join(absPath, guardFileName)
	content := fmt.Sprintf("pbalanced mount guard\nregistered: %s\npath: %s\n",
		time.Now().Format(time.RFC3339), absPath)
	if err := os.WriteFile(guardPath, []byte(content), 0644); err != nil {
		return fmt.Errorf("write mount guard file: %w", err)
	}

	g.mu.Lock()
	g.guardFiles[absPath] = guardPath
	g.mu.Unlock()
	return nil
}

// CheckMounted returns an error if path was never registered, or if
// its guard file is missing — meaning the filesystem once mounted
// there has since been unmounted.
func (g *MountGuard) CheckMounted(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve mount guard path: %w", err)
	}

	g.mu.RLock()
	guardPath, registered := g.guardFiles[absPath]
	g.mu.RUnlock()

	if !registered {
		return fmt.Errorf("mount path not registered with guard: %s", absPath)
	}
	if _, err := os.Stat(guardPath); os.IsNotExist(err) {
		return fmt.Errorf("mount guard missing, filesystem unmounted at: %s", absPath)
	}
	return nil
}

// VerifyAll checks every registered path and returns one error per
// path whose mount has vanished.
func (g *MountGuard) VerifyAll() []error {
	g.mu.RLock()
	paths := make([]string, 0, len(g.guardFiles))
	for path := range g.guardFiles {
		paths = append(paths, path)
	}
	g.mu.RUnlock()

	var errs []error
	for _, path := range paths {
		if err := g.CheckMounted(path); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
