// Package saves promotes the newest autosave to the live save on shutdown so
// the next start resumes from the most recent automatic save.
package saves

import (
	"context"
	"fmt"
	"path"
	"sort"

	"github.com/reedfamily/gamewarden/internal/game"
	"github.com/reedfamily/gamewarden/internal/remote"
)

type Result struct {
	Promoted string // autosave promoted to live, empty when none existed
	Backup   string // name the previous live save was copied to
}

// Autosaves lists the autosaves in the saves directory, newest first.
func Autosaves(ctx context.Context, conn remote.Conn, adapter game.Adapter) ([]remote.FileInfo, error) {
	entries, err := conn.ReadDir(ctx, adapter.Paths().SavesDir)
	if err != nil {
		return nil, fmt.Errorf("list saves: %w", err)
	}
	var autosaves []remote.FileInfo
	for _, e := range entries {
		if !e.IsDir && adapter.IsAutosave(e.Name) {
			autosaves = append(autosaves, e)
		}
	}
	sort.SliceStable(autosaves, func(i, j int) bool {
		return autosaves[i].ModTime.After(autosaves[j].ModTime)
	})
	return autosaves, nil
}

// Rotate copies the live save of mapName to its backup name and replaces it
// with the newest autosave. With no autosaves the live save is left untouched.
func Rotate(ctx context.Context, conn remote.Conn, adapter game.Adapter, mapName string) (Result, error) {
	autosaves, err := Autosaves(ctx, conn, adapter)
	if err != nil {
		return Result{}, err
	}
	if len(autosaves) == 0 {
		return Result{}, nil
	}

	dir := adapter.Paths().SavesDir
	live := path.Join(dir, adapter.SaveName(mapName))
	backup := path.Join(dir, adapter.BackupName(mapName))
	newest := path.Join(dir, autosaves[0].Name)

	if err := remote.CopyFile(ctx, conn, live, backup); err != nil {
		return Result{}, fmt.Errorf("back up live save: %w", err)
	}
	if err := remote.CopyFile(ctx, conn, newest, live); err != nil {
		return Result{}, fmt.Errorf("promote autosave: %w", err)
	}
	return Result{Promoted: autosaves[0].Name, Backup: adapter.BackupName(mapName)}, nil
}
