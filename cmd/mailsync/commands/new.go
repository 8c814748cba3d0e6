package commands

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/emersion/go-maildir"
	"github.com/roasbeef/mailsync/internal/maildb"
	"github.com/spf13/cobra"
)

var (
	// newTags are added to every newly indexed message.
	newTags []string

	// unseenTag is added to messages delivered to new/.
	unseenTag string
)

// newCmd indexes mail delivered since the last run.
var newCmd = &cobra.Command{
	Use:   "new",
	Short: "Index new mail",
	Long: `Scan every maildir below the mail root, index the files the index
does not know yet and drop files that no longer exist. Messages waiting
in new/ are moved to cur/ and tagged as unseen.`,
	Args: cobra.NoArgs,
	RunE: runNew,
}

func init() {
	newCmd.Flags().StringSliceVar(&newTags, "tag", []string{"inbox"},
		"Tags added to newly indexed messages")
	newCmd.Flags().StringVar(&unseenTag, "unseen-tag", "unread",
		"Tag added to messages delivered to new/ (empty to disable)")
}

// scanResult is the outcome of a maildir scan.
type scanResult struct {
	Added   int `json:"added" yaml:"added"`
	Removed int `json:"removed" yaml:"removed"`
	Applied int `json:"applied" yaml:"applied"`
}

func runNew(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if err := ensureIndex(ctx); err != nil {
		return err
	}

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close(ctx)

	if err := ensureQueries(ctx, s.gw); err != nil {
		return err
	}

	res, err := scanMaildirs(ctx, s.gw, newTags, unseenTag)
	if err != nil {
		return err
	}

	res.Applied, err = s.flush(ctx)
	if err != nil {
		return err
	}

	return printOutput(res, func() {
		fmt.Printf("Added %d file(s), removed %d file(s).\n",
			res.Added, res.Removed)
	})
}

// findMaildirs returns every directory below root holding a cur/
// subdirectory. Hidden directories are skipped unless they are Maildir++
// folders.
func findMaildirs(root string) ([]string, error) {
	var dirs []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry,
		err error) error {

		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}

		name := d.Name()
		if name == "cur" || name == "new" || name == "tmp" {
			return filepath.SkipDir
		}

		info, err := os.Stat(filepath.Join(path, "cur"))
		isMaildir := err == nil && info.IsDir()

		// Dot directories are only entered when they are Maildir++
		// folders.
		if path != root && strings.HasPrefix(name, ".") && !isMaildir {
			return filepath.SkipDir
		}
		if isMaildir {
			dirs = append(dirs, path)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}

	return dirs, nil
}

// scanMaildirs queues add-message for unindexed files and remove-message
// for indexed files that are gone. Additions are queued first so a message
// whose file was renamed keeps its tags.
func scanMaildirs(ctx context.Context, gw *maildb.Gateway, tags []string,
	unseen string) (scanResult, error) {

	var res scanResult

	root := gw.Root()
	known, err := gw.IndexedFiles(ctx)
	if err != nil {
		return res, err
	}

	dirs, err := findMaildirs(root)
	if err != nil {
		return res, err
	}

	onDisk := make(map[string]struct{})
	for _, path := range dirs {
		dir := maildir.Dir(path)

		// Unseen moves new/ into cur/ and returns the moved keys.
		fresh, err := dir.Unseen()
		if err != nil {
			return res, fmt.Errorf("maildir %s: %w", path, err)
		}
		unseenKeys := make(map[string]struct{}, len(fresh))
		for _, key := range fresh {
			unseenKeys[key] = struct{}{}
		}

		keys, err := dir.Keys()
		if err != nil {
			return res, fmt.Errorf("maildir %s: %w", path, err)
		}
		sort.Strings(keys)

		for _, key := range keys {
			file, err := dir.Filename(key)
			if err != nil {
				return res, fmt.Errorf("maildir %s: %w", path,
					err)
			}

			rel, err := filepath.Rel(root, file)
			if err != nil {
				return res, err
			}
			rel = filepath.ToSlash(rel)
			onDisk[rel] = struct{}{}

			if _, ok := known[rel]; ok {
				continue
			}

			fileTags := append([]string(nil), tags...)
			if _, ok := unseenKeys[key]; ok && unseen != "" {
				fileTags = append(fileTags, unseen)
			}

			if err := gw.AddMessage(ctx, file, fileTags); err != nil {
				return res, err
			}
			res.Added++
		}
	}

	gone := make([]string, 0)
	for rel := range known {
		if _, ok := onDisk[rel]; !ok {
			gone = append(gone, rel)
		}
	}
	sort.Strings(gone)

	for _, rel := range gone {
		// Files outside any maildir are left alone.
		full := filepath.Join(root, filepath.FromSlash(rel))
		if _, err := os.Stat(full); err == nil {
			continue
		}

		if err := gw.RemoveMessage(ctx, full); err != nil {
			return res, err
		}
		res.Removed++
	}

	return res, nil
}
