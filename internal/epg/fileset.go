// SPDX-License-Identifier: MIT

package epg

import (
	"fmt"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// fileSet is the per-document writer cache: one pending output file per
// channel id, opened at most once, renamed into place together on success.
type fileSet struct {
	dir   string
	files map[string]*renameio.PendingFile
	order []string
}

func newFileSet(dir string) *fileSet {
	return &fileSet{dir: dir, files: make(map[string]*renameio.PendingFile)}
}

func (fs *fileSet) len() int { return len(fs.files) }

// getOrOpen returns the writer for a channel, opening it with the XMLTV
// preamble on first use.
func (fs *fileSet) getOrOpen(channel string) (*renameio.PendingFile, error) {
	if f, ok := fs.files[channel]; ok {
		return f, nil
	}
	path := filepath.Join(fs.dir, channel+fileExtension)
	f, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o644))
	if err != nil {
		return nil, fmt.Errorf("open channel file for %q: %w", channel, err)
	}
	if _, err := f.WriteString(Preamble); err != nil {
		_ = f.Cleanup()
		return nil, fmt.Errorf("write preamble for %q: %w", channel, err)
	}
	fs.files[channel] = f
	fs.order = append(fs.order, channel)
	return f, nil
}

// finish writes the postamble and publishes every file. The first failure is
// returned; remaining pending files are discarded so nothing leaks.
func (fs *fileSet) finish() error {
	var firstErr error
	for _, channel := range fs.order {
		f := fs.files[channel]
		if firstErr != nil {
			_ = f.Cleanup()
			continue
		}
		if _, err := f.WriteString(Postamble); err != nil {
			firstErr = fmt.Errorf("write postamble for %q: %w", channel, err)
			_ = f.Cleanup()
			continue
		}
		if err := f.CloseAtomicallyReplace(); err != nil {
			firstErr = fmt.Errorf("publish channel file for %q: %w", channel, err)
		}
	}
	fs.files = make(map[string]*renameio.PendingFile)
	fs.order = nil
	return firstErr
}

// discard drops every pending file without publishing it.
func (fs *fileSet) discard() {
	for _, f := range fs.files {
		_ = f.Cleanup()
	}
	fs.files = make(map[string]*renameio.PendingFile)
	fs.order = nil
}
