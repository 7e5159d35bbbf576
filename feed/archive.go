// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package feed

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-uuid"
)

// archive kinds, used in archive file names
const (
	ArchiveRecords = "records"
	ArchiveGroups  = "groups"
)

// Archiver keeps copies of uploaded feeds for debugging. Archiving is best
// effort; it never fails a push.
type Archiver interface {
	Archive(kind string, payload []byte)
}

// NopArchiver returns an Archiver that keeps nothing.
func NopArchiver() Archiver {
	return nopArchiver{}
}

type nopArchiver struct{}

func (nopArchiver) Archive(string, []byte) {}

// FileArchiver writes each uploaded feed to a directory, one file per
// upload.
type FileArchiver struct {
	log hclog.Logger
	dir string
}

// NewFileArchiver creates the archive directory if needed and returns an
// Archiver writing into it.
func NewFileArchiver(logger hclog.Logger, dir string) (*FileArchiver, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create feed archive directory: %w", err)
	}
	return &FileArchiver{
		log: logger.Named("feed.archive"),
		dir: dir,
	}, nil
}

func (a *FileArchiver) Archive(kind string, payload []byte) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		a.log.Error("failed to generate archive file name", "error", err)
		return
	}

	name := fmt.Sprintf("%s-%s-%s.xml",
		time.Now().UTC().Format("20060102T150405Z"), kind, id[:8])
	path := filepath.Join(a.dir, name)

	if err := os.WriteFile(path, payload, 0o644); err != nil {
		a.log.Error("failed to archive feed", "path", path, "error", err)
		return
	}
	a.log.Trace("archived feed", "path", path,
		"size", humanize.IBytes(uint64(len(payload))))
}
