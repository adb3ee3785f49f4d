package types

import (
	"fmt"
	"strings"
	"time"
)

// WriteMode selects how a write treats files already in the partition.
type WriteMode string

const (
	// WriteModeAppend adds new files next to the existing ones
	WriteModeAppend WriteMode = "append"
	// WriteModeOverwrite replaces every existing file of the partition
	WriteModeOverwrite WriteMode = "overwrite"
)

// ParseWriteMode parses a configured write mode (case-insensitive).
func ParseWriteMode(s string) (WriteMode, error) {
	switch WriteMode(strings.ToLower(strings.TrimSpace(s))) {
	case WriteModeAppend, "":
		return WriteModeAppend, nil
	case WriteModeOverwrite:
		return WriteModeOverwrite, nil
	default:
		return "", fmt.Errorf("invalid write mode %q (must be append or overwrite)", s)
	}
}

// DataFile is one published columnar file of a partition.
type DataFile struct {
	// Path is the object key of the file
	Path string `json:"path"`
	// RowCount is the number of rows in the file
	RowCount int64 `json:"row_count"`
	// SizeBytes is the size of the file in bytes
	SizeBytes int64 `json:"size_bytes"`
	// SchemaVersion is the table schema version the file is published under.
	// Its columns cover the columns the file was written with.
	SchemaVersion int `json:"schema_version"`
}

// Partition is a subdivision of a table stored under its own prefix.
type Partition struct {
	Key      string     `json:"key"`
	Location string     `json:"location"`
	Files    []DataFile `json:"files"`
}

// FilePaths returns the object keys of the partition's files.
func (p Partition) FilePaths() []string {
	out := make([]string, len(p.Files))
	for i, f := range p.Files {
		out[i] = f.Path
	}
	return out
}

// CatalogEntry associates a table schema with its partitions and root location.
type CatalogEntry struct {
	Table      TableIdentity
	Location   string
	Schema     TableSchema
	Version    int64
	Partitions []Partition
	UpdatedAt  time.Time
}

// Partition returns the partition with the given key.
func (e *CatalogEntry) Partition(key string) (Partition, bool) {
	for _, p := range e.Partitions {
		if p.Key == key {
			return p, true
		}
	}
	return Partition{}, false
}

// WriteResult describes the outcome of a partition write.
type WriteResult struct {
	// Partition is the partition with the files produced by this write
	Partition Partition
	// FilesWritten lists every file of the batch, including ones that already existed
	FilesWritten []DataFile
	// Created lists the object keys this call actually created
	Created []string
	// Superseded lists existing files an overwrite will retire once published
	Superseded []string
	// RowCount is the number of rows in the batch
	RowCount int64
	// Mode is the write mode used
	Mode WriteMode
}

// Reused reports whether every file of the batch was already present.
func (r *WriteResult) Reused() bool {
	return len(r.Created) == 0 && len(r.FilesWritten) > 0
}
