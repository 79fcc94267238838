// Package core defines the record archive shared by the backends that keep
// dead-lettered deliveries after they leave the outbox.
package core

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

// Driver names an archive backend.
type Driver string

const (
	DriverFilesystem Driver = "fs"
	DriverS3         Driver = "s3"
	DriverMemory     Driver = "memory"
)

// Record describes one archived JSON document.
type Record struct {
	Key        string            `json:"key"`
	Labels     map[string]string `json:"labels,omitempty"`
	Size       int64             `json:"size_bytes"`
	Checksum   string            `json:"checksum,omitempty"`
	ArchivedAt time.Time         `json:"archived_at"`
}

// Archive keeps immutable JSON documents addressed by slash-separated keys.
// Write is create-only. Scan may omit labels on backends that only return
// them on Read.
type Archive interface {
	Write(ctx context.Context, key string, doc []byte, labels map[string]string) (Record, error)
	Read(ctx context.Context, key string) (Record, []byte, error)
	Scan(ctx context.Context, prefix string) ([]Record, error)
	Remove(ctx context.Context, key string) (bool, error)
	Driver() Driver
}

var (
	ErrExists   = errors.New("archive: key already written")
	ErrNotFound = errors.New("archive: key not found")
	ErrBadKey   = errors.New("archive: invalid key")
)

// CheckKey rejects empty, absolute and traversing keys and returns the
// cleaned form.
func CheckKey(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("%w: empty", ErrBadKey)
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return "", fmt.Errorf("%w: %q", ErrBadKey, key)
	}
	return path.Clean(key), nil
}

// Checksum is the hex sha256 of doc.
func Checksum(doc []byte) string {
	sum := sha256.Sum256(doc)
	return hex.EncodeToString(sum[:])
}

// CloneLabels copies a label map; nil stays nil.
func CloneLabels(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
