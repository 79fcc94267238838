// Package fs archives dead letters as envelope files under a local directory.
package fs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"garagecore/internal/blob/core"
)

const envelopeExt = ".envelope.json"

// Store maps each key to "<root>/<key>.envelope.json". The envelope carries the
// labels and checksum next to the document, so one link publishes both.
// Documents are kept in compact form; size and checksum describe that form.
type Store struct {
	root string
}

type envelope struct {
	Labels     map[string]string `json:"labels,omitempty"`
	Checksum   string            `json:"checksum"`
	ArchivedAt time.Time         `json:"archived_at"`
	Document   json.RawMessage   `json:"document"`
}

func (e envelope) record(key string) core.Record {
	return core.Record{
		Key:        key,
		Labels:     core.CloneLabels(e.Labels),
		Size:       int64(len(e.Document)),
		Checksum:   e.Checksum,
		ArchivedAt: e.ArchivedAt,
	}
}

// New creates root when missing.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("fs archive: root directory required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("fs archive: %w", err)
	}
	return &Store{root: root}, nil
}

func (s *Store) Driver() core.Driver { return core.DriverFilesystem }

func (s *Store) pathFor(key string) (string, error) {
	clean, err := core.CheckKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)) + envelopeExt, nil
}

func (s *Store) Write(ctx context.Context, key string, doc []byte, labels map[string]string) (core.Record, error) {
	if err := ctx.Err(); err != nil {
		return core.Record{}, err
	}
	target, err := s.pathFor(key)
	if err != nil {
		return core.Record{}, err
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, doc); err != nil {
		return core.Record{}, fmt.Errorf("encode %s: %w", key, err)
	}
	env := envelope{
		Labels:     core.CloneLabels(labels),
		Checksum:   core.Checksum(compact.Bytes()),
		ArchivedAt: time.Now().UTC(),
		Document:   json.RawMessage(compact.Bytes()),
	}
	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(env); err != nil {
		return core.Record{}, fmt.Errorf("encode %s: %w", key, err)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return core.Record{}, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".pending-*")
	if err != nil {
		return core.Record{}, err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err = tmp.Write(body.Bytes()); err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return core.Record{}, err
	}
	// Link fails when target exists, which gives create-only semantics.
	if err := os.Link(tmp.Name(), target); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return core.Record{}, fmt.Errorf("%s: %w", key, core.ErrExists)
		}
		return core.Record{}, err
	}
	return env.record(key), nil
}

func (s *Store) Read(_ context.Context, key string) (core.Record, []byte, error) {
	target, err := s.pathFor(key)
	if err != nil {
		return core.Record{}, nil, err
	}
	env, err := readEnvelope(target)
	if errors.Is(err, fs.ErrNotExist) {
		return core.Record{}, nil, fmt.Errorf("%s: %w", key, core.ErrNotFound)
	}
	if err != nil {
		return core.Record{}, nil, err
	}
	return env.record(key), []byte(env.Document), nil
}

func (s *Store) Remove(_ context.Context, key string) (bool, error) {
	target, err := s.pathFor(key)
	if err != nil {
		return false, err
	}
	if err := os.Remove(target); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Scan walks the whole root; archives stay small enough for that.
func (s *Store) Scan(_ context.Context, prefix string) ([]core.Record, error) {
	var out []core.Record
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, envelopeExt) {
			return nil
		}
		rel, err := filepath.Rel(s.root, strings.TrimSuffix(p, envelopeExt))
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		env, err := readEnvelope(p)
		if err != nil {
			return err
		}
		out = append(out, env.record(key))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func readEnvelope(p string) (envelope, error) {
	raw, err := os.ReadFile(p)
	if err != nil {
		return envelope{}, err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return envelope{}, fmt.Errorf("decode %s: %w", p, err)
	}
	return env, nil
}
