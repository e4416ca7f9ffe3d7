package identity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/go-core/log"
)

// fileDocument is the on-disk identity table.
//
//	identities:
//	  - token: tok-analyst-1
//	    clearance: 7
//	    name: alice
type fileDocument struct {
	Identities []fileIdentity `yaml:"identities"`
}

type fileIdentity struct {
	Token     string `yaml:"token"`
	Clearance int    `yaml:"clearance"`
	Name      string `yaml:"name,omitempty"`
}

// FileStore serves a YAML identity table and reloads it when the file changes.
type FileStore struct {
	path   string
	logger log.Logger
	table  atomic.Pointer[map[string]int]
}

// LoadFile reads path and returns a ready FileStore. Call Watch to enable reloads.
func LoadFile(path string, logger log.Logger) (*FileStore, error) {
	if logger == nil {
		logger = log.Nop()
	}
	fs := &FileStore{path: filepath.Clean(path), logger: logger}
	if err := fs.Reload(); err != nil {
		return nil, err
	}
	return fs, nil
}

// Lookup implements Store.
func (f *FileStore) Lookup(_ context.Context, tokenID string) (int, bool, error) {
	table := f.table.Load()
	if table == nil {
		return 0, false, nil
	}
	level, ok := (*table)[tokenID]
	return level, ok, nil
}

// Len returns the number of identities currently loaded.
func (f *FileStore) Len() int {
	table := f.table.Load()
	if table == nil {
		return 0
	}
	return len(*table)
}

// Reload re-reads the file. On error the previous table stays in place.
func (f *FileStore) Reload() error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("read identity file: %w", err)
	}
	table, err := parseIdentities(data)
	if err != nil {
		return fmt.Errorf("parse identity file %s: %w", f.path, err)
	}
	f.table.Store(&table)
	return nil
}

// Watch reloads the table whenever the file is written, created or renamed
// into place. It blocks until ctx is done.
func (f *FileStore) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	defer func() { _ = w.Close() }()

	// watch the directory so atomic rename-into-place is seen
	if err := w.Add(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(f.path), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != f.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := f.Reload(); err != nil {
				f.logger.Error(ctx, err, "identity reload failed, keeping previous table", "path", f.path)
				continue
			}
			f.logger.Info(ctx, "identity table reloaded", "path", f.path, "identities", f.Len())
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			f.logger.Error(ctx, err, "identity watcher error", "path", f.path)
		}
	}
}

func parseIdentities(data []byte) (map[string]int, error) {
	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}

	var errs []error
	table := make(map[string]int, len(doc.Identities))
	for i, id := range doc.Identities {
		switch {
		case id.Token == "":
			errs = append(errs, fmt.Errorf("identity %d: token is required", i))
		case !wellFormed(id.Token):
			errs = append(errs, fmt.Errorf("identity %d: malformed token", i))
		case id.Clearance < 0:
			errs = append(errs, fmt.Errorf("identity %d: clearance %d is negative", i, id.Clearance))
		default:
			if _, dup := table[id.Token]; dup {
				errs = append(errs, fmt.Errorf("identity %d: duplicate token", i))
				continue
			}
			table[id.Token] = id.Clearance
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return table, nil
}
