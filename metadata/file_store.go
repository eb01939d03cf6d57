package metadata

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/liamcoop/metaengine/internal/logger"
)

// Document is the on-disk shape of a metadata file.
type Document struct {
	Attributes []Attribute      `yaml:"attributes"`
	Types      []*AgreementType `yaml:"types"`
}

// FileStore serves metadata from a YAML document. Writes update memory and
// are persisted back to the file.
type FileStore struct {
	mem  *InMemoryStore
	path string

	mu       sync.Mutex
	debounce time.Duration
}

var _ Store = (*FileStore)(nil)

// NewFileStore loads path. The file must exist.
func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{path: path, debounce: 200 * time.Millisecond}
	if err := fs.Reload(); err != nil {
		return nil, err
	}
	return fs, nil
}

// Reload re-reads the file, replacing the in-memory contents.
func (fs *FileStore) Reload() error {
	data, err := os.ReadFile(fs.path)
	if err != nil {
		return fmt.Errorf("failed to read metadata file: %w", err)
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse metadata file %s: %w", fs.path, err)
	}

	mem := NewInMemoryStore()
	ctx := context.Background()
	for _, a := range doc.Attributes {
		if err := mem.SaveAttribute(ctx, a); err != nil {
			return err
		}
	}
	for _, t := range doc.Types {
		if err := mem.SaveType(ctx, t); err != nil {
			return err
		}
	}

	fs.mu.Lock()
	fs.mem = mem
	fs.mu.Unlock()

	logger.Info("metadata file loaded",
		"path", fs.path, "types", len(doc.Types), "attributes", len(doc.Attributes))
	return nil
}

func (fs *FileStore) current() *InMemoryStore {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.mem
}

func (fs *FileStore) GetType(ctx context.Context, key TypeKey) (*AgreementType, error) {
	return fs.current().GetType(ctx, key)
}

func (fs *FileStore) ListActiveTypes(ctx context.Context) ([]TypeKey, error) {
	return fs.current().ListActiveTypes(ctx)
}

func (fs *FileStore) ListAttributes(ctx context.Context, tenantID, marketContext string) ([]Attribute, error) {
	return fs.current().ListAttributes(ctx, tenantID, marketContext)
}

func (fs *FileStore) TypesUsingAttribute(ctx context.Context, tenantID, marketContext, name string) ([]TypeKey, error) {
	return fs.current().TypesUsingAttribute(ctx, tenantID, marketContext, name)
}

func (fs *FileStore) SaveType(ctx context.Context, t *AgreementType) error {
	if err := fs.current().SaveType(ctx, t); err != nil {
		return err
	}
	return fs.persist()
}

func (fs *FileStore) SetTypeActive(ctx context.Context, key TypeKey, active bool) error {
	if err := fs.current().SetTypeActive(ctx, key, active); err != nil {
		return err
	}
	return fs.persist()
}

func (fs *FileStore) SaveAttribute(ctx context.Context, a Attribute) error {
	if err := fs.current().SaveAttribute(ctx, a); err != nil {
		return err
	}
	return fs.persist()
}

func (fs *FileStore) SetAttributeActive(ctx context.Context, tenantID, marketContext, name string, active bool) error {
	if err := fs.current().SetAttributeActive(ctx, tenantID, marketContext, name, active); err != nil {
		return err
	}
	return fs.persist()
}

// persist writes the whole store back atomically via rename.
func (fs *FileStore) persist() error {
	mem := fs.current()
	mem.mu.RLock()
	doc := Document{}
	for _, a := range mem.attributes {
		doc.Attributes = append(doc.Attributes, a)
	}
	for _, t := range mem.types {
		cp := *t
		doc.Types = append(doc.Types, &cp)
	}
	mem.mu.RUnlock()

	sortDocument(&doc)
	data, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	tmp := fs.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write metadata file: %w", err)
	}
	if err := os.Rename(tmp, fs.path); err != nil {
		return fmt.Errorf("failed to replace metadata file: %w", err)
	}
	return nil
}

func sortDocument(doc *Document) {
	sort.Slice(doc.Attributes, func(i, j int) bool {
		a, b := doc.Attributes[i], doc.Attributes[j]
		if a.TenantID != b.TenantID {
			return a.TenantID < b.TenantID
		}
		if a.MarketContext != b.MarketContext {
			return a.MarketContext < b.MarketContext
		}
		return a.AttributeName < b.AttributeName
	})
	sort.Slice(doc.Types, func(i, j int) bool { return doc.Types[i].Key.String() < doc.Types[j].Key.String() })
}

// Watch reloads the file whenever it changes and then calls onChange. It
// blocks until ctx is cancelled. Bursts of events are coalesced.
func (fs *FileStore) Watch(ctx context.Context, onChange func(context.Context) error) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer w.Close()

	// Watch the directory: editors and persist() replace the file by rename.
	dir := filepath.Dir(fs.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	name := filepath.Clean(fs.path)

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	fire := func() {
		if err := fs.Reload(); err != nil {
			logger.Error("metadata reload failed", "path", fs.path, "error", err)
			return
		}
		if onChange != nil {
			if err := onChange(ctx); err != nil {
				logger.Error("metadata change handler failed", "error", err)
			}
		}
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	logger.Info("watching metadata file", "path", fs.path)
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(ev.Name) != name {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			timerMu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(fs.debounce, fire)
			timerMu.Unlock()

		case err, ok := <-w.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			logger.Warn("metadata watcher error", "error", err)
		}
	}
}
