// Package mirror keeps a directory of one file per slot in step with a
// slot store. Editing a file is a local update request.
package mirror

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/agentworkforce/slotsync/internal/slotstate"
)

// Updater applies a local mutation. The sync endpoint's Update satisfies it.
type Updater interface {
	Update(ctx context.Context, slot string, status slotstate.Status) error
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Root    string
	Store   *slotstate.Store
	Updater Updater
	Logger  Logger
	// ErrorIsSoft reports update errors that leave the local value applied,
	// such as a disconnected channel. Those are logged without restoring the
	// file.
	ErrorIsSoft func(error) bool
}

type Mirror struct {
	root        string
	store       *slotstate.Store
	updater     Updater
	logger      Logger
	errorIsSoft func(error) bool

	mu     sync.Mutex
	hashes map[string]string
}

func New(opts Options) (*Mirror, error) {
	root := strings.TrimSpace(opts.Root)
	if root == "" {
		return nil, fmt.Errorf("mirror root is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Updater == nil {
		return nil, fmt.Errorf("updater is required")
	}
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Mirror{
		root:        root,
		store:       opts.Store,
		updater:     opts.Updater,
		logger:      opts.Logger,
		errorIsSoft: opts.ErrorIsSoft,
		hashes:      map[string]string{},
	}, nil
}

func (m *Mirror) Root() string {
	return m.root
}

// Run renders every known slot, then follows store changes and file edits
// until ctx is done.
func (m *Mirror) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(m.root); err != nil {
		return err
	}

	unsubscribe := m.store.Subscribe(func(change slotstate.Change) {
		if err := m.Render(change.Slots); err != nil {
			m.logf("mirror render failed: %v", err)
		}
	})
	defer unsubscribe()

	if err := m.RenderAll(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) {
				continue
			}
			slot, ok := m.slotForPath(event.Name)
			if !ok {
				continue
			}
			if event.Has(fsnotify.Remove) {
				m.restore(slot)
				continue
			}
			m.HandleEdit(ctx, slot)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logf("mirror watch error: %v", err)
		}
	}
}

// RenderAll writes a file for every slot the store has a value for.
func (m *Mirror) RenderAll() error {
	return m.Render(m.store.Layout().Slots())
}

// Render rewrites the files for slots. Slots without a known value have no
// file.
func (m *Mirror) Render(slots []string) error {
	var errs []error
	for _, slot := range slots {
		status, ok := m.store.Lookup(slot)
		if !ok {
			continue
		}
		if err := m.writeSlot(slot, status); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HandleEdit reads the file for slot and turns a changed value into an
// update. Unparseable content is replaced with the store's value.
func (m *Mirror) HandleEdit(ctx context.Context, slot string) {
	data, err := os.ReadFile(m.pathFor(slot))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			m.logf("mirror read %s failed: %v", slot, err)
		}
		return
	}
	if strings.TrimSpace(string(data)) == "" {
		// truncated mid-write; the next event carries the content
		return
	}
	hash := hashBytes(data)
	m.mu.Lock()
	seen := m.hashes[slot] == hash
	m.mu.Unlock()
	if seen {
		return
	}

	status, err := parseContent(data)
	if err != nil {
		m.logf("mirror %s: %v; restoring", slot, err)
		m.restore(slot)
		return
	}
	if current, ok := m.store.Lookup(slot); ok && current == status {
		m.remember(slot, hash)
		return
	}
	if err := m.updater.Update(ctx, slot, status); err != nil {
		if m.errorIsSoft != nil && m.errorIsSoft(err) {
			m.logf("mirror %s set to %s locally: %v", slot, status, err)
			return
		}
		m.logf("mirror update %s failed: %v; restoring", slot, err)
		m.restore(slot)
	}
}

func (m *Mirror) restore(slot string) {
	status, ok := m.store.Lookup(slot)
	if !ok {
		_ = os.Remove(m.pathFor(slot))
		m.forget(slot)
		return
	}
	if err := m.writeSlot(slot, status); err != nil {
		m.logf("mirror restore %s failed: %v", slot, err)
	}
}

func (m *Mirror) writeSlot(slot string, status slotstate.Status) error {
	data := formatContent(status)
	hash := hashBytes(data)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hashes[slot] == hash {
		if _, err := os.Stat(m.pathFor(slot)); err == nil {
			return nil
		}
	}
	if err := writeFileAtomic(m.pathFor(slot), data, 0o644); err != nil {
		return fmt.Errorf("write slot %s: %w", slot, err)
	}
	m.hashes[slot] = hash
	return nil
}

func (m *Mirror) remember(slot, hash string) {
	m.mu.Lock()
	m.hashes[slot] = hash
	m.mu.Unlock()
}

func (m *Mirror) forget(slot string) {
	m.mu.Lock()
	delete(m.hashes, slot)
	m.mu.Unlock()
}

// Files lists the slot files currently present, sorted.
func (m *Mirror) Files() ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, err
	}
	out := []string{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if slot, ok := m.slotForPath(entry.Name()); ok {
			out = append(out, slot)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Mirror) pathFor(slot string) string {
	return filepath.Join(m.root, slot)
}

func (m *Mirror) slotForPath(path string) (string, bool) {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") {
		return "", false
	}
	if !m.store.Layout().Contains(name) {
		return "", false
	}
	return name, true
}

func (m *Mirror) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}

func formatContent(status slotstate.Status) []byte {
	return []byte(status.String() + "\n")
}

func parseContent(data []byte) (slotstate.Status, error) {
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, fmt.Errorf("%w: empty file", slotstate.ErrInvalidStatus)
	}
	return slotstate.ParseStatus(fields[0])
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
