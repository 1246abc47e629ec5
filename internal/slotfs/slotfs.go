// Package slotfs serves the slot store as a FUSE filesystem: one regular
// file per slot holding its status name. Writing a status name or number
// to a file and closing it requests a local update.
package slotfs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/agentworkforce/slotsync/internal/slotstate"
)

type Updater interface {
	Update(ctx context.Context, slot string, status slotstate.Status) error
}

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Store   *slotstate.Store
	Updater Updater
	Logger  Logger
	// ErrorIsSoft marks update errors that still applied the value locally.
	ErrorIsSoft func(error) bool
	Debug       bool
}

// Root is the mount's top directory.
type Root struct {
	fs.Inode

	store       *slotstate.Store
	updater     Updater
	logger      Logger
	errorIsSoft func(error) bool
	uid         uint32
	gid         uint32
}

var (
	_ fs.NodeOnAdder   = (*Root)(nil)
	_ fs.NodeGetattrer = (*Root)(nil)

	_ fs.NodeGetattrer = (*slotFile)(nil)
	_ fs.NodeOpener    = (*slotFile)(nil)
	_ fs.NodeReader    = (*slotFile)(nil)
	_ fs.NodeWriter    = (*slotFile)(nil)
	_ fs.NodeSetattrer = (*slotFile)(nil)
	_ fs.NodeFlusher   = (*slotFile)(nil)
)

func NewRoot(opts Options) (*Root, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Updater == nil {
		return nil, fmt.Errorf("updater is required")
	}
	return &Root{
		store:       opts.Store,
		updater:     opts.Updater,
		logger:      opts.Logger,
		errorIsSoft: opts.ErrorIsSoft,
		uid:         uint32(unix.Getuid()),
		gid:         uint32(unix.Getgid()),
	}, nil
}

// Mount serves the store at dir until the returned server is unmounted.
func Mount(dir string, opts Options) (*fuse.Server, error) {
	root, err := NewRoot(opts)
	if err != nil {
		return nil, err
	}
	entryTimeout := time.Second
	attrTimeout := time.Duration(0)
	server, err := fs.Mount(dir, root, &fs.Options{
		MountOptions: fuse.MountOptions{
			FsName: "slotsync",
			Name:   "slotsync",
			Debug:  opts.Debug,
		},
		EntryTimeout: &entryTimeout,
		AttrTimeout:  &attrTimeout,
		UID:          root.uid,
		GID:          root.gid,
	})
	if err != nil {
		return nil, fmt.Errorf("mount %s: %w", dir, err)
	}
	return server, nil
}

func (r *Root) OnAdd(ctx context.Context) {
	for _, slot := range r.store.Layout().Slots() {
		child := r.NewPersistentInode(ctx, r.newSlotFile(slot), fs.StableAttr{Mode: unix.S_IFREG})
		r.AddChild(slot, child, false)
	}
}

func (r *Root) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = unix.S_IFDIR | 0o755
	out.Uid = r.uid
	out.Gid = r.gid
	return 0
}

func (r *Root) newSlotFile(slot string) *slotFile {
	return &slotFile{root: r, slot: slot}
}

func (r *Root) logf(format string, args ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Printf(format, args...)
}

// slotFile buffers writes until flush, then applies the whole content as
// one update.
type slotFile struct {
	fs.Inode

	root *Root
	slot string

	mu     sync.Mutex
	buffer []byte
	dirty  bool
}

func (f *slotFile) content() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dirty {
		return append([]byte(nil), f.buffer...)
	}
	return f.rendered()
}

func (f *slotFile) rendered() []byte {
	status, ok := f.root.store.Lookup(f.slot)
	if !ok {
		return nil
	}
	return []byte(status.String() + "\n")
}

func (f *slotFile) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = unix.S_IFREG | 0o644
	out.Size = uint64(len(f.content()))
	out.Uid = f.root.uid
	out.Gid = f.root.gid
	now := time.Now()
	out.SetTimes(nil, &now, nil)
	return 0
}

func (f *slotFile) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&syscall.O_TRUNC != 0 {
		f.mu.Lock()
		f.buffer = f.buffer[:0]
		f.dirty = true
		f.mu.Unlock()
	}
	return nil, fuse.FOPEN_DIRECT_IO, 0
}

func (f *slotFile) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data := f.content()
	if off >= int64(len(data)) {
		return fuse.ReadResultData(nil), 0
	}
	end := off + int64(len(dest))
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return fuse.ReadResultData(data[off:end]), 0
}

func (f *slotFile) Write(ctx context.Context, fh fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.dirty {
		f.buffer = f.rendered()
		f.dirty = true
	}
	end := int(off) + len(data)
	if end > len(f.buffer) {
		grown := make([]byte, end)
		copy(grown, f.buffer)
		f.buffer = grown
	}
	copy(f.buffer[off:], data)
	return uint32(len(data)), 0
}

func (f *slotFile) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if size, ok := in.GetSize(); ok {
		f.mu.Lock()
		if !f.dirty {
			f.buffer = f.rendered()
			f.dirty = true
		}
		if int(size) <= len(f.buffer) {
			f.buffer = f.buffer[:size]
		} else {
			grown := make([]byte, size)
			copy(grown, f.buffer)
			f.buffer = grown
		}
		f.mu.Unlock()
	}
	return f.Getattr(ctx, fh, out)
}

// Flush applies buffered content. Unparseable content is discarded with
// EINVAL; an unknown or empty buffer leaves the slot untouched.
func (f *slotFile) Flush(ctx context.Context, fh fs.FileHandle) syscall.Errno {
	f.mu.Lock()
	if !f.dirty {
		f.mu.Unlock()
		return 0
	}
	data := f.buffer
	f.buffer = nil
	f.dirty = false
	f.mu.Unlock()

	raw := strings.TrimSpace(strings.Trim(string(data), "\x00"))
	if raw == "" {
		return 0
	}
	status, err := slotstate.ParseStatus(strings.Fields(raw)[0])
	if err != nil {
		f.root.logf("slotfs %s: %v", f.slot, err)
		return unix.EINVAL
	}
	if err := f.root.updater.Update(ctx, f.slot, status); err != nil {
		if f.root.errorIsSoft != nil && f.root.errorIsSoft(err) {
			f.root.logf("slotfs %s set to %s locally: %v", f.slot, status, err)
			return 0
		}
		f.root.logf("slotfs update %s failed: %v", f.slot, err)
		if errors.Is(err, slotstate.ErrUnknownSlot) {
			return unix.ENOENT
		}
		return unix.EIO
	}
	return 0
}
