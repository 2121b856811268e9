// Package vfs is the virtual filesystem indirection layer: a Node
// capability record any concrete filesystem implements, a mount table, and
// the four syscall-facing entry points (Open/Close/Read/Write) kernel/syscall
// calls by file descriptor. Grounded on original_source/kernel/fs/vfs.c.
package vfs

import "gopheros/kernel"

// File type bits, matching vfs_node_t's type field.
const (
	TypeRegular   = uint32(0x01)
	TypeDirectory = uint32(0x02)
	TypeDevice    = uint32(0x04)
)

// Open flags. Only O_RDONLY/O_WRONLY/O_RDWR are consulted by anything in
// this tree today; the rest are accepted and threaded through to a node's
// Open for filesystems that want them.
const (
	ORdOnly = uint32(0x0000)
	OWrOnly = uint32(0x0001)
	ORdWr   = uint32(0x0002)
	OCreat  = uint32(0x0100)
	OTrunc  = uint32(0x0200)
	OAppend = uint32(0x0400)
)

const maxOpenFiles = 32
const maxMounts = 8

// Node is a file or directory: identity/metadata fields plus the
// polymorphic operations a concrete filesystem supplies. A function left
// nil means the operation is unsupported for this node (e.g. Readdir on a
// regular file). Grounded on vfs_node_t's struct-of-function-pointers
// shape, the same "function slots, no implementation inheritance" idiom
// kernel/driver/block.Device and kernel/gate's descriptor builders use.
type Node struct {
	Name  string
	Inode uint32
	Type  uint32
	Size  uint64

	// FSData is opaque filesystem-specific state (e.g. a cached on-disk
	// inode) the operations below close over or receive via the
	// filesystem's own wrapper closures.
	FSData interface{}

	Read    func(node *Node, offset, size uint64, buf []byte) (int, *kernel.Error)
	Write   func(node *Node, offset uint64, buf []byte) (int, *kernel.Error)
	Open    func(node *Node, flags uint32) *kernel.Error
	Close   func(node *Node)
	Readdir func(node *Node, index uint32) *Node
	Finddir func(node *Node, name string) *Node
}

// FileSystem is a registrable filesystem driver: given a block device it
// produces the root Node of its tree. Grounded on vfs.c's filesystem_t,
// trimmed to the one entry point this kernel's mount path actually calls
// (GetRoot) — Init/Destroy/CreateFile/CreateDir/Delete are left to the
// concrete filesystem's own constructor instead of a second indirection
// layer, since there is exactly one filesystem implementation in this
// kernel (kernel/fs/simplefs) to dispatch to.
type FileSystem struct {
	Name    string
	GetRoot func() *Node
}

type mount struct {
	path string
	fs   *FileSystem
	root *Node
	used bool
}

type fileDescriptor struct {
	node   *Node
	offset uint64
	flags  uint32
	used   bool
}

var (
	mounts   [maxMounts]mount
	fds      [maxOpenFiles]fileDescriptor
	rootNode *Node
)

var (
	errNoFreeMount = &kernel.Error{Module: "vfs", Message: "no free mount slots"}
	errNotFound    = &kernel.Error{Module: "vfs", Message: "no such file or directory"}
	errNoFreeFD    = &kernel.Error{Module: "vfs", Message: "too many open files"}
	errBadFD       = &kernel.Error{Module: "vfs", Message: "bad file descriptor"}
	errUnsupported = &kernel.Error{Module: "vfs", Message: "operation not supported by this node"}
	errRelativePath = &kernel.Error{Module: "vfs", Message: "only absolute paths are supported"}
)

// Init resets the mount table and file descriptor table. Called once
// during kernel startup before any filesystem is mounted.
func Init() {
	mounts = [maxMounts]mount{}
	fds = [maxOpenFiles]fileDescriptor{}
	rootNode = nil
}

// Mount installs fs's root node at path. Mounting at "/" makes it the
// global root that path resolution starts from. Grounded on vfs_mount.
func Mount(path string, fs *FileSystem) *kernel.Error {
	slot := -1
	for i := range mounts {
		if !mounts[i].used {
			slot = i
			break
		}
	}
	if slot == -1 {
		return errNoFreeMount
	}

	root := fs.GetRoot()
	if root == nil {
		return errNotFound
	}

	mounts[slot] = mount{path: path, fs: fs, root: root, used: true}
	if path == "/" {
		rootNode = root
	}
	return nil
}

// Unmount removes whatever filesystem is mounted at path.
func Unmount(path string) *kernel.Error {
	for i := range mounts {
		if mounts[i].used && mounts[i].path == path {
			mounts[i] = mount{}
			return nil
		}
	}
	return errNotFound
}

// resolvePath walks path component by component via each node's Finddir,
// starting from the global root. Only absolute paths are supported.
// Grounded on vfs_resolve_path.
func resolvePath(path string) (*Node, *kernel.Error) {
	if len(path) == 0 || path[0] != '/' {
		return nil, errRelativePath
	}
	if path == "/" {
		if rootNode == nil {
			return nil, errNotFound
		}
		return rootNode, nil
	}
	if rootNode == nil {
		return nil, errNotFound
	}

	current := rootNode
	start := 1
	for start <= len(path) {
		end := start
		for end < len(path) && path[end] != '/' {
			end++
		}
		component := path[start:end]
		if component != "" {
			if current.Finddir == nil {
				return nil, errUnsupported
			}
			next := current.Finddir(current, component)
			if next == nil {
				return nil, errNotFound
			}
			current = next
		}
		start = end + 1
	}
	return current, nil
}

func allocFD(node *Node, flags uint32) (int, *kernel.Error) {
	for i := range fds {
		if !fds[i].used {
			fds[i] = fileDescriptor{node: node, flags: flags, used: true}
			return i, nil
		}
	}
	return -1, errNoFreeFD
}

func getFD(fd int) *fileDescriptor {
	if fd < 0 || fd >= len(fds) || !fds[fd].used {
		return nil
	}
	return &fds[fd]
}

// Open resolves path and allocates a file descriptor for it. Grounded on
// vfs_open.
func Open(path string, flags uint32) (int, *kernel.Error) {
	node, err := resolvePath(path)
	if err != nil {
		return -1, err
	}
	if node.Open != nil {
		if err := node.Open(node, flags); err != nil {
			return -1, err
		}
	}
	return allocFD(node, flags)
}

// Close releases a file descriptor. Grounded on vfs_close.
func Close(fd int) *kernel.Error {
	f := getFD(fd)
	if f == nil {
		return errBadFD
	}
	if f.node.Close != nil {
		f.node.Close(f.node)
	}
	fds[fd] = fileDescriptor{}
	return nil
}

// Read reads from a file descriptor's current offset, advancing it by the
// number of bytes actually read. Grounded on vfs_read.
func Read(fd int, buf []byte) (int, *kernel.Error) {
	f := getFD(fd)
	if f == nil {
		return -1, errBadFD
	}
	if f.node.Read == nil {
		return -1, errUnsupported
	}
	n, err := f.node.Read(f.node, f.offset, uint64(len(buf)), buf)
	if err != nil {
		return -1, err
	}
	if n > 0 {
		f.offset += uint64(n)
	}
	return n, nil
}

// Write writes to a file descriptor's current offset, advancing it by the
// number of bytes actually written. Grounded on vfs_write.
func Write(fd int, buf []byte) (int, *kernel.Error) {
	f := getFD(fd)
	if f == nil {
		return -1, errBadFD
	}
	if f.node.Write == nil {
		return -1, errUnsupported
	}
	n, err := f.node.Write(f.node, f.offset, buf)
	if err != nil {
		return -1, err
	}
	if n > 0 {
		f.offset += uint64(n)
	}
	return n, nil
}

// Stat resolves path and returns its node (the shared *Node, not a copy). Grounded on
// vfs_stat.
func Stat(path string) (*Node, *kernel.Error) {
	return resolvePath(path)
}
