// Package shm implements the shared-memory feedback region the
// fork-server protocol uses to hand a coverage bitmap back from an
// instrumented target to the fuzzer without a pipe round-trip per
// execution.
package shm

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// BitmapSize is the number of coverage-bitmap bytes the target writes
// into, matching the historical AFL-style 2^15 edge-hash table size.
const BitmapSize = 1 << 15

// magicOffset/statusOffset/dataSize describe the same memory layout a
// repr(C) struct { run_bitmap: [u8; BitmapSize], magic: u64, status: i32 }
// would have on an LP64 target: the u64 field is naturally aligned right
// after the bitmap, and the struct's overall size is padded up to the
// alignment of its largest field (8) so the region can be safely shared
// with a C/Rust child process built against the equivalent struct.
const (
	magicOffset  = BitmapSize
	statusOffset = BitmapSize + 8
	DataSize     = BitmapSize + 8 + 4 + 4 // bitmap + magic + status + tail padding
)

// Magic values exchanged over the bitmap's magic field to signal turn
// handoff between parent and child.
const (
	MagicChildDone  uint64 = 0x5a5a55464c464f52
	MagicParentGo   uint64 = 0x1337133713371337
)

// Region is an mmap'd FeedbackData buffer shared between this process
// and a forked target.
type Region struct {
	file *os.File
	data []byte
}

// Create allocates a fresh, zeroed shared memory
// region of exactly DataSize bytes, backed by a deleted temp file so the
// mapping survives fork/exec via inherited fds without leaving a file
// behind on disk.
func Create() (*Region, error) {
	f, err := os.CreateTemp("", "rofl-shm-*")
	if err != nil {
		return nil, fmt.Errorf("create shm backing file: %w", err)
	}
	if err := f.Truncate(DataSize); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("size shm backing file: %w", err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, DataSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("mmap shm region: %w", err)
	}
	// The file's directory entry is unneeded once both ends can reach it
	// via the open fd; remove it so crashes don't litter /tmp.
	name := f.Name()
	os.Remove(name)
	return &Region{file: f, data: data}, nil
}

// Fd returns the backing file descriptor, used to set up ROFL_SHM_FD in
// the target's environment before fork/exec.
func (r *Region) Fd() uintptr { return r.file.Fd() }

// File returns the backing *os.File so callers can pass it through
// exec.Cmd.ExtraFiles, which duplicates it into the child and clears
// O_CLOEXEC on the child's copy automatically.
func (r *Region) File() *os.File { return r.file }

func (r *Region) Close() error {
	err := unix.Munmap(r.data)
	if cerr := r.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// RunBitmap returns the live coverage bitmap backing slice.
func (r *Region) RunBitmap() []byte { return r.data[:BitmapSize] }

// ClearBitmap zeroes the coverage bitmap in place, without touching
// magic/status, ahead of the next execution.
func (r *Region) ClearBitmap() {
	bm := r.RunBitmap()
	for i := range bm {
		bm[i] = 0
	}
}

func (r *Region) Magic() uint64 {
	return binary.LittleEndian.Uint64(r.data[magicOffset : magicOffset+8])
}

func (r *Region) SetMagic(v uint64) {
	binary.LittleEndian.PutUint64(r.data[magicOffset:magicOffset+8], v)
}

func (r *Region) Status() int32 {
	return int32(binary.LittleEndian.Uint32(r.data[statusOffset : statusOffset+4]))
}

func (r *Region) SetStatus(v int32) {
	binary.LittleEndian.PutUint32(r.data[statusOffset:statusOffset+4], uint32(v))
}
