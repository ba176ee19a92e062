// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package blockdev

import (
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"
	"gvisor.dev/vmcore/pkg/errors/linuxerr"
	"gvisor.dev/vmcore/pkg/log"
)

// File is a Device backed by a host image file. The image is locked
// exclusively for as long as the device is open, so two kernels never share
// one swap area.
type File struct {
	path    string
	file    *os.File
	lock    *flock.Flock
	sectors uint64
}

var _ Device = (*File)(nil)

// FileOpts configures OpenFile.
type FileOpts struct {
	// LockTimeout bounds how long OpenFile waits for another holder of the
	// image lock. Zero means a single attempt.
	LockTimeout time.Duration
}

// CreateImage creates (or truncates) a zero-filled image of the given number
// of sectors at path.
func CreateImage(path string, sectors uint64) error {
	if sectors == 0 {
		return fmt.Errorf("image %q: zero sectors: %w", path, linuxerr.EINVAL)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("creating image %q: %w", path, err)
	}
	defer f.Close()
	if err := f.Truncate(int64(sectors * SectorSize)); err != nil {
		return fmt.Errorf("sizing image %q to %d sectors: %w", path, sectors, err)
	}
	return nil
}

// OpenFile opens the image at path as a block device. The image size must be
// a multiple of SectorSize.
func OpenFile(path string, opts FileOpts) (*File, error) {
	// Open before locking: the lock helper creates missing files.
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening image %q: %w", path, err)
	}
	l := flock.New(path)
	op := func() error {
		locked, err := l.TryLock()
		if err != nil {
			return backoff.Permanent(fmt.Errorf("locking image %q: %w", path, err))
		}
		if !locked {
			return fmt.Errorf("image %q is locked by another kernel", path)
		}
		return nil
	}
	if err := backoff.Retry(op, lockBackOff(opts.LockTimeout)); err != nil {
		f.Close()
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		l.Unlock()
		return nil, fmt.Errorf("stat image %q: %w", path, err)
	}
	if fi.Size()%SectorSize != 0 {
		f.Close()
		l.Unlock()
		return nil, fmt.Errorf("image %q size %d is not a multiple of %d: %w", path, fi.Size(), SectorSize, linuxerr.EINVAL)
	}
	log.Debugf("Opened block image %q: %d sectors", path, fi.Size()/SectorSize)
	return &File{
		path:    path,
		file:    f,
		lock:    l,
		sectors: uint64(fi.Size()) / SectorSize,
	}, nil
}

// lockBackOff returns the retry schedule for a lock timeout. WithMaxRetries
// treats zero as unlimited, so timeouts shorter than one interval stop after
// the first attempt.
func lockBackOff(timeout time.Duration) backoff.BackOff {
	const interval = 50 * time.Millisecond
	retries := uint64(timeout / interval)
	if retries == 0 {
		return &backoff.StopBackOff{}
	}
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), retries)
}

// Name implements Device.Name.
func (f *File) Name() string {
	return f.path
}

// Sectors implements Device.Sectors.
func (f *File) Sectors() uint64 {
	return f.sectors
}

// ReadSector implements Device.ReadSector.
func (f *File) ReadSector(sector uint64, dst []byte) error {
	if err := checkSector(f, sector, dst); err != nil {
		return err
	}
	n, err := unix.Pread(int(f.file.Fd()), dst, int64(sector*SectorSize))
	if err != nil {
		return fmt.Errorf("%s: read sector %d: %w", f.path, sector, err)
	}
	if n != SectorSize {
		return fmt.Errorf("%s: short read of sector %d (%d bytes): %w", f.path, sector, n, linuxerr.EIO)
	}
	return nil
}

// WriteSector implements Device.WriteSector.
func (f *File) WriteSector(sector uint64, src []byte) error {
	if err := checkSector(f, sector, src); err != nil {
		return err
	}
	n, err := unix.Pwrite(int(f.file.Fd()), src, int64(sector*SectorSize))
	if err != nil {
		return fmt.Errorf("%s: write sector %d: %w", f.path, sector, err)
	}
	if n != SectorSize {
		return fmt.Errorf("%s: short write of sector %d (%d bytes): %w", f.path, sector, n, linuxerr.EIO)
	}
	return nil
}

// Close implements Device.Close.
func (f *File) Close() error {
	err := f.file.Close()
	if uerr := f.lock.Unlock(); uerr != nil && err == nil {
		err = uerr
	}
	return err
}
