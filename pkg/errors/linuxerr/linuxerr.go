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

// Package linuxerr contains the errno-carrying errors returned by the VM
// core. Values are pointers so they can be compared directly or through
// errors.Is after wrapping.
package linuxerr

import (
	goerrors "errors"

	"golang.org/x/sys/unix"
	"gvisor.dev/vmcore/pkg/errors"
)

// The following errors are semantically identical to the unix.Errno of the
// same name. The Errno method returns a value that compares equal to it.
var (
	EBADF  = errors.New(unix.EBADF, "bad file number")
	EEXIST = errors.New(unix.EEXIST, "file exists")
	EFAULT = errors.New(unix.EFAULT, "bad address")
	EINVAL = errors.New(unix.EINVAL, "invalid argument")
	EIO    = errors.New(unix.EIO, "I/O error")
	ENODEV = errors.New(unix.ENODEV, "no such device")
	ENOENT = errors.New(unix.ENOENT, "no such file or directory")
	ENOMEM = errors.New(unix.ENOMEM, "out of memory")
	ENOSPC = errors.New(unix.ENOSPC, "no space left on device")
)

// Equals reports whether err wraps target. It matches both *errors.Error
// values and raw unix.Errno values with the same number.
func Equals(target *errors.Error, err error) bool {
	if err == nil {
		return target == nil
	}
	if goerrors.Is(err, target) {
		return true
	}
	var errno unix.Errno
	if goerrors.As(err, &errno) {
		return errno == target.Errno()
	}
	return false
}

// ToErrno returns the errno carried by err, or EIO for unknown errors.
func ToErrno(err error) unix.Errno {
	var e *errors.Error
	if goerrors.As(err, &e) {
		return e.Errno()
	}
	var errno unix.Errno
	if goerrors.As(err, &errno) {
		return errno
	}
	return unix.EIO
}
