package kvm

import "syscall"

// KVMIO is the ioctl type of every KVM request.
const KVMIO = 0xAE

// IIOC encodes a classic ioctl request from direction, number and
// argument size.
func IIOC(dir, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | KVMIO<<8 | nr
}

// IIO is a request with no argument.
func IIO(nr uintptr) uintptr { return IIOC(0, nr, 0) }

// IIOW is a request whose argument is read by the kernel.
func IIOW(nr, size uintptr) uintptr { return IIOC(1, nr, size) }

// IIOR is a request whose argument is written by the kernel.
func IIOR(nr, size uintptr) uintptr { return IIOC(2, nr, size) }

// IIOWR is a request whose argument goes both ways.
func IIOWR(nr, size uintptr) uintptr { return IIOC(3, nr, size) }

// Ioctl issues one ioctl and converts the errno convention to an error.
func Ioctl(fd, op, arg uintptr) (uintptr, error) {
	res, _, errno := syscall.Syscall(syscall.SYS_IOCTL, fd, op, arg)

	var err error
	if errno != 0 {
		err = errno
	}

	return res, err
}
