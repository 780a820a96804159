// Copyright 2011 Evan Shaw. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE-MMAP-GO file.

// Modifications (c) 2018 The galloc Authors.

package galloc

import (
	"errors"
	"os"
	"syscall"
	"unsafe"
)

// mmap on Windows is a two-step process: CreateFileMapping gets a handle,
// MapViewOfFile gets an actual pointer into memory. handleMap lets unmap
// recover the handle that goes with an address.
var handleMap = map[uintptr]syscall.Handle{}

func rawMmap(size int) (uintptr, error) {
	flProtect := uint32(syscall.PAGE_READWRITE)
	dwDesiredAccess := uint32(syscall.FILE_MAP_WRITE)

	maxSizeHigh := uint32(int64(size) >> 32)
	maxSizeLow := uint32(int64(size) & 0xFFFFFFFF)
	h, errno := syscall.CreateFileMapping(syscall.Handle(^uintptr(0)), nil, flProtect, maxSizeHigh, maxSizeLow, nil)
	if h == 0 {
		return 0, os.NewSyscallError("CreateFileMapping", errno)
	}

	addr, errno := syscall.MapViewOfFile(h, dwDesiredAccess, 0, 0, uintptr(size))
	if addr == 0 {
		return 0, os.NewSyscallError("MapViewOfFile", errno)
	}

	if addr&uintptr(osPageMask) != 0 {
		panic("galloc: mmap returned a non-page-aligned address")
	}

	handleMap[addr] = h
	return addr, nil
}

func rawMunmap(addr uintptr, size int) error {
	_ = size
	err := syscall.UnmapViewOfFile(addr)
	if err != nil {
		return err
	}

	handle, ok := handleMap[addr]
	if !ok {
		return errors.New("galloc: unmap of unknown base address")
	}
	delete(handleMap, addr)

	return os.NewSyscallError("CloseHandle", syscall.CloseHandle(handle))
}

// rawReserve/rawCommit/rawDecommit emulate a program-break extender with
// VirtualAlloc's MEM_RESERVE/MEM_COMMIT split, the Windows analogue of the
// unix PROT_NONE-then-mprotect trick in mmap_unix.go.
func rawReserve(size int) (uintptr, error) {
	addr, err := virtualAlloc(0, size, memReserve, pageNoAccess)
	if err != nil {
		return 0, err
	}
	return addr, nil
}

func rawCommit(addr uintptr, size int) error {
	_, err := virtualAlloc(addr, size, memCommit, pageReadWrite)
	return err
}

func rawDecommit(addr uintptr, size int) error {
	return virtualFree(addr, size, memDecommit)
}

func rawPageSize() int {
	var si systemInfo
	getSystemInfo(&si)
	return int(si.dwPageSize)
}

const (
	memCommit     = 0x00001000
	memReserve    = 0x00002000
	memDecommit   = 0x00004000
	pageNoAccess  = 0x01
	pageReadWrite = 0x04
)

type systemInfo struct {
	wProcessorArchitecture      uint16
	wReserved                   uint16
	dwPageSize                  uint32
	lpMinimumApplicationAddress uintptr
	lpMaximumApplicationAddress uintptr
	dwActiveProcessorMask       uintptr
	dwNumberOfProcessors        uint32
	dwProcessorType             uint32
	dwAllocationGranularity     uint32
	wProcessorLevel             uint16
	wProcessorRevision          uint16
}

var (
	modkernel32       = syscall.NewLazyDLL("kernel32.dll")
	procVirtualAlloc  = modkernel32.NewProc("VirtualAlloc")
	procVirtualFree   = modkernel32.NewProc("VirtualFree")
	procGetSystemInfo = modkernel32.NewProc("GetSystemInfo")
)

func virtualAlloc(addr uintptr, size int, allocType, protect uint32) (uintptr, error) {
	r, _, errno := procVirtualAlloc.Call(addr, uintptr(size), uintptr(allocType), uintptr(protect))
	if r == 0 {
		return 0, os.NewSyscallError("VirtualAlloc", errno)
	}
	return r, nil
}

func virtualFree(addr uintptr, size int, freeType uint32) error {
	r, _, errno := procVirtualFree.Call(addr, uintptr(size), uintptr(freeType))
	if r == 0 {
		return os.NewSyscallError("VirtualFree", errno)
	}
	return nil
}

func getSystemInfo(si *systemInfo) {
	_, _, _ = procGetSystemInfo.Call(uintptr(unsafe.Pointer(si)))
}
