package macho

import (
	"bytes"
	"encoding/binary"
	"fmt"

	macho "github.com/blacktop/go-macho"
	"github.com/warpsign/warpsign/internal/warpsignerrors"
)

// fatMagic and fatMagic64 are <mach-o/fat.h>'s FAT_MAGIC/FAT_MAGIC_64,
// always stored big-endian regardless of the host or slice byte order.
// go-macho's own file reader panics on MagicFat ("not handled yet"), so
// the fat container itself — an 8-byte header plus one 20- or 32-byte
// fat_arch entry per slice — is walked directly; go-macho still does
// every bit of the real Mach-O parsing once a slice's bytes are handed
// to it in isolation.
const (
	fatMagic   = 0xcafebabe
	fatMagic64 = 0xcafebabf
)

const (
	fatArchSize   = 20
	fatArch64Size = 32
)

// FatArch is one architecture slice of a universal binary: its location
// within the fat container's combined byte buffer and the go-macho File
// parsed from that range.
type FatArch struct {
	CPUType    int32
	CPUSubtype uint32
	Offset     uint64
	Size       uint64
	Align      uint32
	File       *macho.File
}

// FatFile is a parsed universal (fat) Mach-O image, opened with OpenFat.
type FatFile struct {
	Arches []FatArch
}

// Close closes every slice's underlying File.
func (f *FatFile) Close() error {
	for _, a := range f.Arches {
		if a.File != nil {
			a.File.Close()
		}
	}
	return nil
}

// IsFat reports whether data begins with a fat Mach-O magic number.
func IsFat(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	magic := binary.BigEndian.Uint32(data[0:4])
	return magic == fatMagic || magic == fatMagic64
}

// OpenFat parses path as a universal binary, per spec §4.4's requirement
// that every architecture slice of a fat .ipa executable or framework
// gets signed, not just the first. Use IsFat on the file's raw bytes to
// decide between Open and OpenFat before calling either.
func OpenFat(path string) (*FatFile, error) {
	data, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return NewFatFile(data)
}

// NewFatFile parses data as a universal binary already held in memory,
// slicing out each architecture's byte range and parsing it with
// go-macho's ordinary (thin) reader.
func NewFatFile(data []byte) (*FatFile, error) {
	if !IsFat(data) {
		return nil, warpsignerrors.UnsupportedMachO(fmt.Errorf("macho: not a fat binary"))
	}
	if len(data) < 8 {
		return nil, warpsignerrors.UnsupportedMachO(fmt.Errorf("macho: fat header truncated"))
	}
	magic := binary.BigEndian.Uint32(data[0:4])
	nArch := binary.BigEndian.Uint32(data[4:8])
	is64 := magic == fatMagic64
	entrySize := fatArchSize
	if is64 {
		entrySize = fatArch64Size
	}

	arches := make([]FatArch, 0, nArch)
	off := 8
	for i := uint32(0); i < nArch; i++ {
		if off+entrySize > len(data) {
			return nil, warpsignerrors.UnsupportedMachO(fmt.Errorf("macho: fat_arch table truncated at entry %d", i))
		}
		entry := data[off : off+entrySize]
		var a FatArch
		a.CPUType = int32(binary.BigEndian.Uint32(entry[0:4]))
		a.CPUSubtype = binary.BigEndian.Uint32(entry[4:8])
		if is64 {
			a.Offset = binary.BigEndian.Uint64(entry[8:16])
			a.Size = binary.BigEndian.Uint64(entry[16:24])
			a.Align = binary.BigEndian.Uint32(entry[24:28])
		} else {
			a.Offset = uint64(binary.BigEndian.Uint32(entry[8:12]))
			a.Size = uint64(binary.BigEndian.Uint32(entry[12:16]))
			a.Align = binary.BigEndian.Uint32(entry[16:20])
		}
		if a.Offset+a.Size > uint64(len(data)) {
			return nil, warpsignerrors.UnsupportedMachO(fmt.Errorf("macho: fat arch %d (offset %d, size %d) exceeds file length %d", i, a.Offset, a.Size, len(data)))
		}

		m, err := NewFile(data[a.Offset : a.Offset+a.Size])
		if err != nil {
			for _, done := range arches {
				done.File.Close()
			}
			return nil, warpsignerrors.UnsupportedMachO(err)
		}
		a.File = m
		arches = append(arches, a)
		off += entrySize
	}
	return &FatFile{Arches: arches}, nil
}

// NewFile parses data as a thin Mach-O image already held in memory.
func NewFile(data []byte) (*macho.File, error) {
	m, err := macho.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, warpsignerrors.UnsupportedMachO(err)
	}
	return m, nil
}

// RebuildFat reassembles a universal binary from arches' original
// fat_arch metadata and slices' already-processed per-architecture
// bytes, which need not match their original sizes (StripCodeSignature
// and AppendCodeSignature both change a slice's length). Each slice is
// re-aligned to its original fat_arch alignment and the fat_header/
// fat_arch table is rewritten to match the new offsets.
func RebuildFat(arches []FatArch, slices [][]byte) []byte {
	is64 := false
	for _, a := range arches {
		if a.Offset > 1<<32 || a.Size > 1<<32 {
			is64 = true
		}
	}
	entrySize := fatArchSize
	magic := uint32(fatMagic)
	if is64 {
		entrySize = fatArch64Size
		magic = fatMagic64
	}

	headerSize := 8 + entrySize*len(arches)
	off := headerSize
	offsets := make([]int, len(arches))
	for i, a := range arches {
		align := 1 << a.Align
		if align < 1 {
			align = 1
		}
		if rem := off % align; rem != 0 {
			off += align - rem
		}
		offsets[i] = off
		off += len(slices[i])
	}

	out := make([]byte, off)
	binary.BigEndian.PutUint32(out[0:4], magic)
	binary.BigEndian.PutUint32(out[4:8], uint32(len(arches)))

	entryOff := 8
	for i, a := range arches {
		entry := out[entryOff : entryOff+entrySize]
		binary.BigEndian.PutUint32(entry[0:4], uint32(a.CPUType))
		binary.BigEndian.PutUint32(entry[4:8], a.CPUSubtype)
		if is64 {
			binary.BigEndian.PutUint64(entry[8:16], uint64(offsets[i]))
			binary.BigEndian.PutUint64(entry[16:24], uint64(len(slices[i])))
			binary.BigEndian.PutUint32(entry[24:28], a.Align)
		} else {
			binary.BigEndian.PutUint32(entry[8:12], uint32(offsets[i]))
			binary.BigEndian.PutUint32(entry[12:16], uint32(len(slices[i])))
			binary.BigEndian.PutUint32(entry[16:20], a.Align)
		}
		copy(out[offsets[i]:], slices[i])
		entryOff += entrySize
	}
	return out
}
