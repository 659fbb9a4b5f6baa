// Package macho implements WarpSign's Mach-O Rewriter (spec §4.4): it
// mutates a single executable's embedded __TEXT,__info_plist section and
// strips a prior LC_CODE_SIGNATURE load command so the external Signer
// can re-add a fresh one. It parses with the real
// github.com/blacktop/go-macho reader to locate offsets, then edits the
// raw file bytes directly, the same split between "parse to find offsets,
// binary.LittleEndian.Put to mutate" the aluedeke-go-codesign reference
// implementation's native signer uses for its own LC_CODE_SIGNATURE
// bookkeeping, used here both to strip the old load command and to
// append a new one.
package macho

import (
	"encoding/binary"
	"fmt"
	"os"

	macho "github.com/blacktop/go-macho"
	"github.com/warpsign/warpsign/internal/warpsignerrors"
)

// pageSize is the file-offset alignment granularity Apple's linker uses
// for __LINKEDIT bookkeeping; 4096 matches every ABI WarpSign targets
// even where the runtime page size is 16 KiB, since this only rounds a
// segment's declared vmsize, not the platform's true page size.
const pageSize = 4096

// layout records the raw-byte positions the rewriter edits:
// linkeditCmdOffset and codeSigCmdOffset locate the __LINKEDIT segment's
// load command and, if present, the LC_CODE_SIGNATURE load command, both
// measured from the start of a (possibly fat-sliced) Mach-O image.
type layout struct {
	is64Bit             bool
	headerSize          uint32
	linkeditCmdOffset   uint32
	linkeditFileOffset  uint64
	linkeditFileSize    uint64
	codeSigCmdOffset    uint32
	codeSigDataOffset   uint32
	infoPlistFileOffset uint32
	infoPlistSize       uint64
}

func scanLayout(m *macho.File) (layout, error) {
	var l layout
	l.is64Bit = m.FileHeader.Magic == types64Magic
	l.headerSize = 28
	if l.is64Bit {
		l.headerSize = 32
	}

	cmdOffset := l.headerSize
	for _, load := range m.Loads {
		size := load.LoadSize()
		switch v := load.(type) {
		case *macho.Segment:
			if v.Name == "__LINKEDIT" {
				l.linkeditCmdOffset = cmdOffset
				l.linkeditFileOffset = v.Offset
				l.linkeditFileSize = v.Filesz
			}
		case *macho.CodeSignature:
			l.codeSigCmdOffset = cmdOffset
			l.codeSigDataOffset = v.Offset
		}
		cmdOffset += size
	}

	if sec := m.Section("__TEXT", "__info_plist"); sec != nil {
		l.infoPlistFileOffset = sec.Offset
		l.infoPlistSize = sec.Size
	}
	return l, nil
}

// types64Magic mirrors go-macho's types.Magic64 constant value (a bare
// constant here to keep this file's import set to go-macho's top-level
// package, matching how the reference native signer only imports
// github.com/blacktop/go-macho and its types subpackage for enums it
// switches on directly).
const types64Magic = 0xfeedfacf

// lcCodeSignature is LC_CODE_SIGNATURE's raw load command constant, per
// the aluedeke-go-codesign reference's own bare declaration of it.
const lcCodeSignature = 0x1d

// TextSegmentBounds returns __TEXT's file offset and size, the
// execSegBase/execSegLimit fields the Signer's CodeDirectory records.
func TextSegmentBounds(m *macho.File) (offset, size uint64) {
	for _, load := range m.Loads {
		if seg, ok := load.(*macho.Segment); ok && seg.Name == "__TEXT" {
			return seg.Offset, seg.Filesz
		}
	}
	return 0, 0
}

// firstSegmentFileOffset returns the lowest file offset any section with
// real content starts at. This, not a segment's own Offset, is the true
// boundary of the header padding available to grow the load command area
// into: __TEXT's segment Offset is 0 in almost every Mach-O, since __TEXT
// maps the header and load commands themselves, so using segment offsets
// here would make the padding check in AppendCodeSignature fail for every
// realistic binary. Sections never legitimately start at file offset 0,
// so "found" only guards against a file with no sections at all.
func firstSegmentFileOffset(m *macho.File) (uint32, error) {
	var min uint64
	found := false
	for _, sec := range m.Sections {
		if sec.Size == 0 {
			continue
		}
		if !found || uint64(sec.Offset) < min {
			min = uint64(sec.Offset)
			found = true
		}
	}
	if !found {
		return 0, fmt.Errorf("macho: no section with file content found")
	}
	return uint32(min), nil
}

// AppendCodeSignature writes a new LC_CODE_SIGNATURE load command into the
// header padding StripCodeSignature's removal freed, and appends blob to
// the file, growing __LINKEDIT to cover it. It is the mirror image of
// StripCodeSignature and only succeeds when that padding exists, which
// holds for every binary that arrived already signed (every installable
// .ipa's executables), since the load command it strips vacates exactly
// the room a fresh one needs.
func AppendCodeSignature(data []byte, m *macho.File, blob []byte) ([]byte, error) {
	l, err := scanLayout(m)
	if err != nil {
		return nil, err
	}
	order := m.ByteOrder

	ncmdsOff, sizeofcmdsOff := uint32(16), uint32(20)
	if !l.is64Bit {
		ncmdsOff, sizeofcmdsOff = 12, 16
	}

	out := make([]byte, len(data))
	copy(out, data)

	ncmds := order.Uint32(out[ncmdsOff:])
	sizeofcmds := order.Uint32(out[sizeofcmdsOff:])
	insertAt := l.headerSize + sizeofcmds

	firstData, err := firstSegmentFileOffset(m)
	if err != nil {
		return nil, warpsignerrors.UnsupportedMachO(err)
	}
	const cmdSize = 16
	if insertAt+cmdSize > firstData {
		return nil, warpsignerrors.UnsupportedMachO(fmt.Errorf("no header padding available to re-add a code signature load command"))
	}

	dataOff := uint32(len(out))
	order.PutUint32(out[insertAt:], lcCodeSignature)
	order.PutUint32(out[insertAt+4:], cmdSize)
	order.PutUint32(out[insertAt+8:], dataOff)
	order.PutUint32(out[insertAt+12:], uint32(len(blob)))

	order.PutUint32(out[ncmdsOff:], ncmds+1)
	order.PutUint32(out[sizeofcmdsOff:], sizeofcmds+cmdSize)

	out = append(out, blob...)

	if l.linkeditCmdOffset != 0 {
		newSize := uint64(len(out)) - l.linkeditFileOffset
		newVMSize := ((newSize + pageSize - 1) / pageSize) * pageSize
		writeSegmentSizes(out, l.linkeditCmdOffset, l.is64Bit, order, newSize, newVMSize)
	}
	return out, nil
}

// StripCodeSignature removes a Mach-O image's LC_CODE_SIGNATURE load
// command and the signature blob it points to, shrinking __LINKEDIT's
// declared file/virtual size to match, per spec §4.4's "Signature load
// commands" rule. If the image carries no signature, data is returned
// unchanged.
func StripCodeSignature(data []byte, m *macho.File) ([]byte, error) {
	l, err := scanLayout(m)
	if err != nil {
		return nil, err
	}
	if l.codeSigCmdOffset == 0 {
		return data, nil // nothing to strip
	}

	order := m.ByteOrder

	out := make([]byte, len(data))
	copy(out, data)

	// Remove the 16-byte LC_CODE_SIGNATURE command by shifting every
	// later load-command byte down and truncating sizeofcmds/ncmds.
	const cmdSize = 16
	copy(out[l.codeSigCmdOffset:], out[l.codeSigCmdOffset+cmdSize:l.headerSize+sizeofCmds(out, l.headerSize, l.is64Bit, order)])

	ncmdsOff, sizeofcmdsOff := uint32(16), uint32(20)
	if !l.is64Bit {
		ncmdsOff, sizeofcmdsOff = 12, 16
	}
	ncmds := order.Uint32(out[ncmdsOff:])
	sizeofcmds := order.Uint32(out[sizeofcmdsOff:])
	order.PutUint32(out[ncmdsOff:], ncmds-1)
	order.PutUint32(out[sizeofcmdsOff:], sizeofcmds-cmdSize)

	// Truncate the appended signature blob.
	if uint64(l.codeSigDataOffset) < uint64(len(out)) {
		out = out[:l.codeSigDataOffset]
	}

	if l.linkeditCmdOffset != 0 {
		newLinkeditSize := uint64(len(out)) - l.linkeditFileOffset
		newLinkeditVMSize := ((newLinkeditSize + pageSize - 1) / pageSize) * pageSize
		writeSegmentSizes(out, l.linkeditCmdOffset, l.is64Bit, order, newLinkeditSize, newLinkeditVMSize)
	}

	return out, nil
}

// sizeofCmds returns the header's sizeofcmds field: the size of the load
// command area, measured from the end of the header rather than from the
// start of the file (headerSize is not used).
func sizeofCmds(data []byte, headerSize uint32, is64Bit bool, order binary.ByteOrder) uint32 {
	off := uint32(20)
	if !is64Bit {
		off = 16
	}
	return order.Uint32(data[off:])
}

// writeSegmentSizes overwrites a segment_command(_64)'s vmsize/filesize
// fields in place, per the layout the reference native signer's
// nativeSignThinMachOWithContext uses when it grows __LINKEDIT; here it
// shrinks __LINKEDIT after a strip and grows it after an append.
func writeSegmentSizes(data []byte, cmdOffset uint32, is64Bit bool, order binary.ByteOrder, filesize, vmsize uint64) {
	if is64Bit {
		order.PutUint64(data[cmdOffset+32:], vmsize)
		order.PutUint64(data[cmdOffset+48:], filesize)
	} else {
		order.PutUint32(data[cmdOffset+28:], uint32(vmsize))
		order.PutUint32(data[cmdOffset+36:], uint32(filesize))
	}
}

// PatchInfoPlist overwrites the __TEXT,__info_plist section's bytes with
// newPlist, zero-padding the remainder of the section so the file's
// length and every later offset stay unchanged, per spec §4.4's
// requirement that only the embedded plist section is rewritten, never
// arbitrary text-section content. Returns IdentifierTooLong if newPlist
// does not fit in the section's existing size.
func PatchInfoPlist(data []byte, m *macho.File, newPlist []byte) ([]byte, error) {
	l, err := scanLayout(m)
	if err != nil {
		return nil, err
	}
	if l.infoPlistFileOffset == 0 {
		return data, nil // no embedded info plist to patch
	}
	if uint64(len(newPlist)) > l.infoPlistSize {
		return nil, warpsignerrors.IdentifierTooLong(fmt.Sprintf("__info_plist section (%d bytes available, %d needed)", l.infoPlistSize, len(newPlist)))
	}

	out := make([]byte, len(data))
	copy(out, data)
	start := l.infoPlistFileOffset
	end := start + uint32(l.infoPlistSize)
	for i := start; i < end; i++ {
		out[i] = 0
	}
	copy(out[start:], newPlist)
	return out, nil
}

// Open parses path as a thin Mach-O file, rejecting universal (fat)
// binaries; callers that must handle fat images use OpenFat, which
// parses every architecture slice and lets the caller process and
// reassemble them with RebuildFat, per spec §4.4's per-slice rule.
func Open(path string) (*macho.File, error) {
	m, err := macho.Open(path)
	if err != nil {
		return nil, warpsignerrors.UnsupportedMachO(err)
	}
	return m, nil
}

// ReadFile reads path's raw bytes, used alongside Open to get both the
// parsed layout and the mutable byte buffer StripCodeSignature/
// PatchInfoPlist operate on.
func ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, warpsignerrors.UnsupportedMachO(err)
	}
	return data, nil
}
