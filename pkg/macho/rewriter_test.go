package macho

import (
	"bytes"
	"encoding/binary"
	"testing"

	macho "github.com/blacktop/go-macho"
)

// buildSignedMachO hand-assembles the smallest 64-bit Mach-O image the
// rewriter's own functions care about: a __TEXT segment carrying one
// __info_plist section, a __LINKEDIT segment, and an LC_CODE_SIGNATURE
// load command pointing at a trailing signature blob. Byte offsets below
// are derived from go-macho's own parsing code (NewFile's LcSegment64
// and LcCodeSignature branches, and Segment.LoadSize's cmdsize formula),
// not guessed, since NewFile has to accept this buffer as-is.
func buildSignedMachO() []byte {
	const (
		headerSize   = 32
		textCmdSize  = 72 + 80 // segment_command_64 + one section_64
		linkCmdSize  = 72
		sigCmdSize   = 16
		lcRegionSize = textCmdSize + linkCmdSize + sigCmdSize // 240

		infoPlistOff  = headerSize + lcRegionSize // 272, right after the load commands
		infoPlistSize = 64
		textFilesize  = infoPlistOff + infoPlistSize // 336

		linkOff  = textFilesize // 336
		blobSize = 32
		fileLen  = linkOff + blobSize // 368
	)

	buf := make([]byte, fileLen)
	le := binary.LittleEndian

	// mach_header_64
	le.PutUint32(buf[0:], types64Magic)
	le.PutUint32(buf[4:], 0x0100000c) // CPU_TYPE_ARM64, unchecked by the rewriter
	le.PutUint32(buf[8:], 0)
	le.PutUint32(buf[12:], 2) // MH_EXECUTE
	le.PutUint32(buf[16:], 3) // ncmds
	le.PutUint32(buf[20:], lcRegionSize)
	le.PutUint32(buf[24:], 0)
	le.PutUint32(buf[28:], 0) // reserved

	// LC_SEGMENT_64 __TEXT, one section
	seg := buf[headerSize:]
	le.PutUint32(seg[0:], 0x19) // LC_SEGMENT_64
	le.PutUint32(seg[4:], textCmdSize)
	copy(seg[8:24], "__TEXT")
	le.PutUint64(seg[24:], 0)            // vmaddr
	le.PutUint64(seg[32:], 0x10000)      // vmsize
	le.PutUint64(seg[40:], 0)            // fileoff
	le.PutUint64(seg[48:], textFilesize) // filesize
	le.PutUint32(seg[56:], 7)            // maxprot
	le.PutUint32(seg[60:], 5)            // initprot
	le.PutUint32(seg[64:], 1)            // nsects
	le.PutUint32(seg[68:], 0)            // flags

	sect := seg[72:]
	copy(sect[0:16], "__info_plist")
	copy(sect[16:32], "__TEXT")
	le.PutUint64(sect[32:], 0x2000)       // addr
	le.PutUint64(sect[40:], infoPlistSize) // size
	le.PutUint32(sect[48:], infoPlistOff)  // offset
	le.PutUint32(sect[52:], 0)             // align
	le.PutUint32(sect[56:], 0)             // reloff
	le.PutUint32(sect[60:], 0)             // nreloc
	le.PutUint32(sect[64:], 0)             // flags
	le.PutUint32(sect[68:], 0)             // reserved1
	le.PutUint32(sect[72:], 0)             // reserved2
	le.PutUint32(sect[76:], 0)             // reserved3

	// LC_SEGMENT_64 __LINKEDIT, no sections
	link := buf[headerSize+textCmdSize:]
	le.PutUint32(link[0:], 0x19)
	le.PutUint32(link[4:], linkCmdSize)
	copy(link[8:24], "__LINKEDIT")
	le.PutUint64(link[24:], 0x20000) // vmaddr
	le.PutUint64(link[32:], 0x1000)  // vmsize
	le.PutUint64(link[40:], linkOff) // fileoff
	le.PutUint64(link[48:], blobSize) // filesize
	le.PutUint32(link[56:], 7)
	le.PutUint32(link[60:], 3)
	le.PutUint32(link[64:], 0) // nsects
	le.PutUint32(link[68:], 0)

	// LC_CODE_SIGNATURE
	sig := buf[headerSize+textCmdSize+linkCmdSize:]
	le.PutUint32(sig[0:], lcCodeSignature)
	le.PutUint32(sig[4:], sigCmdSize)
	le.PutUint32(sig[8:], linkOff)
	le.PutUint32(sig[12:], blobSize)

	copy(buf[infoPlistOff:], "<plist>original</plist>")
	for i := 0; i < blobSize; i++ {
		buf[linkOff+i] = 0xCD // stand-in signature bytes; the rewriter never inspects blob content
	}
	// go-macho's NewFile does parse the blob, so it opens with an empty
	// SuperBlob header (magic, length, zero blob count).
	binary.BigEndian.PutUint32(buf[linkOff:], csMagicEmbeddedSignature)
	binary.BigEndian.PutUint32(buf[linkOff+4:], blobSize)
	binary.BigEndian.PutUint32(buf[linkOff+8:], 0)

	return buf
}

func TestRewriterRoundTripsHandAssembledMachO(t *testing.T) {
	data := buildSignedMachO()

	m, err := macho.NewFile(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("NewFile(original): %v", err)
	}

	if off, size := TextSegmentBounds(m); off != 0 || size != 336 {
		t.Fatalf("TextSegmentBounds = (%d, %d), want (0, 336)", off, size)
	}

	patched, err := PatchInfoPlist(data, m, []byte("<plist>rewritten</plist>"))
	if err != nil {
		t.Fatalf("PatchInfoPlist: %v", err)
	}
	if len(patched) != len(data) {
		t.Fatalf("PatchInfoPlist changed file length: %d -> %d", len(data), len(patched))
	}
	pm, err := macho.NewFile(bytes.NewReader(patched))
	if err != nil {
		t.Fatalf("NewFile(patched): %v", err)
	}
	psec := pm.Section("__TEXT", "__info_plist")
	if psec == nil {
		t.Fatal("patched file lost its __info_plist section")
	}
	pdat, err := psec.Data()
	if err != nil {
		t.Fatalf("reading patched __info_plist: %v", err)
	}
	if !bytes.HasPrefix(pdat, []byte("<plist>rewritten</plist>")) {
		t.Fatalf("patched __info_plist = %q, want prefix %q", pdat, "<plist>rewritten</plist>")
	}
	for _, b := range pdat[len("<plist>rewritten</plist>"):] {
		if b != 0 {
			t.Fatalf("patched __info_plist tail not zero-padded: %v", pdat)
		}
	}

	stripped, err := StripCodeSignature(data, m)
	if err != nil {
		t.Fatalf("StripCodeSignature: %v", err)
	}
	if len(stripped) != 336 {
		t.Fatalf("StripCodeSignature left %d bytes, want 336", len(stripped))
	}
	sm, err := macho.NewFile(bytes.NewReader(stripped))
	if err != nil {
		t.Fatalf("NewFile(stripped): %v", err)
	}
	for _, load := range sm.Loads {
		if _, ok := load.(*macho.CodeSignature); ok {
			t.Fatal("stripped file still carries an LC_CODE_SIGNATURE load command")
		}
	}

	newBlob := bytes.Repeat([]byte{0xEF}, 48)
	binary.BigEndian.PutUint32(newBlob[0:], csMagicEmbeddedSignature)
	binary.BigEndian.PutUint32(newBlob[4:], uint32(len(newBlob)))
	binary.BigEndian.PutUint32(newBlob[8:], 0)
	appended, err := AppendCodeSignature(stripped, sm, newBlob)
	if err != nil {
		t.Fatalf("AppendCodeSignature: %v", err)
	}
	if len(appended) != len(stripped)+len(newBlob) {
		t.Fatalf("AppendCodeSignature len = %d, want %d", len(appended), len(stripped)+len(newBlob))
	}
	am, err := macho.NewFile(bytes.NewReader(appended))
	if err != nil {
		t.Fatalf("NewFile(appended): %v", err)
	}
	var found *macho.CodeSignature
	for _, load := range am.Loads {
		if cs, ok := load.(*macho.CodeSignature); ok {
			found = cs
		}
	}
	if found == nil {
		t.Fatal("appended file has no LC_CODE_SIGNATURE load command")
	}
	if found.Offset != uint32(len(stripped)) || found.Size != uint32(len(newBlob)) {
		t.Fatalf("LC_CODE_SIGNATURE = {offset:%d size:%d}, want {offset:%d size:%d}",
			found.Offset, found.Size, len(stripped), len(newBlob))
	}
	if !bytes.Equal(appended[found.Offset:found.Offset+found.Size], newBlob) {
		t.Fatal("appended signature blob bytes don't match what was passed in")
	}
}

func TestSizeofCmds64Bit(t *testing.T) {
	data := make([]byte, 32)
	binary.LittleEndian.PutUint32(data[20:], 0x1234)

	if got := sizeofCmds(data, 32, true, binary.LittleEndian); got != 0x1234 {
		t.Errorf("sizeofCmds(64-bit) = %#x, want %#x", got, 0x1234)
	}
}

func TestSizeofCmds32Bit(t *testing.T) {
	data := make([]byte, 28)
	binary.LittleEndian.PutUint32(data[16:], 0x5678)

	if got := sizeofCmds(data, 28, false, binary.LittleEndian); got != 0x5678 {
		t.Errorf("sizeofCmds(32-bit) = %#x, want %#x", got, 0x5678)
	}
}

func TestWriteSegmentSizes64Bit(t *testing.T) {
	data := make([]byte, 64)
	writeSegmentSizes(data, 0, true, binary.LittleEndian, 0x3000, 0x4000)

	if got := binary.LittleEndian.Uint64(data[32:]); got != 0x4000 {
		t.Errorf("vmsize @32 = %#x, want %#x", got, 0x4000)
	}
	if got := binary.LittleEndian.Uint64(data[48:]); got != 0x3000 {
		t.Errorf("filesize @48 = %#x, want %#x", got, 0x3000)
	}
}

func TestWriteSegmentSizes32Bit(t *testing.T) {
	data := make([]byte, 48)
	writeSegmentSizes(data, 0, false, binary.LittleEndian, 0x300, 0x400)

	if got := binary.LittleEndian.Uint32(data[28:]); got != 0x400 {
		t.Errorf("vmsize @28 = %#x, want %#x", got, 0x400)
	}
	if got := binary.LittleEndian.Uint32(data[36:]); got != 0x300 {
		t.Errorf("filesize @36 = %#x, want %#x", got, 0x300)
	}
}

func TestWriteSegmentSizesRoundsAtNonZeroCmdOffset(t *testing.T) {
	const cmdOffset = 16
	data := make([]byte, cmdOffset+64)
	writeSegmentSizes(data, cmdOffset, true, binary.BigEndian, 0x1, 0x2)

	if got := binary.BigEndian.Uint64(data[cmdOffset+32:]); got != 0x2 {
		t.Errorf("vmsize at offset cmdOffset+32 = %#x, want 2", got)
	}
	if got := binary.BigEndian.Uint64(data[cmdOffset+48:]); got != 0x1 {
		t.Errorf("filesize at offset cmdOffset+48 = %#x, want 1", got)
	}
}
