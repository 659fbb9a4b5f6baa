package macho

import (
	"crypto/sha256"
	"encoding/binary"

	macho "github.com/blacktop/go-macho"
)

// EmbeddedSignature is the pair of facts WarpSign's pipeline carries
// forward from a binary's existing signature before StripCodeSignature
// discards it: the entitlements it declared, and a hash identifying it so
// a parent bundle's CodeResources can seal a reference to it once it has
// been re-signed.
type EmbeddedSignature struct {
	Entitlements []byte // raw XML plist bytes; nil if none were declared
	CDHash       []byte // first 20 bytes of a SHA-256 CodeDirectory's own hash
}

const (
	csMagicEmbeddedSignature = 0xfade0cc0
	csMagicCodeDirectory     = 0xfade0c02
	csMagicEntitlements      = 0xfade7171
	csSlotCodeDirectory      = 0
)

// ReadEmbeddedSignature parses data's current SuperBlob, located through
// m's LC_CODE_SIGNATURE load command, walking its blob index the same way
// BuildSuperBlob writes one.
func ReadEmbeddedSignature(data []byte, m *macho.File) (*EmbeddedSignature, error) {
	l, err := scanLayout(m)
	if err != nil {
		return nil, err
	}
	out := &EmbeddedSignature{}
	if l.codeSigCmdOffset == 0 {
		return out, nil
	}

	var size uint32
	for _, load := range m.Loads {
		if cs, ok := load.(*macho.CodeSignature); ok {
			size = cs.Size
		}
	}
	if size == 0 || uint64(l.codeSigDataOffset)+uint64(size) > uint64(len(data)) {
		return out, nil
	}
	blob := data[l.codeSigDataOffset : uint64(l.codeSigDataOffset)+uint64(size)]
	if len(blob) < 12 || binary.BigEndian.Uint32(blob[0:]) != csMagicEmbeddedSignature {
		return out, nil
	}

	count := binary.BigEndian.Uint32(blob[8:])
	for i := uint32(0); i < count; i++ {
		idx := 12 + i*8
		if int(idx+8) > len(blob) {
			break
		}
		slot := binary.BigEndian.Uint32(blob[idx:])
		off := binary.BigEndian.Uint32(blob[idx+4:])
		if int(off) >= len(blob) || int(off)+8 > len(blob) {
			continue
		}
		entry := blob[off:]
		magic := binary.BigEndian.Uint32(entry[0:])
		length := binary.BigEndian.Uint32(entry[4:])
		if int(length) > len(entry) {
			continue
		}
		entry = entry[:length]

		switch {
		case slot == csSlotCodeDirectory && magic == csMagicCodeDirectory:
			h := sha256.Sum256(entry)
			out.CDHash = h[:20]
		case magic == csMagicEntitlements && len(entry) > 8:
			out.Entitlements = entry[8:]
		}
	}
	return out, nil
}
