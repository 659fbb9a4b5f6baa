// This file builds the embedded CSMAGIC_EMBEDDED_SIGNATURE SuperBlob a
// signed Mach-O carries: a CodeDirectory of per-page hashes plus the
// special-slot hashes (Info.plist, Requirements, resources, entitlements),
// wrapped in Apple's blob-index container format and terminated with the
// CMS signature over the CodeDirectory. Grounded on
// aluedeke-go-codesign/pkg/codesign/codesign_native.go's buildCodeDirectory
// and createSignatureWithContext, simplified to a single SHA-256
// CodeDirectory (the reference builds a legacy SHA-1 CodeDirectory
// alongside it for pre-iOS-11 compatibility WarpSign does not target) and
// an empty internal requirements set (no example in the corpus parses or
// emits Requirement expression bytecode, so a designated requirement is
// left to the caller's provisioning profile instead of being embedded
// here).
package codesign

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

const (
	csMagicRequirements      = 0xfade0c01
	csMagicCodeDirectory     = 0xfade0c02
	csMagicEmbeddedSignature = 0xfade0cc0
	csMagicEntitlements      = 0xfade7171
	csMagicEntitlementsDER   = 0xfade7172
	csMagicBlobWrapper       = 0xfade0b01

	csSlotCodeDirectory   = 0
	csSlotInfoPlist       = 1
	csSlotRequirements    = 2
	csSlotResourceDir     = 3
	csSlotEntitlements    = 5
	csSlotEntitlementsDER = 7
	csSlotCMSSignature    = 0x10000

	csExecSegMainBinary    = 0x1
	csExecSegAllowUnsigned = 0x10

	csHashTypeSHA256 = 2
	csHashSize       = sha256.Size
	csPageSizeBits   = 12
	csPageSize       = 1 << csPageSizeBits
)

// DirectoryInputs is everything BuildSuperBlob needs beyond the
// executable's raw code bytes to assemble an embedded signature.
type DirectoryInputs struct {
	BundleID          string
	TeamID            string
	InfoPlistData     []byte
	CodeResourcesData []byte
	EntitlementsXML   []byte // nil if the bundle carries no entitlements
	EntitlementsDER   []byte // nil unless EntitlementsXML is also set
	ExecSegBase       uint64
	ExecSegLimit      uint64
	AllowGetTaskAllow bool
	Sign              func(codeDirectory []byte) ([]byte, error)
}

// BuildSuperBlob assembles the signature blob for codeData, the complete
// Mach-O image up to (but not including) the offset the signature itself
// will be appended at.
func BuildSuperBlob(codeData []byte, in DirectoryInputs) ([]byte, error) {
	hasEnt := len(in.EntitlementsXML) > 0
	hasEntDER := len(in.EntitlementsDER) > 0

	nSpecialSlots := uint32(3) // InfoPlist, Requirements, ResourceDir
	if hasEntDER {
		nSpecialSlots = 7
	} else if hasEnt {
		nSpecialSlots = 5
	}

	reqBlob := buildEmptyRequirements()
	var entBlob, entDERBlob []byte
	if hasEnt {
		entBlob = wrapBlob(csMagicEntitlements, in.EntitlementsXML)
	}
	if hasEntDER {
		entDERBlob = wrapBlob(csMagicEntitlementsDER, in.EntitlementsDER)
	}

	var execSegFlags uint64
	if in.AllowGetTaskAllow {
		execSegFlags = csExecSegMainBinary | csExecSegAllowUnsigned
	}

	cdir := buildCodeDirectory(codeData, in.BundleID, in.TeamID, nSpecialSlots,
		reqBlob, entBlob, entDERBlob, in.InfoPlistData, in.CodeResourcesData,
		in.ExecSegBase, in.ExecSegLimit, execSegFlags)

	cmsDER, err := in.Sign(cdir)
	if err != nil {
		return nil, fmt.Errorf("codesign: failed to produce CMS signature: %w", err)
	}
	cmsBlob := wrapBlob(csMagicBlobWrapper, cmsDER)

	type indexEntry struct {
		slot uint32
		blob []byte
	}
	entries := []indexEntry{
		{csSlotCodeDirectory, cdir},
		{csSlotRequirements, reqBlob},
	}
	if hasEnt {
		entries = append(entries, indexEntry{csSlotEntitlements, entBlob})
	}
	if hasEntDER {
		entries = append(entries, indexEntry{csSlotEntitlementsDER, entDERBlob})
	}
	entries = append(entries, indexEntry{csSlotCMSSignature, cmsBlob})

	headerSize := 12 + len(entries)*8
	offsets := make([]int, len(entries))
	offset := headerSize
	for i, e := range entries {
		offsets[i] = offset
		offset += len(e.blob)
	}

	out := make([]byte, offset)
	binary.BigEndian.PutUint32(out[0:], csMagicEmbeddedSignature)
	binary.BigEndian.PutUint32(out[4:], uint32(offset))
	binary.BigEndian.PutUint32(out[8:], uint32(len(entries)))
	for i, e := range entries {
		idx := 12 + i*8
		binary.BigEndian.PutUint32(out[idx:], e.slot)
		binary.BigEndian.PutUint32(out[idx+4:], uint32(offsets[i]))
		copy(out[offsets[i]:], e.blob)
	}
	return out, nil
}

func buildEmptyRequirements() []byte {
	blob := make([]byte, 12)
	binary.BigEndian.PutUint32(blob[0:], csMagicRequirements)
	binary.BigEndian.PutUint32(blob[4:], 12)
	binary.BigEndian.PutUint32(blob[8:], 0)
	return blob
}

func wrapBlob(magic uint32, data []byte) []byte {
	blob := make([]byte, 8+len(data))
	binary.BigEndian.PutUint32(blob[0:], magic)
	binary.BigEndian.PutUint32(blob[4:], uint32(len(blob)))
	copy(blob[8:], data)
	return blob
}

func buildCodeDirectory(codeData []byte, bundleID, teamID string, nSpecialSlots uint32,
	reqBlob, entBlob, entDERBlob, infoPlistData, codeResourcesData []byte,
	execSegBase, execSegLimit, execSegFlags uint64) []byte {

	nhashes := uint32((len(codeData) + csPageSize - 1) / csPageSize)

	idOff := uint32(88) // CodeDirectory v0x20400 fixed header size
	teamOff := uint32(0)
	hashOff := idOff + uint32(len(bundleID)+1)
	if teamID != "" {
		teamOff = hashOff
		hashOff += uint32(len(teamID) + 1)
	}
	hashOff += nSpecialSlots * csHashSize

	cdir := make([]byte, hashOff+nhashes*csHashSize)

	binary.BigEndian.PutUint32(cdir[0:], csMagicCodeDirectory)
	binary.BigEndian.PutUint32(cdir[4:], uint32(len(cdir)))
	binary.BigEndian.PutUint32(cdir[8:], 0x20400)
	binary.BigEndian.PutUint32(cdir[12:], 0) // flags: not adhoc, a cert signs this
	binary.BigEndian.PutUint32(cdir[16:], hashOff)
	binary.BigEndian.PutUint32(cdir[20:], idOff)
	binary.BigEndian.PutUint32(cdir[24:], nSpecialSlots)
	binary.BigEndian.PutUint32(cdir[28:], nhashes)
	binary.BigEndian.PutUint32(cdir[32:], uint32(len(codeData)))
	cdir[36] = csHashSize
	cdir[37] = csHashTypeSHA256
	cdir[39] = csPageSizeBits
	binary.BigEndian.PutUint32(cdir[48:], teamOff)
	binary.BigEndian.PutUint64(cdir[64:], execSegBase)
	binary.BigEndian.PutUint64(cdir[72:], execSegLimit)
	binary.BigEndian.PutUint64(cdir[80:], execSegFlags)

	copy(cdir[idOff:], bundleID)
	if teamID != "" {
		copy(cdir[teamOff:], teamID)
	}

	special := map[uint32][]byte{
		csSlotInfoPlist:       infoPlistData,
		csSlotRequirements:    reqBlob,
		csSlotResourceDir:     codeResourcesData,
		csSlotEntitlements:    entBlob,
		csSlotEntitlementsDER: entDERBlob,
	}
	for slot := uint32(1); slot <= nSpecialSlots; slot++ {
		var h [csHashSize]byte
		if data, ok := special[slot]; ok && data != nil {
			h = sha256.Sum256(data)
		}
		copy(cdir[hashOff-slot*csHashSize:], h[:])
	}

	for p := 0; p < len(codeData); p += csPageSize {
		end := p + csPageSize
		if end > len(codeData) {
			end = len(codeData)
		}
		h := sha256.Sum256(codeData[p:end])
		off := hashOff + uint32(p/csPageSize)*csHashSize
		copy(cdir[off:], h[:])
	}

	return cdir
}
