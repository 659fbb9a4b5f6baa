package codesign

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"testing"
)

var errSignFailed = errors.New("signing failed")

func TestBuildSuperBlobLayoutWithoutEntitlements(t *testing.T) {
	codeData := bytes.Repeat([]byte{0xAB}, csPageSize*2+10)
	signed := []byte("fake-cms-signature")

	blob, err := BuildSuperBlob(codeData, DirectoryInputs{
		BundleID:          "com.example.app",
		TeamID:            "TEAM123",
		InfoPlistData:     []byte("<plist/>"),
		CodeResourcesData: []byte("<plist/>"),
		Sign: func(cd []byte) ([]byte, error) {
			return signed, nil
		},
	})
	if err != nil {
		t.Fatalf("BuildSuperBlob() error = %v", err)
	}

	if magic := binary.BigEndian.Uint32(blob[0:]); magic != csMagicEmbeddedSignature {
		t.Fatalf("SuperBlob magic = %#x, want %#x", magic, csMagicEmbeddedSignature)
	}
	if length := binary.BigEndian.Uint32(blob[4:]); int(length) != len(blob) {
		t.Fatalf("SuperBlob length = %d, want %d", length, len(blob))
	}

	count := binary.BigEndian.Uint32(blob[8:])
	if count != 3 { // CodeDirectory, Requirements, CMS signature (no entitlements)
		t.Fatalf("blob count = %d, want 3", count)
	}

	slots := make(map[uint32]uint32, count)
	for i := uint32(0); i < count; i++ {
		idx := 12 + i*8
		slot := binary.BigEndian.Uint32(blob[idx:])
		off := binary.BigEndian.Uint32(blob[idx+4:])
		slots[slot] = off
	}
	for _, want := range []uint32{csSlotCodeDirectory, csSlotRequirements, csSlotCMSSignature} {
		if _, ok := slots[want]; !ok {
			t.Errorf("blob index missing slot %#x", want)
		}
	}

	cdirOff := slots[csSlotCodeDirectory]
	if magic := binary.BigEndian.Uint32(blob[cdirOff:]); magic != csMagicCodeDirectory {
		t.Errorf("CodeDirectory magic = %#x, want %#x", magic, csMagicCodeDirectory)
	}
	nhashes := binary.BigEndian.Uint32(blob[cdirOff+28:])
	if nhashes != 3 { // two full pages plus one partial page
		t.Errorf("nCodeSlots = %d, want 3 for %d bytes of code", nhashes, len(codeData))
	}

	cmsOff := slots[csSlotCMSSignature]
	wrapped := blob[cmsOff : cmsOff+8+uint32(len(signed))]
	if magic := binary.BigEndian.Uint32(wrapped[0:]); magic != csMagicBlobWrapper {
		t.Errorf("CMS wrapper magic = %#x, want %#x", magic, csMagicBlobWrapper)
	}
	if got := string(wrapped[8:]); got != string(signed) {
		t.Errorf("CMS wrapper payload = %q, want %q", got, signed)
	}
}

func TestBuildSuperBlobIncludesEntitlementsSlots(t *testing.T) {
	codeData := []byte("hello world")
	ent := []byte("<plist><dict/></plist>")
	entDER := []byte{0x30, 0x03, 0x01, 0x01, 0x00}

	blob, err := BuildSuperBlob(codeData, DirectoryInputs{
		BundleID:          "com.example.app",
		InfoPlistData:     []byte("a"),
		CodeResourcesData: []byte("b"),
		EntitlementsXML:   ent,
		EntitlementsDER:   entDER,
		Sign: func(cd []byte) ([]byte, error) {
			return []byte("sig"), nil
		},
	})
	if err != nil {
		t.Fatalf("BuildSuperBlob() error = %v", err)
	}

	count := binary.BigEndian.Uint32(blob[8:])
	if count != 5 { // CodeDirectory, Requirements, Entitlements, EntitlementsDER, CMS
		t.Fatalf("blob count = %d, want 5", count)
	}

	slots := make(map[uint32]uint32, count)
	for i := uint32(0); i < count; i++ {
		idx := 12 + i*8
		slot := binary.BigEndian.Uint32(blob[idx:])
		off := binary.BigEndian.Uint32(blob[idx+4:])
		slots[slot] = off
	}
	entOff, ok := slots[csSlotEntitlements]
	if !ok {
		t.Fatal("blob index missing csSlotEntitlements")
	}
	if magic := binary.BigEndian.Uint32(blob[entOff:]); magic != csMagicEntitlements {
		t.Errorf("entitlements blob magic = %#x, want %#x", magic, csMagicEntitlements)
	}
	if got := string(blob[entOff+8 : entOff+8+uint32(len(ent))]); got != string(ent) {
		t.Errorf("entitlements blob payload = %q, want %q", got, ent)
	}

	derOff, ok := slots[csSlotEntitlementsDER]
	if !ok {
		t.Fatal("blob index missing csSlotEntitlementsDER")
	}
	if magic := binary.BigEndian.Uint32(blob[derOff:]); magic != csMagicEntitlementsDER {
		t.Errorf("entitlements DER blob magic = %#x, want %#x", magic, csMagicEntitlementsDER)
	}

	cdirOff := slots[csSlotCodeDirectory]
	nSpecialSlots := binary.BigEndian.Uint32(blob[cdirOff+24:])
	if nSpecialSlots != 7 {
		t.Errorf("nSpecialSlots = %d, want 7 with both entitlements forms present", nSpecialSlots)
	}
}

func TestBuildSuperBlobCodeDirectoryHashesMatchPageData(t *testing.T) {
	codeData := bytes.Repeat([]byte{0x42}, csPageSize+1)

	blob, err := BuildSuperBlob(codeData, DirectoryInputs{
		BundleID:          "com.example.app",
		InfoPlistData:     []byte("a"),
		CodeResourcesData: []byte("b"),
		Sign: func(cd []byte) ([]byte, error) { return []byte("sig"), nil },
	})
	if err != nil {
		t.Fatalf("BuildSuperBlob() error = %v", err)
	}

	count := binary.BigEndian.Uint32(blob[8:])
	var cdirOff uint32
	for i := uint32(0); i < count; i++ {
		idx := 12 + i*8
		if binary.BigEndian.Uint32(blob[idx:]) == csSlotCodeDirectory {
			cdirOff = binary.BigEndian.Uint32(blob[idx+4:])
		}
	}

	hashOff := binary.BigEndian.Uint32(blob[cdirOff+16:])
	firstPageHash := sha256.Sum256(codeData[:csPageSize])
	got := blob[cdirOff+hashOff : cdirOff+hashOff+csHashSize]
	if !bytes.Equal(got, firstPageHash[:]) {
		t.Errorf("first code-page hash = %x, want %x", got, firstPageHash)
	}

	secondPageHash := sha256.Sum256(codeData[csPageSize:])
	got2 := blob[cdirOff+hashOff+csHashSize : cdirOff+hashOff+2*csHashSize]
	if !bytes.Equal(got2, secondPageHash[:]) {
		t.Errorf("second code-page hash = %x, want %x", got2, secondPageHash)
	}
}

func TestBuildSuperBlobPropagatesSignError(t *testing.T) {
	_, err := BuildSuperBlob([]byte("x"), DirectoryInputs{
		BundleID:          "com.example.app",
		InfoPlistData:     []byte("a"),
		CodeResourcesData: []byte("b"),
		Sign: func(cd []byte) ([]byte, error) {
			return nil, errSignFailed
		},
	})
	if err == nil {
		t.Fatal("BuildSuperBlob() error = nil, want a wrapped sign error")
	}
}
