package macho

import (
	"encoding/binary"
	"testing"
)

func TestIsFat(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want bool
	}{
		{"fat32", []byte{0xca, 0xfe, 0xba, 0xbe, 0, 0, 0, 0}, true},
		{"fat64", []byte{0xca, 0xfe, 0xba, 0xbf, 0, 0, 0, 0}, true},
		{"thin64", []byte{0xfe, 0xed, 0xfa, 0xcf, 0, 0, 0, 0}, false},
		{"tooShort", []byte{0xca, 0xfe}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := IsFat(c.data); got != c.want {
				t.Errorf("IsFat(%x) = %v, want %v", c.data, got, c.want)
			}
		})
	}
}

func TestNewFatFileRejectsNonFatMagic(t *testing.T) {
	_, err := NewFatFile([]byte{0xfe, 0xed, 0xfa, 0xcf, 0, 0, 0, 0})
	if err == nil {
		t.Fatal("NewFatFile on a thin-magic buffer: want error, got nil")
	}
}

func TestNewFatFileRejectsTruncatedArchTable(t *testing.T) {
	data := make([]byte, 8)
	binary.BigEndian.PutUint32(data[0:4], fatMagic)
	binary.BigEndian.PutUint32(data[4:8], 1) // claims one arch but the table is absent
	if _, err := NewFatFile(data); err == nil {
		t.Fatal("NewFatFile with a truncated fat_arch table: want error, got nil")
	}
}

func TestRebuildFatAlignsSlicesAndRewritesTable(t *testing.T) {
	arches := []FatArch{
		{CPUType: 0x0100000c, CPUSubtype: 0, Align: 14}, // arm64, 2^14 alignment
		{CPUType: 0x0200000c, CPUSubtype: 1, Align: 14}, // arm64e
	}
	slices := [][]byte{
		[]byte("slice-one-bytes"),
		[]byte("slice-two-is-a-little-longer-than-the-first"),
	}

	out := RebuildFat(arches, slices)

	if magic := binary.BigEndian.Uint32(out[0:4]); magic != fatMagic {
		t.Fatalf("magic = %#x, want %#x", magic, fatMagic)
	}
	if n := binary.BigEndian.Uint32(out[4:8]); n != 2 {
		t.Fatalf("nfat_arch = %d, want 2", n)
	}

	align := uint64(1) << 14
	off := 8
	for i, entry := range arches {
		e := out[off : off+fatArchSize]
		gotCPU := binary.BigEndian.Uint32(e[0:4])
		if gotCPU != uint32(entry.CPUType) {
			t.Errorf("arch %d cputype = %#x, want %#x", i, gotCPU, entry.CPUType)
		}
		gotOffset := uint64(binary.BigEndian.Uint32(e[8:12]))
		gotSize := uint64(binary.BigEndian.Uint32(e[12:16]))
		if gotOffset%align != 0 {
			t.Errorf("arch %d offset %d is not aligned to %d", i, gotOffset, align)
		}
		if gotSize != uint64(len(slices[i])) {
			t.Errorf("arch %d size = %d, want %d", i, gotSize, len(slices[i]))
		}
		if got := string(out[gotOffset : gotOffset+gotSize]); got != string(slices[i]) {
			t.Errorf("arch %d bytes = %q, want %q", i, got, slices[i])
		}
		off += fatArchSize
	}
}
