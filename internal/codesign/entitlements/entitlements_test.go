package entitlements

import "testing"

const samplePlist = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>get-task-allow</key>
	<true/>
	<key>application-identifier</key>
	<string>TEAM123.com.example.app</string>
	<key>keychain-access-groups</key>
	<array>
		<string>TEAM123.*</string>
	</array>
</dict>
</plist>`

func TestDerEncodeProducesNonEmptyDERSet(t *testing.T) {
	der, err := DerEncode([]byte(samplePlist))
	if err != nil {
		t.Fatalf("DerEncode() error = %v", err)
	}
	if len(der) == 0 {
		t.Fatal("DerEncode() returned no bytes")
	}
	// Universal SET tag (0x31, constructed) per DerEncode's
	// asn1.MarshalWithParams(items, "set").
	if der[0] != 0x31 {
		t.Errorf("DerEncode()[0] = %#x, want %#x (SET tag)", der[0], 0x31)
	}
}

func TestDerEncodeMalformedPlist(t *testing.T) {
	_, err := DerEncode([]byte("not a plist"))
	if err == nil {
		t.Fatal("DerEncode() error = nil, want an error for malformed input")
	}
}

func TestDerEncodeIsDeterministicAcrossRuns(t *testing.T) {
	var first []byte
	for i := 0; i < 20; i++ {
		got, err := DerEncode([]byte(samplePlist))
		if err != nil {
			t.Fatalf("DerEncode() error = %v", err)
		}
		if first == nil {
			first = got
			continue
		}
		if string(got) != string(first) {
			t.Fatalf("DerEncode() produced different bytes on run %d than run 0; map key order is not being sorted before encoding", i)
		}
	}
}
