package plist

import (
	"reflect"
	"strings"
	"testing"
)

func TestOrderedDictPreservesInsertionOrder(t *testing.T) {
	d := NewOrderedDict()
	d.Set("CFBundleIdentifier", "com.example.app")
	d.Set("CFBundleName", "Example")
	d.Set("CFBundleVersion", "1")

	want := []string{"CFBundleIdentifier", "CFBundleName", "CFBundleVersion"}
	if got := d.Keys(); !reflect.DeepEqual(got, want) {
		t.Errorf("Keys() = %v, want %v", got, want)
	}
}

func TestOrderedDictSetOverwritesInPlace(t *testing.T) {
	d := NewOrderedDict()
	d.Set("a", 1)
	d.Set("b", 2)
	d.Set("a", 99)

	if got, _ := d.Get("a"); got != 99 {
		t.Errorf("Get(a) = %v, want 99", got)
	}
	want := []string{"a", "b"}
	if got := d.Keys(); !reflect.DeepEqual(got, want) {
		t.Errorf("Keys() = %v, want %v (overwrite must not move the key)", got, want)
	}
}

func TestOrderedDictDelete(t *testing.T) {
	d := NewOrderedDict()
	d.Set("a", 1)
	d.Set("b", 2)
	d.Set("c", 3)
	d.Delete("b")

	want := []string{"a", "c"}
	if got := d.Keys(); !reflect.DeepEqual(got, want) {
		t.Errorf("Keys() = %v, want %v", got, want)
	}
	if _, ok := d.Get("b"); ok {
		t.Error("Get(b) found a value after Delete")
	}
	if got, ok := d.Get("c"); !ok || got != 3 {
		t.Errorf("Get(c) = %v, %v, want 3, true (index must be fixed up after delete)", got, ok)
	}
}

func TestDetectFormat(t *testing.T) {
	if got := DetectFormat([]byte("bplist00")); got != BinaryFormat {
		t.Errorf("DetectFormat(binary) = %v, want BinaryFormat", got)
	}
	if got := DetectFormat([]byte("<?xml version=\"1.0\"?>")); got != XMLFormat {
		t.Errorf("DetectFormat(xml) = %v, want XMLFormat", got)
	}
}

func TestDecodeOrderedXMLRoundTrip(t *testing.T) {
	const src = `<?xml version="1.0" encoding="UTF-8"?>
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

	d, err := DecodeOrderedXML([]byte(src))
	if err != nil {
		t.Fatalf("DecodeOrderedXML() error = %v", err)
	}

	want := []string{"get-task-allow", "application-identifier", "keychain-access-groups"}
	if got := d.Keys(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Keys() = %v, want %v", got, want)
	}

	if v, _ := d.Get("get-task-allow"); v != true {
		t.Errorf("get-task-allow = %v, want true", v)
	}
	if v, _ := d.Get("application-identifier"); v != "TEAM123.com.example.app" {
		t.Errorf("application-identifier = %v, want TEAM123.com.example.app", v)
	}
	groups, ok := d.Get("keychain-access-groups")
	arr, _ := groups.([]any)
	if !ok || len(arr) != 1 || arr[0] != "TEAM123.*" {
		t.Errorf("keychain-access-groups = %v, want [TEAM123.*]", groups)
	}

	d.Set("get-task-allow", false)
	out, err := EncodeOrderedXML(d)
	if err != nil {
		t.Fatalf("EncodeOrderedXML() error = %v", err)
	}
	if !strings.Contains(string(out), "<false/>") {
		t.Error("re-encoded plist missing the patched <false/> value")
	}
	if !strings.Contains(string(out), "TEAM123.com.example.app") {
		t.Error("re-encoded plist lost an untouched value")
	}

	again, err := DecodeOrderedXML(out)
	if err != nil {
		t.Fatalf("DecodeOrderedXML(re-encoded) error = %v", err)
	}
	if got := again.Keys(); !reflect.DeepEqual(got, want) {
		t.Errorf("re-decoded Keys() = %v, want %v (key order must survive a round trip)", got, want)
	}
}
