package feed

import (
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestIndexWireForm(t *testing.T) {
	if got := Index(1).String(); got != "0000000000000001" {
		t.Fatalf("String() = %q", got)
	}
	if got := Index(0x0102).Bytes(); got[6] != 0x01 || got[7] != 0x02 || len(got) != IndexLength {
		t.Fatalf("Bytes() = %x", got)
	}
}

func TestParseIndex(t *testing.T) {
	tests := []struct {
		in      string
		want    Index
		wantErr bool
	}{
		{in: "0000000000000000", want: 0},
		{in: "000000000000000a", want: 10},
		{in: "0x1f", want: 31},
		{in: "ff", want: 255},
		{in: "", wantErr: true},
		{in: "zz", wantErr: true},
		{in: "00000000000000001", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseIndex(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseIndex(%q) err = %v", tt.in, err)
		}
		if err == nil && got != tt.want {
			t.Fatalf("ParseIndex(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestIndexJSON(t *testing.T) {
	data, err := json.Marshal(struct{ I Index }{I: 3})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"I":"0000000000000003"}` {
		t.Fatalf("marshal = %s", data)
	}
	var v struct{ I Index }
	if err := json.Unmarshal([]byte(`{"I":7}`), &v); err != nil || v.I != 7 {
		t.Fatalf("unmarshal number = %d, %v", v.I, err)
	}
	if err := json.Unmarshal([]byte(`{"I":"0x10"}`), &v); err != nil || v.I != 16 {
		t.Fatalf("unmarshal hex = %d, %v", v.I, err)
	}
}

func TestTopicFromIdentifier(t *testing.T) {
	raw := "aa" + "00112233445566778899aabbccddeeff00112233445566778899aabbccddee"
	topic, err := TopicFromIdentifier(raw)
	if err != nil {
		t.Fatal(err)
	}
	if topic.Hex() != raw {
		t.Fatalf("hex identifier not used raw: %s", topic.Hex())
	}

	hashed, err := TopicFromIdentifier("my-page")
	if err != nil {
		t.Fatal(err)
	}
	if hashed != TopicFromString("my-page") {
		t.Fatalf("identifier not hashed")
	}

	if _, err := TopicFromIdentifier("  "); err == nil {
		t.Fatalf("blank identifier accepted")
	}
}

func TestUpdateAddressDependsOnEveryInput(t *testing.T) {
	topic := TopicFromString("t")
	owner := common.HexToAddress("0x1000000000000000000000000000000000000001")
	base := UpdateAddress(owner, topic, 0)
	if base == UpdateAddress(owner, topic, 1) {
		t.Fatalf("index ignored")
	}
	if base == UpdateAddress(common.Address{}, topic, 0) {
		t.Fatalf("owner ignored")
	}
	if base == UpdateAddress(owner, TopicFromString("u"), 0) {
		t.Fatalf("topic ignored")
	}
}

func TestIdentity(t *testing.T) {
	id, ok := IdentifierFromURL("http://localhost:1633/bzz/abcd/c/2023/July.html")
	if !ok || id != "abcd/c/2023/July.html" {
		t.Fatalf("IdentifierFromURL = %q, %v", id, ok)
	}
	if _, ok := IdentifierFromURL("https://example.com/page"); ok {
		t.Fatalf("non-bzz url accepted")
	}

	a, err := AddressFromIdentifier("page")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := AddressFromIdentifier("page")
	c, _ := AddressFromIdentifier("other")
	if a != b || a == c {
		t.Fatalf("address derivation not deterministic per identifier")
	}
	if _, err := PrivateKeyFromIdentifier(""); err == nil {
		t.Fatalf("empty identifier accepted")
	}
}

func TestDecodeUpdatePayload(t *testing.T) {
	var ref Reference
	ref[0], ref[31] = 0xaa, 0xbb
	body := EncodeUpdatePayload(42, ref)

	spanned := append(make([]byte, 8), body...)
	for name, data := range map[string][]byte{"plain": body, "spanned": spanned} {
		ts, got, err := DecodeUpdatePayload(data)
		if err != nil || ts != 42 || got != ref {
			t.Fatalf("%s: ts=%d ref=%s err=%v", name, ts, got, err)
		}
	}
	if _, got, err := DecodeUpdatePayload(ref[:]); err != nil || got != ref {
		t.Fatalf("bare reference: %s %v", got, err)
	}
	if _, _, err := DecodeUpdatePayload([]byte{1, 2, 3}); err == nil {
		t.Fatalf("short payload accepted")
	}
}
