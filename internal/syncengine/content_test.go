package syncengine

import "testing"

func TestDecodeAttributedBody(t *testing.T) {
	prefix := "streamtyped\x81\x01"
	between := "++++++"
	trailer := "------------"
	payload := prefix + "NSString" + between + "hello world" + trailer + "NSDictionary" + "somemetadata" + "NSNumber" + "trailing"

	got := decodeAttributedBody([]byte(payload))
	if got != "hello world" {
		t.Fatalf("got %q", got)
	}
}

func TestDecodeAttributedBody_NoNSNumberIsEmpty(t *testing.T) {
	payload := "NSString++++++hello world------------NSDictionary"
	if got := decodeAttributedBody([]byte(payload)); got != "" {
		t.Fatalf("expected empty result without NSNumber marker, got %q", got)
	}
}

func TestDecodeAttributedBody_NSNumberBeforeTextRunIsEmpty(t *testing.T) {
	// NSNumber appears before the NSString/NSDictionary pair, so truncating
	// at it leaves nothing for the text run to be found in.
	payload := "NSNumber" + "NSString++++++hello world------------NSDictionary"
	if got := decodeAttributedBody([]byte(payload)); got != "" {
		t.Fatalf("expected empty result, got %q", got)
	}
}

func TestDecodeAttributedBody_Empty(t *testing.T) {
	if got := decodeAttributedBody(nil); got != "" {
		t.Fatalf("got %q", got)
	}
}
