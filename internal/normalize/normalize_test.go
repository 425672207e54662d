package normalize

import "testing"

func TestPhone(t *testing.T) {
	cases := map[string]string{
		"+1 (415) 555-0100":  "4155550100",
		"415-555-0100":       "4155550100",
		"+44 20 7946 0000":   "442079460000",
		"5551234567":         "5551234567",
		"":                   "",
	}
	for in, want := range cases {
		if got := Phone(in); got != want {
			t.Errorf("Phone(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEmail(t *testing.T) {
	if got := Email("  Alice@Example.COM  "); got != "alice@example.com" {
		t.Errorf("Email() = %q", got)
	}
}

func TestIdentifier(t *testing.T) {
	id, kind := Identifier("Bob@Example.com")
	if id != "bob@example.com" || kind != KindEmail {
		t.Fatalf("Identifier(email) = %q, %v", id, kind)
	}
	id, kind = Identifier("+1 (415) 555-0100")
	if id != "4155550100" || kind != KindPhone {
		t.Fatalf("Identifier(phone) = %q, %v", id, kind)
	}
}

func TestChatIdentifierPermutationInvariant(t *testing.T) {
	a := ChatIdentifier([]string{"+14155550100", "bob@example.com", "+14155550100"})
	b := ChatIdentifier([]string{"bob@example.com", "+14155550100"})
	if a != b {
		t.Fatalf("ChatIdentifier not permutation-invariant: %q vs %q", a, b)
	}
	if a != "4155550100,bob@example.com" {
		t.Fatalf("ChatIdentifier = %q", a)
	}
}

func TestTextCleansPlaceholders(t *testing.T) {
	in := "Hello￼ World\x01�  "
	if got := Text(in); got != "Hello World" {
		t.Fatalf("Text() = %q", got)
	}
}

func TestTextTrimsAndKeepsNewlines(t *testing.T) {
	if got := Text("  line one\nline two  "); got != "line one\nline two" {
		t.Fatalf("Text() = %q", got)
	}
}

func TestGUID(t *testing.T) {
	cases := map[string]string{
		"p:0/abc":     "abc",
		"p:0/abc:def": "def",
		"plain":       "plain",
	}
	for in, want := range cases {
		if got := GUID(in); got != want {
			t.Errorf("GUID(%q) = %q, want %q", in, got, want)
		}
	}
}
