package ledger

import "testing"

func TestNormalizeSignatureStable(t *testing.T) {
	a := NormalizeSignature(`{"tool":"search","query":"weather in paris"}`)
	b := NormalizeSignature(`{"tool":"search","query":"weather in paris"}`)

	if a == "" {
		t.Fatal("expected non-empty signature")
	}
	if a != b {
		t.Errorf("expected identical inputs to normalize identically, got %q and %q", a, b)
	}
	if len(a) != signatureBytes*2 {
		t.Errorf("expected %d hex characters, got %d", signatureBytes*2, len(a))
	}
}

func TestNormalizeSignatureDistinguishesInputs(t *testing.T) {
	a := NormalizeSignature(`{"tool":"search","query":"weather in paris"}`)
	b := NormalizeSignature(`{"tool":"search","query":"weather in london"}`)

	if a == b {
		t.Errorf("expected different inputs to differ, both normalized to %q", a)
	}
}

func TestNormalizeSignatureEmptyStaysEmpty(t *testing.T) {
	if got := NormalizeSignature(""); got != "" {
		t.Errorf("expected empty signature to stay empty, got %q", got)
	}
}

func TestNormalizeSignatureLongInput(t *testing.T) {
	long := make([]byte, 64*1024)
	for i := range long {
		long[i] = byte('a' + i%26)
	}

	got := NormalizeSignature(string(long))
	if len(got) != signatureBytes*2 {
		t.Errorf("expected fixed width %d, got %d", signatureBytes*2, len(got))
	}
}
