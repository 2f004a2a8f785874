package messaging

import "testing"

func TestNormalizePhone(t *testing.T) {
	cases := map[string]string{
		"+34 600-123-456":   "34600123456",
		"(555) 010 9999":    "5550109999",
		"whatsapp:+4915123": "4915123",
		"":                  "",
	}
	for in, want := range cases {
		if got := NormalizePhone(in); got != want {
			t.Errorf("NormalizePhone(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidPhone(t *testing.T) {
	if !ValidPhone("600 123 456") {
		t.Error("9 digits should be valid")
	}
	if ValidPhone("12-34-56-78") {
		t.Error("8 digits should be invalid")
	}
	if ValidPhone("call me") {
		t.Error("no digits should be invalid")
	}
}

func TestPersonalize(t *testing.T) {
	got := Personalize("Hi {name}, {name}!", "Ana")
	if got != "Hi Ana, Ana!" {
		t.Errorf("got %q", got)
	}
	if got := Personalize("No placeholder", "Ana"); got != "No placeholder" {
		t.Errorf("got %q", got)
	}
}
