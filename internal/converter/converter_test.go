package converter

import "testing"

type greeting struct {
	Name string `json:"name"`
}

func TestJSONRoundTrip(t *testing.T) {
	c := NewJSON()

	payload, err := c.ToPayload(greeting{Name: "World"})
	if err != nil {
		t.Fatalf("ToPayload: %v", err)
	}

	var out greeting
	if err := c.FromPayload(payload, &out); err != nil {
		t.Fatalf("FromPayload: %v", err)
	}
	if out.Name != "World" {
		t.Errorf("got %q, want %q", out.Name, "World")
	}
}

func TestJSONNilAndEmpty(t *testing.T) {
	c := NewJSON()

	payload, err := c.ToPayload(nil)
	if err != nil || payload != "" {
		t.Fatalf("ToPayload(nil) = %q, %v", payload, err)
	}

	var out greeting
	if err := c.FromPayload("", &out); err != nil {
		t.Fatalf("FromPayload(\"\"): %v", err)
	}
}
