package uuid

import "testing"

func TestNewProducesCanonicalV4(t *testing.T) {
	id := New()
	if err := Validate(id); err != nil {
		t.Fatalf("generated id failed validation: %v", err)
	}
}

func TestNewUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		if seen[id] {
			t.Fatalf("duplicate id generated: %s", id)
		}
		seen[id] = true
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"canonical v4", "f47ac10b-58cc-4372-a567-0e02b2c3d479", false},
		{"uppercase v4", "F47AC10B-58CC-4372-A567-0E02B2C3D479", false},
		{"empty", "", true},
		{"garbage", "not-an-id", true},
		{"v1 identifier", "c232ab00-9414-11ec-b3c8-9f68deced846", true},
		{"undashed form", "f47ac10b58cc4372a5670e02b2c3d479", true},
		{"urn form", "urn:uuid:f47ac10b-58cc-4372-a567-0e02b2c3d479", true},
		{"truncated", "f47ac10b-58cc-4372-a567", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
		})
	}
}
