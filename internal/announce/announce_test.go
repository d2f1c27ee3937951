package announce

import "testing"

func TestTextRecords(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want []string
	}{
		{
			name: "full metadata",
			cfg:  Config{Instance: "idfix-1234", Version: "1.2.0", Model: "cc3200"},
			want: []string{"path=/", "version=1.2.0", "model=cc3200"},
		},
		{
			name: "no metadata",
			cfg:  Config{Instance: "idfix-1234"},
			want: []string{"path=/"},
		},
		{
			name: "version only",
			cfg:  Config{Instance: "idfix-1234", Version: "1.2.0"},
			want: []string{"path=/", "version=1.2.0"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := TextRecords(tc.cfg)
			if len(got) != len(tc.want) {
				t.Fatalf("got %d records, want %d", len(got), len(tc.want))
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Errorf("record %d is %q, want %q", i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestAnnounceValidation(t *testing.T) {
	announcer := NewAnnouncer()

	if err := announcer.Announce(Config{Port: 443}); err == nil {
		t.Fatal("Announce accepted an empty instance name")
	}
	if err := announcer.Announce(Config{Instance: "idfix-1234", Port: 0}); err == nil {
		t.Fatal("Announce accepted port 0")
	}

	// Close without an active registration is a no-op
	announcer.Close()
}
