package upgrade

import (
	"errors"
	"strings"
	"testing"
)

func TestSchemaStatusErr(t *testing.T) {
	tests := []struct {
		name string
		s    SchemaStatus
		want error
	}{
		{"compatible", SchemaStatus{CurrentVersion: 1, RequiredVersion: 1, Compatible: true}, nil},
		{"dirty", SchemaStatus{CurrentVersion: 1, RequiredVersion: 1, Dirty: true}, ErrSchemaDirty},
		{"outdated", SchemaStatus{CurrentVersion: 0, RequiredVersion: 1, NeedsMigration: true}, ErrSchemaOutdated},
		{"ahead", SchemaStatus{CurrentVersion: 3, RequiredVersion: 1}, ErrSchemaAhead},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.s.Err(); !errors.Is(got, tt.want) {
				t.Errorf("Err() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFormatError(t *testing.T) {
	dirty := FormatError(&SchemaStatus{CurrentVersion: 2, RequiredVersion: 2, Dirty: true})
	if !strings.Contains(dirty, "migrate force 1") {
		t.Errorf("dirty message = %q", dirty)
	}
	zeroDirty := FormatError(&SchemaStatus{CurrentVersion: 0, Dirty: true})
	if !strings.Contains(zeroDirty, "migrate force 0") {
		t.Errorf("dirty v0 must not underflow: %q", zeroDirty)
	}
	if msg := FormatError(&SchemaStatus{CurrentVersion: 0, RequiredVersion: 1}); !strings.Contains(msg, "migrate up") {
		t.Errorf("outdated message = %q", msg)
	}
	if msg := FormatError(&SchemaStatus{CurrentVersion: 5, RequiredVersion: 1}); !strings.Contains(msg, "newer") {
		t.Errorf("ahead message = %q", msg)
	}
}
