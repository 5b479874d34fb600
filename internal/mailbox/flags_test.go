package mailbox

import (
	"reflect"
	"testing"
)

func TestFlagsApply(t *testing.T) {
	current := Flags{System: FlagSeen | FlagRecent, User: []string{"$Work"}}

	tests := []struct {
		name   string
		mode   FlagMode
		change Flags
		want   Flags
	}{
		{
			name:   "replace keeps recent",
			mode:   FlagsReplace,
			change: Flags{System: FlagFlagged},
			want:   Flags{System: FlagFlagged | FlagRecent},
		},
		{
			name:   "add",
			mode:   FlagsAdd,
			change: Flags{System: FlagDeleted, User: []string{"$Later"}},
			want:   Flags{System: FlagSeen | FlagRecent | FlagDeleted, User: []string{"$Later", "$Work"}},
		},
		{
			name:   "remove",
			mode:   FlagsRemove,
			change: Flags{System: FlagSeen, User: []string{"$work"}},
			want:   Flags{System: FlagRecent, User: []string{}},
		},
		{
			name:   "recent cannot be set by client",
			mode:   FlagsAdd,
			change: Flags{System: FlagRecent},
			want:   Flags{System: FlagSeen | FlagRecent, User: []string{"$Work"}},
		},
		{
			name:   "recent cannot be removed by client",
			mode:   FlagsRemove,
			change: Flags{System: FlagRecent},
			want:   Flags{System: FlagSeen | FlagRecent, User: []string{"$Work"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := current.Apply(tt.mode, tt.change)
			if !got.Equal(tt.want) {
				t.Fatalf("Apply = %+v, want %+v", got, tt.want)
			}
		})
	}
	if current.System != FlagSeen|FlagRecent || len(current.User) != 1 {
		t.Fatalf("Apply mutated receiver: %+v", current)
	}
}

func TestParseFlags(t *testing.T) {
	f, err := ParseFlags([]string{`\seen`, `\Deleted`, "$Label", "$Label"})
	if err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	if !f.Has(FlagSeen | FlagDeleted) {
		t.Errorf("system flags = %b", f.System)
	}
	if !reflect.DeepEqual(f.User, []string{"$Label"}) {
		t.Errorf("user flags = %v", f.User)
	}

	if _, err := ParseFlags([]string{`\Bogus`}); err == nil {
		t.Error("expected error for unknown system flag")
	}
}

func TestFlagsNames(t *testing.T) {
	f := Flags{System: FlagSeen | FlagAnswered, User: []string{"$Work"}}
	want := []string{`\Answered`, `\Seen`, "$Work"}
	if got := f.Names(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Names = %v, want %v", got, want)
	}
}
