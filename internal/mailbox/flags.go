package mailbox

import (
	"fmt"
	"sort"
	"strings"
)

// SystemFlags is a bit set of the RFC 3501 system flags.
type SystemFlags uint8

const (
	FlagAnswered SystemFlags = 1 << iota
	FlagDeleted
	FlagDraft
	FlagFlagged
	FlagRecent
	FlagSeen
)

var systemFlagNames = []struct {
	flag SystemFlags
	name string
}{
	{FlagAnswered, `\Answered`},
	{FlagFlagged, `\Flagged`},
	{FlagDeleted, `\Deleted`},
	{FlagSeen, `\Seen`},
	{FlagDraft, `\Draft`},
	{FlagRecent, `\Recent`},
}

// FlagMode says how a STORE combines the given flags with the current ones.
type FlagMode int

const (
	FlagsReplace FlagMode = iota
	FlagsAdd
	FlagsRemove
)

// Flags is the full flag state of a message.
type Flags struct {
	System SystemFlags
	User   []string
}

// Has reports whether all of the given system flags are set.
func (f Flags) Has(s SystemFlags) bool {
	return f.System&s == s
}

// HasUser reports whether the keyword is set. Keywords compare case-insensitively.
func (f Flags) HasUser(keyword string) bool {
	for _, k := range f.User {
		if strings.EqualFold(k, keyword) {
			return true
		}
	}
	return false
}

func (f Flags) Clone() Flags {
	return Flags{System: f.System, User: append([]string(nil), f.User...)}
}

// Equal compares system flags and keyword sets.
func (f Flags) Equal(o Flags) bool {
	if f.System != o.System || len(f.User) != len(o.User) {
		return false
	}
	for _, k := range f.User {
		if !o.HasUser(k) {
			return false
		}
	}
	return true
}

// Apply combines change into f according to mode. \Recent is owned by the
// server and never altered this way.
func (f Flags) Apply(mode FlagMode, change Flags) Flags {
	out := f.Clone()
	sys := change.System &^ FlagRecent
	switch mode {
	case FlagsReplace:
		out.System = (f.System & FlagRecent) | sys
		out.User = nil
		for _, k := range change.User {
			if !out.HasUser(k) {
				out.User = append(out.User, k)
			}
		}
	case FlagsAdd:
		out.System |= sys
		for _, k := range change.User {
			if !out.HasUser(k) {
				out.User = append(out.User, k)
			}
		}
	case FlagsRemove:
		out.System &^= sys
		kept := out.User[:0]
		for _, k := range out.User {
			if !change.HasUser(k) {
				kept = append(kept, k)
			}
		}
		out.User = kept
	}
	sort.Strings(out.User)
	return out
}

// Names renders the flags in IMAP syntax, system flags first.
func (f Flags) Names() []string {
	names := make([]string, 0, 6+len(f.User))
	for _, sf := range systemFlagNames {
		if f.System&sf.flag != 0 {
			names = append(names, sf.name)
		}
	}
	return append(names, f.User...)
}

// ParseFlags converts IMAP flag names into Flags. Keywords are kept verbatim;
// an unknown backslash flag is an error.
func ParseFlags(names []string) (Flags, error) {
	var f Flags
	for _, name := range names {
		if strings.HasPrefix(name, `\`) {
			sf, ok := ParseSystemFlag(name)
			if !ok {
				return Flags{}, fmt.Errorf("invalid flag %q", name)
			}
			f.System |= sf
			continue
		}
		if name == "" {
			return Flags{}, fmt.Errorf("empty flag")
		}
		if !f.HasUser(name) {
			f.User = append(f.User, name)
		}
	}
	sort.Strings(f.User)
	return f, nil
}

// ParseSystemFlag maps `\Seen` and friends, case-insensitively.
func ParseSystemFlag(name string) (SystemFlags, bool) {
	for _, sf := range systemFlagNames {
		if strings.EqualFold(sf.name, name) {
			return sf.flag, true
		}
	}
	return 0, false
}

// PermanentFlags are the flags a client may set and expect to persist.
func PermanentFlags() []string {
	return []string{`\Answered`, `\Flagged`, `\Deleted`, `\Seen`, `\Draft`, `\*`}
}

// ApplicableFlags is the FLAGS list sent on SELECT.
func ApplicableFlags() []string {
	return []string{`\Answered`, `\Flagged`, `\Deleted`, `\Seen`, `\Draft`}
}
