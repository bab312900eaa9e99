package pathutil

import (
	"strings"
	"testing"
)

func TestToLongPathLeavesShortPathsAlone(t *testing.T) {
	short := `C:\Users\dev\project`
	if got := ToLongPath(short); got != short {
		t.Fatalf("ToLongPath(%q) = %q, want unchanged", short, got)
	}
}

func TestToLongPathRewritesLocalPath(t *testing.T) {
	long := `C:\` + strings.Repeat(`deep\`, 60) + `file.txt`
	got := ToLongPath(long)
	if !strings.HasPrefix(got, longPrefix) {
		t.Fatalf("ToLongPath(%q) = %q, want %s prefix", long, got, longPrefix)
	}
	if got != longPrefix+long {
		t.Fatalf("ToLongPath(%q) = %q, want %q", long, got, longPrefix+long)
	}
}

func TestToLongPathRewritesUNCPath(t *testing.T) {
	long := `\\server\share\` + strings.Repeat(`deep\`, 60) + `file.txt`
	got := ToLongPath(long)
	want := uncLongPrefix + long[2:]
	if got != want {
		t.Fatalf("ToLongPath(%q) = %q, want %q", long, got, want)
	}
}

func TestToLongPathIdempotent(t *testing.T) {
	long := `C:\` + strings.Repeat(`deep\`, 60) + `file.txt`
	once := ToLongPath(long)
	twice := ToLongPath(once)
	if once != twice {
		t.Fatalf("ToLongPath is not idempotent: %q != %q", once, twice)
	}
}

func TestRoundTripLocalPath(t *testing.T) {
	long := `C:\` + strings.Repeat(`deep\`, 60) + `file.txt`
	got := FromLongPath(ToLongPath(long))
	if got != long {
		t.Fatalf("round trip = %q, want %q", got, long)
	}
}

func TestRoundTripUNCPath(t *testing.T) {
	long := `\\server\share\` + strings.Repeat(`deep\`, 60) + `file.txt`
	got := FromLongPath(ToLongPath(long))
	if got != long {
		t.Fatalf("round trip = %q, want %q", got, long)
	}
}

func TestFromLongPathUnchangedWhenNotPrefixed(t *testing.T) {
	short := `C:\Users\dev\project`
	if got := FromLongPath(short); got != short {
		t.Fatalf("FromLongPath(%q) = %q, want unchanged", short, got)
	}
}
