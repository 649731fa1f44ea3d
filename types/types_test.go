package types

import "testing"

func TestRegistryKey(t *testing.T) {
	a := RegistryKey(42, 7)
	b := RegistryKey(42, 7)
	if a != b {
		t.Errorf("RegistryKey not stable: %d != %d", a, b)
	}
	if c := RegistryKey(42, 8); c == a {
		t.Errorf("RegistryKey collided across different fds: %d", c)
	}
	if c := RegistryKey(43, 7); c == a {
		t.Errorf("RegistryKey collided across different tgids: %d", c)
	}
}

func TestSaFamilyString(t *testing.T) {
	cases := map[SaFamily]string{
		AFUnknown: "AF_UNKNOWN",
		AFInet:    "AF_INET",
		AFInet6:   "AF_INET6",
		SaFamily(99): "AF_UNKNOWN",
	}
	for in, want := range cases {
		if got := in.String(); got != want {
			t.Errorf("SaFamily(%d).String() = %q, want %q", in, got, want)
		}
	}
}

func TestSourceFunctionStringOutOfRange(t *testing.T) {
	got := SourceFunction(1000).String()
	want := "SourceFunction(1000)"
	if got != want {
		t.Errorf("SourceFunction(1000).String() = %q, want %q", got, want)
	}
}

func TestUidTaskKey(t *testing.T) {
	u1 := Uid{TGID: 100, StartTimeTicks: 5}
	u2 := Uid{TGID: 100, StartTimeTicks: 9999}
	if u1.TaskKey() != u2.TaskKey() {
		t.Error("TaskKey should depend only on TGID")
	}
	u3 := Uid{TGID: 101, StartTimeTicks: 5}
	if u1.TaskKey() == u3.TaskKey() {
		t.Error("TaskKey should differ across TGIDs")
	}
}
