package symname

import "testing"

func TestDemangleItaniumName(t *testing.T) {
	// "_ZN9my_crate4initE", an Itanium-mangled "my_crate::init".
	got := Demangle("_ZN9my_crate4initE")
	if want := "my_crate::init"; got != want {
		t.Errorf("Demangle = %q, want %q", got, want)
	}
}

func TestDemangleLeavesUnrecognizedNamesUnchanged(t *testing.T) {
	name := "keyboard_new::init::h832430094f98e56b"
	if got := Demangle(name); got != name {
		t.Errorf("Demangle changed an already-readable name: got %q, want %q", got, name)
	}
}

func TestToStringReportsWhetherNameWasMangled(t *testing.T) {
	readable, wasMangled := ToString("_ZN9my_crate4initE")
	if !wasMangled {
		t.Error("expected an Itanium-mangled name to be reported as mangled")
	}
	if readable != "my_crate::init" {
		t.Errorf("got %q", readable)
	}

	name := "keyboard_new::init::h832430094f98e56b"
	readable, wasMangled = ToString(name)
	if wasMangled {
		t.Error("expected an already-readable name to be reported as not mangled")
	}
	if readable != name {
		t.Errorf("got %q, want unchanged %q", readable, name)
	}
}
