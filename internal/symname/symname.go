// Package symname demangles crate and section symbol names for display and
// logging. The engine's own comparisons (crate.LoadedSection.NameWithoutHash
// and friends) operate on the raw mangled name and are unaffected by this
// package; demangling is purely a presentation concern.
package symname

import "github.com/ianlancetaylor/demangle"

// Demangle returns a human-readable form of a possibly-mangled symbol name,
// e.g. "_ZN9my_crate4init17h832430094f98e56bE" rendered as
// "my_crate::init". Names demangle does not recognize (including this
// engine's own "crate::path::hHASH" convention, which is not itself a
// mangling scheme) are returned unchanged.
func Demangle(name string) string {
	return demangle.Filter(name)
}

// ToString is Demangle but reports when name was not recognized as mangled,
// for callers that want to distinguish "already readable" from "demangled".
func ToString(name string) (readable string, wasMangled bool) {
	out, err := demangle.ToString(name)
	if err != nil {
		return name, false
	}
	return out, out != name
}
