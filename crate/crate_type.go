package crate

import "strings"

// CrateType is the kind of a crate, inferred from its object file's naming
// convention. This convention is only meaningful for crate object files
// that came from bootloader-provided modules, assigned at build time.
type CrateType int

const (
	CrateKernel CrateType = iota
	CrateApplication
	CrateUserspace
)

func (t CrateType) firstChar() string {
	switch t {
	case CrateKernel:
		return "k"
	case CrateApplication:
		return "a"
	case CrateUserspace:
		return "u"
	default:
		return ""
	}
}

// DefaultNamespaceName returns the suffix used for the name of this crate
// type's containing namespace.
func (t CrateType) DefaultNamespaceName() string {
	switch t {
	case CrateKernel:
		return "_kernel"
	case CrateApplication:
		return "_applications"
	case CrateUserspace:
		return "_userspace"
	default:
		return ""
	}
}

func (t CrateType) String() string {
	switch t {
	case CrateKernel:
		return "Kernel"
	case CrateApplication:
		return "Application"
	case CrateUserspace:
		return "Userspace"
	default:
		return "Unknown"
	}
}

// crateNameDelimiter separates a crate's name from its trailing build hash.
const crateNameDelimiter = "-"

// crateObjectDelimiter separates the "<c><namespace>" prefix from the bare
// crate name within an object file name.
const crateObjectDelimiter = "#"

// ParseCrateObjectName parses a bootloader module name of the form
// "<c><ns>#<name>.o", where <c> is one of 'k'/'a'/'u' and <ns> is an
// optional namespace label. Returns the inferred CrateType, the namespace
// label (empty if none), and the bare name (including its ".o" suffix).
// A name containing more than one '#' is malformed.
func ParseCrateObjectName(moduleName string) (typ CrateType, namespace string, name string, err error) {
	parts := strings.Split(moduleName, crateObjectDelimiter)
	if len(parts) != 2 {
		return 0, "", "", ErrMalformedCrateName
	}
	prefix, crateName := parts[0], parts[1]
	var ns string
	if len(prefix) > 1 {
		ns = prefix[1:]
	}

	switch {
	case strings.HasPrefix(prefix, CrateKernel.firstChar()):
		return CrateKernel, ns, crateName, nil
	case strings.HasPrefix(prefix, CrateApplication.firstChar()):
		return CrateApplication, ns, crateName, nil
	case strings.HasPrefix(prefix, CrateUserspace.firstChar()):
		return CrateUserspace, ns, crateName, nil
	default:
		return 0, "", "", errUnknownCratePrefix
	}
}

// IsApplicationModule reports whether moduleName indicates an application
// crate.
func IsApplicationModule(moduleName string) bool {
	return strings.HasPrefix(moduleName, CrateApplication.firstChar())
}

// IsKernelModule reports whether moduleName indicates a kernel crate.
func IsKernelModule(moduleName string) bool {
	return strings.HasPrefix(moduleName, CrateKernel.firstChar())
}

// IsUserspaceModule reports whether moduleName indicates a userspace crate.
func IsUserspaceModule(moduleName string) bool {
	return strings.HasPrefix(moduleName, CrateUserspace.firstChar())
}
