package crate

import (
	"github.com/theseus-os/vmem/kernel"
	"github.com/theseus-os/vmem/kernel/errors"
)

var (
	// ErrMalformedCrateName is returned by ParseCrateObjectName when a
	// module name contains more than one '#' delimiter. A parameter-free
	// condition, so it uses the lightweight KernelError style rather than
	// the module/message split *kernel.Error carries.
	ErrMalformedCrateName = errors.KernelError("found more than one '#' delimiter in module name")

	errSectionSizeMismatch = &kernel.Error{Module: "crate", Message: "source section has a different size than the destination section"}

	errUnknownCratePrefix = &kernel.Error{Module: "crate", Message: "module_name didn't start with a known CrateType prefix"}

	// ErrDeepCopyInconsistent marks a region that deep_copy expected to
	// exist (because some section in the old crate referenced it) but
	// which was nil on the old crate — a bug in how the crate was
	// assembled, not a recoverable runtime condition.
	ErrDeepCopyInconsistent = &kernel.Error{Module: "crate", Message: "BUG: a section referenced a mapped-pages region missing from its crate"}
)
