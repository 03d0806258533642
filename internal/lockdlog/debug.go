package lockdlog

import (
	"fmt"

	"github.com/davecgh/go-spew/spew"
)

// dumpConfig controls how Snapshot renders values, so callers don't need
// to import spew directly.
var dumpConfig = spew.ConfigState{
	Indent:                  "  ",
	DisableMethods:          true,
	DisablePointerAddresses: true,
	DisableCapacities:       true,
}

// Snapshot renders v as a multi-line dump suitable for a LevelDebug log
// line. pkg/lockserver's dispatcher uses it to dump a request it rejects
// for an unknown lock type.
func Snapshot(label string, v interface{}) string {
	return fmt.Sprintf("%s:\n%s", label, dumpConfig.Sdump(v))
}
