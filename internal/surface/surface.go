// Package surface selects feature columns for a surface and writes
// reproducible snapshot files.
package surface

import (
	"github.com/sells-group/trainset/internal/leakage"
	"github.com/sells-group/trainset/internal/model"
)

// SelectFeatures returns the sorted feature set of a surface. full is every
// safe field. prod is the safe fields marked prod, minus flagged fields when
// excludeFlagged is set.
func SelectFeatures(surface model.Surface, fields *model.FieldRegistry, classes leakage.Classes, flagged []string, excludeFlagged bool) []string {
	skip := make(map[string]bool, len(flagged))
	if surface == model.SurfaceProd && excludeFlagged {
		for _, f := range flagged {
			skip[f] = true
		}
	}

	var out []string
	for _, name := range classes.SafeFields() {
		fm := fields.ByName(name)
		if fm == nil || skip[name] {
			continue
		}
		if surface == model.SurfaceProd && !fm.Prod {
			continue
		}
		out = append(out, name)
	}
	return out
}
