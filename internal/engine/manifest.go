package engine

import (
	"fmt"
	"slices"
	"strings"

	"github.com/BadgerOps/dmfship/internal/apperr"
	"github.com/BadgerOps/dmfship/internal/batch"
)

// Manifest is the delimited index shipped alongside a batch.
type Manifest struct {
	Name    string
	Content string
}

// manifestLayout is the delimiter and excluded columns for one template type.
type manifestLayout struct {
	delimiter string
	exclude   []string
}

func layoutFor(tt batch.TemplateType) (manifestLayout, error) {
	switch tt {
	case batch.Contratto:
		return manifestLayout{delimiter: "||"}, nil
	case batch.CGA:
		return manifestLayout{delimiter: "|", exclude: []string{batch.ColumnOutput}}, nil
	case batch.SOAS, batch.Digital:
		return manifestLayout{delimiter: "#", exclude: []string{batch.ColumnInput}}, nil
	}
	return manifestLayout{}, apperr.New("build manifest", apperr.ErrTemplateType, fmt.Errorf("%q", string(tt)))
}

// BuildManifest renders one line per job in batch order. Fields keep query
// order minus the template's excluded columns; NULLs render empty. There
// is no header and no trailing newline.
func BuildManifest(name string, jobs batch.Batch, tt batch.TemplateType) (Manifest, error) {
	layout, err := layoutFor(tt)
	if err != nil {
		return Manifest{}, err
	}

	lines := make([]string, 0, len(jobs))
	for _, j := range jobs {
		vals := make([]string, 0, len(j.Fields))
		for _, f := range j.Fields {
			if slices.Contains(layout.exclude, f.Name) {
				continue
			}
			if f.Null {
				vals = append(vals, "")
				continue
			}
			vals = append(vals, f.Value)
		}
		lines = append(lines, strings.Join(vals, layout.delimiter))
	}

	return Manifest{Name: name, Content: strings.Join(lines, "\n")}, nil
}
