package deltasync

import "github.com/iudanet/dockeeper/internal/models"

// Diff is the outcome of comparing a target manifest with what the store holds
type Diff struct {
	ToFetch   []models.Entry // ToFetch entries without byte-identical local content
	Unchanged int            // Unchanged same name and hash as the previous version
	Updated   int            // Updated content present locally but new for this name
	Removed   int            // Removed names of the previous version absent from the target
}

// Changed reports whether committing the target would produce different entries
func (d Diff) Changed() bool {
	return len(d.ToFetch) > 0 || d.Updated > 0 || d.Removed > 0
}

// Compute diffs target against prev (nil for a new document).
// has reports whether byte-identical content of an entry is already stored.
func Compute(prev, target *models.Manifest, has func(models.Entry) bool) Diff {
	var prevIdx map[string]models.Entry
	if prev != nil {
		prevIdx = prev.EntryIndex()
	}

	d := Diff{ToFetch: make([]models.Entry, 0)}
	names := make(map[string]struct{}, len(target.Entries))

	for _, e := range target.Entries {
		names[e.Name] = struct{}{}

		if !has(e) {
			d.ToFetch = append(d.ToFetch, e)
			continue
		}
		if p, ok := prevIdx[e.Name]; ok && p.SameContent(e) {
			d.Unchanged++
		} else {
			d.Updated++
		}
	}

	for name := range prevIdx {
		if _, ok := names[name]; !ok {
			d.Removed++
		}
	}

	return d
}
