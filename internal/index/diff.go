package index

// Diff is the result of comparing a current scan against a previous index
// (spec §4.2). Changed holds entries from current that are new, resized, or
// rehashed relative to previous; Deleted holds relative paths present in
// previous but absent from current.
type Diff struct {
	Changed []FileEntry
	Deleted []string
}

// Compute implements the diff predicate of spec §4.2: a current entry is
// changed if absent in previous, has a different SizeBytes, or — when both
// hashes are populated — a different SHA256. Timestamps alone never mark a
// file changed. Path comparison is case-insensitive on normalized
// forward-slash form.
func Compute(previous *FileIndex, current []FileEntry) Diff {
	var d Diff

	currentKeys := make(map[string]bool, len(current))
	for _, e := range current {
		key := normalizedKey(e.RelativePath)
		currentKeys[key] = true

		prevEntry, ok := previous.Get(e.RelativePath)
		if !ok {
			d.Changed = append(d.Changed, e)
			continue
		}
		if prevEntry.SizeBytes != e.SizeBytes {
			d.Changed = append(d.Changed, e)
			continue
		}
		if prevEntry.SHA256 != "" && e.SHA256 != "" && prevEntry.SHA256 != e.SHA256 {
			d.Changed = append(d.Changed, e)
		}
	}

	for _, prevEntry := range previous.Entries {
		key := normalizedKey(prevEntry.RelativePath)
		if !currentKeys[key] {
			d.Deleted = append(d.Deleted, prevEntry.RelativePath)
		}
	}

	return d
}
