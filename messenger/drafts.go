package messenger

import "github.com/sergi/go-diff/diffmatchpatch"

// localDraft is a draft typed on this device together with the server
// text it started from.
type localDraft struct {
	Base string
	Text string
}

// mergeDraft replays the local edits (base to local) onto the server's
// draft. It reports false when any local hunk did not apply cleanly.
func mergeDraft(base, local, server string) (string, bool) {
	if local == base {
		return server, true
	}
	if server == base || server == local {
		return local, true
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(base, local, true)
	if len(diffs) > 2 {
		diffs = dmp.DiffCleanupSemantic(diffs)
		diffs = dmp.DiffCleanupEfficiency(diffs)
	}
	patches := dmp.PatchMake(base, diffs)
	merged, applied := dmp.PatchApply(patches, server)

	for _, ok := range applied {
		if !ok {
			return server, false
		}
	}
	return merged, true
}
