package messenger

import "strings"

// Search returns dialogs whose title contains query, ignoring case and
// Unicode width differences, in display order. limit <= 0 means no limit.
func (s *DialogsSnapshot) Search(query string, limit int) []Dialog {
	key := foldKey(query)
	if key == "" {
		return nil
	}
	var out []Dialog
	for _, d := range s.All() {
		if !strings.Contains(foldKey(d.Title), key) {
			continue
		}
		out = append(out, d)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
