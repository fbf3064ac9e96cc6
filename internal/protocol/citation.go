package protocol

import "sort"

// Source is one numbered reference. Several citations may point at the same number.
type Source struct {
	Number int    `json:"number" yaml:"number"`
	Title  string `json:"title,omitempty" yaml:"title,omitempty"`
	URL    string `json:"url,omitempty" yaml:"url,omitempty"`
}

// Citation anchors a span of completed content to its sources.
type Citation struct {
	CitationID string   `json:"citationId" yaml:"citationId"`
	Offset     int      `json:"offset" yaml:"offset"`
	Length     int      `json:"length" yaml:"length"`
	Sources    []Source `json:"sources,omitempty" yaml:"sources,omitempty"`
}

// DedupSources flattens the sources of all citations into one entry per
// number, ordered by number. The first occurrence of a number keeps its
// title and url.
func DedupSources(citations []Citation) []Source {
	seen := make(map[int]struct{})
	var out []Source
	for _, c := range citations {
		for _, s := range c.Sources {
			if _, ok := seen[s.Number]; ok {
				continue
			}
			seen[s.Number] = struct{}{}
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}
