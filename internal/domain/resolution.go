package domain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Resolution is a quality label such as "720p"
type Resolution string

// Height parses the pixel height out of the label; 0 when it has none
func (r Resolution) Height() int {
	s := strings.TrimSuffix(strings.ToLower(string(r)), "p")
	h, err := strconv.Atoi(s)
	if err != nil || h < 0 {
		return 0
	}
	return h
}

// ParseResolutions converts labels, rejecting blanks and duplicates
func ParseResolutions(labels []string) ([]Resolution, error) {
	seen := make(map[Resolution]struct{}, len(labels))
	out := make([]Resolution, 0, len(labels))
	for _, l := range labels {
		r := Resolution(strings.TrimSpace(l))
		if r == "" {
			return nil, fmt.Errorf("empty resolution label")
		}
		if _, dup := seen[r]; dup {
			return nil, fmt.Errorf("duplicate resolution label %q", r)
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out, nil
}

// SortByHeightDesc returns a copy ordered from the tallest resolution down
func SortByHeightDesc(rs []Resolution) []Resolution {
	out := append([]Resolution(nil), rs...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Height() > out[j].Height()
	})
	return out
}

// Profile holds the encoder parameters for one resolution
type Profile struct {
	Resolution Resolution
	Bitrate    string
	Width      int
	Height     int
}

// ResolutionTable maps labels to encoder parameters with a fallback tier
type ResolutionTable struct {
	profiles map[Resolution]Profile
	fallback Resolution
}

// NewResolutionTable validates profiles and the fallback label
func NewResolutionTable(profiles []Profile, fallback Resolution) (*ResolutionTable, error) {
	t := &ResolutionTable{
		profiles: make(map[Resolution]Profile, len(profiles)),
		fallback: fallback,
	}

	for _, p := range profiles {
		if p.Resolution == "" {
			return nil, fmt.Errorf("resolution profile without label")
		}
		if p.Width <= 0 || p.Height <= 0 {
			return nil, fmt.Errorf("resolution %s: width and height must be positive", p.Resolution)
		}
		if p.Bitrate == "" {
			return nil, fmt.Errorf("resolution %s: bitrate is required", p.Resolution)
		}
		t.profiles[p.Resolution] = p
	}

	if _, ok := t.profiles[fallback]; !ok {
		return nil, fmt.Errorf("default resolution %q is not in the table", fallback)
	}
	return t, nil
}

// Lookup returns the profile for r. exact is false when r was unknown and
// the fallback tier was substituted.
func (t *ResolutionTable) Lookup(r Resolution) (p Profile, exact bool) {
	if p, ok := t.profiles[r]; ok {
		return p, true
	}
	return t.profiles[t.fallback], false
}

// Fallback returns the default tier label
func (t *ResolutionTable) Fallback() Resolution {
	return t.fallback
}
