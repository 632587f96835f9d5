package collab

import (
	"fmt"
	"strings"
)

// RankingPolicy picks the winning contribution of a round.
type RankingPolicy interface {
	Name() string
	// Select reports false when there is nothing to select.
	Select(cs []Contribution) (Contribution, bool)
}

// HighestConfidence picks the most confident contribution. Ties go to the
// earliest one.
type HighestConfidence struct{}

func (HighestConfidence) Name() string { return "highest_confidence" }

func (HighestConfidence) Select(cs []Contribution) (Contribution, bool) {
	if len(cs) == 0 {
		return Contribution{}, false
	}
	best := 0
	for i := 1; i < len(cs); i++ {
		if cs[i].Confidence > cs[best].Confidence {
			best = i
		}
	}
	return cs[best], true
}

// MajorityVote groups contributions whose normalized text is equal and
// picks the largest group. Ties go to the higher summed confidence, then to
// the group that appeared first. The winner is the group's most confident
// member.
type MajorityVote struct{}

func (MajorityVote) Name() string { return "majority_vote" }

func (MajorityVote) Select(cs []Contribution) (Contribution, bool) {
	if len(cs) == 0 {
		return Contribution{}, false
	}
	type group struct {
		members []int
		total   float64
	}
	var (
		order  []string
		groups = make(map[string]*group)
	)
	for i, c := range cs {
		key := normalize(c.Text)
		g, ok := groups[key]
		if !ok {
			g = &group{}
			groups[key] = g
			order = append(order, key)
		}
		g.members = append(g.members, i)
		g.total += c.Confidence
	}

	var win *group
	for _, key := range order {
		g := groups[key]
		if win == nil ||
			len(g.members) > len(win.members) ||
			(len(g.members) == len(win.members) && g.total > win.total) {
			win = g
		}
	}
	return HighestConfidence{}.Select(pick(cs, win.members))
}

// PolicyByName resolves "highest_confidence" (the default for "") and
// "majority_vote".
func PolicyByName(name string) (RankingPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "highest_confidence", "highest-confidence":
		return HighestConfidence{}, nil
	case "majority_vote", "majority-vote", "majority":
		return MajorityVote{}, nil
	default:
		return nil, fmt.Errorf("unknown ranking policy %q", name)
	}
}

func pick(cs []Contribution, idx []int) []Contribution {
	out := make([]Contribution, len(idx))
	for i, j := range idx {
		out[i] = cs[j]
	}
	return out
}

func normalize(text string) string {
	text = strings.ToLower(strings.Join(strings.Fields(text), " "))
	return strings.TrimRight(text, ".!?;, ")
}
