// Package progress turns status lines printed by the segmented downloader into
// structured samples.
package progress

import (
	"regexp"
	"strconv"

	"segmentd/internal/units"
)

// NoETA is the placeholder used when no remaining time is known.
const NoETA = "--:--"

// Sample is one parsed output line. Zero fields mean "not present".
type Sample struct {
	Downloaded  int64
	Total       int64
	Progress    float64
	HasSize     bool
	Speed       float64
	UploadSpeed float64
	ETA         string
	Connections int
	Seeds       int
	Peers       int
}

// Empty reports whether the line carried nothing useful.
func (s Sample) Empty() bool {
	return !s.HasSize && s.Speed <= 0 && s.UploadSpeed <= 0 && !hasETA(s.ETA) &&
		s.Connections <= 0 && s.Seeds <= 0 && s.Peers <= 0
}

const sizeToken = `(\d+\.?\d*[KMGT]?i?B)`

type rule struct {
	name  string
	re    *regexp.Regexp
	apply func(m []string, s *Sample)
}

// Rules within a category run most specific first, so a rule whose match is
// a superset of a later rule's wins.
type category struct {
	name string
	// consume masks the matched span so later categories cannot reuse it.
	consume bool
	rules   []rule
}

func applySize(m []string, s *Sample) {
	pct, err := strconv.ParseFloat(m[3], 64)
	if err != nil {
		return
	}
	s.Downloaded = units.ParseSize(m[1])
	s.Total = units.ParseSize(m[2])
	s.Progress = pct / 100
	s.HasSize = true
}

func applySpeed(m []string, s *Sample) { s.Speed = units.ParseSpeed(m[1]) }

func applyETA(m []string, s *Sample) { s.ETA = m[1] }

func applyInt(dst func(*Sample) *int) func(m []string, s *Sample) {
	return func(m []string, s *Sample) {
		if n, err := strconv.Atoi(m[1]); err == nil {
			*dst(s) = n
		}
	}
}

var categories = []category{
	{
		name:    "size",
		consume: true,
		rules: []rule{
			{name: "size-label", re: regexp.MustCompile(`SIZE:` + sizeToken + `/` + sizeToken + `\s*\((\d+(?:\.\d+)?)%\)`), apply: applySize},
			{name: "pipe", re: regexp.MustCompile(`\|\s*` + sizeToken + `/` + sizeToken + `\s*\((\d+(?:\.\d+)?)%\)`), apply: applySize},
			{name: "plain", re: regexp.MustCompile(sizeToken + `/` + sizeToken + `\s*\((\d+(?:\.\d+)?)%\)`), apply: applySize},
		},
	},
	{
		name: "speed",
		rules: []rule{
			{name: "dl-bracket", re: regexp.MustCompile(`\[DL:` + sizeToken + `\]`), apply: applySpeed},
			{name: "dl-colon", re: regexp.MustCompile(`DL:` + sizeToken), apply: applySpeed},
			{name: "spd", re: regexp.MustCompile(`SPD:` + sizeToken + `(?:x\d+)?`), apply: applySpeed},
			{name: "dl-equals", re: regexp.MustCompile(`DL=` + sizeToken), apply: applySpeed},
		},
	},
	{
		name: "upload",
		rules: []rule{
			{name: "ul-colon", re: regexp.MustCompile(`UL:` + sizeToken), apply: func(m []string, s *Sample) {
				s.UploadSpeed = units.ParseSpeed(m[1])
			}},
		},
	},
	{
		name: "eta",
		rules: []rule{
			{name: "eta-bracket", re: regexp.MustCompile(`\[ETA:([0-9hms]+)\]`), apply: applyETA},
			{name: "eta-colon", re: regexp.MustCompile(`ETA:([0-9hms]+)`), apply: applyETA},
			{name: "eta-equals", re: regexp.MustCompile(`ETA=([0-9hms]+)`), apply: applyETA},
			{name: "eta-lower", re: regexp.MustCompile(`eta:([0-9hms]+)`), apply: applyETA},
		},
	},
	{
		name: "connections",
		rules: []rule{
			{name: "cn", re: regexp.MustCompile(`CN:(\d+)`), apply: applyInt(func(s *Sample) *int { return &s.Connections })},
		},
	},
	{
		name: "seeds",
		rules: []rule{
			{name: "seed-paren", re: regexp.MustCompile(`Seed\((\d+)\)`), apply: applyInt(func(s *Sample) *int { return &s.Seeds })},
			{name: "sd", re: regexp.MustCompile(`SD:(\d+)`), apply: applyInt(func(s *Sample) *int { return &s.Seeds })},
		},
	},
	{
		name: "peers",
		rules: []rule{
			{name: "peer-paren", re: regexp.MustCompile(`Peer\((\d+)/(\d+)\)`), apply: applyInt(func(s *Sample) *int { return &s.Peers })},
		},
	},
}

// Parse extracts whatever fields the line carries. Each field category takes
// the first rule that matches; categories are independent of each other.
func Parse(line string) Sample {
	s, _ := parse(line)
	return s
}

// parse also returns the name of the rule that fired, keyed by category.
func parse(line string) (Sample, map[string]string) {
	var s Sample
	fired := make(map[string]string)
	text := []byte(line)
	for _, cat := range categories {
		for _, r := range cat.rules {
			loc := r.re.FindSubmatchIndex(text)
			if loc == nil {
				continue
			}
			r.apply(submatches(text, loc), &s)
			fired[cat.name] = r.name
			if cat.consume {
				mask(text, loc[0], loc[1])
			}
			break
		}
	}
	return s, fired
}

func submatches(text []byte, loc []int) []string {
	out := make([]string, len(loc)/2)
	for i := range out {
		if loc[2*i] >= 0 {
			out[i] = string(text[loc[2*i]:loc[2*i+1]])
		}
	}
	return out
}

func mask(text []byte, from, to int) {
	for i := from; i < to; i++ {
		text[i] = ' '
	}
}

func hasETA(eta string) bool {
	return eta != "" && eta != NoETA
}
