package failover

import (
	"kptv-broker/work/config"
	"math"
	"strings"

	"github.com/grafana/regexp"
)

var (
	callSignRe = regexp.MustCompile(`(?i)\b[KW][A-Z]{2,3}\b`)
	bracketRe  = regexp.MustCompile(`\[[^\]]*\]|\([^)]*\)|\{[^}]*\}`)
	nonWordRe  = regexp.MustCompile(`[^A-Z0-9]+`)

	normBrands = normalizeAll(brands)
	normCities = normalizeAll(cities)
)

// NameFeatures is what the scorer extracts from a channel name
type NameFeatures struct {
	CallSign          string `json:"callSign,omitempty"`
	Brand             string `json:"brand,omitempty"`
	City              string `json:"city,omitempty"`
	HasPriorityPrefix bool   `json:"hasPriorityPrefix"`
	Cleaned           string `json:"cleaned"`
}

// Scorer rates how likely two channel names carry the same programme. It is pure: the
// result depends only on the names and the configured priority prefixes.
type Scorer struct {
	prefixes []string
}

// NewScorer creates a scorer; an empty prefix list falls back to the defaults
func NewScorer(prefixes []string) *Scorer {
	if len(prefixes) == 0 {
		prefixes = config.DefaultPriorityPrefixes
	}
	up := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		if p = strings.ToUpper(strings.TrimSpace(p)); p != "" {
			up = append(up, p)
		}
	}
	return &Scorer{prefixes: sortedLongestFirst(up)}
}

var defaultScorer = NewScorer(nil)

// Analyze extracts name features with the default priority prefixes
func Analyze(name string) NameFeatures { return defaultScorer.Analyze(name) }

// Score rates primary against candidate with the default priority prefixes
func Score(primary, candidate string) int { return defaultScorer.Score(primary, candidate) }

// Analyze extracts call sign, brand, city, priority prefix and cleaned name
func (s *Scorer) Analyze(name string) NameFeatures {
	var f NameFeatures
	rest := strings.TrimSpace(name)

	upper := strings.ToUpper(rest)
	for _, p := range s.prefixes {
		if strings.HasPrefix(upper, p) {
			f.HasPriorityPrefix = true
			rest = rest[len(p):]
			break
		}
	}
	rest = bracketRe.ReplaceAllString(rest, " ")

	for _, m := range callSignRe.FindAllString(rest, -1) {
		m = strings.ToUpper(m)
		if !callSignStopwords[m] {
			f.CallSign = m
			break
		}
	}

	words := strings.Fields(nonWordRe.ReplaceAllString(strings.ToUpper(rest), " "))
	padded := " " + strings.Join(words, " ") + " "
	f.Brand = firstPhrase(padded, normBrands)
	f.City = firstPhrase(padded, normCities)

	kept := words[:0:0]
	for _, w := range words {
		if qualityTokens[w] || regionTokens[w] {
			continue
		}
		kept = append(kept, strings.ToLower(w))
	}
	f.Cleaned = strings.Join(kept, " ")
	return f
}

// Score returns a confidence in [0,100] that candidate carries the same programme as primary
func (s *Scorer) Score(primary, candidate string) int {
	return ScoreFeatures(s.Analyze(primary), s.Analyze(candidate))
}

// ScoreFeatures scores already analysed names: 50 when the candidate has a priority prefix,
// 30 for a shared call sign, 25 for a shared brand, 10 for a shared city, up to 10 for name
// similarity and 10 when one cleaned name contains the other.
func ScoreFeatures(primary, candidate NameFeatures) int {
	score := 0.0
	if candidate.HasPriorityPrefix {
		score += 50
	}
	if primary.CallSign != "" && primary.CallSign == candidate.CallSign {
		score += 30
	}
	if primary.Brand != "" && primary.Brand == candidate.Brand {
		score += 25
	}
	if primary.City != "" && primary.City == candidate.City {
		score += 10
	}
	score += 10 * similarity(primary.Cleaned, candidate.Cleaned)

	short, long := primary.Cleaned, candidate.Cleaned
	if len(short) > len(long) {
		short, long = long, short
	}
	if len(short) >= 3 && strings.Contains(long, short) {
		score += 10
	}

	return int(math.Round(math.Max(0, math.Min(100, score))))
}

// similarity is 1 for equal names, the length ratio when one contains the other, and the
// normalised levenshtein similarity otherwise
func similarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	ra, rb := []rune(a), []rune(b)
	short, long := ra, rb
	if len(short) > len(long) {
		short, long = long, short
	}
	if strings.Contains(string(long), string(short)) {
		return float64(len(short)) / float64(len(long))
	}
	return 1 - float64(levenshtein(ra, rb))/float64(len(long))
}

func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

func normalizeAll(phrases []string) []string {
	out := make([]string, 0, len(phrases))
	for _, p := range phrases {
		if n := strings.Join(strings.Fields(nonWordRe.ReplaceAllString(strings.ToUpper(p), " ")), " "); n != "" {
			out = append(out, n)
		}
	}
	return sortedLongestFirst(out)
}

// firstPhrase returns the first vocabulary phrase found on word boundaries in padded
func firstPhrase(padded string, vocab []string) string {
	for _, v := range vocab {
		if strings.Contains(padded, " "+v+" ") {
			return v
		}
	}
	return ""
}
