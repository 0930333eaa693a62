package tools

import (
	"fmt"
	"sort"
	"strings"
)

// Card is one operable metric card and the words people use for it.
type Card struct {
	Target    string   `json:"target"`
	Canonical string   `json:"canonical"`
	Synonyms  []string `json:"synonyms"`
}

type Menu struct {
	LeftCards []Card   `json:"leftCards"`
	Trend     []string `json:"trend"`
	Modals    []string `json:"modals"`
	Examples  []string `json:"examples"`
}

var cards = []Card{
	{Target: "revenue", Canonical: "今日金额", Synonyms: []string{"金额", "营收", "交易", "收入", "销售额"}},
	{Target: "visitors", Canonical: "今日来客", Synonyms: []string{"来客", "人流", "人数", "访客"}},
	{Target: "conversion", Canonical: "转化率", Synonyms: []string{"转化", "成交", "转化率"}},
	{Target: "dwell", Canonical: "平均停留", Synonyms: []string{"停留", "停留时长", "平均停留"}},
	{Target: "energy", Canonical: "今日能耗", Synonyms: []string{"能耗", "电量", "用电"}},
	{Target: "wifi", Canonical: "WiFi终端", Synonyms: []string{"WiFi", "无线", "终端"}},
}

// DefaultMenu describes what the assistant can operate.
func DefaultMenu() Menu {
	return Menu{
		LeftCards: cards,
		Trend:     []string{"销售趋势", "人数趋势"},
		Modals:    []string{"月度详细报表弹窗"},
		Examples: []string{
			"把今日金额改为昨日金额",
			"将今日来客改成昨日来客",
			"右侧改为人数趋势",
			"展示八月份报表",
			"展示九月份报表",
			"关闭报表",
		},
	}
}

// Candidate is a metric card that may match a misheard phrase.
type Candidate struct {
	Target        string   `json:"target"`
	Label         string   `json:"label"`
	Score         float64  `json:"score"`
	ExampleLabels []string `json:"exampleLabels"`
}

const minCandidateScore = 0.2

// SuggestCandidates scores phrase against every card's canonical label and
// synonyms and returns cards scoring above 0.2, best first.
func SuggestCandidates(phrase string) []Candidate {
	phrase = strings.ToLower(strings.TrimSpace(phrase))
	out := make([]Candidate, 0, len(cards))
	for _, c := range cards {
		best := similarity(phrase, c.Canonical)
		for _, s := range c.Synonyms {
			if v := similarity(phrase, s); v > best {
				best = v
			}
		}
		if best <= minCandidateScore {
			continue
		}
		examples := c.Synonyms
		if len(examples) > 3 {
			examples = examples[:3]
		}
		out = append(out, Candidate{Target: c.Target, Label: c.Canonical, Score: best, ExampleLabels: examples})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// similarity is 0.7 for containment either way plus half the character
// Jaccard index, capped at 1.
func similarity(phrase, label string) float64 {
	label = strings.ToLower(label)
	if phrase == "" || label == "" {
		return 0
	}
	score := 0.0
	if strings.Contains(phrase, label) || strings.Contains(label, phrase) {
		score += 0.7
	}
	a, b := runeSet(phrase), runeSet(label)
	inter := 0
	for r := range a {
		if _, ok := b[r]; ok {
			inter++
		}
	}
	if union := len(a) + len(b) - inter; union > 0 {
		score += float64(inter) / float64(union) * 0.5
	}
	if score > 1 {
		score = 1
	}
	return score
}

func runeSet(s string) map[rune]struct{} {
	set := make(map[rune]struct{}, len(s))
	for _, r := range s {
		set[r] = struct{}{}
	}
	return set
}

// NormalizeMonth maps spoken month forms onto a YYYY-MM key. Only August and
// September reports exist.
func NormalizeMonth(month string, year int) (string, bool) {
	s := strings.ToLower(strings.TrimSpace(month))
	switch {
	case s == "8" || s == "08" || strings.Contains(s, "八") || strings.Contains(s, "aug"):
		return fmt.Sprintf("%04d-08", year), true
	case s == "9" || s == "09" || strings.Contains(s, "九") || strings.Contains(s, "sep"):
		return fmt.Sprintf("%04d-09", year), true
	default:
		return "", false
	}
}
