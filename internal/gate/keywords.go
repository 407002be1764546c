package gate

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Category is a named group of keyword fragments. Matching is a
// case-insensitive substring test, so "frustr" covers "frustrado" and
// "frustração".
type Category struct {
	Name     string
	Keywords []string
}

// DefaultCategories is the Portuguese sales taxonomy, in evaluation order.
var DefaultCategories = []Category{
	{Name: "pain", Keywords: []string{"dor", "problema", "dificuldade", "complicado", "ruim", "frustr", "não funciona", "quebr", "lento"}},
	{Name: "budget", Keywords: []string{"preço", "caro", "barato", "orçamento", "budget", "custo", "valor", "pagamento"}},
	{Name: "timing", Keywords: []string{"prazo", "quando", "até", "urgente", "semana", "mês", "hoje", "amanhã", "data"}},
	{Name: "authority", Keywords: []string{"decisor", "aprovação", "diretor", "sócio", "gestor", "equipe", "comitê"}},
	{Name: "risk", Keywords: []string{"concorr", "já tenho", "já uso", "não preciso", "depois", "não agora", "talvez"}},
}

// Hit is one diagnostic entry of a gate decision.
type Hit struct {
	Type  string `json:"type"`
	Match string `json:"match"`
}

// KeywordDetector finds taxonomy fragments in text.
type KeywordDetector struct {
	categories []Category
}

// NewKeywordDetector lower-cases the taxonomy once. A nil or empty slice
// selects DefaultCategories.
func NewKeywordDetector(categories []Category) *KeywordDetector {
	if len(categories) == 0 {
		categories = DefaultCategories
	}
	lowered := make([]Category, 0, len(categories))
	for _, c := range categories {
		kws := make([]string, 0, len(c.Keywords))
		for _, k := range c.Keywords {
			if k = strings.ToLower(k); k != "" {
				kws = append(kws, k)
			}
		}
		lowered = append(lowered, Category{Name: c.Name, Keywords: kws})
	}
	return &KeywordDetector{categories: lowered}
}

// Hits returns one hit per keyword present in text, in taxonomy order.
// A keyword counts once however often it occurs.
func (d *KeywordDetector) Hits(text string) []Hit {
	t := strings.ToLower(text)
	var hits []Hit
	for _, c := range d.categories {
		for _, k := range c.Keywords {
			if strings.Contains(t, k) {
				hits = append(hits, Hit{Type: c.Name, Match: k})
			}
		}
	}
	return hits
}

var wordRE = regexp.MustCompile(`[\p{L}\p{M}\p{N}_]+`)

// CountWords counts runs of letters, marks, digits and underscores, so
// accented words such as "orçamento" count as one word.
func CountWords(text string) int {
	return len(wordRE.FindAllStringIndex(text, -1))
}

// CountChars counts runes, not bytes.
func CountChars(text string) int {
	return utf8.RuneCountInString(text)
}

// AlphaRatio is the share of letters and digits among all runes of the
// trimmed text. Empty text scores 0.
func AlphaRatio(text string) float64 {
	t := strings.TrimSpace(text)
	if t == "" {
		return 0
	}
	total, alnum := 0, 0
	for _, r := range t {
		total++
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			alnum++
		}
	}
	return float64(alnum) / float64(total)
}
