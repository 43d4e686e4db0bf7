package features

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Linguistic feature names.
const (
	FeatNameLength         = "name.length"
	FeatNameWords          = "name.words"
	FeatNameSyllables      = "name.syllables"
	FeatNameVowelRatio     = "name.vowel_ratio"
	FeatNamePlosiveRatio   = "name.plosive_ratio"
	FeatNameSibilantRatio  = "name.sibilant_ratio"
	FeatNameRepeatRatio    = "name.repeat_ratio"
	FeatNameInitialPlosive = "name.initial_plosive"
)

// ContextPrefix prefixes features derived from context fields.
const ContextPrefix = "ctx."

// Extractor converts entity descriptors into feature vectors.
// It holds no mutable state; one Extractor may serve concurrent callers.
type Extractor struct {
	registry  *Registry
	overrides map[string]map[string]Stat // domain -> feature -> stat
}

// NewExtractor creates an extractor backed by the registry.
func NewExtractor(registry *Registry) *Extractor {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Extractor{
		registry:  registry,
		overrides: make(map[string]map[string]Stat),
	}
}

// Registry returns the domain registry.
func (e *Extractor) Registry() *Registry { return e.registry }

// WithStats returns a copy of the extractor whose normalization stats for
// domain are replaced by stats (feature name -> stat).
func (e *Extractor) WithStats(domain string, stats map[string]Stat) *Extractor {
	out := &Extractor{
		registry:  e.registry,
		overrides: make(map[string]map[string]Stat, len(e.overrides)+1),
	}
	for d, s := range e.overrides {
		out.overrides[d] = s
	}
	cp := make(map[string]Stat, len(stats))
	for k, s := range stats {
		cp[k] = s
	}
	out.overrides[strings.ToLower(domain)] = cp
	return out
}

// Extract builds the normalized feature vector for desc.
func (e *Extractor) Extract(desc EntityDescriptor) (FeatureVector, error) {
	dom, raw, err := e.raw(desc)
	if err != nil {
		return FeatureVector{}, err
	}

	override := e.overrides[dom.Name]
	values := make(map[string]float64, len(raw))
	for name, x := range raw {
		st, ok := override[name]
		if !ok {
			st = e.baseStat(dom, name)
		}
		values[name] = st.Z(x)
	}
	return NewFeatureVector(dom.Name, dom.SampleSize, values), nil
}

// Raw returns the unnormalized features for desc.
func (e *Extractor) Raw(desc EntityDescriptor) (map[string]float64, error) {
	_, raw, err := e.raw(desc)
	return raw, err
}

func (e *Extractor) baseStat(dom Domain, name string) Stat {
	if strings.HasPrefix(name, ContextPrefix) {
		field := strings.TrimPrefix(name, ContextPrefix)
		for _, f := range dom.Fields {
			if f.Name == field {
				return f.Stat
			}
		}
		return Stat{Std: 1}
	}
	if st, ok := dom.NameStats[name]; ok {
		return st
	}
	if st, ok := defaultNameStats[name]; ok {
		return st
	}
	return Stat{Std: 1}
}

func (e *Extractor) raw(desc EntityDescriptor) (Domain, map[string]float64, error) {
	if strings.TrimSpace(desc.Domain) == "" {
		return Domain{}, nil, &InvalidEntityError{Entity: desc.Name, Field: "domain", Reason: "empty"}
	}
	dom, ok := e.registry.Lookup(desc.Domain)
	if !ok {
		return Domain{}, nil, &InvalidEntityError{Entity: desc.Name, Field: "domain", Reason: fmt.Sprintf("unrecognized domain %q", desc.Domain)}
	}

	name := NormalizeName(desc.Name)
	if name == "" {
		return Domain{}, nil, &InvalidEntityError{Entity: desc.Name, Field: "name", Reason: "empty"}
	}

	raw := linguistic(name)
	for _, f := range dom.Fields {
		v, present := desc.Context[f.Name]
		if !present || v == nil {
			if f.Required {
				return Domain{}, nil, &InvalidEntityError{Entity: desc.Name, Field: "context." + f.Name, Reason: "required field missing"}
			}
			raw[ContextPrefix+f.Name] = f.Median
			continue
		}
		x, err := ToFloat(v)
		if err != nil {
			return Domain{}, nil, &InvalidEntityError{Entity: desc.Name, Field: "context." + f.Name, Reason: err.Error()}
		}
		raw[ContextPrefix+f.Name] = x
	}
	return dom, raw, nil
}

// NormalizeName lowercases, strips accents and non-letters, and collapses spaces.
func NormalizeName(name string) string {
	name = strings.ToLower(name)

	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	name, _, _ = transform.String(t, name)

	name = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) {
			return r
		}
		return ' '
	}, name)

	return strings.Join(strings.Fields(name), " ")
}

// ToFloat converts a context value to float64.
func ToFloat(v any) (float64, error) {
	var x float64
	switch t := v.(type) {
	case float64:
		x = t
	case float32:
		x = float64(t)
	case int:
		x = float64(t)
	case int64:
		x = float64(t)
	case int32:
		x = float64(t)
	case uint:
		x = float64(t)
	case uint64:
		x = float64(t)
	case bool:
		if t {
			x = 1
		}
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, fmt.Errorf("not numeric: %q", t)
		}
		x = f
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0, fmt.Errorf("not finite: %v", x)
	}
	return x, nil
}

func isVowel(r rune) bool {
	switch r {
	case 'a', 'e', 'i', 'o', 'u', 'y':
		return true
	}
	return false
}

func isPlosive(r rune) bool {
	switch r {
	case 'b', 'd', 'g', 'k', 'p', 't', 'c', 'q':
		return true
	}
	return false
}

func isSibilant(r rune) bool {
	switch r {
	case 's', 'z', 'x':
		return true
	}
	return false
}

// linguistic computes the raw name features. name must already be normalized.
func linguistic(name string) map[string]float64 {
	words := strings.Fields(name)

	var letters, vowels, plosives, sibilants, repeats, syllables int
	for _, w := range words {
		syllables += countSyllables(w)
		var prev rune
		for _, r := range w {
			letters++
			switch {
			case isVowel(r):
				vowels++
			case isPlosive(r):
				plosives++
			case isSibilant(r):
				sibilants++
			}
			if r == prev {
				repeats++
			}
			prev = r
		}
	}

	ratio := func(n int) float64 {
		if letters == 0 {
			return 0
		}
		return float64(n) / float64(letters)
	}

	initial := 0.0
	if first := []rune(name); len(first) > 0 && isPlosive(first[0]) {
		initial = 1
	}

	return map[string]float64{
		FeatNameLength:         float64(letters),
		FeatNameWords:          float64(len(words)),
		FeatNameSyllables:      float64(syllables),
		FeatNameVowelRatio:     ratio(vowels),
		FeatNamePlosiveRatio:   ratio(plosives),
		FeatNameSibilantRatio:  ratio(sibilants),
		FeatNameRepeatRatio:    ratio(repeats),
		FeatNameInitialPlosive: initial,
	}
}

func countSyllables(word string) int {
	rs := []rune(word)
	count := 0
	inGroup := false
	for _, r := range rs {
		if isVowel(r) {
			if !inGroup {
				count++
			}
			inGroup = true
		} else {
			inGroup = false
		}
	}
	// silent trailing e
	if len(rs) > 2 && rs[len(rs)-1] == 'e' && !isVowel(rs[len(rs)-2]) && count > 1 {
		count--
	}
	if count == 0 {
		count = 1
	}
	return count
}
