// Package speech turns an assistant answer into text suitable for a
// text-to-speech collaborator.
package speech

import (
	"regexp"
	"sort"
	"strings"
)

const (
	DefaultMaxChars     = 420
	DefaultMaxSentences = 3
)

type Config struct {
	MaxChars     int               `mapstructure:"max_chars"`
	MaxSentences int               `mapstructure:"max_sentences"`
	Replacements map[string]string `mapstructure:"replacements"`
}

// Shaper strips markup, normalizes phrases and enforces short spoken turns.
type Shaper struct {
	maxChars     int
	maxSentences int
	replacements []replacement
}

type replacement struct {
	from    string
	to      string
	pattern *regexp.Regexp
}

var (
	codeFence  = regexp.MustCompile("(?s)```.*?```")
	inlineCode = regexp.MustCompile("`([^`]*)`")
	link       = regexp.MustCompile(`\[([^\]]+)\]\([^)]*\)`)
	strong     = regexp.MustCompile(`(\*\*|__)(.+?)(\*\*|__)`)
	emphasis   = regexp.MustCompile(`\*([^*\n]+)\*`)
	heading    = regexp.MustCompile(`(?m)^\s{0,3}#{1,6}\s+`)
	bullet     = regexp.MustCompile(`(?m)^\s*(?:[-*+]|\d+[.)])\s+`)
	spaces     = regexp.MustCompile(`\s+`)
)

func NewShaper(cfg Config) *Shaper {
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = DefaultMaxChars
	}
	if cfg.MaxSentences <= 0 {
		cfg.MaxSentences = DefaultMaxSentences
	}
	reps := make([]replacement, 0, len(cfg.Replacements))
	for from, to := range cfg.Replacements {
		if strings.TrimSpace(from) == "" {
			continue
		}
		reps = append(reps, replacement{
			from:    strings.ToLower(from),
			to:      to,
			pattern: regexp.MustCompile("(?i)" + regexp.QuoteMeta(from)),
		})
	}
	// longest phrase first so overlapping keys apply deterministically
	sort.Slice(reps, func(i, j int) bool {
		if len(reps[i].from) != len(reps[j].from) {
			return len(reps[i].from) > len(reps[j].from)
		}
		return reps[i].from < reps[j].from
	})
	return &Shaper{maxChars: cfg.MaxChars, maxSentences: cfg.MaxSentences, replacements: reps}
}

// Prepare returns the speakable form of text. Empty input stays empty.
func (s *Shaper) Prepare(text string) string {
	out := StripMarkdown(text)
	if out == "" {
		return ""
	}
	out = s.replace(out)
	out = truncateSentences(out, s.maxSentences)
	return truncateChars(out, s.maxChars)
}

func (s *Shaper) replace(text string) string {
	if len(s.replacements) == 0 {
		return text
	}
	for _, r := range s.replacements {
		text = r.pattern.ReplaceAllLiteralString(text, r.to)
	}
	return text
}

// StripMarkdown removes the markup a speech engine would read aloud.
func StripMarkdown(text string) string {
	out := codeFence.ReplaceAllString(text, " ")
	out = inlineCode.ReplaceAllString(out, "$1")
	out = link.ReplaceAllString(out, "$1")
	out = heading.ReplaceAllString(out, "")
	out = bullet.ReplaceAllString(out, "")
	out = strong.ReplaceAllString(out, "$2")
	out = emphasis.ReplaceAllString(out, "$1")
	out = strings.NewReplacer("*", "", "#", "", "`", "").Replace(out)
	return strings.TrimSpace(spaces.ReplaceAllString(out, " "))
}

func truncateSentences(text string, maxSentences int) string {
	if maxSentences <= 0 {
		return text
	}
	var out strings.Builder
	count := 0
	runes := []rune(text)
	for i, r := range runes {
		out.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			// decimals like 2.5 do not end a sentence
			if r == '.' && i+1 < len(runes) && runes[i+1] >= '0' && runes[i+1] <= '9' {
				continue
			}
			if i+1 < len(runes) && runes[i+1] != ' ' {
				continue
			}
			count++
			if count >= maxSentences {
				break
			}
		}
	}
	result := strings.TrimSpace(out.String())
	if result == "" {
		return text
	}
	return result
}

func truncateChars(text string, maxChars int) string {
	runes := []rune(text)
	if maxChars <= 0 || len(runes) <= maxChars {
		return text
	}
	cut := string(runes[:maxChars])
	if idx := strings.LastIndexAny(cut, ".!?"); idx > len(cut)/2 {
		return strings.TrimSpace(cut[:idx+1])
	}
	if idx := strings.LastIndex(cut, " "); idx > 0 {
		cut = cut[:idx]
	}
	return strings.TrimSpace(cut)
}
