package pipeline

import (
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/openchatalytics/chatalytics/internal/source"
	"github.com/openchatalytics/chatalytics/internal/store"
)

// ExtractedEntity is one fact pulled out of a message: a proper-noun
// span or an emoji shortcode, with how many times it appeared in that
// message.
type ExtractedEntity struct {
	Dimension   store.Dimension
	Value       string
	Occurrences int64
	MentionTime time.Time
	RoomID      string
	UserID      string
}

// ExtractEntities finds candidate entities in a message: maximal runs
// of two or more consecutive capitalized words. Extraction is purely
// content-based; every message type goes through it. Results follow
// first-appearance order and occurrences count exact-span repeats
// within the message.
func ExtractEntities(msg source.Message) []ExtractedEntity {
	spans := entitySpans(msg.Text)
	if len(spans) == 0 {
		return nil
	}

	counts := make(map[string]int64, len(spans))
	order := make([]string, 0, len(spans))
	for _, span := range spans {
		if counts[span] == 0 {
			order = append(order, span)
		}
		counts[span]++
	}

	out := make([]ExtractedEntity, 0, len(order))
	for _, span := range order {
		out = append(out, ExtractedEntity{
			Dimension:   store.DimensionEntity,
			Value:       span,
			Occurrences: counts[span],
			MentionTime: msg.Timestamp,
			RoomID:      msg.RoomID,
			UserID:      msg.FromUserID,
		})
	}
	return out
}

// entitySpans tokenizes text on whitespace and joins maximal runs of
// consecutive capitalized words. Punctuation attached to a token breaks
// the run on that side, so a sentence-initial "Today," never glues onto
// a following name. Single capitalized words are not entities.
func entitySpans(text string) []string {
	var spans []string
	var run []string

	flush := func() {
		if len(run) >= 2 {
			spans = append(spans, strings.Join(run, " "))
		}
		run = run[:0]
	}

	for _, token := range strings.Fields(text) {
		word, brokeBefore, brokeAfter := trimToken(token)
		if word == "" || !startsUpper(word) {
			flush()
			continue
		}
		if brokeBefore {
			flush()
		}
		run = append(run, word)
		if brokeAfter {
			flush()
		}
	}
	flush()
	return spans
}

// trimToken strips non-letter/digit edges and reports whether either
// side had attached punctuation.
func trimToken(token string) (word string, brokeBefore, brokeAfter bool) {
	isWordRune := func(r rune) bool {
		return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' || r == '-'
	}
	word = strings.TrimFunc(token, func(r rune) bool { return !isWordRune(r) })
	if word == "" {
		return "", true, true
	}
	idx := strings.Index(token, word)
	brokeBefore = idx > 0
	brokeAfter = idx+len(word) < len(token)
	return word, brokeBefore, brokeAfter
}

func startsUpper(word string) bool {
	for _, r := range word {
		return unicode.IsUpper(r)
	}
	return false
}

var emojiPattern = regexp.MustCompile(`:([a-z0-9_+\-]+):`)

// ExtractEmojis finds :shortcode: tokens whose shortcode exists in the
// source's emoji mapping. A backend with an empty mapping (LocalTest)
// yields no emoji facts.
func ExtractEmojis(msg source.Message, emojis map[string]string) []ExtractedEntity {
	if len(emojis) == 0 {
		return nil
	}

	counts := make(map[string]int64)
	var order []string
	for _, match := range emojiPattern.FindAllStringSubmatch(msg.Text, -1) {
		shortcode := match[1]
		if _, ok := emojis[shortcode]; !ok {
			continue
		}
		if counts[shortcode] == 0 {
			order = append(order, shortcode)
		}
		counts[shortcode]++
	}

	out := make([]ExtractedEntity, 0, len(order))
	for _, shortcode := range order {
		out = append(out, ExtractedEntity{
			Dimension:   store.DimensionEmoji,
			Value:       shortcode,
			Occurrences: counts[shortcode],
			MentionTime: msg.Timestamp,
			RoomID:      msg.RoomID,
			UserID:      msg.FromUserID,
		})
	}
	return out
}
