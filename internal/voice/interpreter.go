// Package voice turns spoken utterances into accessory commands.
//
// Parsing is pure: no store or hardware access happens here. Rules are
// applied in order and the first match wins:
//
//  1. "turn on|off [relay] [number|position] N"
//  2. an "on" phrase ("turn on", "activate", ...) followed by a target
//  3. an "off" phrase, symmetrically
//  4. "<target> on" / "<target> off"
//  5. on/off keyword anywhere, remainder is the target
package voice

import (
	"regexp"
	"strconv"
	"strings"
)

type Action string

const (
	ActionNone Action = ""
	ActionOn   Action = "on"
	ActionOff  Action = "off"
)

// Command is the parse result. RelayPosition is 0 when the utterance did
// not address a relay by number.
type Command struct {
	Valid         bool   `json:"isValid"`
	Target        string `json:"target,omitempty"`
	Action        Action `json:"action,omitempty"`
	RelayPosition int    `json:"relayPosition,omitempty"`
	Utterance     string `json:"utterance"`
}

// maxRelayPosition is the highest relay address that fits the one-byte wire field.
const maxRelayPosition = 255

var DefaultWakeWords = []string{"hey geminize", "ok geminize", "geminize"}

var (
	onPhrases  = []string{"turn on", "activate", "enable", "start", "power on", "switch on"}
	offPhrases = []string{"turn off", "deactivate", "disable", "stop", "power off", "switch off"}

	stopWords   = []string{"the", "my", "please", "can", "you", "would", "could", "really", "actually"}
	actionWords = []string{"turn", "switch", "power", "on", "off"}

	numberWords = map[string]int{
		"one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
		"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
		"eleven": 11, "twelve": 12, "thirteen": 13, "fourteen": 14, "fifteen": 15,
		"sixteen": 16, "seventeen": 17, "eighteen": 18, "nineteen": 19, "twenty": 20,
	}

	relayPattern = regexp.MustCompile(`\bturn (on|off) (?:the )?(?:relay )?(?:number |position )?(\d+|` + numberAlternation() + `)\b`)
	punctuation  = regexp.MustCompile(`[.!?;:"]`)
	whitespace   = regexp.MustCompile(`\s+`)

	onMatchers  = phraseMatchers(onPhrases)
	offMatchers = phraseMatchers(offPhrases)
	onKeyword   = regexp.MustCompile(`\bon\b`)
	offKeyword  = regexp.MustCompile(`\boff\b`)
)

type Interpreter struct {
	wakeWords []string
}

// NewInterpreter builds an interpreter for the given wake words. Longer wake
// words should come first so "hey geminize" is stripped whole.
func NewInterpreter(wakeWords []string) *Interpreter {
	if len(wakeWords) == 0 {
		wakeWords = DefaultWakeWords
	}
	words := make([]string, 0, len(wakeWords))
	for _, w := range wakeWords {
		if w = normalize(w); w != "" {
			words = append(words, w)
		}
	}
	return &Interpreter{wakeWords: words}
}

// Parse never fails; an utterance it cannot map yields Valid == false.
func (in *Interpreter) Parse(utterance string) Command {
	cmd := Command{Utterance: utterance}
	text := in.stripLeadingWakeWord(normalize(utterance))
	if text == "" {
		return cmd
	}

	if m := relayPattern.FindStringSubmatch(text); m != nil {
		if n := parseNumber(m[2]); n > 0 && n <= maxRelayPosition {
			cmd.Action = Action(m[1])
			cmd.RelayPosition = n
			cmd.Target = "relay " + strconv.Itoa(n)
			cmd.Valid = true
			return cmd
		}
	}

	if target, ok := matchPhrase(text, onMatchers); ok {
		return finish(cmd, ActionOn, target)
	}
	if target, ok := matchPhrase(text, offMatchers); ok {
		return finish(cmd, ActionOff, target)
	}

	if target, ok := strings.CutSuffix(text, " on"); ok {
		return finish(cmd, ActionOn, target)
	}
	if target, ok := strings.CutSuffix(text, " off"); ok {
		return finish(cmd, ActionOff, target)
	}

	return in.fallback(cmd, text)
}

func (in *Interpreter) fallback(cmd Command, text string) Command {
	for _, w := range in.wakeWords {
		text = strings.ReplaceAll(text, w, " ")
	}

	var action Action
	switch {
	case onKeyword.MatchString(text):
		action = ActionOn
	case offKeyword.MatchString(text):
		action = ActionOff
	default:
		return cmd
	}

	return finish(cmd, action, removeWords(text, actionWords))
}

func (in *Interpreter) stripLeadingWakeWord(text string) string {
	for _, w := range in.wakeWords {
		if rest, ok := strings.CutPrefix(text, w); ok {
			if rest == "" || rest[0] == ' ' || rest[0] == ',' {
				return strings.TrimSpace(strings.TrimLeft(rest, ", "))
			}
		}
	}
	return text
}

func finish(cmd Command, action Action, target string) Command {
	cmd.Action = action
	cmd.Target = cleanTarget(target)
	cmd.Valid = cmd.Action != ActionNone && (cmd.Target != "" || cmd.RelayPosition > 0)
	return cmd
}

type phraseMatcher struct {
	phrase string
	re     *regexp.Regexp
}

func phraseMatchers(phrases []string) []phraseMatcher {
	out := make([]phraseMatcher, 0, len(phrases))
	for _, p := range phrases {
		out = append(out, phraseMatcher{phrase: p, re: regexp.MustCompile(`\b` + regexp.QuoteMeta(p) + `\b`)})
	}
	return out
}

// matchPhrase returns the text after the first phrase found, or the text
// before it when nothing follows ("rock lights turn on").
func matchPhrase(text string, matchers []phraseMatcher) (string, bool) {
	for _, m := range matchers {
		loc := m.re.FindStringIndex(text)
		if loc == nil {
			continue
		}
		after := strings.TrimSpace(text[loc[1]:])
		if cleanTarget(after) != "" {
			return after, true
		}
		return text[:loc[0]], true
	}
	return "", false
}

func cleanTarget(target string) string {
	target = strings.ReplaceAll(target, ",", " ")
	return removeWords(target, stopWords)
}

func removeWords(text string, words []string) string {
	fields := strings.Fields(text)
	kept := fields[:0]
outer:
	for _, f := range fields {
		for _, w := range words {
			if f == w {
				continue outer
			}
		}
		kept = append(kept, f)
	}
	return strings.Join(kept, " ")
}

func normalize(s string) string {
	s = strings.ToLower(s)
	s = punctuation.ReplaceAllString(s, " ")
	s = whitespace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

func parseNumber(s string) int {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return numberWords[s]
}

func numberAlternation() string {
	// Longest first so "seventeen" is not read as "seven".
	words := []string{
		"thirteen", "fourteen", "fifteen", "sixteen", "seventeen", "eighteen", "nineteen",
		"eleven", "twelve", "twenty", "three", "seven", "eight",
		"four", "five", "nine", "one", "two", "six", "ten",
	}
	return strings.Join(words, "|")
}
