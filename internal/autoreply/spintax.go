package autoreply

import (
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"
)

// RandSource picks an index in [0, n).
type RandSource interface {
	IntN(n int) int
}

type globalRand struct{}

func (globalRand) IntN(n int) int { return rand.IntN(n) }

// innermostGroup matches a brace group that contains no other braces.
var innermostGroup = regexp.MustCompile(`\{([^{}]*)\}`)

// stashMarker delimits brace groups that are not spintax while expanding.
const stashMarker = "\x00"

// ExpandSpintax replaces every {a|b|...} group, innermost first, with one of
// its options chosen uniformly at random. Groups without "|" (such as
// unresolved placeholders) are kept verbatim. Text without braces is
// returned unchanged.
func ExpandSpintax(text string, rnd RandSource) string {
	if !strings.Contains(text, "{") {
		return text
	}
	if rnd == nil {
		rnd = globalRand{}
	}

	var stash []string
	for {
		loc := innermostGroup.FindStringSubmatchIndex(text)
		if loc == nil {
			break
		}
		body := text[loc[2]:loc[3]]

		var repl string
		if strings.Contains(body, "|") {
			opts := strings.Split(body, "|")
			repl = opts[rnd.IntN(len(opts))]
		} else {
			// Hide the literal group so the outer loop can make progress.
			repl = stashMarker + strconv.Itoa(len(stash)) + stashMarker
			stash = append(stash, text[loc[0]:loc[1]])
		}
		text = text[:loc[0]] + repl + text[loc[1]:]
	}

	// Restore newest first: a stashed group may contain older markers.
	for i := len(stash) - 1; i >= 0; i-- {
		text = strings.Replace(text, stashMarker+strconv.Itoa(i)+stashMarker, stash[i], 1)
	}
	return text
}
