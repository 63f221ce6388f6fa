// Package nlp turns short natural-language requests into executable
// plans. Parsing is pure, deterministic pattern matching; no model calls,
// no randomness, same input same intent.
package nlp

import (
	"regexp"
	"strings"

	"github.com/tandem-run/tandem/internal/core"
)

// Intent is the structured reading of one request.
type Intent struct {
	Verb        string      `json:"verb"`
	Targets     []string    `json:"targets,omitempty"`
	Artifacts   []string    `json:"artifacts,omitempty"`
	Constraints Constraints `json:"constraints"`
	Raw         string      `json:"raw"`
}

// Constraints narrow what the plan binds against.
type Constraints struct {
	Source     string `json:"source,omitempty"`
	TimeWindow string `json:"time_window,omitempty"`
	Label      string `json:"label,omitempty"`
	Folder     string `json:"folder,omitempty"`
}

// verbPatterns in priority order: the first matching verb wins, so
// "reply to the email Bob sent" is a reply, not an email.
var verbPatterns = []struct {
	verb string
	re   *regexp.Regexp
}{
	{"reply", regexp.MustCompile(`\b(reply|respond)\b`)},
	{"forward", regexp.MustCompile(`\bforward\b`)},
	{"schedule", regexp.MustCompile(`\b(schedule|set up a (meeting|call))\b`)},
	{"delete", regexp.MustCompile(`\b(delete|remove|trash)\b`)},
	{"update", regexp.MustCompile(`\b(update|edit|modify)\b`)},
	{"create", regexp.MustCompile(`\b(create|draft|compose)\b`)},
	{"email", regexp.MustCompile(`\b(email|mail)\b`)},
	{"message", regexp.MustCompile(`\b(message|ping|dm)\b`)},
	{"find", regexp.MustCompile(`\b(find|search|look for|locate)\b`)},
	{"list", regexp.MustCompile(`\b(list|show)\b`)},
}

var (
	emailRe      = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	nameAfterRe  = regexp.MustCompile(`\b(?:to|with|from|and)\s+([A-Z][a-z]+(?:\s+[A-Z][a-z]+)?)`)
	possessiveRe = regexp.MustCompile(`\b([A-Z][a-z]+)'s\b`)
	teamRe       = regexp.MustCompile(`(?i)\bthe\s+([a-z0-9]+)\s+team\b`)
	channelRefRe = regexp.MustCompile(`#([a-z0-9_\-]+)`)
	channelRe    = regexp.MustCompile(`(?i)\bthe\s+([a-z0-9]+)\s+channel\b`)

	quotedRe  = regexp.MustCompile(`"([^"]+)"`)
	phraseRe  = regexp.MustCompile(`\b(?:about|for)\s+(?:the\s+)?([a-z][a-z0-9 ]{2,40})`)
	findObjRe = regexp.MustCompile(`\b(?:find|search for|look for|locate|list|show)\s+(?:the\s+|my\s+|all\s+)?([a-z][a-z0-9 ]{2,40})`)

	labelRe  = regexp.MustCompile(`\b(?:label|labeled|tag|tagged)\s+([a-z0-9_\-]+)`)
	folderRe = regexp.MustCompile(`\b(?:in\s+(?:the\s+)?([a-z0-9_\-]+)\s+folder|folder\s+([a-z0-9_\-]+))`)
)

var sources = []string{"teams", "slack", "outlook", "gmail", "notion"}

var sourceRes = func() map[string]*regexp.Regexp {
	m := make(map[string]*regexp.Regexp, len(sources))
	for _, s := range sources {
		m[s] = regexp.MustCompile(`\b` + s + `\b`)
	}
	return m
}()

var timeWindows = []struct {
	phrase string
	window string
}{
	{"yesterday", "yesterday"},
	{"today", "today"},
	{"this week", "this_week"},
	{"last week", "last_week"},
	{"this month", "this_month"},
	{"last month", "last_month"},
}

// verbsNeedingTarget must address someone or something.
var verbsNeedingTarget = map[string]bool{
	"email":    true,
	"message":  true,
	"forward":  true,
	"schedule": true,
}

// Parse reads one request into an Intent. The only error is validation:
// no verb matched, or a verb that needs a target has none.
func Parse(input string) (*Intent, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return nil, core.NewError(core.CodeValidation, "empty request")
	}
	lower := strings.ToLower(raw)

	intent := &Intent{Raw: raw}
	for _, vp := range verbPatterns {
		if vp.re.MatchString(lower) {
			intent.Verb = vp.verb
			break
		}
	}
	if intent.Verb == "" {
		return nil, core.NewErrorf(core.CodeValidation, "could not determine intent of %q", raw).
			WithRemediation("start with a verb like reply, email, find, or schedule")
	}

	intent.Targets = parseTargets(raw, lower)
	intent.Artifacts = parseArtifacts(raw, lower)
	intent.Constraints = parseConstraints(lower)

	if verbsNeedingTarget[intent.Verb] && len(intent.Targets) == 0 {
		return nil, core.NewErrorf(core.CodeValidation, "%s needs at least one recipient or target", intent.Verb).
			WithRemediation("name a person, an email address, or a #channel")
	}
	return intent, nil
}

func parseTargets(raw, lower string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(t string) {
		t = strings.TrimSpace(t)
		key := strings.ToLower(t)
		if t == "" || seen[key] {
			return
		}
		seen[key] = true
		out = append(out, t)
	}

	for _, m := range emailRe.FindAllString(raw, -1) {
		add(m)
	}
	for _, m := range nameAfterRe.FindAllStringSubmatch(raw, -1) {
		add(m[1])
	}
	for _, m := range possessiveRe.FindAllStringSubmatch(raw, -1) {
		add(m[1])
	}
	for _, m := range teamRe.FindAllStringSubmatch(raw, -1) {
		add(strings.ToLower(m[1]) + " team")
	}
	for _, m := range channelRefRe.FindAllStringSubmatch(lower, -1) {
		add("#" + m[1])
	}
	for _, m := range channelRe.FindAllStringSubmatch(raw, -1) {
		add("#" + strings.ToLower(m[1]))
	}
	return out
}

func parseArtifacts(raw, lower string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(a string) {
		a = strings.TrimSpace(a)
		// Team/channel tails are targets, not artifacts.
		if strings.HasSuffix(a, " team") || strings.HasSuffix(a, " channel") {
			return
		}
		if len(a) < 3 || seen[a] {
			return
		}
		seen[a] = true
		out = append(out, a)
	}

	for _, m := range quotedRe.FindAllStringSubmatch(raw, -1) {
		add(m[1])
	}
	for _, m := range phraseRe.FindAllStringSubmatch(lower, -1) {
		add(trimConstraintTail(m[1]))
	}
	for _, m := range findObjRe.FindAllStringSubmatch(lower, -1) {
		add(trimConstraintTail(m[1]))
	}
	return out
}

// trimConstraintTail cuts a phrase at the first constraint keyword, so
// "the budget report from last week" yields "budget report".
func trimConstraintTail(phrase string) string {
	words := strings.Fields(phrase)
	for i, w := range words {
		if w == "from" || w == "in" || w == "on" || w == "about" || isTimeWord(w) || isSource(w) {
			words = words[:i]
			break
		}
	}
	return strings.Join(words, " ")
}

func isSource(w string) bool {
	for _, s := range sources {
		if w == s {
			return true
		}
	}
	return false
}

func isTimeWord(w string) bool {
	return w == "today" || w == "yesterday" || w == "this" || w == "last"
}

func parseConstraints(lower string) Constraints {
	var c Constraints
	for _, s := range sources {
		if sourceRes[s].MatchString(lower) {
			c.Source = s
			break
		}
	}
	for _, tw := range timeWindows {
		if strings.Contains(lower, tw.phrase) {
			c.TimeWindow = tw.window
			break
		}
	}
	if m := labelRe.FindStringSubmatch(lower); m != nil {
		c.Label = m[1]
	}
	if m := folderRe.FindStringSubmatch(lower); m != nil {
		if m[1] != "" {
			c.Folder = m[1]
		} else {
			c.Folder = m[2]
		}
	}
	return c
}
