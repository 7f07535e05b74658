package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/ashureev/planwise/internal/domain"
)

const (
	confidenceExplicit = 0.9
	confidenceGuessed  = 0.55
	confidenceUnknown  = 0.3
)

var (
	clauseSplitRe = regexp.MustCompile(`(?i)\s*(?:,?\s+and\s+then\s+|,?\s+then\s+|,?\s+and\s+also\s+|,?\s+and\s+|;\s*|\.\s+)`)
	namedRe       = regexp.MustCompile(`(?i)\b(?:called|named|titled)\s+(.+)$`)
	projectAdjRe  = regexp.MustCompile(`(?i)\b(?:create|start|set\s+up|make|open|new)\s+(?:a\s+|an\s+|the\s+|my\s+)?(?:new\s+)?(.*?)\s*\bproject\b`)
	taskRe        = regexp.MustCompile(`(?i)\btask\s+(?:called\s+|named\s+|titled\s+)?(.+?)(?:\s+(?:to|in|for|on|under)\s+(?:the\s+)?(?:project\s+)?(.+))?$`)
	updateRe      = regexp.MustCompile(`(?i)\b(?:update|note)\b(?:\s+(?:to|on|for)\s+(?:the\s+)?(?:project\s+)?(.+?))?(?:\s*(?::|\bsaying\b|\bthat\b)\s*(.+))?$`)
	markTaskRe    = regexp.MustCompile(`(?i)\btask\s+([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})\s+(?:as\s+|to\s+)?(todo|in[- ]progress|completed|done|blocked)\b`)
	uuidRe        = regexp.MustCompile(`(?i)^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
)

var leadingVerbs = map[string]bool{
	"create": true, "add": true, "start": true, "set": true, "make": true,
	"open": true, "post": true, "write": true, "mark": true, "new": true,
}

// fillers are courtesy words that never name anything.
var fillers = map[string]bool{
	"please": true, "pls": true, "plz": true, "now": true,
	"thanks": true, "asap": true, "today": true,
}

var confirmations = map[string]bool{
	"yes": true, "yeah": true, "yep": true, "sure": true, "ok": true, "okay": true,
	"go ahead": true, "proceed": true, "do it": true, "sounds good": true,
	"perfect": true, "great": true, "confirm": true, "confirmed": true,
	"approved": true, "yes please": true, "looks good": true,
}

// KeywordPlanner is a deterministic rule-based Generator. It recognises
// project, task and update requests phrased in plain English.
type KeywordPlanner struct{}

// NewKeywordPlanner returns a KeywordPlanner.
func NewKeywordPlanner() *KeywordPlanner {
	return &KeywordPlanner{}
}

// IsConfirmation reports whether msg is a bare confirmation.
func IsConfirmation(msg string) bool {
	s := strings.ToLower(strings.TrimSpace(msg))
	s = strings.TrimRightFunc(s, func(r rune) bool { return unicode.IsPunct(r) || unicode.IsSpace(r) })
	if confirmations[s] {
		return true
	}
	// "yes, go ahead"
	if head, rest, ok := strings.Cut(s, ","); ok {
		return confirmations[strings.TrimSpace(head)] && (rest == "" || confirmations[strings.TrimSpace(rest)])
	}
	return false
}

// Generate implements Generator.
func (k *KeywordPlanner) Generate(ctx context.Context, req Request) (*Proposal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	text := req.Message
	if IsConfirmation(text) {
		text = lastRequest(req.History)
		if text == "" {
			return clarify("What would you like me to do?", "", nil), nil
		}
	}

	b := &draftBuilder{entities: req.Entities, force: req.Force, extracted: map[string]any{}}
	for _, clause := range splitClauses(text) {
		b.clause(clause)
	}

	if b.question != "" && !req.Force {
		return clarify(b.question, b.intent, b.extracted), nil
	}
	if len(b.steps) == 0 && req.Force {
		b.fallback()
	}
	if len(b.steps) == 0 {
		return clarify("I can create projects, add tasks, update tasks and post project updates. What would you like to do?",
			"", b.extracted), nil
	}

	confidence := confidenceExplicit
	if b.guessed {
		confidence = confidenceGuessed
	}
	descs := make([]string, len(b.steps))
	for i, s := range b.steps {
		descs[i] = s.Description
	}
	return &Proposal{
		Plan: &Draft{
			Title:       capitalize(descs[0]),
			Description: strings.Join(descs, ", then "),
			Steps:       b.steps,
		},
		Confidence:    confidence,
		Entities:      b.extracted,
		PartialIntent: string(b.steps[0].ActionType),
		Topic:         b.topic,
	}, nil
}

func clarify(question, intent string, entities map[string]any) *Proposal {
	return &Proposal{
		Clarification: &Clarification{Question: question},
		Confidence:    confidenceUnknown,
		Entities:      entities,
		PartialIntent: intent,
	}
}

// lastRequest returns the newest user message that is not a confirmation.
func lastRequest(history []domain.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m.Role == domain.RoleUser && !IsConfirmation(m.Content) {
			return m.Content
		}
	}
	return ""
}

// splitClauses breaks text into imperative clauses. Fragments that do not
// start with a verb are glued back onto the previous clause so names like
// "Research and Development" survive.
func splitClauses(text string) []string {
	parts := clauseSplitRe.Split(strings.TrimSpace(text), -1)
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(strings.TrimRight(p, ".!?"))
		if p == "" {
			continue
		}
		first := strings.ToLower(strings.Fields(p)[0])
		if len(out) > 0 && !leadingVerbs[first] {
			out[len(out)-1] += " and " + p
			continue
		}
		out = append(out, p)
	}
	return out
}

type draftBuilder struct {
	entities  map[string]any
	force     bool
	extracted map[string]any

	steps       []StepDraft
	lastProject string
	guessed     bool
	question    string
	intent      string
	topic       string
}

func (b *draftBuilder) ask(intent, question string) {
	if b.question == "" {
		b.question = question
		b.intent = intent
	}
}

func (b *draftBuilder) add(action domain.ActionType, desc string, params any) {
	raw, err := json.Marshal(params)
	if err != nil {
		// params are plain maps of strings
		panic(err)
	}
	b.steps = append(b.steps, StepDraft{ActionType: action, Description: desc, Params: raw})
}

func (b *draftBuilder) clause(c string) {
	// Whichever noun comes first decides, so "a project called Task Board"
	// is a project and "a task in the Apollo project" is a task.
	lower := strings.ToLower(c)
	taskAt, projectAt := wordIndex(lower, "task"), wordIndex(lower, "project")
	switch {
	case markTaskRe.MatchString(c):
		b.markTask(c)
	case taskAt >= 0 && (projectAt < 0 || taskAt < projectAt):
		b.task(c)
	case updateRe.MatchString(c) && !projectAdjRe.MatchString(c):
		b.update(c)
	case projectAt >= 0:
		b.project(c)
	}
}

func (b *draftBuilder) project(c string) {
	b.topic = "projects"
	name := ""
	if m := namedRe.FindStringSubmatch(c); m != nil {
		name = cleanName(m[1])
	} else if m := projectAdjRe.FindStringSubmatch(c); m != nil && strings.TrimSpace(m[1]) != "" {
		name = titleCase(cleanName(m[1])) + " Project"
	} else if !projectAdjRe.MatchString(c) {
		return
	}

	if name == "" {
		if !b.force {
			b.ask(string(domain.ActionCreateProject), "What should the new project be called?")
			return
		}
		name = "New Project"
		b.guessed = true
	}

	b.lastProject = name
	b.extracted["projectName"] = name
	b.add(domain.ActionCreateProject, fmt.Sprintf("create the project %q", name), map[string]any{"name": name})
}

func (b *draftBuilder) task(c string) {
	b.topic = "tasks"
	title, explicit := "", ""
	if m := taskRe.FindStringSubmatch(c); m != nil {
		title = stripFiller(cleanName(m[1]))
		explicit = stripFiller(cleanName(strings.TrimSuffix(strings.TrimSpace(m[2]), " project")))
	}
	if title == "" {
		if !b.force {
			b.ask(string(domain.ActionCreateTask), "What should the task be called?")
			return
		}
		title = "New Task"
		b.guessed = true
	}
	b.extracted["taskTitle"] = title

	params := map[string]any{"title": title}
	ref, ok := b.projectRef(explicit)
	if !ok {
		if !b.force {
			b.ask(string(domain.ActionCreateTask), fmt.Sprintf("Which project should the task %q go in?", title))
			return
		}
		ref = b.guessProject()
	}
	for k, v := range ref {
		params[k] = v
	}
	b.add(domain.ActionCreateTask, fmt.Sprintf("add the task %q", title), params)
}

func (b *draftBuilder) markTask(c string) {
	b.topic = "tasks"
	m := markTaskRe.FindStringSubmatch(c)
	status := strings.ToLower(strings.ReplaceAll(m[2], " ", "-"))
	if status == "done" {
		status = "completed"
	}
	b.add(domain.ActionUpdateTask, fmt.Sprintf("mark task %s as %s", m[1], status),
		map[string]any{"taskId": strings.ToLower(m[1]), "status": status})
}

func (b *draftBuilder) update(c string) {
	b.topic = "updates"
	m := updateRe.FindStringSubmatch(c)
	ref, ok := b.projectRef(stripFiller(cleanName(strings.TrimSuffix(strings.TrimSpace(m[1]), " project"))))
	if !ok {
		if !b.force {
			b.ask(string(domain.ActionCreateUpdate), "Which project is the update for?")
			return
		}
		ref = b.guessProject()
	}
	content := cleanName(m[2])
	if content == "" {
		if !b.force {
			b.ask(string(domain.ActionCreateUpdate), "What should the update say?")
			return
		}
		content = "Progress update"
		b.guessed = true
	}

	params := map[string]any{"content": content}
	for k, v := range ref {
		params[k] = v
	}
	b.add(domain.ActionCreateUpdate, "post a project update", params)
}

// guessProject adds a placeholder project to the plan and returns a
// reference to it.
func (b *draftBuilder) guessProject() map[string]any {
	b.guessed = true
	b.lastProject = "New Project"
	b.extracted["projectName"] = b.lastProject
	b.add(domain.ActionCreateProject, fmt.Sprintf("create the project %q", b.lastProject),
		map[string]any{"name": b.lastProject})
	return map[string]any{"projectName": b.lastProject}
}

// fallback builds a best-effort step when nothing in the message could be
// planned: a task in the remembered project, or else a new project.
func (b *draftBuilder) fallback() {
	b.guessed = true
	if _, ok := b.projectRef(""); ok {
		b.task("task")
		return
	}
	b.project("new project")
}

// projectRef resolves an explicit reference, then a project created earlier
// in this plan, then the conversation's remembered project.
func (b *draftBuilder) projectRef(explicit string) (map[string]any, bool) {
	switch {
	case uuidRe.MatchString(explicit):
		return map[string]any{"projectId": strings.ToLower(explicit)}, true
	case explicit != "":
		b.extracted["projectName"] = explicit
		return map[string]any{"projectName": explicit}, true
	case b.lastProject != "":
		return map[string]any{"projectName": b.lastProject}, true
	}
	if id, ok := b.entities["projectId"].(string); ok && id != "" {
		return map[string]any{"projectId": id}, true
	}
	if name, ok := b.entities["projectName"].(string); ok && name != "" {
		return map[string]any{"projectName": name}, true
	}
	return nil, false
}

func cleanName(s string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(s), `"'“”.,!?`))
}

// stripFiller drops courtesy words from both ends of a name.
func stripFiller(s string) string {
	words := strings.Fields(s)
	for len(words) > 0 && fillers[strings.ToLower(strings.Trim(words[len(words)-1], ".,!?"))] {
		words = words[:len(words)-1]
	}
	for len(words) > 0 && fillers[strings.ToLower(strings.Trim(words[0], ".,!?"))] {
		words = words[1:]
	}
	return strings.Join(words, " ")
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = capitalize(w)
	}
	return strings.Join(words, " ")
}

func capitalize(s string) string {
	for i, r := range s {
		return string(unicode.ToUpper(r)) + s[i+len(string(r)):]
	}
	return s
}

// wordIndex returns the byte offset of word in s as a whole word, or -1.
func wordIndex(s, word string) int {
	re := wordRes[word]
	loc := re.FindStringIndex(s)
	if loc == nil {
		return -1
	}
	return loc[0]
}

var wordRes = map[string]*regexp.Regexp{
	"task":    regexp.MustCompile(`\btasks?\b`),
	"project": regexp.MustCompile(`\bprojects?\b`),
}
