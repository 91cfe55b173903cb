package flow

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"waflow/internal/models"
)

// DefaultTrigger is the fallback keyword that matches any inbound message.
const DefaultTrigger = "default"

// Normalize folds a trigger keyword or inbound string for matching: NFD
// decomposition with combining marks stripped, lowercased, trimmed.
// Idempotent.
func Normalize(s string) string {
	decomposed := norm.NFD.String(s)
	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return strings.TrimSpace(b.String())
}

// MatchInput is the inbound material trigger matching runs against.
type MatchInput struct {
	Text             string
	InteractiveTitle string
	InteractiveID    string
}

// keywordCandidates collects the whole normalized form plus each
// whitespace-separated part of every non-empty input field.
func keywordCandidates(in MatchInput) map[string]struct{} {
	candidates := make(map[string]struct{})
	for _, field := range []string{in.Text, in.InteractiveTitle, in.InteractiveID} {
		normalized := Normalize(field)
		if normalized == "" {
			continue
		}
		candidates[normalized] = struct{}{}
		for _, part := range strings.Fields(normalized) {
			candidates[part] = struct{}{}
		}
	}
	return candidates
}

// scoreTrigger scores one normalized trigger keyword against the input.
// Zero means no match; "default" contributes the minimum positive score so
// any real keyword match outranks it.
func scoreTrigger(trigger string, in MatchInput, candidates map[string]struct{}) int {
	if trigger == DefaultTrigger {
		return 1
	}

	normalizedText := Normalize(in.Text)
	normalizedTitle := Normalize(in.InteractiveTitle)
	normalizedID := Normalize(in.InteractiveID)

	_, isCandidate := candidates[trigger]
	matched := isCandidate ||
		(normalizedText != "" && strings.Contains(normalizedText, trigger)) ||
		(normalizedTitle != "" && strings.Contains(normalizedTitle, trigger)) ||
		(normalizedID != "" && normalizedID == trigger)
	if !matched {
		return 0
	}

	score := 6
	if normalizedText == trigger {
		score += 2
	}
	if normalizedTitle != "" && normalizedTitle == trigger {
		score++
	}
	if normalizedID != "" && normalizedID == trigger {
		score++
	}
	return score
}

// SelectFlow picks the best-matching flow for an inbound message among a
// tenant's candidate flows (callers pass Active WhatsApp flows). Ties go to
// the more recently updated flow. When nothing scores, the most recently
// updated default-triggered flow wins, then the first candidate in input
// order. Returns nil only for an empty candidate list.
func SelectFlow(flows []*models.Flow, in MatchInput) *models.Flow {
	if len(flows) == 0 {
		return nil
	}

	candidates := keywordCandidates(in)

	var best *models.Flow
	bestScore := 0
	var defaultFlow *models.Flow

	for _, f := range flows {
		trigger := Normalize(f.Trigger)
		if trigger == "" {
			continue
		}
		if trigger == DefaultTrigger {
			if defaultFlow == nil || f.UpdatedAt.After(defaultFlow.UpdatedAt) {
				defaultFlow = f
			}
		}
		score := scoreTrigger(trigger, in, candidates)
		if score == 0 {
			continue
		}
		if score > bestScore || (score == bestScore && best != nil && f.UpdatedAt.After(best.UpdatedAt)) {
			best = f
			bestScore = score
		}
	}

	if best != nil {
		return best
	}
	if defaultFlow != nil {
		return defaultFlow
	}
	return flows[0]
}

// SelectTriggerNode picks the trigger node a new session starts at. Only the
// message text participates; interactive fields route flow selection, not
// node selection. Returns nil when no keyword and no default trigger node
// matches, in which case the inbound is dropped.
func SelectTriggerNode(def models.FlowDefinition, text string) *models.Node {
	in := MatchInput{Text: text}
	candidates := keywordCandidates(in)

	var defaultNode *models.Node
	for i := range def.Nodes {
		node := &def.Nodes[i]
		if node.Type != models.NodeTrigger {
			continue
		}
		keyword, _ := node.Data["keyword"].(string)
		trigger := Normalize(keyword)
		if trigger == "" {
			continue
		}
		if trigger == DefaultTrigger {
			if defaultNode == nil {
				defaultNode = node
			}
			continue
		}
		if scoreTrigger(trigger, in, candidates) > 0 {
			return node
		}
	}
	return defaultNode
}
