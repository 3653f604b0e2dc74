package patterns

import (
	"fmt"
	"strings"
	"unicode"
)

// Modal verbs whose presence changing between versions signals a
// language-strength edit.
var strengthWords = []string{"shall", "must", "will", "may", "should", "might"}

// Words reviewers reach for when softening or sharpening tone.
var toneWords = []string{
	"respectfully", "kindly", "please", "regret", "appreciate",
	"aggressive", "demand", "insist", "require", "unacceptable",
}

// classifyModification buckets a reviewer edit by what kind of change it was.
// The heuristics are intentionally coarse: detection only needs enough signal
// to group similar edits, the human confirms or contradicts from there.
func classifyModification(original, modified *string) string {
	if original == nil || modified == nil {
		return KindOther
	}

	before := strings.ToLower(*original)
	after := strings.ToLower(*modified)

	if numbersIn(before) != numbersIn(after) {
		return KindNumericThreshold
	}
	if wordProfile(before, strengthWords) != wordProfile(after, strengthWords) {
		return KindLanguageStrength
	}
	if wordProfile(before, toneWords) != wordProfile(after, toneWords) {
		return KindTone
	}
	if lineShape(before) != lineShape(after) {
		return KindStructure
	}

	return KindOther
}

// numbersIn extracts the digit runs of a text in order, so "30 days" edited
// to "45 days" registers as a numeric change even when nothing else moved.
func numbersIn(text string) string {
	var b strings.Builder
	inRun := false
	for _, r := range text {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
			inRun = true
		} else if inRun {
			b.WriteByte(',')
			inRun = false
		}
	}
	return b.String()
}

// wordProfile returns which of the probe words appear and how often.
func wordProfile(text string, words []string) string {
	var b strings.Builder
	for _, w := range words {
		fmt.Fprintf(&b, "%s:%d;", w, strings.Count(text, w))
	}
	return b.String()
}

// lineShape fingerprints the paragraph and bullet structure of a text.
func lineShape(text string) string {
	lines := strings.Split(text, "\n")
	bullets := 0
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "-") || strings.HasPrefix(trimmed, "*") {
			bullets++
		}
	}
	return fmt.Sprintf("%d/%d", len(lines), bullets)
}

func bucketDescription(kind, targetType string, occurrences int) string {
	return fmt.Sprintf("Reviewers made %d %s edits to %s outputs in the last window",
		occurrences, strings.ReplaceAll(kind, "_", " "), targetType)
}

func bucketInstruction(kind string) string {
	switch kind {
	case KindTone:
		return "Match the tone reviewers consistently edit toward for this document type; avoid phrasing they have repeatedly softened or sharpened."
	case KindNumericThreshold:
		return "Double-check numeric terms against the deal record before drafting; reviewers have repeatedly corrected figures in this document type."
	case KindLanguageStrength:
		return "Calibrate obligation language (shall/must/may) to the level reviewers consistently edit toward for this document type."
	case KindStructure:
		return "Follow the document structure reviewers consistently reformat toward for this document type."
	default:
		return "Review recent human edits to this document type before drafting; a recurring correction pattern was detected."
	}
}
