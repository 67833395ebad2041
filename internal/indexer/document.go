package indexer

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/retracehq/retrace/internal/models"
)

// DefaultMinConfidence drops recognizer noise before layout reconstruction.
const DefaultMinConfidence = 0.7

const paragraphSeparator = "--------------------"

// BuildDocument reconstructs readable text from positioned tokens for
// embedding, prefixed with a capture header. Returns "" when no token
// survives the confidence filter.
func BuildDocument(application string, capturedAt time.Time, tokens []models.OCRToken, minConf float64) string {
	body := BuildBody(tokens, minConf)
	if body == "" {
		return ""
	}
	return documentHeader(application, capturedAt) + body
}

func documentHeader(application string, capturedAt time.Time) string {
	return fmt.Sprintf("Screenshot of %s taken %s\n",
		application, capturedAt.UTC().Format("2006-01-02 15:04:05 UTC"))
}

// BuildBody lays the tokens back out as text. Tokens group into paragraphs
// where the vertical gap exceeds twice the average token height, into lines
// where it exceeds half of it, and horizontal gaps become runs of spaces
// sized by the average character width. The body carries no capture time, so
// byte-equal bodies mean an unchanged screen.
func BuildBody(tokens []models.OCRToken, minConf float64) string {
	var kept []models.OCRToken
	for _, t := range tokens {
		if t.Text == nil || *t.Text == "" || t.Conf < minConf {
			continue
		}
		kept = append(kept, t)
	}
	if len(kept) == 0 {
		return ""
	}

	var totalH float64
	for _, t := range kept {
		totalH += t.H
	}
	avgH := totalH / float64(len(kept))

	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].Y != kept[j].Y {
			return kept[i].Y < kept[j].Y
		}
		return kept[i].X < kept[j].X
	})

	var b strings.Builder
	start := 0
	for i := 1; i <= len(kept); i++ {
		if i < len(kept) && kept[i].Y-kept[i-1].Y <= 2*avgH {
			continue
		}
		b.WriteString(renderParagraph(kept[start:i], avgH/2))
		b.WriteString("\n" + paragraphSeparator + "\n")
		start = i
	}
	return b.String()
}

// renderParagraph lays one paragraph's tokens back out as text lines.
func renderParagraph(tokens []models.OCRToken, lineThreshold float64) string {
	var totalCharWidth float64
	for _, t := range tokens {
		totalCharWidth += t.W / float64(len([]rune(*t.Text)))
	}
	avgCharWidth := totalCharWidth / float64(len(tokens))

	var lines [][]models.OCRToken
	start := 0
	for i := 1; i <= len(tokens); i++ {
		if i < len(tokens) && tokens[i].Y-tokens[i-1].Y <= lineThreshold {
			continue
		}
		line := append([]models.OCRToken(nil), tokens[start:i]...)
		sort.SliceStable(line, func(a, b int) bool { return line[a].X < line[b].X })
		lines = append(lines, line)
		start = i
	}

	minX := tokens[0].X
	for _, t := range tokens {
		if t.X < minX {
			minX = t.X
		}
	}

	var rendered []string
	for _, line := range lines {
		var lineText strings.Builder
		prevX := minX
		for _, t := range line {
			lineText.WriteString(gapString(t.X-prevX, avgCharWidth))
			prevX = t.X
			lineText.WriteString(*t.Text)
		}
		rendered = append(rendered, lineText.String())
	}
	return strings.Join(rendered, "\n")
}

// gapString maps a horizontal gap to whitespace. Gaps beyond four character
// widths count in tab-sized steps, smaller gaps in character widths.
func gapString(gap, charWidth float64) string {
	if charWidth <= 0 {
		return ""
	}
	tabWidth := charWidth * 4
	if gap > tabWidth {
		n := int(math.Round(gap / tabWidth))
		if n < 1 {
			n = 1
		}
		return strings.Repeat(" ", n)
	}
	if gap > charWidth {
		n := int(math.Round(gap / charWidth))
		if n < 1 {
			n = 1
		}
		return strings.Repeat(" ", n)
	}
	return ""
}
