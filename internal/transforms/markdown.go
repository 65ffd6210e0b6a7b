package transforms

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	pageNumberLine = []*regexp.Regexp{
		regexp.MustCompile(`^\s*[Pp]age\s+\d+\s*$`),
		regexp.MustCompile(`^\s*-\s*\d+\s*-\s*$`),
		regexp.MustCompile(`^\s*\d{1,4}\s*$`),
	}
	headingMissingSpace = regexp.MustCompile(`^(#{1,6})([^ #])`)
	headingLine         = regexp.MustCompile(`^(#{1,6})\s`)
	tableSeparatorCell  = regexp.MustCompile(`^:?-+:?$`)
	tableSeparatorRow   = regexp.MustCompile(`(?m)^\|[ \t:|-]+\|$`)
	blockSplit          = regexp.MustCompile(`\n{2,}`)
	extraBlankLines     = regexp.MustCompile(`\n{3,}`)
	artifactPatterns    = []*regexp.Regexp{
		regexp.MustCompile(`---\s*Page\s+\d+\s*---`),
		regexp.MustCompile(`(?m)^_{10,}$`),
		regexp.MustCompile(`(?m)^-{10,}$`),
		regexp.MustCompile(`(?m)^={10,}$`),
		regexp.MustCompile(`\[?\[image\]\]?`),
		regexp.MustCompile(`<\|endoftext\|>`),
	}
)

// StripPageNumbers removes lines that hold only a page number: "Page 3",
// "- 3 -" or a bare number of up to four digits.
func StripPageNumbers(markdown string) string {
	lines := strings.Split(markdown, "\n")
	out := lines[:0]
	for _, line := range lines {
		if matchesAny(pageNumberLine, line) {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

func matchesAny(patterns []*regexp.Regexp, s string) bool {
	for _, p := range patterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// NormalizeHeadings puts a space after the hashes, keeps heading levels from
// jumping more than one level deeper and surrounds headings with blank lines.
func NormalizeHeadings(markdown string) string {
	lines := strings.Split(markdown, "\n")
	var out []string
	prev := 0
	for i, line := range lines {
		stripped := strings.TrimSpace(line)
		if m := headingMissingSpace.FindStringSubmatch(stripped); m != nil {
			stripped = m[1] + " " + stripped[len(m[1]):]
		}

		m := headingLine.FindStringSubmatch(stripped)
		if m == nil {
			out = append(out, line)
			continue
		}

		level := len(m[1])
		if prev > 0 && level > prev+1 {
			stripped = strings.Repeat("#", prev+1) + stripped[level:]
			level = prev + 1
		}
		prev = level

		if len(out) > 0 && strings.TrimSpace(out[len(out)-1]) != "" {
			out = append(out, "")
		}
		out = append(out, stripped)
		if i+1 < len(lines) && strings.TrimSpace(lines[i+1]) != "" {
			out = append(out, "")
		}
	}
	return strings.Join(out, "\n")
}

// FixTableAlignment pads the cells of every markdown table to equal column widths.
func FixTableAlignment(markdown string) string {
	var out, table []string
	flush := func() {
		if len(table) > 0 {
			out = append(out, alignTable(table)...)
			table = table[:0]
		}
	}
	for _, line := range strings.Split(markdown, "\n") {
		stripped := strings.TrimSpace(line)
		if strings.Contains(stripped, "|") && (strings.HasPrefix(stripped, "|") || strings.Contains(stripped, "---")) {
			table = append(table, stripped)
			continue
		}
		flush()
		out = append(out, line)
	}
	flush()
	return strings.Join(out, "\n")
}

func alignTable(lines []string) []string {
	if len(lines) < 2 {
		return append([]string(nil), lines...)
	}

	rows := make([][]string, len(lines))
	separator := -1
	cols := 0
	for i, line := range lines {
		cells := strings.Split(strings.Trim(line, "|"), "|")
		sep := true
		for j := range cells {
			cells[j] = strings.TrimSpace(cells[j])
			if cells[j] != "" && !tableSeparatorCell.MatchString(cells[j]) {
				sep = false
			}
		}
		if sep {
			separator = i
		}
		rows[i] = cells
		cols = max(cols, len(cells))
	}

	widths := make([]int, cols)
	for _, row := range rows {
		for j, cell := range row {
			widths[j] = max(widths[j], len(cell))
		}
	}
	for j := range widths {
		widths[j] = max(widths[j], 3)
	}

	out := make([]string, len(rows))
	for i, row := range rows {
		padded := make([]string, cols)
		for j := range padded {
			cell := ""
			if j < len(row) {
				cell = row[j]
			}
			if i == separator {
				padded[j] = strings.Repeat("-", widths[j])
			} else {
				padded[j] = cell + strings.Repeat(" ", widths[j]-len(cell))
			}
		}
		out[i] = "| " + strings.Join(padded, " | ") + " |"
	}
	return out
}

// DeduplicateContent drops paragraphs that repeat an earlier paragraph exactly.
func DeduplicateContent(markdown string) string {
	seen := make(map[string]bool)
	var unique []string
	for _, block := range blockSplit.Split(markdown, -1) {
		key := strings.TrimSpace(block)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		unique = append(unique, block)
	}
	return joinBlocks(unique)
}

// StripArtifacts removes page break markers, scanned rules, image placeholders
// and model end tokens, then collapses runs of blank lines.
func StripArtifacts(markdown string) string {
	out := markdown
	for _, p := range artifactPatterns {
		out = p.ReplaceAllString(out, "")
	}
	return strings.TrimSpace(extraBlankLines.ReplaceAllString(out, "\n\n"))
}

// AddFrontmatter prepends the params as a YAML front matter block. Markdown
// that already starts with front matter, or an empty params map, is returned
// unchanged.
func AddFrontmatter(markdown string, params map[string]any) (string, error) {
	if strings.HasPrefix(markdown, "---\n") || len(params) == 0 {
		return markdown, nil
	}
	raw, err := yaml.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("encode front matter: %w", err)
	}
	return "---\n" + string(raw) + "---\n\n" + markdown, nil
}

// DetectContinuation guesses whether a page's markdown runs onto the next page:
// it ends inside a table row or without closing punctuation.
func DetectContinuation(markdown string) bool {
	trimmed := strings.TrimRight(markdown, " \t\r\n")
	if trimmed == "" {
		return false
	}
	if strings.HasSuffix(trimmed, "|") {
		return true
	}
	return !strings.ContainsAny(trimmed[len(trimmed)-1:], ".!?\"')")
}

// CountTables counts markdown tables by their header separator rows.
func CountTables(markdown string) int {
	return len(tableSeparatorRow.FindAllString(markdown, -1))
}

func joinBlocks(blocks []string) string {
	return strings.Join(blocks, "\n\n")
}
