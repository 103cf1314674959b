package ui

import (
	"errors"
	"esi/internal/models"
	"esi/internal/styles"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/mattn/go-runewidth"
)

const (
	maxSuggestions     = 10
	maxAttachmentBytes = 10 << 20
)

var (
	mentionRE = regexp.MustCompile(`@("([^"]+)"|([^\s]+))`)
	spaceRE   = regexp.MustCompile(`[ \t]+`)

	skipDirs = map[string]bool{"node_modules": true, "vendor": true, "__pycache__": true}
)

// GetFileSuggestions returns paths under the working directory matching the
// text typed after @.
func GetFileSuggestions(prefix string) []string {
	cwd, err := os.Getwd()
	if err != nil {
		return nil
	}
	return fileSuggestions(cwd, prefix)
}

func fileSuggestions(root, prefix string) []string {
	if strings.Contains(prefix, "/") {
		return directorySuggestions(root, prefix)
	}
	return recursiveSuggestions(root, prefix)
}

// directorySuggestions lists one directory for prefixes like "docs/in".
func directorySuggestions(root, prefix string) []string {
	idx := strings.LastIndex(prefix, "/")
	dir, namePrefix := prefix[:idx+1], strings.ToLower(prefix[idx+1:])

	entries, err := os.ReadDir(filepath.Join(root, dir))
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") && !strings.HasPrefix(namePrefix, ".") {
			continue
		}
		if strings.HasPrefix(strings.ToLower(name), namePrefix) {
			out = append(out, dir+name)
		}
	}
	return sortSuggestions(root, out)
}

func recursiveSuggestions(root, prefix string) []string {
	lower := strings.ToLower(prefix)
	var out []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if path != root && (strings.HasPrefix(name, ".") || skipDirs[name]) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") && !strings.HasPrefix(prefix, ".") {
			return nil
		}
		if strings.Contains(strings.ToLower(name), lower) {
			rel, _ := filepath.Rel(root, path)
			out = append(out, filepath.ToSlash(rel))
		}
		if len(out) >= 2*maxSuggestions {
			return filepath.SkipAll
		}
		return nil
	})
	return sortSuggestions(root, out)
}

// sortSuggestions puts directories first, then shallower paths, then
// alphabetical order.
func sortSuggestions(root string, paths []string) []string {
	isDir := make(map[string]bool, len(paths))
	for _, p := range paths {
		info, err := os.Stat(filepath.Join(root, p))
		isDir[p] = err == nil && info.IsDir()
	}
	sort.Slice(paths, func(i, j int) bool {
		a, b := paths[i], paths[j]
		if isDir[a] != isDir[b] {
			return isDir[a]
		}
		if da, db := strings.Count(a, "/"), strings.Count(b, "/"); da != db {
			return da < db
		}
		return strings.ToLower(a) < strings.ToLower(b)
	})
	if len(paths) > maxSuggestions {
		paths = paths[:maxSuggestions]
	}
	return paths
}

// ExtractFileMentions removes @path mentions of existing files from input
// and returns the remaining text with the mentioned paths. Line breaks and
// indentation are preserved.
func ExtractFileMentions(input string) (string, []string) {
	var files []string
	seen := make(map[string]bool)
	for _, match := range mentionRE.FindAllStringSubmatch(input, -1) {
		name := match[3]
		if match[2] != "" {
			name = match[2]
		}
		if name == "" || seen[name] {
			continue
		}
		if info, err := os.Stat(name); err == nil && !info.IsDir() {
			files = append(files, name)
			seen[name] = true
		}
	}

	// Only lines that lost a mention are respaced; the rest keep their layout.
	lines := strings.Split(input, "\n")
	for i, line := range lines {
		removed := false
		line = mentionRE.ReplaceAllStringFunc(line, func(m string) string {
			name := strings.Trim(strings.TrimPrefix(m, "@"), `"`)
			if seen[name] {
				removed = true
				return ""
			}
			return m
		})
		if removed {
			line = strings.TrimSpace(spaceRE.ReplaceAllString(line, " "))
		}
		lines[i] = line
	}
	return strings.TrimSpace(strings.Join(lines, "\n")), files
}

var errTooManyFiles = errors.New("only one file can be attached per message")

// LoadAttachment reads the single mentioned file, if any.
func LoadAttachment(files []string) (*models.Attachment, error) {
	switch len(files) {
	case 0:
		return nil, nil
	case 1:
	default:
		return nil, errTooManyFiles
	}
	info, err := os.Stat(files[0])
	if err != nil {
		return nil, err
	}
	if info.Size() > maxAttachmentBytes {
		return nil, fmt.Errorf("%s is larger than %d MiB", files[0], maxAttachmentBytes>>20)
	}
	data, err := os.ReadFile(files[0])
	if err != nil {
		return nil, err
	}
	return &models.Attachment{Name: filepath.Base(files[0]), Data: data}, nil
}

// GetAtPosition finds the @ mention being typed at cursorPos.
func GetAtPosition(input string, cursorPos int) (prefix string, startPos int, found bool) {
	cursorPos = min(cursorPos, len(input))
	for i := cursorPos - 1; i >= 0; i-- {
		switch input[i] {
		case '@':
			return input[i+1 : cursorPos], i, true
		case ' ', '\n', '\t':
			return "", 0, false
		}
	}
	return "", 0, false
}

func TextareaCursorIndex(t textarea.Model) int {
	li := t.LineInfo()
	return cursorIndexFromRowCol(t.Value(), t.Line(), li.StartColumn+li.ColumnOffset)
}

// TextareaCursorFromIndex converts a byte offset into a row and rune column.
func TextareaCursorFromIndex(value string, index int) (row int, col int) {
	index = min(max(index, 0), len(value))
	lines := strings.Split(value, "\n")
	pos := 0
	for i, line := range lines {
		if index <= pos+len(line) {
			return i, utf8.RuneCountInString(line[:index-pos])
		}
		pos += len(line) + 1
	}
	row = len(lines) - 1
	return row, utf8.RuneCountInString(lines[row])
}

func SetTextareaCursor(t *textarea.Model, row int, col int) {
	lineCount := t.LineCount()
	if lineCount == 0 {
		t.SetCursor(0)
		return
	}
	row = min(max(row, 0), lineCount-1)
	for i := 0; i < lineCount && t.Line() > row; i++ {
		t.CursorUp()
	}
	for i := 0; i < lineCount && t.Line() < row; i++ {
		t.CursorDown()
	}
	t.SetCursor(col)
}

func cursorIndexFromRowCol(value string, row int, col int) int {
	lines := strings.Split(value, "\n")
	row = min(max(row, 0), len(lines)-1)
	index := 0
	for _, line := range lines[:row] {
		index += len(line) + 1
	}
	line := lines[row]
	n := 0
	for i := range line {
		if n >= col {
			return index + i
		}
		n++
	}
	return index + len(line)
}

func WrappedLineCount(value string, width int) int {
	if width <= 0 {
		return 1
	}
	count := 0
	for _, line := range strings.Split(value, "\n") {
		w := runewidth.StringWidth(line)
		if w == 0 {
			count++
			continue
		}
		count += (w-1)/width + 1
	}
	return count
}

func TruncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if runewidth.StringWidth(s) <= max {
		return s
	}
	return runewidth.Truncate(s, max, "…")
}

func RelativeTime(t time.Time) string {
	return relativeTime(t, time.Now())
}

func relativeTime(t, now time.Time) string {
	d := now.Sub(t)
	if d < 0 {
		d = -d
	}
	plural := func(n int, unit string) string {
		if n == 1 {
			return "1 " + unit + " ago"
		}
		return fmt.Sprintf("%d %ss ago", n, unit)
	}
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return plural(int(d.Minutes()), "min")
	case d < 24*time.Hour:
		return plural(int(d.Hours()), "hr")
	case d < 14*24*time.Hour:
		return plural(int(d.Hours()/24), "day")
	}
	return plural(int(d.Hours()/(24*7)), "week")
}

func FormatUserMessage(content string, width int, selected bool) string {
	label := styles.UserLabelStyle.Render("YOU")
	if selected {
		label = styles.SelectedMarker.Render("▸ ") + label
	}
	msg := styles.UserMsgStyle.Width(max(width-4, 10)).Render(content)
	return label + "\n" + msg
}

func FormatAIMessage(content string, selected bool) string {
	label := styles.AiLabelStyle.Render("ESI")
	if selected {
		label = styles.SelectedMarker.Render("▸ ") + label
	}
	return label + "\n" + styles.AiMsgStyle.Render(content)
}
