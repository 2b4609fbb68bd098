package tools

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

const (
	maxGrepMatches = 200
	maxGlobResults = 500
	maxGrepFileSz  = 4 << 20 // skip files larger than 4 MiB
)

func (e *Executor) readFile(path string) (string, bool) {
	if path == "" {
		return "Missing file_path.", true
	}
	b, err := os.ReadFile(e.resolve(path))
	if err != nil {
		return err.Error(), true
	}
	return string(b), false
}

func (e *Executor) writeFile(path, content string) (string, bool) {
	if path == "" {
		return "Missing file_path.", true
	}
	real := e.resolve(path)
	if err := os.MkdirAll(filepath.Dir(real), 0o755); err != nil {
		return err.Error(), true
	}
	if err := os.WriteFile(real, []byte(content), 0o644); err != nil {
		return err.Error(), true
	}
	return fmt.Sprintf("Wrote %d bytes to %s.", len(content), path), false
}

func (e *Executor) editFile(path, oldString, newString string, replaceAll bool) (string, bool) {
	if path == "" {
		return "Missing file_path.", true
	}
	if oldString == "" {
		return "Missing old_string.", true
	}
	real := e.resolve(path)
	b, err := os.ReadFile(real)
	if err != nil {
		return err.Error(), true
	}
	text := string(b)

	count := strings.Count(text, oldString)
	switch {
	case count == 0:
		return "old_string not found in file.", true
	case count > 1 && !replaceAll:
		return fmt.Sprintf("old_string occurs %d times; pass replace_all or make it unique.", count), true
	}

	if replaceAll {
		text = strings.ReplaceAll(text, oldString, newString)
	} else {
		text = strings.Replace(text, oldString, newString, 1)
	}
	if err := os.WriteFile(real, []byte(text), 0o644); err != nil {
		return err.Error(), true
	}
	if replaceAll {
		return fmt.Sprintf("Replaced %d occurrences in %s.", count, path), false
	}
	return fmt.Sprintf("Edited %s.", path), false
}

func (e *Executor) listDir(path string) (string, bool) {
	ents, err := os.ReadDir(e.resolve(path))
	if err != nil {
		return err.Error(), true
	}
	sort.Slice(ents, func(i, j int) bool { return ents[i].Name() < ents[j].Name() })

	var sb strings.Builder
	for _, ent := range ents {
		name := ent.Name()
		if ent.IsDir() {
			name += "/"
		}
		sb.WriteString(name)
		sb.WriteString("\n")
	}
	if sb.Len() == 0 {
		return "(empty directory)", false
	}
	return strings.TrimRight(sb.String(), "\n"), false
}

func (e *Executor) glob(pattern, dir string) (string, bool) {
	if pattern == "" {
		return "Missing pattern.", true
	}
	root := e.resolve(dir)
	matches, err := filepath.Glob(filepath.Join(root, pattern))
	if err != nil {
		return err.Error(), true
	}
	if len(matches) > maxGlobResults {
		matches = matches[:maxGlobResults]
	}
	if len(matches) == 0 {
		return "No files matched.", false
	}
	for i, m := range matches {
		if rel, err := filepath.Rel(root, m); err == nil {
			matches[i] = rel
		}
	}
	sort.Strings(matches)
	return strings.Join(matches, "\n"), false
}

func (e *Executor) grep(pattern, dir string) (string, bool) {
	if pattern == "" {
		return "Missing pattern.", true
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Sprintf("Invalid pattern: %v", err), true
	}
	root := e.resolve(dir)

	var sb strings.Builder
	matches := 0
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || matches >= maxGrepMatches {
			return nil
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > maxGrepFileSz {
			return nil
		}
		b, err := os.ReadFile(path)
		if err != nil || !utf8Like(b) {
			return nil
		}
		rel := path
		if r, err := filepath.Rel(root, path); err == nil {
			rel = r
		}
		for i, line := range strings.Split(string(b), "\n") {
			if matches >= maxGrepMatches {
				break
			}
			if re.MatchString(line) {
				fmt.Fprintf(&sb, "%s:%d: %s\n", rel, i+1, strings.TrimRight(line, "\r"))
				matches++
			}
		}
		return nil
	})
	if walkErr != nil {
		return walkErr.Error(), true
	}
	if matches == 0 {
		return "No matches.", false
	}
	return strings.TrimRight(sb.String(), "\n"), false
}

// utf8Like filters out binaries with a NUL-byte sniff of the head.
func utf8Like(b []byte) bool {
	n := len(b)
	if n > 1024 {
		n = 1024
	}
	for _, c := range b[:n] {
		if c == 0 {
			return false
		}
	}
	return true
}
