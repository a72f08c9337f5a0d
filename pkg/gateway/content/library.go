package content

import (
	_ "embed"
	"fmt"
	"hash/fnv"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed stories.yaml
var embeddedStories []byte

// Library is a fixed set of stories used when the generator is down. Picks
// are deterministic: the same (subject, level) always yields the same story,
// so a retried start_session lands on identical content.
type Library struct {
	byLevel map[Level][]*Story
}

// LoadLibrary reads a YAML story file. Stories without an id or with no
// sentences are rejected.
func LoadLibrary(data []byte) (*Library, error) {
	var doc struct {
		Stories []*Story `yaml:"stories"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse story library: %w", err)
	}
	if len(doc.Stories) == 0 {
		return nil, fmt.Errorf("story library is empty")
	}

	lib := &Library{byLevel: make(map[Level][]*Story)}
	for i, story := range doc.Stories {
		if strings.TrimSpace(story.ID) == "" {
			return nil, fmt.Errorf("story %d has no id", i)
		}
		if err := story.Validate(); err != nil {
			return nil, fmt.Errorf("story %q: %w", story.ID, err)
		}
		level := story.Level
		if level == "" {
			level = LevelBeginner
			story.Level = level
		}
		lib.byLevel[level] = append(lib.byLevel[level], story)
	}
	for _, stories := range lib.byLevel {
		sort.Slice(stories, func(a, b int) bool { return stories[a].ID < stories[b].ID })
	}
	return lib, nil
}

// LoadLibraryFile loads a YAML story file from disk.
func LoadLibraryFile(path string) (*Library, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read story library %q: %w", path, err)
	}
	return LoadLibrary(data)
}

// DefaultLibrary returns the embedded story set.
func DefaultLibrary() *Library {
	lib, err := LoadLibrary(embeddedStories)
	if err != nil {
		// The embedded file is validated by tests; a parse failure here is a
		// build defect, not a runtime condition.
		panic(fmt.Sprintf("embedded story library: %v", err))
	}
	return lib
}

// Pick returns the library story for (subject, level). Falls back to the
// beginner tier when the requested level has no stories, and nil only when
// the library itself is empty.
func (l *Library) Pick(subject string, level Level) *Story {
	if l == nil || len(l.byLevel) == 0 {
		return nil
	}
	stories := l.byLevel[level]
	if len(stories) == 0 {
		stories = l.byLevel[LevelBeginner]
	}
	if len(stories) == 0 {
		for _, lvl := range []Level{LevelIntermediate, LevelAdvanced} {
			if len(l.byLevel[lvl]) > 0 {
				stories = l.byLevel[lvl]
				break
			}
		}
	}
	if len(stories) == 0 {
		return nil
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(subject))))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(level))
	return stories[int(h.Sum32())%len(stories)]
}

// Levels returns the levels the library has stories for, sorted.
func (l *Library) Levels() []Level {
	if l == nil {
		return nil
	}
	levels := make([]Level, 0, len(l.byLevel))
	for lvl := range l.byLevel {
		levels = append(levels, lvl)
	}
	sort.Slice(levels, func(a, b int) bool { return levels[a] < levels[b] })
	return levels
}
