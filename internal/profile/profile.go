// Package profile loads agent profiles: Markdown files whose body is the
// agent's instructions, optionally preceded by YAML front matter with model
// settings.
package profile

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

var errInvalidProfileYAML = errors.New("invalid profile YAML frontmatter")

// Profile is a parsed agent profile.
type Profile struct {
	Path         string
	Description  string
	Instructions string
	Temperature  *float64
	MaxTokens    int
	MaxTurns     int
}

type frontmatter struct {
	Description string   `yaml:"description"`
	Temperature *float64 `yaml:"temperature"`
	MaxTokens   int      `yaml:"max_tokens"`
	MaxTurns    int      `yaml:"max_turns"`
}

// Load reads the profile at path. An empty path yields nil, nil.
func Load(path string) (*Profile, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("agent profile %q does not exist", path)
		}
		return nil, fmt.Errorf("read agent profile %q: %w", path, err)
	}

	p, err := Parse(content)
	if err != nil {
		return nil, fmt.Errorf("parse agent profile %q: %w", path, err)
	}
	p.Path = path
	log.Printf("[profile] loaded %s (%d bytes of instructions)", path, len(p.Instructions))
	return p, nil
}

// Parse parses profile content. Content without a leading "---" line is all
// instructions.
func Parse(content []byte) (*Profile, error) {
	meta, body, err := parseFrontmatter(content)
	if err != nil {
		return nil, err
	}
	if meta.Temperature != nil && (*meta.Temperature < 0 || *meta.Temperature > 2) {
		return nil, fmt.Errorf("temperature %.2f out of range [0, 2]", *meta.Temperature)
	}
	if meta.MaxTokens < 0 {
		return nil, fmt.Errorf("max_tokens must not be negative, got %d", meta.MaxTokens)
	}
	if meta.MaxTurns < 0 {
		return nil, fmt.Errorf("max_turns must not be negative, got %d", meta.MaxTurns)
	}
	return &Profile{
		Description:  strings.TrimSpace(meta.Description),
		Instructions: strings.TrimSpace(body),
		Temperature:  meta.Temperature,
		MaxTokens:    meta.MaxTokens,
		MaxTurns:     meta.MaxTurns,
	}, nil
}

func parseFrontmatter(content []byte) (frontmatter, string, error) {
	text := strings.ReplaceAll(strings.TrimPrefix(string(content), "\uFEFF"), "\r\n", "\n")
	lines := strings.Split(text, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return frontmatter{}, text, nil
	}

	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			end = i
			break
		}
	}
	if end == -1 {
		return frontmatter{}, "", errors.New("missing closing frontmatter separator")
	}

	var meta frontmatter
	if err := yaml.Unmarshal([]byte(strings.Join(lines[1:end], "\n")), &meta); err != nil {
		return frontmatter{}, "", fmt.Errorf("%w: %v", errInvalidProfileYAML, err)
	}
	return meta, strings.Join(lines[end+1:], "\n"), nil
}
