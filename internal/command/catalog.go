// Package command resolves the slash commands a session can run: the
// built-in init, compact and review commands plus project commands declared
// in configuration or as markdown files under .opencode/command.
package command

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/agnivade/levenshtein"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/cjenaro/opencode-acp/internal/config"
	"github.com/cjenaro/opencode-acp/internal/logging"
)

// Built-in command names.
const (
	Init    = "init"
	Compact = "compact"
	Review  = "review"
)

// Source records where a command was defined.
type Source string

const (
	SourceBuiltin Source = "builtin"
	SourceConfig  Source = "config"
	SourceFile    Source = "file"
)

// filePattern selects command files relative to the command directory.
const filePattern = "**/*.md"

// maxSuggestDistance bounds the edit distance of a "did you mean" hint.
const maxSuggestDistance = 2

// Command is a slash command available to sessions.
type Command struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Hint        string `json:"hint,omitempty"`
	Template    string `json:"template,omitempty"`
	Agent       string `json:"agent,omitempty"`
	Model       string `json:"model,omitempty"`
	Subtask     bool   `json:"subtask,omitempty"`
	Source      Source `json:"source"`
}

// Builtins returns the commands every session supports, in advertised order.
func Builtins() []*Command {
	return []*Command{
		{Name: Init, Description: "Create or update the AGENTS.md file for this project", Source: SourceBuiltin},
		{Name: Compact, Description: "Summarize the conversation to free up context", Source: SourceBuiltin},
		{Name: Review, Description: "Review code changes", Hint: "optional focus, branch or commit", Source: SourceBuiltin},
	}
}

// Catalog holds the commands available in one working directory.
type Catalog struct {
	fs     afero.Fs
	dir    string
	config map[string]config.CommandConfig

	mu       sync.RWMutex
	commands map[string]*Command
}

// NewCatalog loads the catalog for dir. File discovery problems are logged
// and leave the built-in and configured commands in place.
func NewCatalog(fs afero.Fs, dir string, configured map[string]config.CommandConfig) *Catalog {
	c := &Catalog{
		fs:       fs,
		dir:      dir,
		config:   configured,
		commands: make(map[string]*Command),
	}
	if err := c.Reload(); err != nil {
		logging.Warn().Err(err).Str("dir", dir).Msg("Failed to load project commands")
	}
	return c
}

// Dir returns the working directory the catalog was loaded for.
func (c *Catalog) Dir() string {
	return c.dir
}

// CommandDir returns the directory command files are read from.
func (c *Catalog) CommandDir() string {
	return filepath.Join(c.dir, ".opencode", "command")
}

// Reload rebuilds the catalog. Built-ins cannot be shadowed; a file command
// replaces a configured command of the same name.
func (c *Catalog) Reload() error {
	commands := make(map[string]*Command)

	for name, cfg := range c.config {
		commands[name] = &Command{
			Name:        name,
			Description: cfg.Description,
			Hint:        hintFor(cfg.Template),
			Template:    cfg.Template,
			Agent:       cfg.Agent,
			Model:       cfg.Model,
			Subtask:     cfg.Subtask,
			Source:      SourceConfig,
		}
	}

	files, err := c.loadFiles()
	for _, cmd := range files {
		commands[cmd.Name] = cmd
	}

	for _, cmd := range Builtins() {
		commands[cmd.Name] = cmd
	}

	c.mu.Lock()
	c.commands = commands
	c.mu.Unlock()

	return err
}

func (c *Catalog) loadFiles() ([]*Command, error) {
	root := c.CommandDir()
	if ok, _ := afero.DirExists(c.fs, root); !ok {
		return nil, nil
	}

	var commands []*Command
	err := afero.Walk(c.fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if ok, _ := doublestar.Match(filePattern, rel); !ok {
			return nil
		}

		content, readErr := afero.ReadFile(c.fs, path)
		if readErr != nil {
			logging.Debug().Err(readErr).Str("path", path).Msg("Skipping unreadable command file")
			return nil
		}
		cmd, parseErr := ParseMarkdown(content)
		if parseErr != nil {
			logging.Debug().Err(parseErr).Str("path", path).Msg("Skipping invalid command file")
			return nil
		}
		cmd.Name = strings.ReplaceAll(strings.TrimSuffix(rel, ".md"), "/", ":")
		cmd.Source = SourceFile
		commands = append(commands, cmd)
		return nil
	})
	if err != nil {
		return commands, fmt.Errorf("walk %s: %w", root, err)
	}
	return commands, nil
}

type frontmatter struct {
	Description string `yaml:"description"`
	Agent       string `yaml:"agent"`
	Model       string `yaml:"model"`
	Subtask     bool   `yaml:"subtask"`
}

// ParseMarkdown reads a command file: optional YAML frontmatter between
// "---" lines followed by the prompt template. Without frontmatter the
// whole file is the template.
func ParseMarkdown(content []byte) (*Command, error) {
	text := strings.ReplaceAll(string(content), "\r\n", "\n")

	if !strings.HasPrefix(text, "---\n") {
		return &Command{Template: strings.TrimSpace(text), Hint: hintFor(text)}, nil
	}

	rest := "\n" + text[len("---\n"):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return nil, fmt.Errorf("unterminated frontmatter")
	}

	var fm frontmatter
	if err := yaml.Unmarshal([]byte(rest[:end]), &fm); err != nil {
		return nil, fmt.Errorf("parse frontmatter: %w", err)
	}

	body := rest[end+len("\n---"):]
	template := strings.TrimSpace(body)
	return &Command{
		Description: fm.Description,
		Hint:        hintFor(template),
		Template:    template,
		Agent:       fm.Agent,
		Model:       fm.Model,
		Subtask:     fm.Subtask,
	}, nil
}

// hintFor returns an input hint when the template consumes arguments.
func hintFor(template string) string {
	if strings.Contains(template, "$ARGUMENTS") || strings.Contains(template, "$1") {
		return "arguments"
	}
	return ""
}

// Get returns the named command.
func (c *Catalog) Get(name string) (*Command, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cmd, ok := c.commands[name]
	return cmd, ok
}

// List returns built-ins first, in their fixed order, then the rest sorted
// by name.
func (c *Catalog) List() []*Command {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Command, 0, len(c.commands))
	for _, b := range Builtins() {
		if cmd, ok := c.commands[b.Name]; ok {
			out = append(out, cmd)
		}
	}
	var rest []*Command
	for _, cmd := range c.commands {
		if cmd.Source != SourceBuiltin {
			rest = append(rest, cmd)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i].Name < rest[j].Name })
	return append(out, rest...)
}

// Names returns the command names in List order.
func (c *Catalog) Names() []string {
	list := c.List()
	names := make([]string, len(list))
	for i, cmd := range list {
		names[i] = cmd.Name
	}
	return names
}

// Suggest returns the closest known command name when it is within a small
// edit distance of name.
func (c *Catalog) Suggest(name string) (string, bool) {
	best, bestDist := "", maxSuggestDistance+1
	for _, candidate := range c.Names() {
		d := levenshtein.ComputeDistance(name, candidate)
		if d < bestDist {
			best, bestDist = candidate, d
		}
	}
	return best, best != ""
}

// Parse splits "/name rest" into the command name and its free-text
// argument. It reports false when text is not a slash command.
func Parse(text string) (name, args string, ok bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", "", false
	}
	trimmed = trimmed[1:]
	if i := strings.IndexAny(trimmed, " \t\n"); i >= 0 {
		return trimmed[:i], strings.TrimSpace(trimmed[i+1:]), true
	}
	return trimmed, "", true
}
