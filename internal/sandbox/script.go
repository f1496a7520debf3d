package sandbox

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"text/template"

	"github.com/jkaninda/kinga/internal/security"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.New("").Funcs(template.FuncMap{
	"quote":   strconv.Quote,
	"shquote": shellQuote,
}).ParseFS(templateFS, "templates/*.tmpl"))

// PreludeData is what a script builder bakes into the generated runner.
type PreludeData struct {
	Dir                string              `json:"dir"`
	UserFile           string              `json:"user_file"`
	NetworkDisabled    bool                `json:"network_disabled"`
	AllowedHosts       []string            `json:"allowed_hosts"`
	AllowedPorts       []int               `json:"allowed_ports"`
	DisabledImports    []string            `json:"disabled_imports"`
	FileAccessPatterns []string            `json:"file_access_patterns"`
	Policies           security.PolicySet  `json:"policies"`
	Strict             bool                `json:"strict"`
	ResultMarker       string              `json:"result_marker"`
	ViolationMarker    string              `json:"violation_marker"`
}

// JSON renders the data for embedding into a generated script.
func (d PreludeData) JSON() (string, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ScriptBuilder turns user code into a runnable program for one language.
type ScriptBuilder interface {
	Language() string
	DefaultInterpreter() string
	// Build writes the runner and the user code into d.Dir and returns the
	// arguments that follow the interpreter on the command line.
	Build(code string, d PreludeData) ([]string, error)
	// EnforcesNetwork reports whether the prelude can gate network access.
	EnforcesNetwork() bool
}

var (
	buildersMu sync.RWMutex
	builders   = map[string]ScriptBuilder{}
	aliases    = map[string]string{"python": "python3", "py": "python3", "shell": "sh"}
)

func init() {
	RegisterBuilder(pythonBuilder{})
	RegisterBuilder(shBuilder{})
}

// RegisterBuilder adds or replaces the builder for b.Language().
func RegisterBuilder(b ScriptBuilder) {
	buildersMu.Lock()
	builders[strings.ToLower(b.Language())] = b
	buildersMu.Unlock()
}

// BuilderFor returns the builder for a language name or alias.
func BuilderFor(language string) (ScriptBuilder, error) {
	name := strings.ToLower(strings.TrimSpace(language))
	if a, ok := aliases[name]; ok {
		name = a
	}
	buildersMu.RLock()
	defer buildersMu.RUnlock()
	b, ok := builders[name]
	if !ok {
		return nil, fmt.Errorf("unsupported language %q (available: %s)", language, strings.Join(languagesLocked(), ", "))
	}
	return b, nil
}

// Languages lists the registered languages.
func Languages() []string {
	buildersMu.RLock()
	defer buildersMu.RUnlock()
	return languagesLocked()
}

func languagesLocked() []string {
	out := make([]string, 0, len(builders))
	for name := range builders {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// policySet snapshots the rules the child prelude evaluates before
// consuming a token, so parent and child reach the same decisions.
func policySet(v *security.Validator) security.PolicySet {
	if v == nil {
		v = security.NewValidator(security.Options{}, nil)
	}
	return v.PolicySet()
}

func render(name string, d PreludeData) ([]byte, error) {
	cfg, err := d.JSON()
	if err != nil {
		return nil, fmt.Errorf("encoding prelude data: %w", err)
	}
	var buf bytes.Buffer
	err = templates.ExecuteTemplate(&buf, name, struct {
		PreludeData
		Config string
	}{d, cfg})
	if err != nil {
		return nil, fmt.Errorf("rendering %s: %w", name, err)
	}
	return buf.Bytes(), nil
}

// shellQuote wraps s in single quotes for POSIX sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func writeFiles(dir string, files map[string][]byte) error {
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o600); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}
	return nil
}

type pythonBuilder struct{}

func (pythonBuilder) Language() string           { return "python3" }
func (pythonBuilder) DefaultInterpreter() string { return "python3" }
func (pythonBuilder) EnforcesNetwork() bool      { return true }

func (pythonBuilder) Build(code string, d PreludeData) ([]string, error) {
	d.UserFile = filepath.Join(d.Dir, "main.py")
	runner, err := render("python3.py.tmpl", d)
	if err != nil {
		return nil, err
	}
	if err := writeFiles(d.Dir, map[string][]byte{
		"main.py":         []byte(code),
		"kinga_runner.py": runner,
	}); err != nil {
		return nil, err
	}
	args := []string{"-B"}
	if d.Strict {
		args = append(args, "-I")
	}
	return append(args, filepath.Join(d.Dir, "kinga_runner.py")), nil
}

type shBuilder struct{}

func (shBuilder) Language() string           { return "sh" }
func (shBuilder) DefaultInterpreter() string { return "sh" }
func (shBuilder) EnforcesNetwork() bool      { return false }

func (shBuilder) Build(code string, d PreludeData) ([]string, error) {
	d.UserFile = filepath.Join(d.Dir, "main.sh")
	runner, err := render("sh.sh.tmpl", d)
	if err != nil {
		return nil, err
	}
	if err := writeFiles(d.Dir, map[string][]byte{
		"main.sh":         []byte(code),
		"kinga_runner.sh": runner,
	}); err != nil {
		return nil, err
	}
	return []string{filepath.Join(d.Dir, "kinga_runner.sh")}, nil
}
