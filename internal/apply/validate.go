package apply

import (
	"encoding/json"
	"fmt"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	herderrors "github.com/herdtools/herd/internal/errors"
)

// blockedContent rejects proposals whose payload matches a known
// dangerous pattern, regardless of target file.
var blockedContent = []struct {
	name    string
	pattern string
}{
	{"filesystem wipe", `rm -rf /`},
	{"dynamic eval of input", `eval(input`},
	{"dynamic exec of input", `exec(input`},
	{"shelling out with shell=True", `shell=True`},
	{"os.system call", `os.system(`},
}

// validate checks one proposal against the working tree. Edits need an
// existing target, creates need an absent one, and payloads for known
// source extensions must parse. pendingCreate holds paths earlier
// proposals in the same batch will bring into existence, so an edit
// following a create of the same file still validates.
func (a *Applier) validate(c *Change, pendingCreate map[string]bool) error {
	if c.Path == "" {
		return herderrors.ErrValidation(
			fmt.Sprintf("%s change has no target path", c.Type), "")
	}
	rel := filepath.Clean(filepath.FromSlash(c.Path))
	if !filepath.IsLocal(rel) {
		return herderrors.ErrValidation(
			fmt.Sprintf("path %q escapes the working tree", c.Path), "")
	}
	abs := filepath.Join(a.workDir, rel)

	_, err := os.Stat(abs)
	exists := err == nil || pendingCreate[c.Path]
	switch c.Type {
	case ChangeFileCreate:
		if exists {
			return herderrors.ErrValidation(
				fmt.Sprintf("cannot create %s, it already exists", c.Path),
				"Use a file edit instead")
		}
	default:
		if !exists {
			return herderrors.ErrValidation(
				fmt.Sprintf("cannot modify %s, it does not exist", c.Path),
				"Use a file create instead")
		}
	}

	payload := c.Content + c.New
	for _, b := range blockedContent {
		if strings.Contains(payload, b.pattern) {
			return herderrors.ErrValidation(
				fmt.Sprintf("change to %s contains a blocked pattern (%s)", c.Path, b.name), "")
		}
	}

	if c.Type == ChangeFileCreate || c.Type == ChangeFileEdit {
		if err := checkSyntax(rel, c.Content); err != nil {
			return err
		}
	}
	return nil
}

// checkSyntax parses full-file content for extensions with a cheap
// parser available. Unknown extensions pass.
func checkSyntax(path, content string) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if !json.Valid([]byte(content)) {
			return herderrors.ErrValidation(
				fmt.Sprintf("proposed content for %s is not valid JSON", path), "")
		}
	case ".yaml", ".yml":
		var v any
		if err := yaml.Unmarshal([]byte(content), &v); err != nil {
			return herderrors.ErrValidation(
				fmt.Sprintf("proposed content for %s is not valid YAML", path), err.Error())
		}
	case ".go":
		fset := token.NewFileSet()
		if _, err := parser.ParseFile(fset, path, content, 0); err != nil {
			return herderrors.ErrValidation(
				fmt.Sprintf("proposed content for %s does not parse", path), err.Error())
		}
	}
	return nil
}
