// Package bundle turns a script specifier into a single self-contained
// artifact the JS engine can evaluate. Module exports end up on the global
// GlobalName, so `export default { fetch }` workers and plain
// addEventListener scripts load the same way.
package bundle

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	esbuild "github.com/evanw/esbuild/pkg/api"
)

// GlobalName receives the entry module's exports.
const GlobalName = "__worker_module__"

// target is the language level handed to the VM. QuickJS covers ES2020.
const target = esbuild.ES2020

var loaders = map[string]esbuild.Loader{
	".js":  esbuild.LoaderJS,
	".mjs": esbuild.LoaderJS,
	".cjs": esbuild.LoaderJS,
	".jsx": esbuild.LoaderJSX,
	".ts":  esbuild.LoaderTS,
	".mts": esbuild.LoaderTS,
	".cts": esbuild.LoaderTS,
	".tsx": esbuild.LoaderTSX,
}

// IsScript reports whether specifier names a JavaScript or TypeScript file.
func IsScript(specifier string) bool {
	path, err := Path(specifier)
	if err != nil {
		return false
	}
	_, ok := loaders[strings.ToLower(filepath.Ext(path))]
	return ok
}

// Path resolves a specifier to a file path. Plain paths and file:// URLs
// are accepted.
func Path(specifier string) (string, error) {
	if !strings.HasPrefix(specifier, "file:") {
		return specifier, nil
	}
	u, err := url.Parse(specifier)
	if err != nil {
		return "", fmt.Errorf("parsing %s: %w", specifier, err)
	}
	if u.Host != "" && u.Host != "localhost" {
		return "", fmt.Errorf("file URL %s has a remote host", specifier)
	}
	return filepath.FromSlash(u.Path), nil
}

// Load produces the artifact for specifier. With bundle set, the entry
// module and everything it imports are combined; otherwise only the entry
// file is transformed and imports are left unresolved.
func Load(specifier string, bundle bool) (string, error) {
	path, err := Path(specifier)
	if err != nil {
		return "", err
	}
	if bundle {
		return Bundle(path)
	}
	source, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", specifier, err)
	}
	return Transform(string(source), path)
}

// Bundle combines the entry module at path and its imports into one IIFE.
func Bundle(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", path, err)
	}
	result := esbuild.Build(esbuild.BuildOptions{
		EntryPoints:   []string{abs},
		AbsWorkingDir: filepath.Dir(abs),
		Bundle:        true,
		Format:        esbuild.FormatIIFE,
		GlobalName:    GlobalName,
		Write:         false,
		Platform:      esbuild.PlatformBrowser,
		Target:        target,
		Loader:        loaders,
		LogLevel:      esbuild.LogLevelSilent,
	})
	if len(result.Errors) > 0 {
		return "", fmt.Errorf("bundling %s: %s", filepath.Base(abs), messages(result.Errors))
	}
	if len(result.OutputFiles) == 0 {
		return "", fmt.Errorf("bundling %s produced no output", filepath.Base(abs))
	}
	return string(result.OutputFiles[0].Contents), nil
}

// Transform compiles a single file's source without resolving imports.
// filename picks the loader by extension.
func Transform(source, filename string) (string, error) {
	loader, ok := loaders[strings.ToLower(filepath.Ext(filename))]
	if !ok {
		loader = esbuild.LoaderJS
	}
	result := esbuild.Transform(source, esbuild.TransformOptions{
		Loader:     loader,
		Format:     esbuild.FormatIIFE,
		GlobalName: GlobalName,
		Target:     target,
		Sourcefile: filename,
		LogLevel:   esbuild.LogLevelSilent,
	})
	if len(result.Errors) > 0 {
		return "", fmt.Errorf("compiling %s: %s", filepath.Base(filename), messages(result.Errors))
	}
	return string(result.Code), nil
}

func messages(errs []esbuild.Message) string {
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		if e.Location != nil {
			msgs = append(msgs, fmt.Sprintf("%s:%d: %s", e.Location.File, e.Location.Line, e.Text))
			continue
		}
		msgs = append(msgs, e.Text)
	}
	return strings.Join(msgs, "; ")
}
