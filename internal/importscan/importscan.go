// Package importscan extracts module references from source file
// content. It is pure and regex-grade by design (spec.md §4.3): import
// detection is not an AST pass, just enough to find likely dependency
// edges. Language dispatch-by-extension follows the teacher's
// internal/git/language.go idiom.
package importscan

import (
	"path/filepath"
	"regexp"
	"strings"
)

// Language is the dispatch key for extraction rules.
type Language string

const (
	LanguageJSFamily Language = "js-family"
	LanguagePython   Language = "python"
	LanguageUnknown  Language = "unknown"
)

var extensionLanguage = map[string]Language{
	".ts":  LanguageJSFamily,
	".tsx": LanguageJSFamily,
	".js":  LanguageJSFamily,
	".jsx": LanguageJSFamily,
	".py":  LanguagePython,
}

// DetectLanguage maps a file extension to the Language used for
// extraction rule dispatch.
func DetectLanguage(path string) Language {
	ext := strings.ToLower(filepath.Ext(path))
	if lang, ok := extensionLanguage[ext]; ok {
		return lang
	}
	return LanguageUnknown
}

// SupportedExtensions lists the extensions the graph builder should
// retain from a remote tree listing.
func SupportedExtensions() map[string]bool {
	return map[string]bool{
		".ts": true, ".tsx": true, ".js": true, ".jsx": true, ".py": true,
	}
}

var (
	jsImportFrom   = regexp.MustCompile(`(?m)^\s*import\s+(?:[\w*{},\s]+\s+from\s+)?['"]([^'"]+)['"]`)
	jsExportFrom   = regexp.MustCompile(`(?m)^\s*export\s+(?:[\w*{},\s]+\s+from\s+)?['"]([^'"]+)['"]`)
	jsDynamicImport = regexp.MustCompile(`\bimport\s*\(\s*['"]([^'"]+)['"]\s*\)`)
	jsRequireCall  = regexp.MustCompile(`\brequire\s*\(\s*['"]([^'"]+)['"]\s*\)`)

	pyImport     = regexp.MustCompile(`(?m)^\s*import\s+([\w.]+)`)
	pyFromImport = regexp.MustCompile(`(?m)^\s*from\s+([\w.]+)\s+import\b`)
)

// Extract returns every module reference found in content, exactly as
// written in source (relative or bare specifier — the caller / path
// resolver decides what to do with each). Deterministic: identical
// input always yields identical output, in the order found.
func Extract(content []byte, path string, language Language) []string {
	if language == "" {
		language = DetectLanguage(path)
	}

	src := string(content)
	var refs []string

	switch language {
	case LanguageJSFamily:
		refs = append(refs, matchAllGroup1(jsImportFrom, src)...)
		refs = append(refs, matchAllGroup1(jsExportFrom, src)...)
		refs = append(refs, matchAllGroup1(jsDynamicImport, src)...)
		refs = append(refs, matchAllGroup1(jsRequireCall, src)...)
	case LanguagePython:
		refs = append(refs, matchAllGroup1(pyFromImport, src)...)
		refs = append(refs, matchAllGroup1(pyImport, src)...)
	default:
		return nil
	}

	return dedupPreserveOrder(refs)
}

func matchAllGroup1(re *regexp.Regexp, src string) []string {
	matches := re.FindAllStringSubmatch(src, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		if len(m) >= 2 {
			out = append(out, m[1])
		}
	}
	return out
}

func dedupPreserveOrder(refs []string) []string {
	seen := make(map[string]bool, len(refs))
	out := make([]string, 0, len(refs))
	for _, r := range refs {
		if seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}

// IsRelative reports whether ref is a relative module reference ("./"
// or "../") as opposed to a bare specifier / package name.
func IsRelative(ref string) bool {
	return strings.HasPrefix(ref, "./") || strings.HasPrefix(ref, "../")
}
