package sandbox

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Language is a supported execution language.
type Language string

const (
	LangPython     Language = "python"
	LangJavaScript Language = "javascript"
	LangTypeScript Language = "typescript"
	LangBash       Language = "bash"
	LangGo         Language = "go"
)

// ErrUnsupportedLanguage rejects execution requests for languages outside the
// supported set.
var ErrUnsupportedLanguage = errors.New("unsupported language")

// ParseLanguage validates a user-supplied language name.
func ParseLanguage(s string) (Language, error) {
	l := Language(strings.ToLower(strings.TrimSpace(s)))
	switch l {
	case LangPython, LangJavaScript, LangTypeScript, LangBash, LangGo:
		return l, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedLanguage, s)
}

// Runtime maps a language onto the vendor runtime that executes it.
// TypeScript runs under the JavaScript runtime.
func (l Language) Runtime() Language {
	if l == LangTypeScript {
		return LangJavaScript
	}
	return l
}

// defaultTimeout is the per-language execution budget used when the caller
// does not supply one. Python and bash get a long budget because package
// installation (pip, apt) dominates their runtimes.
func (l Language) defaultTimeout() time.Duration {
	switch l {
	case LangPython, LangBash:
		return 15 * time.Minute
	default:
		return time.Minute
	}
}
