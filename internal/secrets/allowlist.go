package secrets

import (
	"errors"
	"fmt"
	"io/fs"
	"regexp"

	"github.com/BurntSushi/toml"
	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// Allowlist file errors.
var (
	ErrInvalidTOML  = errors.New("allowlist is not valid TOML")
	ErrInvalidRegex = errors.New("allowlist pattern does not compile")
)

// Allowlist holds patterns exempt from redaction.
type Allowlist struct {
	// Regexes are matched against each detected secret.
	Regexes []string
	// StopWords exempt any secret containing one of them.
	StopWords []string
}

// LoadAllowlist reads an allowlist file. An empty path or a missing file
// yields an empty allowlist; an unparseable file or pattern is an error.
func LoadAllowlist(path string) (*Allowlist, error) {
	if path == "" {
		return &Allowlist{}, nil
	}

	var file struct {
		Allowlist struct {
			Regexes   []string `toml:"regexes"`
			StopWords []string `toml:"stopwords"`
		} `toml:"allowlist"`
	}
	if _, err := toml.DecodeFile(path, &file); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Allowlist{}, nil
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}

	for _, pattern := range file.Allowlist.Regexes {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("%w: %q in %s: %v", ErrInvalidRegex, pattern, path, err)
		}
	}

	return &Allowlist{
		Regexes:   file.Allowlist.Regexes,
		StopWords: file.Allowlist.StopWords,
	}, nil
}

// empty reports whether the allowlist exempts nothing.
func (a *Allowlist) empty() bool {
	return a == nil || (len(a.Regexes) == 0 && len(a.StopWords) == 0)
}

// apply appends the allowlist to a gitleaks config. Patterns were compiled
// once already by LoadAllowlist or New.
func (a *Allowlist) apply(cfg *gitleaksConfig.Config) error {
	if a.empty() {
		return nil
	}
	global := &gitleaksConfig.Allowlist{
		Description: "sessionrag allowlist",
		StopWords:   append([]string(nil), a.StopWords...),
	}
	for _, pattern := range a.Regexes {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidRegex, pattern, err)
		}
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	cfg.Allowlists = append(cfg.Allowlists, global)
	return nil
}
