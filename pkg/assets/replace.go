package assets

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// VersionToken is the placeholder replaced with the build's version string.
const VersionToken = "${version}"

// Replacement substitutes every occurrence of From with To.
type Replacement struct {
	From string
	To   string
	// Regexp interprets From as a regular expression. To may then reference groups ($1).
	Regexp bool
}

type ReplaceOptions struct {
	// Src lists files or doublestar patterns.
	Src []string
	// Dest is a file if Src is a single file and Dest doesn't end with a separator, a directory
	// otherwise. An empty Dest rewrites the sources in place.
	Dest         string
	Replacements []Replacement
	// AllowEmpty permits replacements with an empty To value.
	AllowEmpty bool
	DryRun     bool
}

type ReplaceResult struct {
	Files []string
	Count int
}

type compiledReplacement struct {
	Replacement
	re *regexp.Regexp
}

func compileReplacements(opts ReplaceOptions) ([]compiledReplacement, error) {
	if len(opts.Replacements) == 0 {
		return nil, eris.New("no replacements configured")
	}

	result := make([]compiledReplacement, len(opts.Replacements))
	for idx, item := range opts.Replacements {
		if item.From == "" {
			return nil, eris.Errorf("replacement #%d has an empty search value", idx)
		}

		if item.To == "" && !opts.AllowEmpty {
			return nil, eris.Wrapf(ErrEmptyReplacement, "replacement for %s", item.From)
		}

		result[idx].Replacement = item
		if item.Regexp {
			re, err := regexp.Compile(item.From)
			if err != nil {
				return nil, eris.Wrapf(err, "invalid expression %s", item.From)
			}
			result[idx].re = re
		}
	}

	return result, nil
}

// Apply runs all replacements over content and returns the new content together with the
// number of substitutions.
func (r compiledReplacement) Apply(content string) (string, int) {
	if r.re != nil {
		count := len(r.re.FindAllStringIndex(content, -1))
		if count == 0 {
			return content, 0
		}
		return r.re.ReplaceAllString(content, r.To), count
	}

	count := strings.Count(content, r.From)
	if count == 0 {
		return content, 0
	}
	return strings.ReplaceAll(content, r.From, r.To), count
}

func isDirTarget(dest string) bool {
	if strings.HasSuffix(dest, "/") || strings.HasSuffix(dest, string(os.PathSeparator)) {
		return true
	}

	info, err := os.Stat(dest)
	return err == nil && info.IsDir()
}

// Replace reads each source file, applies the replacements and writes the result to the
// destination. All options are validated before anything is written.
func Replace(ctx context.Context, opts ReplaceOptions) (*ReplaceResult, error) {
	logger := zerolog.Ctx(ctx)

	replacements, err := compileReplacements(opts)
	if err != nil {
		return nil, err
	}

	sources, err := ResolvePatterns("", opts.Src)
	if err != nil {
		return nil, err
	}

	if len(sources) == 0 {
		return nil, eris.Wrapf(ErrNoSources, "nothing matched %s", strings.Join(opts.Src, ", "))
	}

	singleFile := len(opts.Src) == 1 && !IsPattern(opts.Src[0]) && opts.Dest != "" && !isDirTarget(opts.Dest)
	result := &ReplaceResult{
		Files: make([]string, 0, len(sources)),
	}

	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		info, err := os.Stat(src)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to read %s", src)
		}

		raw, err := os.ReadFile(src)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to read %s", src)
		}

		content := string(raw)
		fileCount := 0
		for _, item := range replacements {
			var count int
			content, count = item.Apply(content)
			fileCount += count
		}

		var dest string
		switch {
		case opts.Dest == "":
			dest = src
		case singleFile:
			dest = opts.Dest
		default:
			dest = filepath.Join(opts.Dest, filepath.Base(src))
		}

		logger.Debug().Str("path", dest).Int("count", fileCount).Msgf("replace %s", src)
		if !opts.DryRun {
			err = os.MkdirAll(filepath.Dir(dest), 0o755)
			if err != nil {
				return nil, eris.Wrapf(err, "failed to create %s", filepath.Dir(dest))
			}

			err = os.WriteFile(dest, []byte(content), info.Mode().Perm())
			if err != nil {
				return nil, eris.Wrapf(err, "failed to write %s", dest)
			}

			// WriteFile only applies the mode to new files
			err = os.Chmod(dest, info.Mode().Perm())
			if err != nil {
				return nil, eris.Wrapf(err, "failed to set permissions on %s", dest)
			}
		}

		result.Files = append(result.Files, dest)
		result.Count += fileCount
	}

	logger.Info().Int("count", result.Count).Msgf("replaced tokens in %d files", len(result.Files))
	return result, nil
}
