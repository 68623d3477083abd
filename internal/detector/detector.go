// Package detector implements the pattern and entropy based detection engine
// that maps file content to scored candidate matches. Detection is pure: no
// I/O, no shared state, running time bounded by content length.
package detector

import (
	"sort"
	"strings"

	"github.com/ahrav/leakwatch/internal/domain/scanning"
)

// entropyScale is the ceiling used to normalize entropy scores into [0, 1].
// log2(64) = 6 bits/char is the theoretical maximum for base64 alphabets.
const entropyScale = 6.0

// excerptMaxLen caps the matched text carried on a candidate so full secrets
// are never propagated beyond what fingerprinting needs.
const excerptMaxLen = 100

// Config tunes the detection engine. Zero values fall back to defaults via
// DefaultConfig.
type Config struct {
	// EntropyThreshold is the minimum Shannon entropy, in bits per
	// character, for an unstructured token to qualify as a candidate.
	EntropyThreshold float64 `yaml:"entropy_threshold" mapstructure:"entropy_threshold"`

	// MinTokenLength is the minimum length of tokens the entropy pass
	// considers.
	MinTokenLength int `yaml:"min_token_length" mapstructure:"min_token_length"`

	// MaxLineLength skips lines longer than this, which are overwhelmingly
	// minified bundles or embedded blobs.
	MaxLineLength int `yaml:"max_line_length" mapstructure:"max_line_length"`

	// FixturePathPenalty is subtracted from confidence for matches under
	// test or fixture directories. Findings are penalized, not suppressed.
	FixturePathPenalty float64 `yaml:"fixture_path_penalty" mapstructure:"fixture_path_penalty"`
}

// DefaultConfig returns the tuning the pipeline ships with.
func DefaultConfig() Config {
	return Config{
		EntropyThreshold:   4.0,
		MinTokenLength:     20,
		MaxLineLength:      10000,
		FixturePathPenalty: 0.25,
	}
}

// Detector runs both detection passes over file content. It is safe for
// concurrent use; all state is immutable after construction.
type Detector struct {
	cfg Config
}

// New constructs a Detector, filling unset config fields with defaults.
func New(cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.EntropyThreshold <= 0 {
		cfg.EntropyThreshold = def.EntropyThreshold
	}
	if cfg.MinTokenLength <= 0 {
		cfg.MinTokenLength = def.MinTokenLength
	}
	if cfg.MaxLineLength <= 0 {
		cfg.MaxLineLength = def.MaxLineLength
	}
	if cfg.FixturePathPenalty <= 0 {
		cfg.FixturePathPenalty = def.FixturePathPenalty
	}
	return &Detector{cfg: cfg}
}

// span is a matched byte range on one line, used to give the pattern pass
// precedence over entropy tokens covering the same location.
type span struct{ start, end int }

func (s span) overlaps(other span) bool {
	return s.start < other.end && other.start < s.end
}

// Detect scans content and returns candidate matches ordered by line then
// column. Both passes run unconditionally; a file may yield matches from
// either or both. The caller is responsible for decoding: Detect only ever
// operates on text that was successfully decoded.
func (d *Detector) Detect(filePath, content string) []scanning.CandidateMatch {
	var matches []scanning.CandidateMatch

	fixture := isFixturePath(filePath)

	lineNum := 0
	for len(content) > 0 {
		lineNum++
		line := content
		if idx := strings.IndexByte(content, '\n'); idx >= 0 {
			line = content[:idx]
			content = content[idx+1:]
		} else {
			content = ""
		}
		line = strings.TrimSuffix(line, "\r")

		if len(line) > d.cfg.MaxLineLength {
			continue
		}

		var covered []span

		// Pattern pass: every registered descriptor against every line.
		for _, desc := range patternRegistry {
			for _, loc := range desc.pattern.FindAllStringIndex(line, -1) {
				matched := line[loc[0]:loc[1]]
				if len(matched) < desc.minLength {
					continue
				}
				if isPlaceholder(matched) {
					continue
				}

				covered = append(covered, span{start: loc[0], end: loc[1]})

				entropy := ShannonEntropy(matched)
				confidence := d.score(1.0, entropy, fixture)
				matches = append(matches, scanning.CandidateMatch{
					SecretType:        desc.secretType,
					MatchedExcerpt:    truncate(matched, excerptMaxLen),
					FilePath:          filePath,
					Line:              lineNum,
					Column:            loc[0] + 1,
					EntropyScore:      entropy,
					PatternConfidence: 1.0,
					Confidence:        confidence,
					Severity:          capSeverity(desc.severity, confidence),
				})
			}
		}

		// Entropy pass: unstructured high-randomness tokens not already
		// covered by a pattern match at the same location.
		for _, tok := range extractTokens(line, d.cfg.MinTokenLength) {
			tokSpan := span{start: tok.start, end: tok.start + len(tok.text)}
			if overlapsAny(tokSpan, covered) {
				continue
			}
			if isPlaceholder(tok.text) {
				continue
			}

			entropy := ShannonEntropy(tok.text)
			if entropy < d.cfg.EntropyThreshold {
				continue
			}

			confidence := d.score(0, entropy, fixture)
			matches = append(matches, scanning.CandidateMatch{
				SecretType:        scanning.SecretTypeHighEntropy,
				MatchedExcerpt:    truncate(tok.text, excerptMaxLen),
				FilePath:          filePath,
				Line:              lineNum,
				Column:            tok.start + 1,
				EntropyScore:      entropy,
				PatternConfidence: 0,
				Confidence:        confidence,
				Severity:          capSeverity(scanning.SeverityMedium, confidence),
			})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Line != matches[j].Line {
			return matches[i].Line < matches[j].Line
		}
		return matches[i].Column < matches[j].Column
	})

	return matches
}

// score combines pattern and entropy evidence into a confidence in [0, 1],
// applying the fixture-path penalty when set.
func (d *Detector) score(patternConfidence, entropy float64, fixture bool) float64 {
	normalized := entropy / entropyScale
	if normalized > 1 {
		normalized = 1
	}

	confidence := 0.7*patternConfidence + 0.3*normalized
	if fixture {
		confidence -= d.cfg.FixturePathPenalty
		if confidence < 0.05 {
			confidence = 0.05
		}
	}

	if confidence > 1 {
		confidence = 1
	}
	if confidence < 0 {
		confidence = 0
	}
	return confidence
}

// capSeverity applies the confidence tier: low-confidence candidates never
// escalate above low regardless of their secret type's default severity.
func capSeverity(severity scanning.Severity, confidence float64) scanning.Severity {
	if confidence < 0.4 {
		return scanning.SeverityLow
	}
	return severity
}

func overlapsAny(s span, covered []span) bool {
	for _, c := range covered {
		if s.overlaps(c) {
			return true
		}
	}
	return false
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
