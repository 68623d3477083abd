package scanning

// CandidateMatch is the transient output of one detector pass over one file.
// Candidates are never persisted directly; the worker reduces each to a
// Finding keyed by its fingerprint.
type CandidateMatch struct {
	// SecretType classifies the matched credential.
	SecretType SecretType

	// MatchedExcerpt holds a truncated copy of the matched text. It is used
	// for fingerprinting and is never stored verbatim beyond the excerpt cap.
	MatchedExcerpt string

	// FilePath is the repository-relative path of the scanned file.
	FilePath string

	// Line and Column locate the match, both 1-based.
	Line   int
	Column int

	// EntropyScore is the Shannon entropy of the matched token in bits per
	// character. Zero for pattern-only matches where entropy was not computed.
	EntropyScore float64

	// PatternConfidence is 1.0 for a structural pattern match, 0 for a match
	// surfaced only by the entropy pass.
	PatternConfidence float64

	// Confidence is the combined score in [0, 1]:
	// clamp01(0.7*PatternConfidence + 0.3*normalizedEntropy).
	Confidence float64

	// Severity is the mapped severity for this candidate's secret type,
	// capped to low when confidence falls below the escalation floor.
	Severity Severity
}
