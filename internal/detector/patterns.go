package detector

import (
	regexp "github.com/wasilibs/go-re2"

	"github.com/ahrav/leakwatch/internal/domain/scanning"
)

// patternDescriptor binds a secret type to its compiled structural pattern.
// Patterns anchor on provider prefixes, fixed alphabets and lengths to keep
// false positives low; the registry is assembled once at package init and is
// immutable afterwards.
type patternDescriptor struct {
	secretType scanning.SecretType
	pattern    *regexp.Regexp
	minLength  int
	severity   scanning.Severity
}

// patternRegistry is the statically enumerated set of secret-type
// descriptors iterated by the pattern pass.
var patternRegistry = []patternDescriptor{
	{
		secretType: scanning.SecretTypeAWSAccessKeyID,
		pattern:    regexp.MustCompile(`(?:A3T[A-Z0-9]|AKIA|AGPA|AIDA|AROA|AIPA|ANPA|ANVA|ASIA)[A-Z0-9]{16}`),
		minLength:  20,
		severity:   scanning.SeverityHigh,
	},
	{
		secretType: scanning.SecretTypeAWSSecretKey,
		pattern:    regexp.MustCompile(`(?i)aws(.{0,20})?["']?[0-9a-zA-Z/+]{40}["']?`),
		minLength:  40,
		severity:   scanning.SeverityCritical,
	},
	{
		secretType: scanning.SecretTypeGitHubToken,
		pattern:    regexp.MustCompile(`gh[pousr]_[A-Za-z0-9_]{36,255}`),
		minLength:  40,
		severity:   scanning.SeverityHigh,
	},
	{
		secretType: scanning.SecretTypeGitHubFineGrain,
		pattern:    regexp.MustCompile(`github_pat_[a-zA-Z0-9]{22}_[a-zA-Z0-9]{59}`),
		minLength:  93,
		severity:   scanning.SeverityHigh,
	},
	{
		secretType: scanning.SecretTypeGenericAPIKey,
		pattern:    regexp.MustCompile(`(?i)(?:api[_-]?key|apikey|api[_-]?token)[\s:=]+["']?[a-z0-9_\-]{20,}["']?`),
		minLength:  20,
		severity:   scanning.SeverityMedium,
	},
	{
		secretType: scanning.SecretTypeSlackToken,
		pattern:    regexp.MustCompile(`xox[baprs]-[0-9]{10,13}-[0-9]{10,13}-[a-zA-Z0-9]{24,32}`),
		minLength:  40,
		severity:   scanning.SeverityHigh,
	},
	{
		secretType: scanning.SecretTypeGoogleAPIKey,
		pattern:    regexp.MustCompile(`AIza[0-9A-Za-z\-_]{35}`),
		minLength:  39,
		severity:   scanning.SeverityHigh,
	},
	{
		secretType: scanning.SecretTypeGoogleOAuth,
		pattern:    regexp.MustCompile(`[0-9]+-[0-9A-Za-z_]{32}\.apps\.googleusercontent\.com`),
		minLength:  40,
		severity:   scanning.SeverityMedium,
	},
	{
		secretType: scanning.SecretTypePrivateKey,
		pattern:    regexp.MustCompile(`-----BEGIN (?:RSA |OPENSSH |DSA |EC |PGP )?PRIVATE KEY-----`),
		minLength:  26,
		severity:   scanning.SeverityCritical,
	},
	{
		secretType: scanning.SecretTypePostgresConnStr,
		pattern:    regexp.MustCompile(`postgres(?:ql)?://[a-zA-Z0-9_\-]+:[a-zA-Z0-9_\-]+@[a-zA-Z0-9.\-]+(?::\d+)?/[a-zA-Z0-9_\-]+`),
		minLength:  20,
		severity:   scanning.SeverityCritical,
	},
	{
		secretType: scanning.SecretTypeMySQLConnStr,
		pattern:    regexp.MustCompile(`mysql://[a-zA-Z0-9_\-]+:[a-zA-Z0-9_\-]+@[a-zA-Z0-9.\-]+(?::\d+)?/[a-zA-Z0-9_\-]+`),
		minLength:  16,
		severity:   scanning.SeverityCritical,
	},
	{
		secretType: scanning.SecretTypeJWT,
		pattern:    regexp.MustCompile(`eyJ[A-Za-z0-9_-]*\.eyJ[A-Za-z0-9_-]*\.[A-Za-z0-9_-]*`),
		minLength:  20,
		severity:   scanning.SeverityMedium,
	},
	{
		secretType: scanning.SecretTypeStripeAPIKey,
		pattern:    regexp.MustCompile(`(?:r|s)k_live_[0-9a-zA-Z]{24,}`),
		minLength:  32,
		severity:   scanning.SeverityHigh,
	},
	{
		secretType: scanning.SecretTypeTwilioAPIKey,
		pattern:    regexp.MustCompile(`SK[a-f0-9]{32}`),
		minLength:  34,
		severity:   scanning.SeverityHigh,
	},
	{
		secretType: scanning.SecretTypeNPMToken,
		pattern:    regexp.MustCompile(`npm_[a-zA-Z0-9]{36}`),
		minLength:  40,
		severity:   scanning.SeverityHigh,
	},
	{
		secretType: scanning.SecretTypeDockerHubToken,
		pattern:    regexp.MustCompile(`dckr_pat_[a-zA-Z0-9_-]{36,}`),
		minLength:  45,
		severity:   scanning.SeverityHigh,
	},
	{
		secretType: scanning.SecretTypeSendGridAPIKey,
		pattern:    regexp.MustCompile(`SG\.[a-zA-Z0-9_-]{22}\.[a-zA-Z0-9_-]{43}`),
		minLength:  69,
		severity:   scanning.SeverityHigh,
	},
	{
		secretType: scanning.SecretTypePyPIToken,
		pattern:    regexp.MustCompile(`pypi-AgEIcHlwaS5vcmc[A-Za-z0-9\-_]{50,}`),
		minLength:  70,
		severity:   scanning.SeverityHigh,
	},
	{
		secretType: scanning.SecretTypeAzureStorageConn,
		pattern:    regexp.MustCompile(`DefaultEndpointsProtocol=https;AccountName=[a-zA-Z0-9]+;AccountKey=[A-Za-z0-9+/=]{88}`),
		minLength:  120,
		severity:   scanning.SeverityCritical,
	},
}
