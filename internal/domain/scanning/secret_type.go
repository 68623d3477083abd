package scanning

// SecretType classifies the kind of credential a match represents.
type SecretType string

// Registered secret types. The detector's pattern table maps each of these to
// a compiled pattern and default severity; SecretTypeHighEntropy marks
// matches found only by the entropy pass.
const (
	SecretTypeAWSAccessKeyID   SecretType = "aws_access_key_id"
	SecretTypeAWSSecretKey     SecretType = "aws_secret_key"
	SecretTypeGitHubToken      SecretType = "github_token"
	SecretTypeGitHubFineGrain  SecretType = "github_fine_grained_pat"
	SecretTypeGenericAPIKey    SecretType = "generic_api_key"
	SecretTypeSlackToken       SecretType = "slack_token"
	SecretTypeGoogleAPIKey     SecretType = "google_api_key"
	SecretTypeGoogleOAuth      SecretType = "google_oauth_client_id"
	SecretTypePrivateKey       SecretType = "private_key"
	SecretTypePostgresConnStr  SecretType = "postgres_connection_string"
	SecretTypeMySQLConnStr     SecretType = "mysql_connection_string"
	SecretTypeJWT              SecretType = "jwt"
	SecretTypeStripeAPIKey     SecretType = "stripe_api_key"
	SecretTypeTwilioAPIKey     SecretType = "twilio_api_key"
	SecretTypeNPMToken         SecretType = "npm_token"
	SecretTypeDockerHubToken   SecretType = "docker_hub_token"
	SecretTypeSendGridAPIKey   SecretType = "sendgrid_api_key"
	SecretTypePyPIToken        SecretType = "pypi_token"
	SecretTypeAzureStorageConn SecretType = "azure_storage_connection_string"
	SecretTypeHighEntropy      SecretType = "high_entropy_string"
)

// Severity expresses the operational urgency of a finding.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// FindingStatus tracks the lifecycle of a finding. Only the external status
// mutation path may move a finding out of open; the scanner never downgrades
// a resolved or false_positive finding back to open.
type FindingStatus string

const (
	FindingStatusOpen          FindingStatus = "open"
	FindingStatusResolved      FindingStatus = "resolved"
	FindingStatusFalsePositive FindingStatus = "false_positive"
)
