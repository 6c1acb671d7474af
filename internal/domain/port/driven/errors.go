package driven

import "errors"

// General-purpose error kinds not specific to the hosting adapter (see
// hosting.go for ErrRateLimited, ErrUnauthorized, ErrNotFound,
// ErrTransientServer, ErrTimeout, ErrMalformedResponse,
// ErrExternalServiceDown, which cover the hosting-facing subset).
var (
	// ErrConcurrencyConflict is returned by the Synchronizer once its own
	// bounded retries of a transaction that lost a write race are used up,
	// failing the cycle for that repository, and by PipelineStore.Transition
	// when its UPDATE fails.
	ErrConcurrencyConflict = errors.New("synchronizer: concurrency conflict")

	// ErrExhausted marks a retried operation (TransientIO or Timeout) that
	// ran out of attempts.
	ErrExhausted = errors.New("exhausted retries")

	// ErrPolicyRejection marks an auto-fix decision forbidden by policy
	// (e.g. the category is in the never-auto-fix set). Never retried.
	ErrPolicyRejection = errors.New("policy rejection")

	// ErrTransientIO is the general transient-I/O kind for collaborators
	// outside the hosting adapter (LM provider, code editor, notifier).
	ErrTransientIO = errors.New("transient I/O error")

	// ErrEncryptionKeyNotSet is returned by CredentialStore operations when
	// no credential-encryption key was configured.
	ErrEncryptionKeyNotSet = errors.New("credential store: encryption key not set")
)
