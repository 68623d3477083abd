// Package scanning contains the domain model for the credential-leak
// detection pipeline: push events flowing in from the ingest gateway,
// candidate matches produced by the detector, and the durable findings
// they reduce to.
package scanning

import (
	"errors"
	"time"
)

// ChangedFileRef identifies one file touched by a push, pairing its path with
// the blob reference needed to fetch its content at that commit.
type ChangedFileRef struct {
	Path string `json:"path"`
	Ref  string `json:"ref"`
}

// PushEvent is an immutable record of a code push. It is appended once by the
// ingest gateway, never mutated, and consumed by scanning workers.
type PushEvent struct {
	EventID         string           `json:"event_id"`
	RepoIdentifier  string           `json:"repo_identifier"`
	CommitRef       string           `json:"commit_ref"`
	PreviousRef     string           `json:"previous_ref,omitempty"`
	Pusher          string           `json:"pusher,omitempty"`
	ReceivedAt      time.Time        `json:"received_at"`
	ChangedFileRefs []ChangedFileRef `json:"changed_file_refs"`
}

// Validate enforces the invariants a push event must satisfy before it is
// appended to the stream.
func (e PushEvent) Validate() error {
	if e.RepoIdentifier == "" {
		return errors.New("push event requires a repository identifier")
	}
	if e.CommitRef == "" {
		return errors.New("push event requires a commit ref")
	}
	return nil
}
