package ci

import "errors"

// SubmissionIssue reports a failed submission. Retry marks conditions
// that may clear up, such as a backend maintenance window.
type SubmissionIssue struct {
	Message string
	Retry   bool
}

func (e *SubmissionIssue) Error() string { return e.Message }

// NewSubmissionIssue reports a submission that will never succeed.
func NewSubmissionIssue(msg string) error {
	return &SubmissionIssue{Message: msg}
}

// NewTemporarySubmissionIssue reports a submission worth retrying.
func NewTemporarySubmissionIssue(msg string) error {
	return &SubmissionIssue{Message: msg, Retry: true}
}

// FetchIssue reports a failed fetch. Jobs with a non-retriable issue are
// marked fetched.
type FetchIssue struct {
	Message string
	Retry   bool
}

func (e *FetchIssue) Error() string { return e.Message }

// NewFetchIssue reports a job whose results can never be fetched.
func NewFetchIssue(msg string) error {
	return &FetchIssue{Message: msg}
}

// NewTemporaryFetchIssue reports a fetch worth retrying on a later poll.
func NewTemporaryFetchIssue(msg string) error {
	return &FetchIssue{Message: msg, Retry: true}
}

// asFetchIssue classifies an adapter fetch error. Errors the adapter did
// not classify are temporary.
func asFetchIssue(err error) *FetchIssue {
	var issue *FetchIssue
	if errors.As(err, &issue) {
		return issue
	}

	return &FetchIssue{Message: err.Error(), Retry: true}
}
