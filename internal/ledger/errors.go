package ledger

import "errors"

var (
	// ErrInvalidArgument rejects a malformed record request before any write.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound reports an unknown decision, queue entry or bundle id.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyReviewed reports an override conflict: the decision's review
	// fields were already set by someone else. Distinct from ErrNotFound so
	// callers can tell "someone acted on this" from "this never existed".
	ErrAlreadyReviewed = errors.New("decision already reviewed")

	// ErrAlreadyProcessed reports a dismissal of a queue entry that was
	// already processed.
	ErrAlreadyProcessed = errors.New("queue entry already processed")

	// ErrCorruptLineage marks a cycle in a parent chain. Logged rather than
	// returned: the resolved prefix is still served.
	ErrCorruptLineage = errors.New("corrupt lineage")
)
