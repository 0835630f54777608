package models

// DocumentKind tags each persisted document shape.
type DocumentKind string

const (
	KindSession DocumentKind = "session"
	KindSummary DocumentKind = "summary"
)

// Document is anything the write-behind layer caches and persists under one storage key.
// Clone must return a deep copy: the layer snapshots under its lock and encodes the copy
// off-lock.
type Document interface {
	Kind() DocumentKind
	Clone() Document
}

// MessageLog is a Document that batched transcript entries can be merged into.
type MessageLog interface {
	Document
	AppendMessages(msgs ...Message)
	MessageCount() int
}
