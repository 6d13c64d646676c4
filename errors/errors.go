// Package errors provides the engine's structured error taxonomy.
package errors

import (
	"fmt"
	"runtime"
	"time"
)

// Type categorizes an engine error.
type Type string

const (
	TypeUserAbort     Type = "user_abort"
	TypeMispredict    Type = "mispredict"
	TypeEE            Type = "ee_error"
	TypeSQL           Type = "sql_error"
	TypeDeserialize   Type = "deserialize_error"
	TypeUnknownTxn    Type = "unknown_txn"
	TypeFatal         Type = "fatal"
	TypeUnexpected    Type = "unexpected_error"
)

// Severity indicates how the executor should react to an error.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// EngineError is the structured error carried on TransactionState and
// surfaced through FragmentResponse/ClientResponse.
type EngineError struct {
	Type      Type
	Severity  Severity
	Message   string
	Cause     error
	Partition int
	TxnID     uint64
	Timestamp time.Time
	Stack     string

	// Partitions records which partitions a Mispredict error actually
	// touched, for a coordinator that wants to resubmit with a richer
	// prediction. Empty for every other error type.
	Partitions []int
}

func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] txn=%d partition=%d: %s: %v", e.Type, e.TxnID, e.Partition, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] txn=%d partition=%d: %s", e.Type, e.TxnID, e.Partition, e.Message)
}

func (e *EngineError) Unwrap() error { return e.Cause }

func newError(t Type, sev Severity, partition int, txnID uint64, msg string, cause error) *EngineError {
	e := &EngineError{
		Type:      t,
		Severity:  sev,
		Message:   msg,
		Cause:     cause,
		Partition: partition,
		TxnID:     txnID,
		Timestamp: time.Now(),
	}
	if sev == SeverityCritical {
		buf := make([]byte, 4096)
		n := runtime.Stack(buf, false)
		e.Stack = string(buf[:n])
	}
	return e
}

// UserAbort is raised by a stored procedure body to voluntarily roll back.
func UserAbort(partition int, txnID uint64, msg string) *EngineError {
	return newError(TypeUserAbort, SeverityLow, partition, txnID, msg, nil)
}

// Mispredict is raised when an SP-predicted transaction touches a second
// partition. It must be observed by waitForResponses before any
// coordinator send is attempted. touched records every partition the batch
// that triggered it was actually addressed to, so a caller resubmitting the
// transaction can predict accurately next time.
func Mispredict(partition int, txnID uint64, touched []int) *EngineError {
	e := newError(TypeMispredict, SeverityMedium, partition, txnID, "transaction touched a partition outside its single-partition prediction", nil)
	e.Partitions = touched
	return e
}

// EE wraps a storage-engine execution failure for a fragment.
func EE(partition int, txnID uint64, cause error) *EngineError {
	return newError(TypeEE, SeverityMedium, partition, txnID, "engine execution failed", cause)
}

// SQL wraps a query-plan fragment failure surfaced by the storage engine.
func SQL(partition int, txnID uint64, cause error) *EngineError {
	return newError(TypeSQL, SeverityMedium, partition, txnID, "fragment execution failed", cause)
}

// Deserialize wraps a parameter-decoding failure.
func Deserialize(partition int, txnID uint64, cause error) *EngineError {
	return newError(TypeDeserialize, SeverityMedium, partition, txnID, "failed to decode fragment parameters", cause)
}

// UnknownTxn marks a commit/abort/response referencing an untracked txn.
// Callers log and ignore it rather than propagate it.
func UnknownTxn(partition int, txnID uint64) *EngineError {
	return newError(TypeUnknownTxn, SeverityLow, partition, txnID, "no transaction state for this id on this partition", nil)
}

// Fatal marks an assertion violation; the caller must signal the site
// supervisor to begin a cluster shutdown.
func Fatal(partition int, txnID uint64, msg string) *EngineError {
	return newError(TypeFatal, SeverityCritical, partition, txnID, msg, nil)
}

// Unexpected wraps a panic or unrecognized error recovered on the executor
// thread; it is never allowed to escape the executor loop.
func Unexpected(partition int, txnID uint64, cause error) *EngineError {
	return newError(TypeUnexpected, SeverityHigh, partition, txnID, "unexpected error", cause)
}

// IsFatal reports whether err should escalate to a cluster shutdown.
func IsFatal(err error) bool {
	ee, ok := err.(*EngineError)
	return ok && ee.Type == TypeFatal
}
