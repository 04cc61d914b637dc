package domain

import (
	"errors"
	"fmt"
	"time"
)

// Storage-level errors keep the shape of a typed struct plus sentinel
// values so callers can branch with errors.Is / errors.As.

type StorageError struct {
	Type    StorageErrorType
	Key     string
	Message string
}

func (e *StorageError) Error() string {
	return e.Message
}

type StorageErrorType int

const (
	ErrKeyNotFound StorageErrorType = iota
	ErrTransactionConflict
	ErrCorrupted
	ErrClosed
)

func NewKeyNotFoundError(key string) *StorageError {
	return &StorageError{
		Type:    ErrKeyNotFound,
		Key:     key,
		Message: "key not found: " + key,
	}
}

func IsKeyNotFound(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Type == ErrKeyNotFound
}

var (
	ErrAlreadyStarted  = errors.New("already started")
	ErrAlreadyShutdown = errors.New("already shutdown")
	ErrNotStarted      = errors.New("not started")
	ErrNotFound        = errors.New("resource not found")
	ErrInvalidInput    = errors.New("invalid input")
)

// GraphError reports a structural violation in a workflow graph: a cycle,
// a dangling edge, or a malformed node declaration.
type GraphError struct {
	GraphID string
	Reason  string
}

func (e *GraphError) Error() string {
	if e.GraphID == "" {
		return "invalid graph: " + e.Reason
	}
	return fmt.Sprintf("invalid graph %s: %s", e.GraphID, e.Reason)
}

func NewGraphError(graphID, reason string) *GraphError {
	return &GraphError{GraphID: graphID, Reason: reason}
}

func IsGraphInvalid(err error) bool {
	var ge *GraphError
	return errors.As(err, &ge)
}

// ValidationError reports a pre-execution check failure, such as a missing
// required parameter.
type ValidationError struct {
	NodeID  string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.NodeID == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed for node %s: %s", e.NodeID, e.Message)
}

func NewValidationError(nodeID, field, message string) *ValidationError {
	return &ValidationError{NodeID: nodeID, Field: field, Message: message}
}

func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ExpressionErrorKind classifies sandbox failures.
type ExpressionErrorKind string

const (
	ExpressionSyntax   ExpressionErrorKind = "syntax"
	ExpressionSecurity ExpressionErrorKind = "security"
	ExpressionTimeout  ExpressionErrorKind = "timeout"
	ExpressionResource ExpressionErrorKind = "resource"
)

type ExpressionError struct {
	Kind       ExpressionErrorKind
	Expression string
	Message    string
	Pos        int
}

func (e *ExpressionError) Error() string {
	return fmt.Sprintf("expression %s error at offset %d: %s", e.Kind, e.Pos, e.Message)
}

func NewExpressionError(kind ExpressionErrorKind, expression, message string, pos int) *ExpressionError {
	return &ExpressionError{Kind: kind, Expression: expression, Message: message, Pos: pos}
}

func IsExpressionError(err error, kind ExpressionErrorKind) bool {
	var ee *ExpressionError
	return errors.As(err, &ee) && ee.Kind == kind
}

// NodeExecutionError wraps an executor failure with its retry
// classification. The execution core retries retryable failures up to the
// configured attempt budget; terminal failures fail the node immediately.
type NodeExecutionError struct {
	NodeID    string
	Retryable bool
	Err       error
}

func (e *NodeExecutionError) Error() string {
	class := "terminal"
	if e.Retryable {
		class = "retryable"
	}
	return fmt.Sprintf("node %s failed (%s): %v", e.NodeID, class, e.Err)
}

func (e *NodeExecutionError) Unwrap() error {
	return e.Err
}

func NewRetryableError(nodeID string, err error) *NodeExecutionError {
	return &NodeExecutionError{NodeID: nodeID, Retryable: true, Err: err}
}

func NewTerminalError(nodeID string, err error) *NodeExecutionError {
	return &NodeExecutionError{NodeID: nodeID, Retryable: false, Err: err}
}

// IsRetryable reports whether an error carries an explicit retryable
// classification. Unclassified errors are treated as terminal.
func IsRetryable(err error) bool {
	var ne *NodeExecutionError
	return errors.As(err, &ne) && ne.Retryable
}

// ConfigurationError reports a node whose type has no registered executor
// or whose static configuration is unusable.
type ConfigurationError struct {
	NodeID   string
	NodeType string
	Message  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error for node %s (type %s): %s", e.NodeID, e.NodeType, e.Message)
}

func NewConfigurationError(nodeID, nodeType, message string) *ConfigurationError {
	return &ConfigurationError{NodeID: nodeID, NodeType: nodeType, Message: message}
}

type QueueNotFoundError struct {
	Queue string
}

func (e *QueueNotFoundError) Error() string {
	return "queue not found: " + e.Queue
}

// QueueFullError signals explicit backpressure: the waiting backlog
// exceeded the configured cap and the caller must shed or retry later.
type QueueFullError struct {
	Queue string
	Limit int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("queue %s is full (backlog cap %d)", e.Queue, e.Limit)
}

type ExecutionTimeoutError struct {
	ExecutionID string
	Limit       time.Duration
}

func (e *ExecutionTimeoutError) Error() string {
	return fmt.Sprintf("execution %s exceeded deadline %s", e.ExecutionID, e.Limit)
}

func IsExecutionTimeout(err error) bool {
	var te *ExecutionTimeoutError
	return errors.As(err, &te)
}
