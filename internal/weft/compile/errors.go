package compile

import (
	"fmt"
	"strings"
)

type CompilationErrorKind string

const (
	ErrUnsupportedNodeKind CompilationErrorKind = "UnsupportedNodeKind"
	ErrMissingJoin         CompilationErrorKind = "MissingJoin"
	ErrMissingStep         CompilationErrorKind = "MissingStep"
	ErrUnterminatedBranch  CompilationErrorKind = "UnterminatedBranch"
)

// CompilationError is the only error the compiler returns. Missing carries
// the node IDs the message is about.
type CompilationError struct {
	Kind    CompilationErrorKind
	Missing []string
	Message string
}

func (e *CompilationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "compilation failed (%s): %s", e.Kind, e.Message)
	if len(e.Missing) > 0 {
		fmt.Fprintf(&b, " [nodes: %s]", strings.Join(e.Missing, ", "))
	}
	return b.String()
}

func compileErrf(kind CompilationErrorKind, nodeIDs []string, format string, args ...any) *CompilationError {
	return &CompilationError{Kind: kind, Missing: nodeIDs, Message: fmt.Sprintf(format, args...)}
}
