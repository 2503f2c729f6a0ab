package plan

import (
	"fmt"
	"strings"
)

type BuildErrorKind string

const (
	ErrMalformedDefinition BuildErrorKind = "MalformedDefinition"
	ErrUnknownNodeType     BuildErrorKind = "UnknownNodeType"
	ErrDuplicateID         BuildErrorKind = "DuplicateId"
)

// BuildError is the only error the builder returns. Pre-execution errors are
// fatal: no partial plan is ever emitted alongside one.
type BuildError struct {
	Kind    BuildErrorKind
	NodeIDs []string
	Message string
}

func (e *BuildError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "plan build failed (%s): %s", e.Kind, e.Message)
	if len(e.NodeIDs) > 0 {
		fmt.Fprintf(&b, " [nodes: %s]", strings.Join(e.NodeIDs, ", "))
	}
	return b.String()
}

func buildErrf(kind BuildErrorKind, nodeIDs []string, format string, args ...any) *BuildError {
	return &BuildError{Kind: kind, NodeIDs: nodeIDs, Message: fmt.Sprintf(format, args...)}
}
