package model

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"
)

// Fingerprint hashes the plan's topology: workflow ID, entry order, and for
// each step (in insertion order) its ID, kind, type, edges, and join target.
// Two plans with identical topology produce identical fingerprints, so a
// compiled job's identity is stable across process restarts.
func (p *ExecutionPlan) Fingerprint() string {
	var b strings.Builder
	b.WriteString("wf\x00")
	b.WriteString(p.WorkflowID)
	b.WriteString("\x00entries\x00")
	writeList(&b, p.EntryStepIDs)
	for _, id := range p.Order {
		s := p.Steps[id]
		b.WriteString("\x00step\x00")
		b.WriteString(s.NodeID)
		b.WriteByte(0)
		b.WriteString(string(s.Kind))
		b.WriteByte(0)
		b.WriteString(s.NodeType)
		b.WriteString("\x00next\x00")
		writeList(&b, s.NextSteps)
		b.WriteString("\x00err\x00")
		writeList(&b, s.ErrorSteps)
		b.WriteString("\x00join\x00")
		b.WriteString(s.Hints.JoinNodeID)
		b.WriteString("\x00mode\x00")
		b.WriteString(string(s.Hints.Mode))
	}
	sum := blake3.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func writeList(b *strings.Builder, items []string) {
	b.WriteString(strconv.Itoa(len(items)))
	for _, it := range items {
		b.WriteByte(0)
		b.WriteString(it)
	}
}
