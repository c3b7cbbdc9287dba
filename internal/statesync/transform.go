// Package statesync keeps shared session state consistent under concurrent
// edits using operational transforms. All mutation goes through Apply; the
// operation log allows full reconstruction by replay.
package statesync

import (
	"fmt"

	"github.com/tesserbridge/bridge/internal/domain"
)

// Transform adjusts op a so it can be applied after concurrent op b, both
// produced against the same base revision. The returned class reports how
// the pair relates: non-overlapping pairs come back position-shifted and
// safe to apply; overlapping pairs come back unchanged and must go through
// the merge rules or the human queue.
func Transform(a, b domain.Operation) (domain.Operation, domain.ConflictClass) {
	if !overlaps(a, b) {
		return shift(a, b), domain.ConflictNonOverlapping
	}
	if rule := matchRule(a, b); rule != nil {
		return a, domain.ConflictSemanticCompatible
	}
	return a, domain.ConflictRequiresHuman
}

// overlaps reports whether two same-revision operations touch intersecting
// regions. An insert strictly inside another op's span overlaps; touching
// at a boundary does not. Two inserts overlap only at the exact same
// position, which is resolved deterministically by origin, so they never
// count as overlapping here.
func overlaps(a, b domain.Operation) bool {
	as, ae := a.Span()
	bs, be := b.Span()

	if a.Type == domain.OpInsert && b.Type == domain.OpInsert {
		return false
	}
	if a.Type == domain.OpInsert {
		return bs < as && as < be
	}
	if b.Type == domain.OpInsert {
		return as < bs && bs < ae
	}
	return as < be && bs < ae
}

// shift repositions a to account for b having been applied first. Only
// valid for non-overlapping pairs.
func shift(a, b domain.Operation) domain.Operation {
	delta := lengthDelta(b)
	_, be := b.Span()

	if a.Type == domain.OpInsert {
		if b.Type == domain.OpInsert {
			// Same-position inserts order deterministically by origin.
			if a.Position > b.Position ||
				(a.Position == b.Position && a.OriginSession > b.OriginSession) {
				a.Position += delta
			}
		} else if a.Position >= be {
			a.Position += delta
		}
		return a
	}

	as, _ := a.Span()
	if b.Type == domain.OpInsert {
		if b.Position <= as {
			a.Position += delta
		}
		return a
	}
	if as >= be {
		a.Position += delta
	}
	return a
}

// lengthDelta is the net change in content length b causes.
func lengthDelta(b domain.Operation) int {
	switch b.Type {
	case domain.OpInsert:
		return len([]rune(b.Payload))
	case domain.OpDelete:
		return -b.Length
	default: // replace
		return len([]rune(b.Payload)) - b.Length
	}
}

// applyOp mutates content with a single operation, operating on rune
// offsets so multi-byte text stays intact.
func applyOp(content string, op domain.Operation) (string, error) {
	runes := []rune(content)
	n := len(runes)

	switch op.Type {
	case domain.OpInsert:
		if op.Position < 0 || op.Position > n {
			return "", fmt.Errorf("insert position %d out of range [0,%d]", op.Position, n)
		}
		out := make([]rune, 0, n+len([]rune(op.Payload)))
		out = append(out, runes[:op.Position]...)
		out = append(out, []rune(op.Payload)...)
		out = append(out, runes[op.Position:]...)
		return string(out), nil

	case domain.OpDelete:
		end := op.Position + op.Length
		if op.Position < 0 || end > n || op.Length < 0 {
			return "", fmt.Errorf("delete span [%d,%d) out of range [0,%d]", op.Position, end, n)
		}
		return string(runes[:op.Position]) + string(runes[end:]), nil

	case domain.OpReplace:
		end := op.Position + op.Length
		if op.Position < 0 || end > n || op.Length < 0 {
			return "", fmt.Errorf("replace span [%d,%d) out of range [0,%d]", op.Position, end, n)
		}
		return string(runes[:op.Position]) + op.Payload + string(runes[end:]), nil

	default:
		return "", fmt.Errorf("unknown operation type %q", op.Type)
	}
}
