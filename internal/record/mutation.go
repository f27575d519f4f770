package record

import "strings"

// OpKind is the kind of change applied to one mutable field.
type OpKind int

const (
	// OpNone leaves the field untouched.
	OpNone OpKind = iota
	// OpSet replaces the current value.
	OpSet
	// OpAppend joins the value onto a non-blank current value, else sets it.
	OpAppend
	// OpClear resets the field to absent.
	OpClear
)

// String returns a human-readable representation of the operation.
func (k OpKind) String() string {
	switch k {
	case OpNone:
		return "none"
	case OpSet:
		return "set"
	case OpAppend:
		return "append"
	case OpClear:
		return "clear"
	default:
		return "unknown"
	}
}

// FieldOp describes the change for one field.
type FieldOp struct {
	Kind  OpKind
	Value string
}

// Set returns an op that overwrites the field.
func Set(v string) FieldOp { return FieldOp{Kind: OpSet, Value: v} }

// Append returns an op that extends the field's history.
func Append(v string) FieldOp { return FieldOp{Kind: OpAppend, Value: v} }

// Clear returns an op that removes the field's value.
func Clear() FieldOp { return FieldOp{Kind: OpClear} }

// Apply returns the new value of a field given its current value.
func (op FieldOp) Apply(current string) string {
	switch op.Kind {
	case OpSet:
		return op.Value
	case OpAppend:
		if strings.TrimSpace(current) == "" {
			return op.Value
		}
		return current + HistorySeparator + op.Value
	case OpClear:
		return ""
	default:
		return current
	}
}

// IsZero reports whether the op leaves the field untouched.
func (op FieldOp) IsZero() bool { return op.Kind == OpNone }

// Mutation is a partial update of the mutable fields of a record.
// The zero value changes nothing.
type Mutation struct {
	Finished FieldOp
	Rating   FieldOp
}

// ClearMarkings resets both finished and rating.
func ClearMarkings() Mutation {
	return Mutation{Finished: Clear(), Rating: Clear()}
}

// IsZero reports whether m changes nothing.
func (m Mutation) IsZero() bool {
	return m.Finished.IsZero() && m.Rating.IsZero()
}

// Apply merges m into r and returns the result. r is not modified.
func (m Mutation) Apply(r Record) Record {
	out := r.Clone()
	out.Finished = m.Finished.Apply(r.Finished)
	out.Rating = m.Rating.Apply(r.Rating)
	return out
}

// Ops lists the non-empty ops keyed by field name, for stores that build
// per-field statements.
func (m Mutation) Ops() map[string]FieldOp {
	ops := make(map[string]FieldOp, 2)
	if !m.Finished.IsZero() {
		ops[FieldFinished] = m.Finished
	}
	if !m.Rating.IsZero() {
		ops[FieldRating] = m.Rating
	}
	return ops
}
