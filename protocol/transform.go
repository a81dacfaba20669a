package protocol

// Transform rebases local, written against the same base as remote, so that it
// can be applied after remote. The store sequenced remote first, so on an
// insert tie the local text lands after the remote text. Deletes win over
// inserts strictly inside their range, on both sides, so the two orders
// converge.
//
// The second result is false when nothing of local survives remote.
func Transform(local, remote Operation) (Operation, bool) {
	return transform(local, remote, true)
}

// TransformAll rebases a chain of local operations, each written against the
// result of the previous one, over a single remote operation. The chain keeps
// its length: an operation that does not survive becomes a no-op.
func TransformAll(pending []Operation, remote Operation) []Operation {
	out := make([]Operation, 0, len(pending))
	live := true
	for _, p := range pending {
		if !live || p.IsNoop() {
			out = append(out, p)
			continue
		}
		np, keep := transform(p, remote, true)
		remote, live = transform(remote, p, false)
		if !keep {
			np = Noop(p)
		}
		out = append(out, np)
	}
	return out
}

// Rebase folds TransformAll over remotes in order.
func Rebase(pending []Operation, remotes []Operation) []Operation {
	for _, r := range remotes {
		pending = TransformAll(pending, r)
	}
	return pending
}

func transform(op, against Operation, againstFirst bool) (Operation, bool) {
	out := op
	ap, al := against.Position, against.Len()

	switch against.Kind {
	case Insert:
		if against.Text() == "" {
			return out, true
		}
		switch op.Kind {
		case Insert:
			if ap < op.Position || (ap == op.Position && againstFirst) {
				out.Position += al
			}
		case Delete:
			end := op.Position + op.Len()
			switch {
			case ap <= op.Position:
				out.Position += al
			case ap < end:
				runes := []rune(op.Text())
				cut := ap - op.Position
				out.Content = Text(string(runes[:cut]) + against.Text() + string(runes[cut:]))
			}
		}

	case Delete:
		aend := ap + al
		switch op.Kind {
		case Insert:
			switch {
			case op.Position >= aend:
				out.Position -= al
			case op.Position > ap:
				return Operation{}, false
			}
		case Delete:
			ol := op.Len()
			oend := op.Position + ol
			switch {
			case oend <= ap:
			case op.Position >= aend:
				out.Position -= al
			default:
				lo, hi := max(op.Position, ap), min(oend, aend)
				if ol-(hi-lo) <= 0 {
					return Operation{}, false
				}
				// a missing content always has length one, so it is fully
				// overlapped above and runes covers the whole range here
				runes := []rune(op.Text())
				out.Content = Text(string(runes[:lo-op.Position]) + string(runes[hi-op.Position:]))
				out.Position = min(op.Position, ap)
			}
		}
	}
	return out, true
}
