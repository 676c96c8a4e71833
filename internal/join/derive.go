package join

import "github.com/sells-group/trainset/internal/model"

// derive computes a trailing-window transform of parent. Each output cell
// reads only cells at or before its own index.
func derive(d model.Derivation, parent []model.Value) []model.Value {
	w := max(d.Window, 1)
	out := make([]model.Value, len(parent))

	for i := range parent {
		switch d.Op {
		case model.DeriveDiff, model.DerivePctChange:
			if i < w {
				continue
			}
			cur, prev := parent[i], parent[i-w]
			if !cur.Valid || !prev.Valid {
				continue
			}
			if d.Op == model.DeriveDiff {
				out[i] = model.Some(cur.Float - prev.Float)
			} else if prev.Float != 0 {
				out[i] = model.Some((cur.Float - prev.Float) / prev.Float)
			}
		case model.DeriveRollingMean:
			if i+1 < w {
				continue
			}
			var sum float64
			var n int
			for _, v := range parent[i-w+1 : i+1] {
				if v.Valid {
					sum += v.Float
					n++
				}
			}
			if n > 0 {
				out[i] = model.Some(sum / float64(n))
			}
		}
	}
	return out
}
