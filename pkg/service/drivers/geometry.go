package drivers

import "math"

func atom(geometry []float64, idx int) [3]float64 {
	return [3]float64{geometry[3*idx], geometry[3*idx+1], geometry[3*idx+2]}
}

func sub(a, b [3]float64) [3]float64 {
	return [3]float64{a[0] - b[0], a[1] - b[1], a[2] - b[2]}
}

func dot(a, b [3]float64) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}

func cross(a, b [3]float64) [3]float64 {
	return [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func norm(a [3]float64) float64 {
	return math.Sqrt(dot(a, a))
}

// measure returns a geometric coordinate over a molecule's flattened
// geometry: a bond length for two indices, a bond angle (degrees) for
// three, or a dihedral angle (degrees) for four — the same index-arity
// dispatch QCElemental's Molecule.measure uses for scan coordinates.
func measure(geometry []float64, indices []int) float64 {
	switch len(indices) {
	case 2:
		return norm(sub(atom(geometry, indices[0]), atom(geometry, indices[1])))
	case 3:
		b1 := sub(atom(geometry, indices[0]), atom(geometry, indices[1]))
		b2 := sub(atom(geometry, indices[2]), atom(geometry, indices[1]))
		cosTheta := dot(b1, b2) / (norm(b1) * norm(b2))
		cosTheta = math.Max(-1, math.Min(1, cosTheta))
		return math.Acos(cosTheta) * 180 / math.Pi
	case 4:
		b1 := sub(atom(geometry, indices[1]), atom(geometry, indices[0]))
		b2 := sub(atom(geometry, indices[2]), atom(geometry, indices[1]))
		b3 := sub(atom(geometry, indices[3]), atom(geometry, indices[2]))
		n1 := cross(b1, b2)
		n2 := cross(b2, b3)
		m1 := cross(n1, b2)
		x := dot(n1, n2)
		y := dot(m1, n2) / norm(b2)
		return math.Atan2(y, x) * 180 / math.Pi
	default:
		return 0
	}
}
