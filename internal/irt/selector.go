package irt

// Select returns the candidate with maximum Fisher information at theta.
// Ties go to the earliest candidate. When every candidate has zero
// information the first candidate is returned.
func Select(theta float64, candidates []string, src ParameterSource) (string, error) {
	if len(candidates) == 0 {
		return "", ErrNoItemsAvailable
	}

	best := -1
	bestInfo := 0.0
	for i, id := range candidates {
		info := Information(theta, src.Parameters(id))
		if info > bestInfo {
			bestInfo = info
			best = i
		}
	}
	if best < 0 {
		return candidates[0], nil
	}
	return candidates[best], nil
}
