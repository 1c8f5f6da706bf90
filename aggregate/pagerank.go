package aggregate

const (
	// dampingFactor is the random-surfer damping constant.
	dampingFactor = 0.85

	// pagerankIterations is the fixed iteration count; the computation does
	// not run to convergence.
	pagerankIterations = 20
)

// pageRank computes damped random-surfer scores over the sampled node set.
// Only edges with both endpoints in nodes propagate score or count toward
// outbound degree. Final scores are normalized to sum to 1.0.
func pageRank(nodes []string, edges [][2]string) map[string]float64 {
	n := len(nodes)
	if n == 0 {
		return map[string]float64{}
	}

	nodeSet := make(map[string]bool, n)
	for _, node := range nodes {
		nodeSet[node] = true
	}

	outDegree := make(map[string]int, n)
	inbound := make(map[string][]string, n)
	for _, edge := range edges {
		source, target := edge[0], edge[1]
		if !nodeSet[source] || !nodeSet[target] {
			continue
		}
		outDegree[source]++
		inbound[target] = append(inbound[target], source)
	}

	scores := make(map[string]float64, n)
	for _, node := range nodes {
		scores[node] = 1.0 / float64(n)
	}

	base := (1.0 - dampingFactor) / float64(n)
	for range pagerankIterations {
		next := make(map[string]float64, n)
		for _, node := range nodes {
			sum := 0.0
			for _, source := range inbound[node] {
				sum += scores[source] / float64(outDegree[source])
			}
			next[node] = base + dampingFactor*sum
		}
		scores = next
	}

	total := 0.0
	for _, score := range scores {
		total += score
	}
	if total > 0 {
		for node := range scores {
			scores[node] /= total
		}
	}

	return scores
}
