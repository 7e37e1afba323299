package repeater

// graph maps the index of the interface a datagram is received on to the
// indexes of the interfaces it is repeated to.
type graph map[int][]int

func (g graph) Add(src, dst int) {
	g[src] = append(g[src], dst)
}

// fullMesh returns a graph that repeats from every interface to every other
// one, preserving the order of ifIndexes.
func fullMesh(ifIndexes []int) (g graph) {
	g = make(graph, len(ifIndexes))
	for _, src := range ifIndexes {
		for _, dst := range ifIndexes {
			if dst != src {
				g.Add(src, dst)
			}
		}
	}

	return g
}
