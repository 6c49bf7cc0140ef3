package broker

import "github.com/provingbroker/broker/pkg/types"

// rankOrder is the static total order dispatch prefers across classes,
// most-preferred first. It never changes at runtime: a configurable rank
// table would reintroduce the cross-producer fairness the broker
// deliberately does not provide.
var rankOrder = []types.ProofClass{
	types.ProofClassBlockRootRollup,
	types.ProofClassBlockMergeRollup,
	types.ProofClassRootRollup,
	types.ProofClassMergeRollup,
	types.ProofClassPublicBaseRollup,
	types.ProofClassPrivateBaseRollup,
	types.ProofClassPublicVM,
	types.ProofClassTubeProof,
	types.ProofClassRootParity,
	types.ProofClassBaseParity,
	types.ProofClassEmptyBlockRootRollup,
	types.ProofClassPrivateKernelEmpty,
}

var rankIndex = func() map[types.ProofClass]int {
	m := make(map[types.ProofClass]int, len(rankOrder))
	for i, c := range rankOrder {
		m[c] = i
	}
	return m
}()

// sortByRank returns classes ordered by static rank, with any class absent
// from rankOrder sorted after every ranked class (stable among themselves).
func sortByRank(classes []types.ProofClass) []types.ProofClass {
	out := make([]types.ProofClass, len(classes))
	copy(out, classes)

	rankOf := func(c types.ProofClass) int {
		if r, ok := rankIndex[c]; ok {
			return r
		}
		return len(rankOrder)
	}

	// insertion sort: allow-lists are short, and this keeps ties in the
	// caller's original relative order among unranked classes.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && rankOf(out[j]) < rankOf(out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
