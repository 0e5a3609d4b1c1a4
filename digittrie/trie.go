package digittrie

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/dlcsuite/dlcd/adaptorsig"
	"github.com/dlcsuite/dlcd/dlc"
	"github.com/dlcsuite/dlcd/payout"
)

var (
	// ErrBadCover is returned when the range payouts don't tile the
	// outcome domain.
	ErrBadCover = errors.New("range payouts don't cover outcome domain")

	// ErrNoMatchingOutcome is returned when no leaf matches the given
	// attestations, for example when no oracle subset agrees within the
	// allowed difference.
	ErrNoMatchingOutcome = errors.New("no matching outcome")

	// ErrOracleParams is returned when the oracle announcements don't
	// match the contract's digit parameters.
	ErrOracleParams = errors.New("oracle parameters mismatch")
)

// Leaf is one adaptor signature slot of the trie. For multi-oracle
// contracts a leaf binds one oracle combination to one digit path per
// selected oracle; several leaves can share the same CET.
type Leaf struct {
	// Index is the signature slot, the position of this leaf in the
	// adaptor signature vectors exchanged between the parties.
	Index int

	// CetIndex is the index of the CET this leaf executes.
	CetIndex int

	// OracleIndices are the selected oracles, ascending; the first is
	// the reference oracle whose path keys the outer trie.
	OracleIndices []int

	// Paths holds one digit path per selected oracle, aligned with
	// OracleIndices.
	Paths [][]int

	// AdaptorPoint is the aggregated anticipation point: the sum over
	// all selected oracles of their per-digit points along the path.
	AdaptorPoint *btcec.PublicKey
}

// trieNode is a node of a path-indexed trie.
type trieNode struct {
	children []*trieNode
	leaves   []*Leaf
}

func newTrieNode(base uint16) *trieNode {
	return &trieNode{children: make([]*trieNode, base)}
}

// insert registers the leaf under the given path.
func (n *trieNode) insert(base uint16, path []int, leaf *Leaf) {
	node := n
	for _, digit := range path {
		if node.children[digit] == nil {
			node.children[digit] = newTrieNode(base)
		}
		node = node.children[digit]
	}

	node.leaves = append(node.leaves, leaf)
}

// walk follows the digit sequence and returns the leaves of the first
// populated node on the way down.
func (n *trieNode) walk(digits []int) []*Leaf {
	node := n
	for _, digit := range digits {
		if len(node.leaves) > 0 {
			return node.leaves
		}
		if digit >= len(node.children) ||
			node.children[digit] == nil {

			return nil
		}
		node = node.children[digit]
	}

	return node.leaves
}

// Trie indexes the adaptor signature slots of a numeric contract: an outer
// trie per oracle combination keyed by the reference oracle's digit path,
// with the other oracles' paths checked against the leaf on lookup.
type Trie struct {
	base     uint16
	nbDigits uint16

	// threshold and allowedDiff mirror the contract's oracle selection.
	threshold   int
	allowedDiff uint64

	// announcements are the oracle announcements, in contract order.
	announcements []*dlc.Announcement

	// ranges are the constant-payout ranges the trie covers.
	ranges []payout.RangePayout

	// leaves are all signature slots in index order.
	leaves []*Leaf

	// roots holds one outer trie per oracle combination, keyed by the
	// combination's reference path.
	roots map[string]*trieNode

	// combinations are all size-threshold oracle subsets.
	combinations [][]int
}

// combinationKey renders an oracle subset as a map key.
func combinationKey(indices []int) string {
	key := ""
	for i, idx := range indices {
		if i > 0 {
			key += ","
		}
		key += strconv.Itoa(idx)
	}

	return key
}

// Combinations enumerates all size-k subsets of [0, n) in lexicographic
// order. The first index of every subset is the reference oracle.
func Combinations(n, k int) [][]int {
	var result [][]int

	subset := make([]int, k)
	var build func(start, depth int)
	build = func(start, depth int) {
		if depth == k {
			c := make([]int, k)
			copy(c, subset)
			result = append(result, c)

			return
		}
		for i := start; i < n; i++ {
			subset[depth] = i
			build(i+1, depth+1)
		}
	}
	build(0, 0)

	return result
}

// Build constructs the adaptor info trie for a numeric contract: the
// minimal digit prefix cover of every constant-payout range, instantiated
// for every size-threshold oracle combination.
//
// For exact agreement (allowedDiff == 0) every selected oracle must attest
// the same digit prefix. With a bounded disagreement window the secondary
// oracles get their own prefix sets covering the reference range widened
// by the allowed difference; the exact pairwise bound is enforced at
// lookup time against the attested values.
func Build(announcements []*dlc.Announcement, threshold int,
	allowedDiff uint64, base, nbDigits uint16,
	ranges []payout.RangePayout) (*Trie, error) {

	if threshold <= 0 || threshold > len(announcements) {
		return nil, fmt.Errorf("%w: threshold %d of %d",
			ErrOracleParams, threshold, len(announcements))
	}
	for _, ann := range announcements {
		if !ann.IsNumeric() || ann.Base != base ||
			ann.NbDigits != nbDigits {

			return nil, fmt.Errorf("%w: announcement %q isn't "+
				"numeric base %d with %d digits",
				ErrOracleParams, ann.ID, base, nbDigits)
		}
	}

	maxValue := uint64(1)
	for i := uint16(0); i < nbDigits; i++ {
		maxValue *= uint64(base)
	}

	// The ranges must tile [0, maxValue) exactly.
	next := uint64(0)
	for _, r := range ranges {
		if r.Start != next || r.Count == 0 {
			return nil, fmt.Errorf("%w: gap at %d", ErrBadCover,
				next)
		}
		next = r.End()
	}
	if next != maxValue {
		return nil, fmt.Errorf("%w: cover ends at %d, domain at %d",
			ErrBadCover, next, maxValue)
	}

	t := &Trie{
		base:          base,
		nbDigits:      nbDigits,
		threshold:     threshold,
		allowedDiff:   allowedDiff,
		announcements: announcements,
		ranges:        ranges,
		roots:         make(map[string]*trieNode),
		combinations:  Combinations(len(announcements), threshold),
	}

	for _, combo := range t.combinations {
		root := newTrieNode(base)
		t.roots[combinationKey(combo)] = root

		for cetIndex, r := range ranges {
			err := t.buildRangeLeaves(
				root, combo, cetIndex, r, maxValue,
			)
			if err != nil {
				return nil, err
			}
		}
	}

	return t, nil
}

// buildRangeLeaves creates the leaves of one constant-payout range for one
// oracle combination and inserts them under the combination's root.
func (t *Trie) buildRangeLeaves(root *trieNode, combo []int, cetIndex int,
	r payout.RangePayout, maxValue uint64) error {

	refGroups, err := Group(
		r.Start, r.End()-1, t.base, t.nbDigits,
	)
	if err != nil {
		return err
	}

	for _, refPath := range refGroups {
		// For exact agreement every oracle shares the reference
		// path.
		if t.allowedDiff == 0 {
			paths := make([][]int, len(combo))
			for i := range paths {
				paths[i] = refPath
			}
			if err := t.addLeaf(
				root, combo, cetIndex, refPath, paths,
			); err != nil {
				return err
			}

			continue
		}

		// With bounded disagreement the secondary oracles cover the
		// reference prefix interval widened by the allowed
		// difference.
		lo, hi := prefixInterval(refPath, t.base, t.nbDigits)
		winLo := uint64(0)
		if lo > t.allowedDiff {
			winLo = lo - t.allowedDiff
		}
		winHi := hi + t.allowedDiff
		if winHi >= maxValue {
			winHi = maxValue - 1
		}

		secGroups, err := Group(winLo, winHi, t.base, t.nbDigits)
		if err != nil {
			return err
		}

		// One leaf per combination of secondary paths.
		secondaryCount := len(combo) - 1
		assignment := make([][]int, secondaryCount)

		var build func(depth int) error
		build = func(depth int) error {
			if depth == secondaryCount {
				paths := make([][]int, len(combo))
				paths[0] = refPath
				copy(paths[1:], assignment)

				return t.addLeaf(
					root, combo, cetIndex, refPath,
					paths,
				)
			}
			for _, g := range secGroups {
				assignment[depth] = g
				if err := build(depth + 1); err != nil {
					return err
				}
			}

			return nil
		}
		if err := build(0); err != nil {
			return err
		}
	}

	return nil
}

// addLeaf computes the aggregated adaptor point for the given per-oracle
// paths and registers the resulting leaf.
func (t *Trie) addLeaf(root *trieNode, combo []int, cetIndex int,
	refPath []int, paths [][]int) error {

	var points []*btcec.PublicKey
	for i, oracleIdx := range combo {
		ann := t.announcements[oracleIdx]
		for j, digit := range paths[i] {
			point, err := adaptorsig.AnticipationPoint(
				ann.PubKey, ann.Nonces[j],
				strconv.Itoa(digit),
			)
			if err != nil {
				return err
			}
			points = append(points, point)
		}
	}

	adaptorPoint, err := adaptorsig.AggregatePoint(points)
	if err != nil {
		return err
	}

	leaf := &Leaf{
		Index:         len(t.leaves),
		CetIndex:      cetIndex,
		OracleIndices: combo,
		Paths:         paths,
		AdaptorPoint:  adaptorPoint,
	}
	t.leaves = append(t.leaves, leaf)
	root.insert(t.base, refPath, leaf)

	return nil
}

// Base returns the digit base of the trie.
func (t *Trie) Base() uint16 {
	return t.base
}

// NbDigits returns the digit count of the trie.
func (t *Trie) NbDigits() uint16 {
	return t.nbDigits
}

// NumLeaves returns the number of signature slots.
func (t *Trie) NumLeaves() int {
	return len(t.leaves)
}

// NumCETs returns the number of distinct CETs, one per constant-payout
// range.
func (t *Trie) NumCETs() int {
	return len(t.ranges)
}

// Ranges returns the constant-payout ranges backing the CETs.
func (t *Trie) Ranges() []payout.RangePayout {
	return t.ranges
}

// Leaves returns all leaves in signature slot order.
func (t *Trie) Leaves() []*Leaf {
	return t.leaves
}

// ForEachLeaf invokes f for every leaf in slot order, stopping on the
// first error.
func (t *Trie) ForEachLeaf(f func(*Leaf) error) error {
	for _, leaf := range t.leaves {
		if err := f(leaf); err != nil {
			return err
		}
	}

	return nil
}

// Match is the result of a successful lookup.
type Match struct {
	// Leaf is the matched signature slot.
	Leaf *Leaf

	// Value is the reference oracle's attested outcome value, the value
	// the executed CET's payout was computed from.
	Value uint64

	// AdaptorSecret is the combined attestation scalar that completes
	// the leaf's adaptor signature.
	AdaptorSecret *btcec.ModNScalar
}

// Lookup finds the unique leaf matching the given attestations, aligned
// with the announcement order (nil entries for oracles that haven't
// attested). The reference oracle's digits walk the outer trie; the other
// oracles' attestations are prefix-checked against the leaf and, for
// bounded disagreement contracts, their values checked pairwise against
// the allowed difference.
func (t *Trie) Lookup(attestations []*dlc.Attestation) (*Match, error) {
	if len(attestations) != len(t.announcements) {
		return nil, fmt.Errorf("%w: %d attestations for %d oracles",
			ErrOracleParams, len(attestations),
			len(t.announcements))
	}

	digits := make([][]int, len(attestations))
	values := make([]uint64, len(attestations))
	for i, att := range attestations {
		if att == nil {
			continue
		}

		var err error
		digits[i], err = att.Digits(t.base)
		if err != nil {
			return nil, err
		}
		if len(digits[i]) != int(t.nbDigits) {
			return nil, fmt.Errorf("%w: attestation %q has %d "+
				"digits, want %d", ErrOracleParams, att.ID,
				len(digits[i]), t.nbDigits)
		}
		values[i] = Compose(digits[i], t.base)
	}

	for _, combo := range t.combinations {
		leaf := t.matchCombination(combo, digits, values)
		if leaf == nil {
			continue
		}

		secret, err := t.combineSecret(leaf, attestations)
		if err != nil {
			return nil, err
		}

		return &Match{
			Leaf:          leaf,
			Value:         values[combo[0]],
			AdaptorSecret: secret,
		}, nil
	}

	return nil, ErrNoMatchingOutcome
}

// matchCombination finds the leaf of one oracle combination matching the
// attested digits, or nil.
func (t *Trie) matchCombination(combo []int, digits [][]int,
	values []uint64) *Leaf {

	// All selected oracles must have attested.
	for _, oracleIdx := range combo {
		if digits[oracleIdx] == nil {
			return nil
		}
	}

	// For bounded disagreement contracts the attested values must agree
	// pairwise within the allowed difference. Exact agreement contracts
	// agree on the prefix level instead, which leafMatches enforces.
	for i := 0; t.allowedDiff > 0 && i < len(combo); i++ {
		for j := i + 1; j < len(combo); j++ {
			a, b := values[combo[i]], values[combo[j]]
			diff := a - b
			if b > a {
				diff = b - a
			}
			if diff > t.allowedDiff {
				return nil
			}
		}
	}

	root := t.roots[combinationKey(combo)]
	candidates := root.walk(digits[combo[0]])

	for _, leaf := range candidates {
		if t.leafMatches(leaf, digits) {
			return leaf
		}
	}

	return nil
}

// leafMatches checks that every selected oracle's attested digits start
// with the leaf's path for that oracle.
func (t *Trie) leafMatches(leaf *Leaf, digits [][]int) bool {
	for i, oracleIdx := range leaf.OracleIndices {
		path := leaf.Paths[i]
		attested := digits[oracleIdx]
		for j, digit := range path {
			if attested[j] != digit {
				return false
			}
		}
	}

	return true
}

// combineSecret sums the attestation scalars of the leaf's path digits
// across all selected oracles, yielding the adaptor secret of the leaf's
// aggregated anticipation point.
func (t *Trie) combineSecret(leaf *Leaf,
	attestations []*dlc.Attestation) (*btcec.ModNScalar, error) {

	var scalars []*btcec.ModNScalar
	for i, oracleIdx := range leaf.OracleIndices {
		att := attestations[oracleIdx]
		for j := range leaf.Paths[i] {
			scalar, err := adaptorsig.AttestationScalar(
				att.Signatures[j],
			)
			if err != nil {
				return nil, err
			}
			scalars = append(scalars, scalar)
		}
	}

	return adaptorsig.CombineScalars(scalars), nil
}
