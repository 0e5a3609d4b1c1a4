package dlcmgr

import (
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/dlcsuite/dlcd/adaptorsig"
	"github.com/dlcsuite/dlcd/digittrie"
	"github.com/dlcsuite/dlcd/dlc"
	"github.com/dlcsuite/dlcd/dlctx"
	"github.com/dlcsuite/dlcd/payout"
)

// sigSlot is one adaptor signature position: the CET it executes and the
// anticipation point the signature is locked to.
type sigSlot struct {
	// cetIndex is the index into the contract's CET array.
	cetIndex int

	// point is the aggregated anticipation point.
	point *btcec.PublicKey
}

// adaptorInfo is everything derived from the contract descriptor and the
// oracle announcements: the CET payout table and the adaptor signature
// slots. It is deterministic given the contract, so it is rebuilt on
// demand instead of being persisted.
type adaptorInfo struct {
	// payouts is the payout split per CET.
	payouts []dlctx.Payout

	// slots are the adaptor signature positions, in exchange order.
	slots []sigSlot

	// trie is set for numeric contracts.
	trie *digittrie.Trie

	// enumOutcomes are the outcome labels per CET for enumerated
	// contracts.
	enumOutcomes []string

	// combinations are the oracle subsets for enumerated multi-oracle
	// contracts, aligned with the slot layout.
	combinations [][]int
}

// buildAdaptorInfo derives the adaptor info of a contract from its
// descriptor and announcements.
func buildAdaptorInfo(contract *dlc.Contract) (*adaptorInfo, error) {
	input := &contract.Input
	total := input.TotalCollateral()

	anns := make([]*dlc.Announcement, len(contract.Announcements))
	for i := range contract.Announcements {
		anns[i] = &contract.Announcements[i]
		if err := anns[i].Validate(); err != nil {
			return nil, err
		}
	}
	if len(anns) != len(input.Oracles.AnnouncementIDs) {
		return nil, dlc.Errorf(dlc.KindOracleMismatch, "%d "+
			"announcements for %d oracle ids", len(anns),
			len(input.Oracles.AnnouncementIDs))
	}

	switch {
	case input.Descriptor.Enum != nil:
		return buildEnumInfo(
			input.Descriptor.Enum.Payouts, anns,
			int(input.Oracles.Threshold),
		)

	case input.Descriptor.Numeric != nil:
		return buildNumericInfo(
			input.Descriptor.Numeric, anns,
			int(input.Oracles.Threshold),
			input.Oracles.AllowedDiff, total,
		)

	default:
		return nil, dlc.Errorf(dlc.KindInvalidParameter,
			"contract has no descriptor")
	}
}

// buildEnumInfo computes the adaptor info of an enumerated contract: one
// CET per outcome, one slot per (oracle combination, outcome) pair.
func buildEnumInfo(payoutTable []payout.EnumerationPayout, anns []*dlc.Announcement,
	threshold int) (*adaptorInfo, error) {

	info := &adaptorInfo{
		combinations: digittrie.Combinations(len(anns), threshold),
	}

	for _, p := range payoutTable {
		info.payouts = append(info.payouts, dlctx.Payout{
			Offer:  p.Offer,
			Accept: p.Accept,
		})
		info.enumOutcomes = append(info.enumOutcomes, p.Outcome)
	}

	for _, combo := range info.combinations {
		for outcomeIdx, p := range payoutTable {
			points := make([]*btcec.PublicKey, 0, len(combo))
			for _, oracleIdx := range combo {
				ann := anns[oracleIdx]
				if ann.IsNumeric() || len(ann.Nonces) != 1 {
					return nil, dlc.Errorf(
						dlc.KindOracleMismatch,
						"announcement %q isn't an "+
							"enum event", ann.ID,
					)
				}

				point, err := adaptorsig.AnticipationPoint(
					ann.PubKey, ann.Nonces[0], p.Outcome,
				)
				if err != nil {
					return nil, err
				}
				points = append(points, point)
			}

			aggregated, err := adaptorsig.AggregatePoint(points)
			if err != nil {
				return nil, err
			}

			info.slots = append(info.slots, sigSlot{
				cetIndex: outcomeIdx,
				point:    aggregated,
			})
		}
	}

	return info, nil
}

// buildNumericInfo computes the adaptor info of a numeric contract from
// its payout function via the digit trie.
func buildNumericInfo(desc *dlc.NumericDescriptor, anns []*dlc.Announcement,
	threshold int, allowedDiff uint64,
	total btcutil.Amount) (*adaptorInfo, error) {

	ranges, err := desc.Function.ToRangePayouts(
		desc.MaxValue(), &desc.Rounding, total,
	)
	if err != nil {
		return nil, dlc.NewError(dlc.KindPayoutOutOfRange, err)
	}

	trie, err := digittrie.Build(
		anns, threshold, allowedDiff, desc.Base, desc.NbDigits,
		ranges,
	)
	if err != nil {
		return nil, dlc.NewError(dlc.KindOracleMismatch, err)
	}

	info := &adaptorInfo{trie: trie}
	for _, r := range ranges {
		info.payouts = append(info.payouts, dlctx.Payout{
			Offer:  r.Offer,
			Accept: total - r.Offer,
		})
	}
	for _, leaf := range trie.Leaves() {
		info.slots = append(info.slots, sigSlot{
			cetIndex: leaf.CetIndex,
			point:    leaf.AdaptorPoint,
		})
	}

	return info, nil
}

// outcomeMatch is the result of resolving attestations against the
// adaptor info.
type outcomeMatch struct {
	// slotIndex is the matched signature slot.
	slotIndex int

	// cetIndex is the CET to execute.
	cetIndex int

	// label is the outcome label: the enum outcome or the decimal
	// numeric value.
	label string

	// secret completes the slot's adaptor signature.
	secret *btcec.ModNScalar
}

// resolveOutcome finds the signature slot matching the fetched
// attestations, nil entries standing for oracles that haven't attested.
func (info *adaptorInfo) resolveOutcome(
	attestations []*dlc.Attestation) (*outcomeMatch, error) {

	if info.trie != nil {
		match, err := info.trie.Lookup(attestations)
		if err != nil {
			return nil, err
		}

		return &outcomeMatch{
			slotIndex: match.Leaf.Index,
			cetIndex:  match.Leaf.CetIndex,
			label:     strconv.FormatUint(match.Value, 10),
			secret:    match.AdaptorSecret,
		}, nil
	}

	// Enumerated: find the first combination whose oracles all attested
	// the same outcome.
	for comboIdx, combo := range info.combinations {
		outcome, ok := agreedOutcome(combo, attestations)
		if !ok {
			continue
		}

		for outcomeIdx, label := range info.enumOutcomes {
			if label != outcome {
				continue
			}

			var scalars []*btcec.ModNScalar
			for _, oracleIdx := range combo {
				scalar, err := adaptorsig.AttestationScalar(
					attestations[oracleIdx].Signatures[0],
				)
				if err != nil {
					return nil, err
				}
				scalars = append(scalars, scalar)
			}

			slotIndex := comboIdx*len(info.enumOutcomes) +
				outcomeIdx

			return &outcomeMatch{
				slotIndex: slotIndex,
				cetIndex:  outcomeIdx,
				label:     outcome,
				secret: adaptorsig.CombineScalars(
					scalars,
				),
			}, nil
		}

		return nil, dlc.Errorf(dlc.KindNotFound, "attested "+
			"outcome %q not in contract", outcome)
	}

	return nil, digittrie.ErrNoMatchingOutcome
}

// agreedOutcome returns the common outcome of a combination, if all its
// oracles attested the same single outcome.
func agreedOutcome(combo []int,
	attestations []*dlc.Attestation) (string, bool) {

	var outcome string
	for i, oracleIdx := range combo {
		att := attestations[oracleIdx]
		if att == nil || len(att.Outcomes) != 1 {
			return "", false
		}
		if i == 0 {
			outcome = att.Outcomes[0]
			continue
		}
		if att.Outcomes[0] != outcome {
			return "", false
		}
	}

	return outcome, true
}
