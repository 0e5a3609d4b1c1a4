package dlcmgr

import (
	"bytes"
	"context"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/dlcsuite/dlcd/adaptorsig"
	"github.com/dlcsuite/dlcd/chainwatch"
	"github.com/dlcsuite/dlcd/digittrie"
	"github.com/dlcsuite/dlcd/dlc"
	"github.com/dlcsuite/dlcd/dlcscript"
)

// ErrExpiredBeforeFunding is reported for signed contracts whose funding
// didn't confirm in time before the refund locktime.
var ErrExpiredBeforeFunding = dlc.Errorf(dlc.KindExpired,
	"funding unconfirmed close to refund locktime")

// PeriodicCheck advances all in-flight contracts against the current chain
// and oracle state: funding confirmations, attestations, counterparty
// closes, refunds and reorgs. It is idempotent: running it twice against
// an unchanged chain yields the same stored state and no duplicate
// broadcasts. Transient errors are collected and retried on the next run.
func (m *Manager) PeriodicCheck(ctx context.Context, force bool) []error {
	var errs []error

	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	// The chain monitor is a pure projection of the chain over the
	// registered interests; its reports surface reorgs and spends early,
	// the per-state checks below drive the actual transitions.
	reports, err := m.watcher.Check(ctx)
	if err != nil {
		collect(dlc.NewError(dlc.KindBlockchainError, err))
	}
	if len(reports) > 0 {
		log.Tracef("Chain monitor reports: %v", spew.Sdump(reports))
	}
	for _, report := range reports {
		switch report.Kind {
		case chainwatch.ReorgedOut:
			log.Warnf("Watched tx %v was reorged out",
				report.Txid)

		case chainwatch.SpentBy:
			log.Debugf("Funding %v spent by %v", report.OutPoint,
				report.SpendTx.TxHash())
		}
	}

	collect(m.checkSignedContracts(ctx))
	collect(m.checkConfirmedContracts(ctx))
	collect(m.checkPreClosedContracts(ctx))
	collect(m.checkChannels(ctx))

	return errs
}

// checkSignedContracts promotes signed contracts whose funding reached the
// confirmation depth, re-broadcasts missing funding transactions and
// flags contracts that won't confirm before their refund locktime.
func (m *Manager) checkSignedContracts(ctx context.Context) error {
	contracts, err := m.cfg.Store.ListByState(ctx, dlc.StateSigned)
	if err != nil {
		return err
	}

	bestHeight, err := m.cfg.Blockchain.GetBestHeight(ctx)
	if err != nil {
		return dlc.NewError(dlc.KindBlockchainError, err)
	}

	// Contracts running out of time are reported to the caller; other
	// per-contract errors are logged and retried on the next run.
	var expired error
	for _, contract := range contracts {
		err := m.checkSignedContract(ctx, contract, bestHeight)
		if err == ErrExpiredBeforeFunding {
			expired = err
		}
		if err != nil {
			log.Errorf("Checking signed contract %v: %v",
				contract.StorageID(), err)
		}
	}

	return expired
}

func (m *Manager) checkSignedContract(ctx context.Context,
	contract *dlc.Contract, bestHeight int32) error {

	unlock := m.locks.acquire(contract.StorageID())
	defer unlock()

	if contract.FundingTx == nil {
		return nil
	}
	fundTxid := contract.FundingTx.TxHash()

	confs, ok, err := m.cfg.Blockchain.GetConfirmations(ctx, fundTxid)
	if err != nil {
		return dlc.NewError(dlc.KindBlockchainError, err)
	}

	switch {
	case !ok:
		// The network hasn't seen the funding: re-broadcast, if we
		// hold the fully signed transaction. Only the accept party
		// completes the funding witnesses.
		if fundingFullySigned(contract.FundingTx) {
			err := m.cfg.Blockchain.Broadcast(
				ctx, contract.FundingTx,
			)
			if err != nil {
				log.Warnf("Funding re-broadcast of %v "+
					"failed: %v", contract.ID, err)
			}
		}

	case confs >= m.cfg.NumConfirmations:
		contract.State = dlc.StateConfirmed
		if err := m.cfg.Store.PutContract(ctx, contract); err != nil {
			return err
		}

		log.Infof("Contract %v confirmed at depth %d", contract.ID,
			confs)

		return nil
	}

	// Surface contracts that are running out of time before the refund
	// path opens.
	deadline := int32(contract.Input.RefundLockTime) -
		int32(m.cfg.RefundSafetyBlocks)
	if bestHeight >= deadline {
		return ErrExpiredBeforeFunding
	}

	return nil
}

// fundingFullySigned reports whether every funding input carries a
// witness.
func fundingFullySigned(fundTx *wire.MsgTx) bool {
	for _, txIn := range fundTx.TxIn {
		if len(txIn.Witness) == 0 {
			return false
		}
	}

	return true
}

// checkConfirmedContracts drives confirmed contracts to a close: reorg
// rollback, counterparty close detection, oracle attestation execution and
// the refund path.
func (m *Manager) checkConfirmedContracts(ctx context.Context) error {
	contracts, err := m.cfg.Store.ListByState(ctx, dlc.StateConfirmed)
	if err != nil {
		return err
	}

	bestHeight, err := m.cfg.Blockchain.GetBestHeight(ctx)
	if err != nil {
		return dlc.NewError(dlc.KindBlockchainError, err)
	}

	for _, contract := range contracts {
		// Channel sub-contracts are driven by the channel checks.
		if contract.InChannel() {
			continue
		}

		if err := m.checkConfirmedContract(
			ctx, contract, bestHeight,
		); err != nil {
			log.Errorf("Checking confirmed contract %v: %v",
				contract.ID, err)
		}
	}

	return nil
}

func (m *Manager) checkConfirmedContract(ctx context.Context,
	contract *dlc.Contract, bestHeight int32) error {

	unlock := m.locks.acquire(contract.StorageID())
	defer unlock()

	fundTxid := contract.FundingTx.TxHash()

	// A reorg that removed the funding confirmation rolls the contract
	// back to Signed; re-confirmation is a fresh forward transition.
	confs, ok, err := m.cfg.Blockchain.GetConfirmations(ctx, fundTxid)
	if err != nil {
		return dlc.NewError(dlc.KindBlockchainError, err)
	}
	if !ok || confs < m.cfg.NumConfirmations {
		log.Warnf("Funding of %v lost its confirmations (depth "+
			"%d), rolling back to Signed", contract.ID, confs)

		contract.State = dlc.StateSigned

		return m.cfg.Store.PutContract(ctx, contract)
	}

	// If the counterparty already spent the funding output, learn the
	// outcome from the spending witness instead of the oracle.
	spendTx, err := m.cfg.Blockchain.GetSpendingTx(
		ctx, contract.FundingOutPoint(),
	)
	if err != nil {
		return dlc.NewError(dlc.KindBlockchainError, err)
	}
	if spendTx != nil {
		return m.onCounterpartyClose(ctx, contract, spendTx)
	}

	// Poll the oracles; missing attestations stay nil.
	attestations, attested, err := m.fetchAttestations(ctx, contract)
	if err != nil {
		return err
	}

	if attested >= int(contract.Input.Oracles.Threshold) {
		info, err := buildAdaptorInfo(contract)
		if err != nil {
			return err
		}

		match, err := info.resolveOutcome(attestations)
		switch {
		case err == nil:
			contract.Attestations = collectAttestations(
				attestations,
			)

			return m.executeCet(
				ctx, contract, info, match,
				fundingValue(contract),
			)

		case dlc.KindOf(err) == dlc.KindNotFound ||
			err == digittrie.ErrNoMatchingOutcome:

			// No agreeing oracle subset; the refund path below
			// remains.
			log.Warnf("Contract %v has no matching outcome: %v",
				contract.ID, err)

		default:
			return err
		}
	}

	// Refund once the locktime passes.
	if bestHeight >= int32(contract.Input.RefundLockTime) {
		return m.broadcastRefund(ctx, contract)
	}

	return nil
}

// fetchAttestations polls the oracle for every announcement, leaving nil
// entries for oracles that haven't attested. Attestations failing
// validation against their announcement are dropped.
func (m *Manager) fetchAttestations(ctx context.Context,
	contract *dlc.Contract) ([]*dlc.Attestation, int, error) {

	attestations := make(
		[]*dlc.Attestation, len(contract.Announcements),
	)
	attested := 0

	for i := range contract.Announcements {
		ann := &contract.Announcements[i]

		att, err := m.cfg.Oracle.GetAttestation(ctx, ann.ID)
		switch {
		case err == nil:

		case dlc.KindOf(err) == dlc.KindNotFound:
			continue

		default:
			return nil, 0, err
		}

		if err := att.Validate(ann); err != nil {
			log.Warnf("Dropping invalid attestation for %q: %v",
				ann.ID, err)

			continue
		}

		attestations[i] = att
		attested++
	}

	return attestations, attested, nil
}

// collectAttestations flattens the non-nil attestations for storage.
func collectAttestations(attestations []*dlc.Attestation) []dlc.Attestation {
	collected := make([]dlc.Attestation, 0, len(attestations))
	for _, att := range attestations {
		if att != nil {
			collected = append(collected, *att)
		}
	}

	return collected
}

// onCounterpartyClose handles a funding spend we didn't broadcast: the
// refund, or a CET the counterparty executed. For a CET the attestation
// secret is extracted from the spending witness, so the outcome is
// recorded without contacting the oracle.
func (m *Manager) onCounterpartyClose(ctx context.Context,
	contract *dlc.Contract, spendTx *wire.MsgTx) error {

	spendTxid := spendTx.TxHash()

	// The refund path.
	if contract.RefundTx != nil &&
		contract.RefundTx.TxHash() == spendTxid {

		contract.State = dlc.StateRefunded
		contract.ComputePnL(contract.OwnCollateral())

		log.Infof("Contract %v refunded by counterparty broadcast",
			contract.ID)

		return m.cfg.Store.PutContract(ctx, contract)
	}

	// Find the CET the counterparty executed.
	cetIndex := -1
	for i, cet := range contract.CETs {
		if cet.TxHash() == spendTxid {
			cetIndex = i
			break
		}
	}
	if cetIndex < 0 {
		return dlc.Errorf(dlc.KindBlockchainError, "funding of %v "+
			"spent by unknown tx %v", contract.ID, spendTxid)
	}

	info, err := buildAdaptorInfo(contract)
	if err != nil {
		return err
	}

	// The counterparty completed OUR adaptor signature; extracting it
	// against our deterministic pre-signature reveals the attestation
	// secret and identifies the slot.
	match, err := m.extractFromWitness(ctx, contract, info, cetIndex,
		spendTx)
	if err != nil {
		return err
	}

	payoutSplit := info.payouts[cetIndex]
	ownPayout := payoutSplit.Offer
	if !contract.IsOfferParty {
		ownPayout = payoutSplit.Accept
	}

	contract.BroadcastCET = spendTx
	contract.OutcomeLabel = match.label
	contract.ComputePnL(ownPayout)
	contract.State = dlc.StatePreClosed

	if err := m.cfg.Store.PutContract(ctx, contract); err != nil {
		return err
	}
	m.watcher.WatchTx(spendTxid)

	log.Infof("Counterparty closed contract %v with outcome %q",
		contract.ID, match.label)

	return nil
}

// extractFromWitness recovers the attestation secret from the witness of
// a counterparty-broadcast CET and identifies the signature slot it
// belongs to.
func (m *Manager) extractFromWitness(ctx context.Context,
	contract *dlc.Contract, info *adaptorInfo, cetIndex int,
	spendTx *wire.MsgTx) (*outcomeMatch, error) {

	witness := spendTx.TxIn[0].Witness
	if len(witness) != 4 {
		return nil, dlc.Errorf(dlc.KindInvalidSignature,
			"unexpected CET witness shape")
	}

	// Witness layout: [nil, sig_first, sig_second, script] with the
	// signatures in sorted-pubkey order.
	ownPub := ownFundPubKey(contract)
	counterPub := counterFundPubKey(contract)

	ownSigBytes := witness[1]
	if bytes.Compare(
		ownPub.SerializeCompressed(),
		counterPub.SerializeCompressed(),
	) > 0 {

		ownSigBytes = witness[2]
	}

	ownAdapted, err := schnorr.ParseSignature(ownSigBytes)
	if err != nil {
		return nil, dlc.NewError(dlc.KindInvalidSignature, err)
	}

	priv, err := m.cfg.Wallet.GetFundingPrivKey(ctx, ownPub)
	if err != nil {
		return nil, dlc.NewError(dlc.KindWalletError, err)
	}

	sigHash, err := dlcscript.SigHash(
		contract.CETs[cetIndex], 0, contract.FundingScript,
		fundingValue(contract),
	)
	if err != nil {
		return nil, err
	}

	// Several slots can execute the same CET (multi-oracle layouts);
	// try each until the extraction checks out against its adaptor
	// point.
	for slotIndex, slot := range info.slots {
		if slot.cetIndex != cetIndex {
			continue
		}

		ownPreSig, err := adaptorsig.PreSign(
			priv, sigHash, slot.point,
		)
		if err != nil {
			return nil, err
		}

		secret, err := adaptorsig.Extract(
			ownAdapted, ownPreSig, slot.point,
		)
		if err != nil {
			continue
		}

		return &outcomeMatch{
			slotIndex: slotIndex,
			cetIndex:  cetIndex,
			label:     m.slotLabel(info, slotIndex, cetIndex),
			secret:    secret,
		}, nil
	}

	return nil, dlc.Errorf(dlc.KindInvalidAdaptorSignature, "no slot "+
		"of CET %d matches the spending witness", cetIndex)
}

// slotLabel renders the outcome label of a slot: the enum outcome, or the
// first value of the numeric leaf's reference prefix interval.
func (m *Manager) slotLabel(info *adaptorInfo, slotIndex,
	cetIndex int) string {

	if info.trie == nil {
		return info.enumOutcomes[cetIndex]
	}

	leaf := info.trie.Leaves()[slotIndex]
	lo, _ := digittrie.PrefixRange(
		leaf.Paths[0], info.trie.Base(), info.trie.NbDigits(),
	)

	return strconv.FormatUint(lo, 10)
}

// broadcastRefund completes and broadcasts the refund transaction.
func (m *Manager) broadcastRefund(ctx context.Context,
	contract *dlc.Contract) error {

	priv, err := m.cfg.Wallet.GetFundingPrivKey(
		ctx, ownFundPubKey(contract),
	)
	if err != nil {
		return dlc.NewError(dlc.KindWalletError, err)
	}

	ownSig, err := m.signRefund(contract, priv)
	if err != nil {
		return err
	}

	// Multisig witness signatures carry the sighash flag byte.
	ownWitnessSig := append(append([]byte{}, ownSig...), 0x01)
	counterWitnessSig := append(
		append([]byte{}, contract.CounterRefundSig...), 0x01,
	)

	contract.RefundTx.TxIn[0].Witness = dlcscript.SpendWitness(
		contract.FundingScript, ownFundPubKey(contract),
		ownWitnessSig, counterFundPubKey(contract),
		counterWitnessSig,
	)

	contract.State = dlc.StateRefunded
	contract.ComputePnL(contract.OwnCollateral())

	if err := m.cfg.Store.PutContract(ctx, contract); err != nil {
		return err
	}

	if err := m.cfg.Blockchain.Broadcast(
		ctx, contract.RefundTx,
	); err != nil {
		log.Warnf("Refund broadcast of %v failed, will retry: %v",
			contract.ID, err)
	}
	m.watcher.WatchTx(contract.RefundTx.TxHash())

	log.Infof("Contract %v refunded", contract.ID)

	return nil
}

// checkPreClosedContracts closes pre-closed contracts whose CET reached
// the reorg depth, and rolls back those whose CET vanished from the
// chain.
func (m *Manager) checkPreClosedContracts(ctx context.Context) error {
	contracts, err := m.cfg.Store.ListByState(ctx, dlc.StatePreClosed)
	if err != nil {
		return err
	}

	for _, contract := range contracts {
		if err := m.checkPreClosedContract(
			ctx, contract,
		); err != nil {
			log.Errorf("Checking pre-closed contract %v: %v",
				contract.ID, err)
		}
	}

	return nil
}

func (m *Manager) checkPreClosedContract(ctx context.Context,
	contract *dlc.Contract) error {

	unlock := m.locks.acquire(contract.StorageID())
	defer unlock()

	cetTxid := contract.BroadcastCET.TxHash()

	confs, ok, err := m.cfg.Blockchain.GetConfirmations(ctx, cetTxid)
	if err != nil {
		return dlc.NewError(dlc.KindBlockchainError, err)
	}

	switch {
	case !ok:
		// The CET fell out of the chain and mempool: roll back to
		// Confirmed and retry from there. If it was our own
		// broadcast it will be re-sent on the next check.
		log.Warnf("CET of %v disappeared, rolling back to "+
			"Confirmed", contract.ID)

		contract.BroadcastCET = nil
		contract.OutcomeLabel = ""
		contract.State = dlc.StateConfirmed

		return m.cfg.Store.PutContract(ctx, contract)

	case confs >= m.cfg.CetReorgDepth:
		contract.State = dlc.StateClosed
		m.watcher.UnwatchTx(cetTxid)
		m.watcher.UnwatchFunding(contract.FundingOutPoint())

		if err := m.cfg.Store.PutContract(ctx, contract); err != nil {
			return err
		}

		log.Infof("Contract %v closed with outcome %q, pnl %d",
			contract.ID, contract.OutcomeLabel, contract.PnL)

		return nil

	case confs == 0:
		// Still in the mempool; it was already broadcast, so there is
		// nothing to send again.
		return nil

	default:
		return nil
	}
}
