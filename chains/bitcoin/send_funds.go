package bitcoin

import (
	"context"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tee-otc/settle-lib/common/types"
)

// SendFunds builds, signs, and broadcasts a P2WPKH spend from the derived
// wallet. The signing key is reconstructed from the wallet's bytes for the
// duration of this call only. Change above the dust limit returns to the
// wallet address, so a partial spend leaves the remainder claimable by
// re-derivation.
//
// Parameters:
// - ctx: the context for managing the request.
// - w: the transiently derived wallet holding the funds.
// - to: the destination address.
// - token: must be the native identifier.
// - amount: the amount in satoshis.
//
// Returns:
// - string: the broadcast transaction id.
// - error: an error if funding, signing, or broadcast fails.
func (b *bitcoin) SendFunds(_ context.Context, w *types.Wallet, to string, token types.TokenIdentifier, amount *big.Int) (string, error) {
	b.clientMutex.RLock()
	client := b.client
	b.clientMutex.RUnlock()

	if client == nil {
		return "", errors.New("client not initialized")
	}

	if !token.IsNative() {
		return "", errors.New("only native transfers are supported on bitcoin")
	}

	privKey, _ := btcec.PrivKeyFromBytes(w.PrivateKey())

	fromAddr, err := btcutil.DecodeAddress(w.Address(), b.params)
	if err != nil {
		return "", errors.Wrap(err, "failed to decode source address")
	}
	toAddr, err := btcutil.DecodeAddress(to, b.params)
	if err != nil {
		return "", errors.Wrap(err, "failed to decode destination address")
	}

	fromScript, err := txscript.PayToAddrScript(fromAddr)
	if err != nil {
		return "", errors.Wrap(err, "failed to build source script")
	}
	toScript, err := txscript.PayToAddrScript(toAddr)
	if err != nil {
		return "", errors.Wrap(err, "failed to build destination script")
	}

	// UTXO-set scan instead of wallet listunspent: the derived address is
	// never part of the node's wallet. Only confirmed outputs are returned.
	scan, err := b.scanAddressUnspents(client, w.Address())
	if err != nil {
		return "", errors.Wrap(err, "failed to locate spendable outputs")
	}

	target := amount.Int64()

	tx := wire.NewMsgTx(wire.TxVersion)
	fetcher := txscript.NewMultiPrevOutFetcher(nil)

	var inputValues []int64
	total := int64(0)
	for _, utxo := range scan.Unspents {
		value, err := btcutil.NewAmount(utxo.Amount)
		if err != nil {
			continue
		}

		hash, err := chainhash.NewHashFromStr(utxo.TxID)
		if err != nil {
			continue
		}

		outpoint := wire.NewOutPoint(hash, utxo.Vout)
		tx.AddTxIn(wire.NewTxIn(outpoint, nil, nil))
		fetcher.AddPrevOut(*outpoint, wire.NewTxOut(int64(value), fromScript))
		inputValues = append(inputValues, int64(value))
		total += int64(value)

		if total >= target+b.estimateFee(len(tx.TxIn), 2) {
			break
		}
	}

	fee := b.estimateFee(len(tx.TxIn), 2)
	if total < target+fee {
		// A full-balance spend (refund sweep) pays the fee out of the
		// amount instead of failing.
		sweepFee := b.estimateFee(len(tx.TxIn), 1)
		if total >= target && target > sweepFee+dustLimit {
			target = total - sweepFee
		} else {
			return "", errors.Errorf("insufficient funds: have %d sat, need %d sat", total, target+fee)
		}
	}

	tx.AddTxOut(wire.NewTxOut(target, toScript))
	if change := total - target - fee; change > dustLimit {
		tx.AddTxOut(wire.NewTxOut(change, fromScript))
	}

	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for i := range tx.TxIn {
		witness, err := txscript.WitnessSignature(
			tx, sigHashes, i, inputValues[i], fromScript,
			txscript.SigHashAll, privKey, true,
		)
		if err != nil {
			return "", errors.Wrap(err, "failed to sign input")
		}
		tx.TxIn[i].Witness = witness
	}

	txHash, err := client.SendRawTransaction(tx, false)
	if err != nil {
		return "", errors.Wrap(err, "failed to broadcast transaction")
	}

	b.logger.WithFields(logrus.Fields{
		"chain":  b.config.Name,
		"txHash": txHash.String(),
		"to":     to,
	}).Info("Broadcast transaction")

	return txHash.String(), nil
}

// estimateFee estimates the fee for a P2WPKH transaction shape.
func (b *bitcoin) estimateFee(inputs, outputs int) int64 {
	vsize := int64(10 + inputs*68 + outputs*31)
	return vsize * feeRateSatPerVByte
}
