// Package mining builds block templates for external miners from the chain
// tip and the transaction pool.
package mining

import (
	"github.com/pkg/errors"

	"github.com/syfer-network/syferd/blockchain"
	"github.com/syfer-network/syferd/crypto"
	"github.com/syfer-network/syferd/currency"
	"github.com/syfer-network/syferd/wire"
)

// coinbaseSizeConvergenceRounds bounds the reward/size fixpoint iteration.
// CryptoNote coinbases converge in two or three rounds; ten means the
// chain parameters are broken.
const coinbaseSizeConvergenceRounds = 10

// ChainState is the chain surface template construction reads.
type ChainState interface {
	TemplateContext() blockchain.TemplateState
}

// PoolSource supplies fee-ordered transactions for the template.
type PoolSource interface {
	FillBlockTemplate(majorVersion uint8, medianSize, maxCumulativeSize,
		alreadyGeneratedCoins uint64, height uint32) ([]*wire.Transaction, uint64, uint64)
}

// BlockTemplate is a fully populated candidate block plus the context a
// miner needs to work on it. Only the nonce field remains to be solved.
type BlockTemplate struct {
	Block      *wire.Block
	Height     uint32
	Difficulty uint64

	// Reward and Fees are the coinbase payout split for reporting.
	Reward uint64
	Fees   uint64

	// CumulativeSize is the serialized size of the block plus its
	// selected transactions.
	CumulativeSize uint64
}

// Generator builds block templates.
type Generator struct {
	currency   *currency.Currency
	chain      ChainState
	pool       PoolSource
	timeSource blockchain.TimeSource
}

// NewGenerator returns a template generator over the given chain and pool.
func NewGenerator(cur *currency.Currency, chain ChainState, pool PoolSource,
	timeSource blockchain.TimeSource) *Generator {

	if timeSource == nil {
		timeSource = blockchain.NewTimeSource()
	}
	return &Generator{
		currency:   cur,
		chain:      chain,
		pool:       pool,
		timeSource: timeSource,
	}
}

// NewBlockTemplate assembles a candidate block for the next height paying
// payoutKey. extraNonce, if non-empty, is carried in the coinbase extra so
// that pools can disambiguate work units.
func (g *Generator) NewBlockTemplate(payoutKey crypto.PublicKey, extraNonce []byte) (*BlockTemplate, error) {
	state := g.chain.TemplateContext()

	txs, txsSize, totalFee := g.pool.FillBlockTemplate(state.MajorVersion,
		state.MedianSize, state.MaxCumulativeSize, state.AlreadyGeneratedCoins,
		state.Height)

	coinbase, reward, err := g.buildCoinbase(state, payoutKey, extraNonce, txsSize, totalFee)
	if err != nil {
		return nil, err
	}

	block := &wire.Block{
		MajorVersion:      state.MajorVersion,
		MinorVersion:      0,
		Timestamp:         uint64(g.timeSource.Now().Unix()),
		PreviousBlockHash: state.PreviousBlockHash,
		BaseTransaction:   *coinbase,
	}
	for _, tx := range txs {
		block.TransactionHashes = append(block.TransactionHashes, tx.TxHash())
	}

	cumulativeSize := txsSize + uint64(coinbase.SerializeSize())
	log.Debugf("Built block template at height %d: %d transactions, "+
		"reward %d, fees %d, size %d, difficulty %d", state.Height, len(txs),
		reward, totalFee, cumulativeSize, state.Difficulty)

	return &BlockTemplate{
		Block:          block,
		Height:         state.Height,
		Difficulty:     state.Difficulty,
		Reward:         reward,
		Fees:           totalFee,
		CumulativeSize: cumulativeSize,
	}, nil
}

// buildCoinbase constructs the base transaction. The reward depends on the
// block size through the penalty formula while the coinbase size depends on
// the reward decomposition, so the two are iterated to a fixpoint.
func (g *Generator) buildCoinbase(state blockchain.TemplateState, payoutKey crypto.PublicKey,
	extraNonce []byte, txsSize, totalFee uint64) (*wire.Transaction, uint64, error) {

	extra := wire.AppendPublicKeyToExtra(nil, payoutKey)
	if len(extraNonce) > 0 {
		var err error
		extra, err = wire.AppendNonceToExtra(extra, extraNonce)
		if err != nil {
			return nil, 0, err
		}
	}

	version := uint8(wire.TxVersion1)
	if state.MajorVersion >= currency.BlockMajorVersion2 {
		version = wire.TxVersion2
	}

	coinbase := &wire.Transaction{
		TransactionPrefix: wire.TransactionPrefix{
			Version:    version,
			UnlockTime: wire.UnlockTimeFromHeight(state.Height + g.currency.MinedMoneyUnlockWindow),
			Inputs:     []wire.TxInput{&wire.BaseInput{BlockHeight: state.Height}},
			Extra:      extra,
		},
	}

	coinbaseSize := uint64(coinbase.SerializeSize())
	var reward uint64
	for round := 0; ; round++ {
		if round == coinbaseSizeConvergenceRounds {
			return nil, 0, errors.Errorf(
				"coinbase size did not converge at height %d", state.Height)
		}
		var err error
		reward, _, err = g.currency.GetBlockReward(state.MajorVersion,
			state.MedianSize, txsSize+coinbaseSize, state.AlreadyGeneratedCoins,
			totalFee)
		if err != nil {
			return nil, 0, errors.Wrapf(err, "no valid reward at height %d", state.Height)
		}
		coinbase.Outputs = decomposeReward(reward, payoutKey)
		newSize := uint64(coinbase.SerializeSize())
		if newSize == coinbaseSize {
			break
		}
		coinbaseSize = newSize
	}
	return coinbase, reward, nil
}

// decomposeReward splits the reward into decimal digit denominations, one
// key output per non-zero digit, smallest first.
func decomposeReward(reward uint64, payoutKey crypto.PublicKey) []wire.TxOutput {
	var outputs []wire.TxOutput
	for order := uint64(1); reward > 0; order *= 10 {
		digit := reward % 10
		reward /= 10
		if digit == 0 {
			continue
		}
		outputs = append(outputs, wire.TxOutput{
			Amount: digit * order,
			Target: &wire.KeyOutput{Key: payoutKey},
		})
	}
	return outputs
}
