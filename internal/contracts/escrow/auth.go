package escrow

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/atlasswap/atlas/pkg/helpers"
)

// Authorization is an LP-signed permission for a single escrow action. The
// contract accepts an init or refund only when accompanied by a fresh
// signature from the LP's signer address.
type Authorization struct {
	Expiry    *big.Int // unix seconds; signature invalid afterwards
	Signature []byte   // 65-byte [R || S || V] over the action digest
}

// IsStale reports whether the authorization window has passed.
func (a *Authorization) IsStale(now time.Time) bool {
	if a.Expiry == nil {
		return true
	}
	return a.Expiry.Cmp(big.NewInt(now.Unix())) <= 0
}

// initDigest computes the message the LP signs to authorize escrow creation.
func initDigest(data *Data, authExpiry *big.Int) common.Hash {
	msg := make([]byte, 0, 32+20+20+32+32+32)
	msg = append(msg, data.ClaimHash[:]...)
	msg = append(msg, data.Claimer.Bytes()...)
	msg = append(msg, data.Token.Bytes()...)
	msg = append(msg, helpers.PadLeft(data.Amount.Bytes(), 32)...)
	msg = append(msg, helpers.PadLeft(data.Expiry.Bytes(), 32)...)
	msg = append(msg, helpers.PadLeft(authExpiry.Bytes(), 32)...)
	return accounts191Hash(crypto.Keccak256(msg))
}

// refundDigest computes the message the LP signs to authorize a cooperative
// refund before chain expiry.
func refundDigest(data *Data, sequence uint64) common.Hash {
	msg := make([]byte, 0, 32+20+8)
	msg = append(msg, data.ClaimHash[:]...)
	msg = append(msg, data.Offerer.Bytes()...)
	seq := new(big.Int).SetUint64(sequence)
	msg = append(msg, helpers.PadLeft(seq.Bytes(), 8)...)
	return accounts191Hash(crypto.Keccak256(msg))
}

// accounts191Hash applies the EIP-191 personal-message prefix.
func accounts191Hash(hash []byte) common.Hash {
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(hash), hash)
	return common.BytesToHash(crypto.Keccak256([]byte(prefixed)))
}

// VerifyInitAuthorization checks the LP's signature over the escrow init
// parameters. Returns ErrSignatureVerification when the signature is invalid
// or the authorization window has passed.
func VerifyInitAuthorization(signer common.Address, data *Data, auth *Authorization, now time.Time) error {
	if auth.IsStale(now) {
		return fmt.Errorf("%w: authorization expired", ErrSignatureVerification)
	}
	return verifySignature(signer, initDigest(data, auth.Expiry), auth.Signature)
}

// VerifyRefundAuthorization checks the LP's cooperative refund signature.
func VerifyRefundAuthorization(signer common.Address, data *Data, sequence uint64, signature []byte) error {
	return verifySignature(signer, refundDigest(data, sequence), signature)
}

// SignInitAuthorization produces the LP-side signature. Used by tests and by
// mock intermediaries.
func SignInitAuthorization(key *ecdsa.PrivateKey, data *Data, authExpiry *big.Int) ([]byte, error) {
	return crypto.Sign(initDigest(data, authExpiry).Bytes(), key)
}

// SignRefundAuthorization produces the LP-side cooperative refund signature.
func SignRefundAuthorization(key *ecdsa.PrivateKey, data *Data, sequence uint64) ([]byte, error) {
	return crypto.Sign(refundDigest(data, sequence).Bytes(), key)
}

func verifySignature(signer common.Address, digest common.Hash, signature []byte) error {
	if len(signature) != 65 {
		return fmt.Errorf("%w: bad signature length %d", ErrSignatureVerification, len(signature))
	}

	sig := make([]byte, 65)
	copy(sig, signature)
	// Normalize the recovery byte; wallets emit 27/28.
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pubKey, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureVerification, err)
	}
	if crypto.PubkeyToAddress(*pubKey) != signer {
		return fmt.Errorf("%w: recovered wrong signer", ErrSignatureVerification)
	}
	return nil
}
