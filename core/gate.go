package core

import (
	"encoding/binary"
	"errors"

	"harvest/crypto"
	"harvest/state"
)

var (
	// ErrUnauthorized is returned when a restricted operation is driven by
	// an address that is neither the owner nor an authorized caller.
	ErrUnauthorized = errors.New("core: caller not authorized")
	// ErrBadNonce is returned when an admin envelope replays or skips the
	// signer's account nonce.
	ErrBadNonce = errors.New("core: envelope nonce mismatch")
	// ErrBadSignature is returned when an admin envelope fails recovery.
	ErrBadSignature = errors.New("core: invalid envelope signature")
)

// AdminEnvelope authenticates a restricted operation. The signature covers
// the method name, the encoded parameters, and the signer's account nonce,
// so a captured envelope cannot be replayed or spliced onto another method.
type AdminEnvelope struct {
	Method    string
	Params    []byte
	Nonce     uint64
	Signature []byte
}

func adminDigest(method string, params []byte, nonce uint64) []byte {
	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], nonce)
	return crypto.Keccak256([]byte(method), params, nonceBytes[:])
}

// SignAdmin builds a signed envelope for a restricted method call.
func SignAdmin(key *crypto.PrivateKey, method string, params []byte, nonce uint64) (AdminEnvelope, error) {
	if key == nil {
		return AdminEnvelope{}, ErrBadSignature
	}
	sig, err := key.Sign(adminDigest(method, params, nonce))
	if err != nil {
		return AdminEnvelope{}, err
	}
	return AdminEnvelope{Method: method, Params: params, Nonce: nonce, Signature: sig}, nil
}

// verifyAdmin recovers the envelope signer, checks it against the gate, and
// consumes the signer's account nonce inside the current unit. A failed
// check later in the operation rolls the nonce back with everything else.
func verifyAdmin(mgr *state.Manager, env AdminEnvelope) (crypto.Address, error) {
	signer, err := crypto.RecoverAddress(adminDigest(env.Method, env.Params, env.Nonce), env.Signature)
	if err != nil {
		return crypto.Address{}, ErrBadSignature
	}
	if err := requireCaller(mgr, signer); err != nil {
		return crypto.Address{}, err
	}
	account, err := mgr.GetAccount(signer)
	if err != nil {
		return crypto.Address{}, err
	}
	if account == nil {
		account = newAccount()
	}
	account.EnsureDefaults()
	if account.Nonce != env.Nonce {
		return crypto.Address{}, ErrBadNonce
	}
	account.Nonce++
	if err := mgr.PutAccount(signer, account); err != nil {
		return crypto.Address{}, err
	}
	return signer, nil
}

func requireCaller(mgr *state.Manager, caller crypto.Address) error {
	owner, err := mgr.Owner()
	if err != nil {
		return err
	}
	if !owner.IsZero() && owner.Equal(caller) {
		return nil
	}
	callers, err := mgr.AuthorizedCallers()
	if err != nil {
		return err
	}
	for _, allowed := range callers {
		if allowed.Equal(caller) {
			return nil
		}
	}
	return ErrUnauthorized
}
