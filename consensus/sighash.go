package consensus

import "thunderbolt.dev/node/crypto"

// SignatureHash is the message a spender signs for one input: the digest of
// the serialized input (with empty unlocking parameters, since those carry
// the signature itself), the output's lock tag, and the output's locking
// parameters. Binding the output into the message prevents a signature from
// being replayed against a different lock.
func SignatureHash(in TxInput, lockType LockType, lockingParams []byte) Hash {
	pre := make([]byte, 0, HashSize+4+4+1+len(lockingParams))
	pre = appendTxInput(pre, TxInput{
		ReferenceTx:    in.ReferenceTx,
		ReferenceIndex: in.ReferenceIndex,
	})
	pre = append(pre, byte(lockType))
	pre = append(pre, lockingParams...)
	return DigestHash(pre)
}

// multiSigUnlocking is the decoded MultiSignature unlocking envelope.
type multiSigUnlocking struct {
	Required   uint32
	PublicKeys [][]byte
	// Signatures maps a key index into PublicKeys to a DER signature.
	Signatures map[uint32][]byte
}

// EncodeMultiSigLockPreimage serializes the portion of a MultiSignature
// unlocking envelope that commits to the lock: required count and the key
// set. Its digest is the output's locking parameters.
func EncodeMultiSigLockPreimage(required uint32, publicKeys [][]byte) []byte {
	out := appendU32le(nil, required)
	out = appendU32le(out, uint32(len(publicKeys)))
	for _, pk := range publicKeys {
		out = appendByteSlice(out, pk)
	}
	return out
}

// EncodeMultiSigUnlocking builds the full unlocking parameter bytes for a
// MultiSignature spend.
func EncodeMultiSigUnlocking(required uint32, publicKeys [][]byte, signatures map[uint32][]byte) []byte {
	out := EncodeMultiSigLockPreimage(required, publicKeys)
	out = appendU32le(out, uint32(len(signatures)))
	// Deterministic order: ascending key index.
	indices := make([]uint32, 0, len(signatures))
	for idx := range signatures {
		indices = append(indices, idx)
	}
	for i := 1; i < len(indices); i++ {
		for j := i; j > 0 && indices[j] < indices[j-1]; j-- {
			indices[j], indices[j-1] = indices[j-1], indices[j]
		}
	}
	for _, idx := range indices {
		out = appendU32le(out, idx)
		out = appendByteSlice(out, signatures[idx])
	}
	return out
}

func decodeMultiSigUnlocking(b []byte) (*multiSigUnlocking, error) {
	d := newDecoder(b)
	required, err := d.readU32le()
	if err != nil {
		return nil, err
	}
	keyCount, err := d.readCount()
	if err != nil {
		return nil, err
	}
	keys := make([][]byte, 0, keyCount)
	for i := uint32(0); i < keyCount; i++ {
		pk, err := d.readByteSlice()
		if err != nil {
			return nil, err
		}
		keys = append(keys, pk)
	}
	sigCount, err := d.readCount()
	if err != nil {
		return nil, err
	}
	sigs := make(map[uint32][]byte, sigCount)
	for i := uint32(0); i < sigCount; i++ {
		idx, err := d.readU32le()
		if err != nil {
			return nil, err
		}
		sig, err := d.readByteSlice()
		if err != nil {
			return nil, err
		}
		if _, dup := sigs[idx]; dup {
			return nil, codecErr(CODEC_ERR_VARIANT, "duplicate signature key index")
		}
		sigs[idx] = sig
	}
	if err := d.finish(); err != nil {
		return nil, err
	}
	return &multiSigUnlocking{Required: required, PublicKeys: keys, Signatures: sigs}, nil
}

// verifyInputLock checks one input's unlocking parameters against the
// referenced output's lock. Dispatch is by lock tag; Unlockable always
// fails.
func verifyInputLock(in TxInput, out TxOutput) error {
	switch out.LockType {
	case LockSingleSignature:
		msg := SignatureHash(in, out.LockType, out.LockingParams)
		if !crypto.VerifySignature(msg[:], in.UnlockingParams, out.LockingParams) {
			return ruleErr(KindValidation, TX_ERR_LOCK_UNSATISFIED, "signature does not verify")
		}
		return nil

	case LockMultiSignature:
		env, err := decodeMultiSigUnlocking(in.UnlockingParams)
		if err != nil {
			return ruleErr(KindValidation, TX_ERR_LOCK_UNSATISFIED, "malformed multisig unlocking")
		}
		if env.Required == 0 || uint64(env.Required) > uint64(len(env.PublicKeys)) {
			return ruleErr(KindValidation, TX_ERR_LOCK_UNSATISFIED, "multisig required count out of range")
		}
		lockHash := DigestHash(EncodeMultiSigLockPreimage(env.Required, env.PublicKeys))
		if len(out.LockingParams) != HashSize || lockHash != Hash(out.LockingParams) {
			return ruleErr(KindValidation, TX_ERR_LOCK_UNSATISFIED, "multisig key set does not match lock")
		}
		msg := SignatureHash(in, out.LockType, out.LockingParams)
		verified := uint32(0)
		for idx, sig := range env.Signatures {
			if uint64(idx) >= uint64(len(env.PublicKeys)) {
				return ruleErr(KindValidation, TX_ERR_LOCK_UNSATISFIED, "signature references unknown key index")
			}
			if !crypto.VerifySignature(msg[:], sig, env.PublicKeys[idx]) {
				return ruleErr(KindValidation, TX_ERR_LOCK_UNSATISFIED, "multisig signature does not verify")
			}
			verified++
		}
		if verified < env.Required {
			return ruleErr(KindValidation, TX_ERR_LOCK_UNSATISFIED, "insufficient multisig signatures")
		}
		return nil

	case LockUnlockable:
		return ruleErr(KindValidation, TX_ERR_LOCK_UNSATISFIED, "output is unlockable")

	default:
		return ruleErr(KindValidation, TX_ERR_LOCK_UNSATISFIED, "unknown lock type")
	}
}
