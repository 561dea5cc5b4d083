// Package privval implements private validator signing with double-sign prevention.
//
// A private validator holds the Ed25519 key used for proposals, prevotes and
// precommits. Its job is to never sign two different messages for the same
// height/round/step, even across crashes.
//
// # Double-Sign Prevention
//
// LastSignState records the last height/round/step signed and a hash of the
// exact signed document. Before signing:
//
//  1. Never sign at a lower height, round or step than the last one
//  2. At the same height/round/step, only the identical document may be
//     signed again, and the cached signature is returned
//  3. Persist the state BEFORE returning the signature
//
// # Implementation
//
// FilePV keeps two files, both replaced atomically (write to a temp file,
// fsync, rename): a YAML key file holding the hex seed and public key, and
// the LastSignState in the canonical CBOR encoding.
//
// NewMemPV builds the same signer without a state file, for simulations.
//
// # Usage Example
//
//	pv, err := privval.NewFilePV("key.yaml", "state.cbor")
//	if err != nil {
//	    return err
//	}
//	vote := &types.Vote{Kind: types.VoteKindPrevote, Height: 100, BlockHash: blockHash, Validator: 3}
//	if err := pv.SignVote("my-chain", vote); err != nil {
//	    return err // possibly ErrDoubleSign
//	}
package privval
