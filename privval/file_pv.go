package privval

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"

	"github.com/blockberries/gbft/types"
)

const (
	dirPerm  = 0o700
	filePerm = 0o600
)

// keyFile is the on-disk key. Only the seed is secret; the public key is
// kept to catch a file edited by hand.
type keyFile struct {
	PubKey string `yaml:"pub_key"`
	Seed   string `yaml:"seed"`
}

// FilePV keeps its key in a YAML file and its last-sign state in a CBOR
// file next to it. A FilePV with no state path keeps the state in memory.
type FilePV struct {
	keyPath   string
	statePath string
	privKey   ed25519.PrivateKey

	mu    sync.Mutex
	state LastSignState
}

// NewFilePV loads the key and state, generating a key when the key file
// does not exist yet.
func NewFilePV(keyPath, statePath string) (*FilePV, error) {
	priv, err := readKey(keyPath)
	if errors.Is(err, os.ErrNotExist) {
		return GenerateFilePV(keyPath, statePath)
	}
	if err != nil {
		return nil, err
	}
	pv := &FilePV{keyPath: keyPath, statePath: statePath, privKey: priv}
	if err := pv.readState(); err != nil {
		return nil, err
	}
	return pv, nil
}

// GenerateFilePV writes a fresh key and an empty state, replacing both.
func GenerateFilePV(keyPath, statePath string) (*FilePV, error) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	pv := &FilePV{keyPath: keyPath, statePath: statePath, privKey: priv}
	if err := writeKey(keyPath, priv); err != nil {
		return nil, err
	}
	if err := pv.writeState(); err != nil {
		return nil, err
	}
	return pv, nil
}

// NewMemPV returns a signer over privKey with in-memory double-sign state.
func NewMemPV(privKey ed25519.PrivateKey) *FilePV {
	return &FilePV{privKey: privKey}
}

func readKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var kf keyFile
	if err := yaml.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("parse key file %s: %w", path, err)
	}
	seed, err := hex.DecodeString(kf.Seed)
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("key file %s: seed must be %d hex bytes", path, ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	if kf.PubKey != hex.EncodeToString(priv.Public().(ed25519.PublicKey)) {
		return nil, fmt.Errorf("%w: %s", ErrKeyMismatch, path)
	}
	return priv, nil
}

func writeKey(path string, priv ed25519.PrivateKey) error {
	data, err := yaml.Marshal(&keyFile{
		PubKey: hex.EncodeToString(priv.Public().(ed25519.PublicKey)),
		Seed:   hex.EncodeToString(priv.Seed()),
	})
	if err != nil {
		return err
	}
	return writeFile(path, data)
}

func (pv *FilePV) readState() error {
	if pv.statePath == "" {
		return nil
	}
	data, err := os.ReadFile(pv.statePath)
	if errors.Is(err, os.ErrNotExist) {
		return pv.writeState()
	}
	if err != nil {
		return err
	}
	if err := types.Unmarshal(data, &pv.state); err != nil {
		return fmt.Errorf("parse state file %s: %w", pv.statePath, err)
	}
	return nil
}

func (pv *FilePV) writeState() error {
	if pv.statePath == "" {
		return nil
	}
	data, err := types.Marshal(&pv.state)
	if err != nil {
		return err
	}
	return writeFile(pv.statePath, data)
}

// writeFile replaces path atomically, so a crash leaves the old or the new
// content and never a torn file.
func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return err
	}
	if err := renameio.WriteFile(path, data, filePerm); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (pv *FilePV) PubKey() ed25519.PublicKey {
	return pv.privKey.Public().(ed25519.PublicKey)
}

// LastSignState returns a copy of the double-sign state.
func (pv *FilePV) LastSignState() LastSignState {
	pv.mu.Lock()
	defer pv.mu.Unlock()
	st := pv.state
	st.Signature = append([]byte(nil), pv.state.Signature...)
	return st
}

func (pv *FilePV) SignVote(chainID string, vote *types.Vote) error {
	sig, err := pv.sign(vote.Height, vote.Round, VoteStep(vote.Kind), types.VoteSignBytes(chainID, vote))
	if err != nil {
		return err
	}
	vote.Signature = sig
	return nil
}

func (pv *FilePV) SignProposal(chainID string, proposal *types.Proposal) error {
	sig, err := pv.sign(proposal.Height, proposal.Round, StepProposal, types.ProposalSignBytes(chainID, proposal))
	if err != nil {
		return err
	}
	proposal.Signature = sig
	return nil
}

func (pv *FilePV) sign(height, round uint64, step Step, doc []byte) ([]byte, error) {
	pv.mu.Lock()
	defer pv.mu.Unlock()

	docHash := types.Keccak256(doc)
	if err := pv.state.CheckHRS(height, round, step); err != nil {
		if errors.Is(err, ErrDoubleSign) && docHash == pv.state.SignBytesHash {
			return append([]byte(nil), pv.state.Signature...), nil
		}
		return nil, fmt.Errorf("%w: %d/%d/%s", err, height, round, step)
	}

	prev := pv.state
	pv.state = LastSignState{
		Height:        height,
		Round:         round,
		Step:          step,
		SignBytesHash: docHash,
		Signature:     ed25519.Sign(pv.privKey, doc),
	}
	// durable before the signature is released
	if err := pv.writeState(); err != nil {
		pv.state = prev
		return nil, err
	}
	return append([]byte(nil), pv.state.Signature...), nil
}

// Reset forgets the last signed position.
func (pv *FilePV) Reset() error {
	pv.mu.Lock()
	defer pv.mu.Unlock()
	pv.state = LastSignState{}
	return pv.writeState()
}

var _ PrivValidator = (*FilePV)(nil)
