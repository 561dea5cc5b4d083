package types

import (
	"errors"
	"fmt"
)

// MaxMessageSize bounds a decoded wire message.
const MaxMessageSize = 4 * 1024 * 1024

// MessageKind is the one-byte tag that prefixes every wire message.
type MessageKind uint8

const (
	MessageKindProposal  MessageKind = 1
	MessageKindPrevote   MessageKind = 2
	MessageKindPrecommit MessageKind = 3
	MessageKindCommit    MessageKind = 4
)

func (k MessageKind) String() string {
	switch k {
	case MessageKindProposal:
		return "Proposal"
	case MessageKindPrevote:
		return "Prevote"
	case MessageKindPrecommit:
		return "Precommit"
	case MessageKindCommit:
		return "Commit"
	default:
		return fmt.Sprintf("MessageKind(%d)", uint8(k))
	}
}

var (
	ErrMalformedMessage   = errors.New("malformed message")
	ErrUnknownMessageKind = errors.New("unknown message kind")
	ErrMessageTooLarge    = errors.New("message too large")
)

// Message is the tagged wire variant: exactly one of Proposal, Vote or
// Commit is set.
type Message struct {
	Proposal *Proposal
	Vote     *Vote
	Commit   *Commit
}

// ProposalMessage wraps a proposal.
func ProposalMessage(p *Proposal) *Message {
	return &Message{Proposal: p}
}

// VoteMessage wraps a vote.
func VoteMessage(v *Vote) *Message {
	return &Message{Vote: v}
}

// CommitMessage wraps a commit.
func CommitMessage(c *Commit) *Message {
	return &Message{Commit: c}
}

// Kind returns the wire tag of the message.
func (m *Message) Kind() MessageKind {
	switch {
	case m.Proposal != nil:
		return MessageKindProposal
	case m.Vote != nil && m.Vote.Kind == VoteKindPrevote:
		return MessageKindPrevote
	case m.Vote != nil && m.Vote.Kind == VoteKindPrecommit:
		return MessageKindPrecommit
	case m.Commit != nil:
		return MessageKindCommit
	default:
		return 0
	}
}

// Height returns the height the message is for.
func (m *Message) Height() uint64 {
	switch {
	case m.Proposal != nil:
		return m.Proposal.Height
	case m.Commit != nil:
		return m.Commit.QC.Height
	}
	return m.Vote.Height
}

// Round returns the round the message is for.
func (m *Message) Round() uint64 {
	switch {
	case m.Proposal != nil:
		return m.Proposal.Round
	case m.Commit != nil:
		return m.Commit.QC.Round
	}
	return m.Vote.Round
}

// Sender returns the validator index that signed the message. A commit is
// signed by its QC, and reports the block's proposer.
func (m *Message) Sender() uint32 {
	switch {
	case m.Proposal != nil:
		return m.Proposal.Proposer
	case m.Commit != nil:
		return m.Commit.Block.Header.Proposer
	}
	return m.Vote.Validator
}

// EncodeMessage frames a message as [kind byte][cbor body].
func EncodeMessage(m *Message) ([]byte, error) {
	kind := m.Kind()
	var (
		body []byte
		err  error
	)
	switch kind {
	case MessageKindProposal:
		body, err = Marshal(m.Proposal)
	case MessageKindPrevote, MessageKindPrecommit:
		body, err = Marshal(m.Vote)
	case MessageKindCommit:
		body, err = Marshal(m.Commit)
	default:
		return nil, fmt.Errorf("%w: empty message", ErrMalformedMessage)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", kind, err)
	}
	out := make([]byte, 1+len(body))
	out[0] = byte(kind)
	copy(out[1:], body)
	return out, nil
}

// DecodeMessage parses a framed wire message. The vote kind inside the body
// must agree with the frame tag.
func DecodeMessage(data []byte) (*Message, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedMessage, len(data))
	}
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(data))
	}

	kind := MessageKind(data[0])
	body := data[1:]
	switch kind {
	case MessageKindProposal:
		p := new(Proposal)
		if err := Unmarshal(body, p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		return &Message{Proposal: p}, nil
	case MessageKindPrevote, MessageKindPrecommit:
		v := new(Vote)
		if err := Unmarshal(body, v); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		if (kind == MessageKindPrevote) != (v.Kind == VoteKindPrevote) || !v.Kind.IsValid() {
			return nil, fmt.Errorf("%w: %s frame carries %s", ErrMalformedMessage, kind, v.Kind)
		}
		return &Message{Vote: v}, nil
	case MessageKindCommit:
		c := new(Commit)
		if err := Unmarshal(body, c); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		if c.Block == nil || c.QC == nil {
			return nil, fmt.Errorf("%w: commit without block or QC", ErrMalformedMessage)
		}
		return &Message{Commit: c}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageKind, data[0])
	}
}
