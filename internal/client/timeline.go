package client

import (
	"context"
	"sync"

	"github.com/groupchat/internal/model"
	"github.com/groupchat/internal/ws"
)

// UnknownParent is rendered when a reply's parent is not in the timeline
// (outside the loaded history window, or deleted before fetch).
const UnknownParent = "Unknown"

// Decrypter turns an encrypted message body back into plaintext. Implemented
// by the encryption session; nil on a plaintext group.
type Decrypter interface {
	Decrypt(ctx context.Context, ciphertext string) (string, error)
}

// Entry is one rendered timeline position. Undecryptable is set when the
// local session could not recover the plaintext; the original ciphertext is
// kept in Message.Body so a later key arrival can heal it on refetch.
type Entry struct {
	Message       model.Message
	Pinned        bool
	Undecryptable bool
}

// Timeline is the client-side message arena: an id-keyed map plus an ordered
// index. All mutating events patch by id; events for ids the timeline has
// never seen are dropped silently and healed by the next full history fetch.
type Timeline struct {
	mu    sync.Mutex
	byID  map[string]*Entry
	order []string
	dec   Decrypter
}

func NewTimeline(dec Decrypter) *Timeline {
	return &Timeline{byID: make(map[string]*Entry), dec: dec}
}

// Ingest appends a message if its id is unknown. The optimistic local insert
// and the later server echo carry the same client-generated id, so the echo
// is absorbed here. Returns false for duplicates.
func (t *Timeline) Ingest(ctx context.Context, m model.Message) bool {
	e := Entry{Message: m}
	if m.IsEncrypted && m.Body != nil && t.dec != nil {
		plain, err := t.dec.Decrypt(ctx, *m.Body)
		if err != nil {
			e.Undecryptable = true
		} else {
			e.Message.Body = &plain
		}
	} else if m.IsEncrypted && m.Body != nil {
		e.Undecryptable = true
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byID[m.ID]; ok {
		return false
	}
	t.byID[m.ID] = &e
	t.order = append(t.order, m.ID)
	return true
}

// ApplyEdit patches the body in place. Identity never changes on edit.
func (t *Timeline) ApplyEdit(ctx context.Context, p ws.MessageEditedPayload) bool {
	body := p.Body
	undecryptable := false
	t.mu.Lock()
	e, ok := t.byID[p.MessageID]
	encrypted := ok && e.Message.IsEncrypted
	t.mu.Unlock()
	if !ok {
		return false
	}
	if encrypted && t.dec != nil {
		plain, err := t.dec.Decrypt(ctx, p.Body)
		if err != nil {
			undecryptable = true
		} else {
			body = plain
		}
	} else if encrypted {
		undecryptable = true
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok = t.byID[p.MessageID]
	if !ok {
		return false
	}
	e.Message.Body = &body
	editedAt := p.EditedAt
	e.Message.EditedAt = &editedAt
	e.Undecryptable = undecryptable
	return true
}

// ApplyDelete performs the soft delete: body cleared, id and position kept.
func (t *Timeline) ApplyDelete(p ws.MessageDeletedPayload) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byID[p.MessageID]
	if !ok {
		return false
	}
	e.Message.Body = nil
	e.Message.File = nil
	deletedAt := p.DeletedAt
	e.Message.DeletedAt = &deletedAt
	e.Undecryptable = false
	return true
}

// ApplyReaction adds or removes a (message, user, emoji) triple. Adding an
// already-present triple is a no-op, so the server echo of the local
// optimistic add does not duplicate.
func (t *Timeline) ApplyReaction(p ws.ReactionPayload, add bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byID[p.MessageID]
	if !ok {
		return false
	}
	idx := -1
	for i, r := range e.Message.Reactions {
		if r.UserName == p.UserName && r.Emoji == p.Emoji {
			idx = i
			break
		}
	}
	if add {
		if idx >= 0 {
			return false
		}
		e.Message.Reactions = append(e.Message.Reactions, model.Reaction{
			MessageID: p.MessageID,
			UserName:  p.UserName,
			Emoji:     p.Emoji,
		})
		return true
	}
	if idx < 0 {
		return false
	}
	e.Message.Reactions = append(e.Message.Reactions[:idx], e.Message.Reactions[idx+1:]...)
	return true
}

// ApplyRead records one batch of read receipts. Re-applying the same payload
// changes nothing; returns how many receipts were new.
func (t *Timeline) ApplyRead(p ws.MessagesReadPayload) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	applied := 0
	for _, id := range p.MessageIDs {
		e, ok := t.byID[id]
		if !ok {
			continue
		}
		seen := false
		for _, r := range e.Message.Reads {
			if r.UserID == p.ReaderID {
				seen = true
				break
			}
		}
		if seen {
			continue
		}
		e.Message.Reads = append(e.Message.Reads, model.ReadReceipt{
			MessageID: id,
			UserID:    p.ReaderID,
			ReadAt:    p.ReadAt,
		})
		applied++
	}
	return applied
}

func (t *Timeline) ApplyPin(p ws.PinPayload, pinned bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byID[p.MessageID]
	if !ok || e.Pinned == pinned {
		return false
	}
	e.Pinned = pinned
	return true
}

// Get returns a copy of the entry for id.
func (t *Timeline) Get(id string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byID[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Messages returns the timeline in insertion order.
func (t *Timeline) Messages() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, *t.byID[id])
	}
	return out
}

func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.order)
}

// ParentPreview resolves a reply's parent for rendering. The lookup is
// in-memory only; a parent outside the timeline renders as UnknownParent.
func (t *Timeline) ParentPreview(id string) (sender, body string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byID[id]
	if !ok {
		return UnknownParent, ""
	}
	if e.Message.Deleted() || e.Message.Body == nil {
		return e.Message.SenderName, ""
	}
	return e.Message.SenderName, *e.Message.Body
}
