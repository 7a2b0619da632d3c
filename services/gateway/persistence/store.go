// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package persistence stores conversations and their messages.
//
// The gateway only depends on the Store interface. BadgerStore is the
// embedded implementation shipped with the service.
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianChat/services/gateway/datatypes"
)

// DefaultTitle is the title of a conversation before title generation ran.
const DefaultTitle = "New Chat"

// Role of a message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one immutable turn of a conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Conversation is a user's chat thread.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// Messages is the ordered history, filled by GetOrCreateConversation.
	Messages []Message `json:"-"`
}

// Store is the narrow CRUD surface the chat gateway consumes.
type Store interface {
	// GetOrCreateConversation returns the user's conversation with its
	// history, or creates a new one when conversationID is empty, unknown, or
	// owned by another user. isNew reports creation.
	GetOrCreateConversation(ctx context.Context, userID, conversationID string) (conv *Conversation, isNew bool, err error)

	// CreateMessage appends a message to an existing conversation.
	CreateMessage(ctx context.Context, role Role, content, conversationID string) (*Message, error)

	// UpdateConversationTitle replaces the title.
	UpdateConversationTitle(ctx context.Context, title, conversationID string) error
}

// =============================================================================
// BadgerStore
// =============================================================================

// Key layout:
//
//	conv/<conversationId>              Conversation JSON
//	msg/<conversationId>/<seq:%020d>   Message JSON, seq ascending
const (
	convPrefix = "conv/"
	msgPrefix  = "msg/"
	seqKey     = "seq/msg"
)

func convKey(id string) []byte { return []byte(convPrefix + id) }

func msgKey(conversationID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d", msgPrefix, conversationID, seq))
}

func msgScanPrefix(conversationID string) []byte {
	return []byte(msgPrefix + conversationID + "/")
}

// BadgerStore implements Store on an embedded BadgerDB.
//
// # Description
//
// Message keys carry a zero-padded value from a badger sequence, so a prefix
// scan returns a conversation's history in insertion order.
//
// # Thread Safety
//
// Safe for concurrent use. Writes touching a conversation record are
// serialized so concurrent appends never abort with badger.ErrConflict.
type BadgerStore struct {
	writeMu sync.Mutex

	db     *badger.DB
	seq    *badger.Sequence
	gc     *compactor
	now    func() time.Time
	logger *slog.Logger
}

// OpenBadgerStore opens the database and starts value log compaction when
// configured.
//
// # Inputs
//
//   - cfg: Database settings. Use InMemoryBadgerConfig in tests.
//
// # Outputs
//
//   - *BadgerStore: Caller must Close.
//   - error: Open failure.
func OpenBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	opts, err := cfg.options()
	if err != nil {
		return nil, err
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("conversation store: open: %w", err)
	}
	seq, err := db.GetSequence([]byte(seqKey), 128)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("acquire message sequence: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &BadgerStore{
		db:     db,
		seq:    seq,
		now:    time.Now,
		logger: logger.With("component", "conversation_store"),
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gc = startCompactor(db, cfg.GCInterval, cfg.GCDiscardRatio, s.logger)
	}
	return s, nil
}

// Close stops compaction, releases the sequence and closes the database.
func (s *BadgerStore) Close() error {
	if s.gc != nil {
		s.gc.stop()
	}
	return errors.Join(s.seq.Release(), s.db.Close())
}

// GetOrCreateConversation implements Store.
func (s *BadgerStore) GetOrCreateConversation(ctx context.Context, userID, conversationID string) (*Conversation, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	if conversationID != "" {
		var conv *Conversation
		err := s.db.View(func(txn *badger.Txn) error {
			c, err := getConversation(txn, conversationID)
			if err != nil || c.UserID != userID {
				return err
			}
			msgs, err := listMessages(txn, conversationID)
			if err != nil {
				return err
			}
			c.Messages = msgs
			conv = c
			return nil
		})
		switch {
		case err == nil && conv != nil:
			return conv, false, nil
		case err != nil && !errors.Is(err, badger.ErrKeyNotFound):
			return nil, false, datatypes.WrapError(datatypes.KindPersistenceFailure, err, "load conversation")
		}
		s.logger.Debug("Conversation not usable, creating a new one",
			"requested_id", conversationID, "user_id", userID)
	}

	now := s.now()
	conv := &Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Title:     DefaultTitle,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return putJSON(txn, convKey(conv.ID), conv)
	}); err != nil {
		return nil, false, datatypes.WrapError(datatypes.KindPersistenceFailure, err, "create conversation")
	}
	return conv, true, nil
}

// CreateMessage implements Store.
func (s *BadgerStore) CreateMessage(ctx context.Context, role Role, content, conversationID string) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seq, err := s.seq.Next()
	if err != nil {
		return nil, datatypes.WrapError(datatypes.KindPersistenceFailure, err, "allocate message sequence")
	}

	now := s.now()
	msg := &Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      now,
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	err = s.db.Update(func(txn *badger.Txn) error {
		conv, err := getConversation(txn, conversationID)
		if err != nil {
			return err
		}
		conv.UpdatedAt = now
		if err := putJSON(txn, convKey(conversationID), conv); err != nil {
			return err
		}
		return putJSON(txn, msgKey(conversationID, seq), msg)
	})
	if err != nil {
		return nil, datatypes.WrapError(datatypes.KindPersistenceFailure, err, "append message to %s", conversationID)
	}
	return msg, nil
}

// UpdateConversationTitle implements Store.
func (s *BadgerStore) UpdateConversationTitle(ctx context.Context, title, conversationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	err := s.db.Update(func(txn *badger.Txn) error {
		conv, err := getConversation(txn, conversationID)
		if err != nil {
			return err
		}
		conv.Title = title
		conv.UpdatedAt = s.now()
		return putJSON(txn, convKey(conversationID), conv)
	})
	if err != nil {
		return datatypes.WrapError(datatypes.KindPersistenceFailure, err, "update title of %s", conversationID)
	}
	return nil
}

// =============================================================================
// Transaction Helpers
// =============================================================================

func getConversation(txn *badger.Txn, id string) (*Conversation, error) {
	item, err := txn.Get(convKey(id))
	if err != nil {
		return nil, err
	}
	var conv Conversation
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &conv)
	}); err != nil {
		return nil, err
	}
	return &conv, nil
}

func listMessages(txn *badger.Txn, conversationID string) ([]Message, error) {
	prefix := msgScanPrefix(conversationID)
	it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 64, Prefix: prefix})
	defer it.Close()

	var msgs []Message
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var m Message
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &m)
		}); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func putJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}
