// Package intake is the job-intake boundary: it validates sync and chat
// requests arriving from commands or HTTP, decides sync mode from the
// guild cursor and hands work to the store or the answerer.
package intake

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/ynishimura/guildrag/internal/apperr"
	. "github.com/ynishimura/guildrag/internal/logging"
	"github.com/ynishimura/guildrag/internal/retrieval"
	"github.com/ynishimura/guildrag/internal/store"
)

// Store is the slice of the relational store intake touches.
type Store interface {
	GetCursor(ctx context.Context, guildID string) (*store.Cursor, error)
	InsertOperation(ctx context.Context, op store.SyncOperation) error
	GetOperation(ctx context.Context, id string) (*store.SyncOperation, error)
}

// Answerer answers questions over synchronized history.
type Answerer interface {
	Ask(ctx context.Context, guildID, userID, question string) (*retrieval.Answer, error)
}

// Service accepts sync and chat requests.
type Service struct {
	store    Store
	answerer Answerer
}

// New creates a Service.
func New(st Store, answerer Answerer) *Service {
	return &Service{store: st, answerer: answerer}
}

// SyncRequest is one sync enqueue request.
type SyncRequest struct {
	GuildID     string
	Scope       string   // "", guild, channel, thread; empty means guild
	TargetIDs   []string // required for channel and thread scope
	RequestedBy string
}

// SyncReceipt is returned immediately on enqueue; the operation itself
// runs asynchronously.
type SyncReceipt struct {
	OpID  string `json:"opId"`
	Mode  string `json:"mode"`
	Scope string `json:"scope"`
}

// StartSync validates the request, picks full or delta mode from the
// guild cursor and enqueues the operation.
func (s *Service) StartSync(ctx context.Context, req SyncRequest) (*SyncReceipt, error) {
	if req.GuildID == "" {
		return nil, errors.New("guild id is required")
	}

	scope := req.Scope
	if scope == "" {
		scope = store.ScopeGuild
	}
	switch scope {
	case store.ScopeGuild:
	case store.ScopeChannel, store.ScopeThread:
		if len(req.TargetIDs) == 0 {
			return nil, errors.New("target ids are required for " + scope + " scope")
		}
	default:
		return nil, errors.New("unknown sync scope: " + scope)
	}

	// A guild that has completed a sync carries a cursor; everything after
	// its high-water mark is a delta. No cursor means first sync, full mode.
	op := store.SyncOperation{
		ID:          uuid.NewString(),
		GuildID:     req.GuildID,
		Scope:       scope,
		Mode:        store.ModeFull,
		TargetIDs:   req.TargetIDs,
		RequestedBy: req.RequestedBy,
	}

	cursor, err := s.store.GetCursor(ctx, req.GuildID)
	if err != nil {
		return nil, apperr.New(apperr.CodeSyncCursorReadFailed, err)
	}
	if cursor != nil && cursor.LastSyncedAt != nil {
		op.Mode = store.ModeDelta
		since := *cursor.LastSyncedAt
		op.Since = &since
	}

	if err := s.store.InsertOperation(ctx, op); err != nil {
		return nil, apperr.New(apperr.CodeSyncEnqueueFailed, err).With("guild", req.GuildID)
	}

	L_info("intake: sync enqueued", "op", op.ID, "guild", op.GuildID, "scope", op.Scope, "mode", op.Mode)
	return &SyncReceipt{OpID: op.ID, Mode: op.Mode, Scope: op.Scope}, nil
}

// Status reads the current state of an operation.
func (s *Service) Status(ctx context.Context, opID string) (*store.SyncOperation, error) {
	if opID == "" {
		return nil, errors.New("operation id is required")
	}
	return s.store.GetOperation(ctx, opID)
}

// Chat answers a question for a user within a guild.
func (s *Service) Chat(ctx context.Context, guildID, userID, question string) (*retrieval.Answer, error) {
	question = strings.TrimSpace(question)
	if guildID == "" {
		return nil, errors.New("guild id is required")
	}
	if question == "" {
		return nil, errors.New("question is empty")
	}
	return s.answerer.Ask(ctx, guildID, userID, question)
}
