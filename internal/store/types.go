package store

import "time"

// Sync operation scopes.
const (
	ScopeGuild   = "guild"
	ScopeChannel = "channel"
	ScopeThread  = "thread"
)

// Sync operation modes.
const (
	ModeFull  = "full"
	ModeDelta = "delta"
)

// Sync operation statuses. Only queued -> running -> {completed, failed}
// transitions are permitted.
const (
	OpQueued    = "queued"
	OpRunning   = "running"
	OpCompleted = "completed"
	OpFailed    = "failed"
)

// Embed queue statuses. done and failed are terminal.
const (
	QueueReady  = "ready"
	QueueDone   = "done"
	QueueFailed = "failed"
)

// Channel is a message container within a guild.
type Channel struct {
	ID         string
	GuildID    string
	CategoryID string
	Name       string
	Type       string
}

// Thread is a child container whose parent is a channel.
type Thread struct {
	ID        string
	GuildID   string
	ChannelID string
	Name      string
	Archived  bool
}

// Message is one chat message. message_id is globally unique, assigned by
// the chat service. thread_id is set when the message lives in a thread
// whose parent is channel_id.
type Message struct {
	ID           string
	GuildID      string
	CategoryID   string
	ChannelID    string
	ThreadID     string
	AuthorID     string
	ContentMD    string
	ContentPlain string
	CreatedAt    time.Time
	EditedAt     *time.Time
	DeletedAt    *time.Time
	Mentions     []string
	Attachments  []string
	JumpLink     string
	TokenCount   int
}

// Window is an ordered, bounded-token concatenation of consecutive
// messages from one channel-date or thread-date, the unit of embedding.
// (channel_id, date, window_seq) is unique so re-chunking is idempotent.
type Window struct {
	ID         string
	GuildID    string
	CategoryID string
	ChannelID  string
	ThreadID   string
	Date       string // calendar date, YYYY-MM-DD
	Seq        int
	MessageIDs []string
	StartAt    time.Time
	EndAt      time.Time
	TokenEst   int
	Text       string
}

// QueueRow is one embed_queue entry. window_id is unique, so a window is
// queued at most once.
type QueueRow struct {
	ID        int64
	WindowID  string
	Priority  int
	Status    string
	Attempts  int
	UpdatedAt time.Time
}

// Progress is the structured progress blob on a sync operation.
type Progress struct {
	Processed int    `json:"processed"`
	Total     int    `json:"total"`
	Message   string `json:"message,omitempty"`
}

// SyncOperation is one queued or running sync job.
type SyncOperation struct {
	ID          string
	GuildID     string
	Scope       string
	Mode        string
	TargetIDs   []string
	Since       *time.Time
	RequestedBy string
	Status      string
	Progress    Progress
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Cursor records per-guild sync high-water marks and drives delta-mode
// selection.
type Cursor struct {
	GuildID       string
	LastMessageID string
	LastSyncedAt  *time.Time
}

// SyncChunk is a per-container fetch checkpoint within one operation.
type SyncChunk struct {
	ID        int64
	OpID      string
	TargetID  string
	Date      string
	Cursor    string
	Status    string
	Attempts  int
	LastError string
}

// Match is one vector RPC hit.
type Match struct {
	WindowID   string
	Similarity float64
}
