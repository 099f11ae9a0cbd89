package bus

import "time"

// EventKind identifies what happened. The set is closed: switches over
// it are expected to cover every case.
type EventKind int

const (
	KindChatMessage EventKind = iota
	KindDirectoryUpdate
	KindFileChanged
)

func (k EventKind) String() string {
	switch k {
	case KindChatMessage:
		return "chat_message"
	case KindDirectoryUpdate:
		return "directory_update"
	case KindFileChanged:
		return "file_changed"
	default:
		return "unknown"
	}
}

// TransportKind tags a subscription with the adapter that owns it.
// Used only for bookkeeping and logs; the bus never special-cases a
// transport.
type TransportKind int

const (
	TransportWebSocket TransportKind = iota
	TransportNDJSON
	TransportSSE
)

func (t TransportKind) String() string {
	switch t {
	case TransportWebSocket:
		return "websocket"
	case TransportNDJSON:
		return "ndjson"
	case TransportSSE:
		return "sse"
	default:
		return "unknown"
	}
}

// FileInfo is one entry of a directory snapshot.
type FileInfo struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Dir  bool   `json:"dir"`
}

// ChatPayload carries one chat line and its sender context.
type ChatPayload struct {
	Message string `json:"message"`
	Sender  string `json:"sender"`
}

// DirectoryPayload carries a full snapshot of the watched directory.
// Snapshots are complete, so a new consumer never needs history.
type DirectoryPayload struct {
	Path  string     `json:"path"`
	Files []FileInfo `json:"files"`
}

// FilePayload names a changed file by root-relative path. Content is
// deliberately absent; consumers fetch it through the file API.
type FilePayload struct {
	Path string `json:"path"`
}

// Event is an immutable record of something that happened. Sequence
// and Timestamp are assigned by the bus at publish time; exactly one
// payload pointer is non-nil, matching Kind.
type Event struct {
	Sequence  uint64    `json:"sequence"`
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	Chat      *ChatPayload      `json:"chat,omitempty"`
	Directory *DirectoryPayload `json:"directory,omitempty"`
	File      *FilePayload      `json:"file,omitempty"`
}

// NewChatEvent builds an unpublished chat event. Sequence and
// Timestamp stay zero until Publish.
func NewChatEvent(message, sender string) Event {
	return Event{Kind: KindChatMessage, Chat: &ChatPayload{Message: message, Sender: sender}}
}

// NewDirectoryEvent builds an unpublished directory snapshot event.
func NewDirectoryEvent(path string, files []FileInfo) Event {
	return Event{Kind: KindDirectoryUpdate, Directory: &DirectoryPayload{Path: path, Files: files}}
}

// NewFileEvent builds an unpublished file-change event.
func NewFileEvent(relPath string) Event {
	return Event{Kind: KindFileChanged, File: &FilePayload{Path: relPath}}
}
