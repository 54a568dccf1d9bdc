package models

// Message is a chat message as returned by the chat platform.
type Message struct {
	ChannelID       string
	Timestamp       string
	ThreadTimestamp string
	UserID          string
	BotID           string
	SubType         string
	Text            string
	ReplyCount      int
}

// IsThreadRoot reports whether the message starts a thread with replies.
func (m Message) IsThreadRoot() bool {
	return m.ReplyCount > 0 && (m.ThreadTimestamp == "" || m.ThreadTimestamp == m.Timestamp)
}

// ThreadKey returns the grouping key for thread propagation. A message that
// is not part of a thread is keyed by its own timestamp.
func (m Message) ThreadKey() ThreadKey {
	root := m.ThreadTimestamp
	if root == "" {
		root = m.Timestamp
	}
	return ThreadKey{ChannelID: m.ChannelID, RootTimestamp: root}
}

// ThreadKey identifies a thread within a channel.
type ThreadKey struct {
	ChannelID     string
	RootTimestamp string
}

func (k ThreadKey) String() string { return k.ChannelID + ":" + k.RootTimestamp }

// TaggedMessage is a message with its direct and thread-level entities.
type TaggedMessage struct {
	Message
	Entities         EntitySet
	ThreadEntities   EntitySet
	DedicatedCompany string
}
