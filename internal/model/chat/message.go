package chat

// Sender identifies who authored a transcript message.
type Sender string

const (
	SenderUser Sender = "user"
	SenderAI   Sender = "ai"
)

// Link is a single result surfaced alongside an AI answer.
type Link struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

// Message is one transcript entry. Only the in-flight placeholder carries
// IsLoading, and it is replaced rather than mutated when its turn ends.
type Message struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Sender    Sender `json:"sender"`
	Links     []Link `json:"links,omitempty"`
	IsLoading bool   `json:"isLoading,omitempty"`
}

// Answer is what the answering service returns for a query.
type Answer struct {
	ResponseText string `json:"responseText"`
	FoundLinks   []Link `json:"foundLinks"`
}

// Clone returns a copy that shares no slices with m.
func (m Message) Clone() Message {
	if m.Links != nil {
		m.Links = append([]Link(nil), m.Links...)
	}
	return m
}
