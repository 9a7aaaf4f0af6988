package dispatch

// Status represents the state of a message within one send run
type Status string

const (
	StatusPending  Status = "pending"
	StatusSending  Status = "sending"
	StatusRetrying Status = "retrying"
	StatusSent     Status = "sent"
	StatusFailed   Status = "failed"
)

// Message is one outbound unit: a fully personalized email for a single
// recipient. Messages are immutable once built and consumed exactly once
// by the engine.
type Message struct {
	ID        string // correlation id
	ContactID string // maps back to a contact in the caller's store
	To        string
	Subject   string
	HTML      string
	Text      string
}

// Outcome records the terminal result of attempting one message.
type Outcome struct {
	Email     string `json:"email"`
	ContactID string `json:"contact_id,omitempty"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	Attempts  int    `json:"attempts"`
}

// Summary aggregates the results of one run. Results hold one entry per
// input message, in dispatch order.
type Summary struct {
	Sent      int       `json:"sent"`
	Failed    int       `json:"failed"`
	Cancelled bool      `json:"cancelled"`
	Results   []Outcome `json:"results"`
}
