package notification

// Content is fully composed notification content, ready for display.
type Content struct {
	Title           string
	Body            string
	Sound           string
	Badge           int
	ThreadID        string
	SummaryArgument string
	AttachmentPath  string
}

// Request is one notification-store request.
type Request struct {
	ID         string
	Content    *Content
	FireDateMs uint64
}

// Center is the notification store, an external asynchronous registry of
// scheduled and delivered requests. Mutations are fire-and-forget and may
// settle arbitrarily late, so state must be read back rather than assumed.
type Center interface {
	// Add schedules a request. A nil error means the request was accepted,
	// not that it is visible yet.
	Add(req *Request) error

	// RemovePending withdraws not-yet-delivered requests by identifier.
	// Unknown identifiers are ignored.
	RemovePending(reqIDs []string)

	// RemoveDelivered withdraws already-delivered requests by identifier.
	RemoveDelivered(reqIDs []string)

	PendingIDs() ([]string, error)
	DeliveredIDs() ([]string, error)
}
