package bus

// Approval lifecycle topics.
const (
	TopicApprovalRequested = "approval.requested"
	TopicApprovalResolved  = "approval.resolved"
	TopicApprovalTimeout   = "approval.timeout"
)

// Agent lifecycle topics.
const (
	TopicAgentRegistered   = "agent.registered"
	TopicAgentUnregistered = "agent.unregistered"
)

// Mailbox topic, published when the operator queues a message for an agent.
const (
	TopicMessageQueued = "message.queued"
)

// ApprovalRequested is published when the broker accepts a delegated approval
// request and a prompt is being sent to the operator.
type ApprovalRequested struct {
	RequestID string // Short request id shown to the operator
	AgentID   string // Owning agent
	AgentName string // Display name for rendering
	Action    string // Tool name + parameter summary
	TimeoutS  int    // Seconds until default deny
}

// ApprovalResolved is published when an operator decision (or bulk sweep)
// resolves a pending request.
type ApprovalResolved struct {
	RequestID string
	AgentID   string
	Approved  bool
	Reason    string // e.g. "user approved", "bulk denied"
}

// ApprovalTimeout is published when a pending request expires unanswered
// and defaults to denied.
type ApprovalTimeout struct {
	RequestID string
	AgentID   string
	TimeoutS  int
}

// AgentEvent is published on register/unregister.
type AgentEvent struct {
	AgentID     string
	DisplayName string
}

// MessageQueued is published when a message is enqueued for an agent.
type MessageQueued struct {
	AgentID string
	Text    string
}
