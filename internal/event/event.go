// Package event defines the named events exchanged between client connections and the
// coordinator, their payloads, and the Delivery envelope used to route outbound events.
package event

// Name identifies an event on the gateway.
type Name string

// Inbound event names (client -> coordinator).
const (
	Join             Name = "join"
	Move             Name = "move"
	SetName          Name = "setName"
	Message          Name = "message"
	InviteToChat     Name = "inviteToChat"
	AcceptInvitation Name = "acceptInvitation"
	RejectInvitation Name = "rejectInvitation"
	LeaveGroup       Name = "leaveGroup"
	// Disconnect is synthesized by the gateway when a connection closes.
	Disconnect Name = "disconnect"
)

// Outbound event names (coordinator -> client).
const (
	Connected          Name = "connected"
	UpdatePlayers      Name = "updatePlayers"
	ChatMessage        Name = "message"
	ChatInvitation     Name = "chatInvitation"
	InvitationSent     Name = "invitationSent"
	InvitationRejected Name = "invitationRejected"
	InvitationExpired  Name = "invitationExpired"
	PlayerJoinedGroup  Name = "playerJoinedGroup"
	PlayerLeftGroup    Name = "playerLeftGroup"
	GroupCreated       Name = "groupCreated"
	LeftGroup          Name = "leftGroup"
	ChatError          Name = "chatError"
)

// Position is the payload of join and move. Name is optional.
type Position struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Name string  `json:"name,omitempty"`
}

// Inbound is one decoded client event, tagged with the connection it arrived on.
type Inbound struct {
	// ConnID is the gateway-assigned connection id, which doubles as the session id.
	ConnID string
	Name   Name
	// Position is set for Join and Move.
	Position Position
	// Arg carries the single string argument of SetName (name), Message (text),
	// InviteToChat (target id) and Accept/RejectInvitation (invite id).
	Arg string
}

// Delivery is one outbound event addressed to specific connections or to everyone.
type Delivery struct {
	// To lists the recipients in delivery order. Ignored when Broadcast is set.
	To        []string
	Broadcast bool
	Name      Name
	Payload   any
}

// To builds a Delivery for the given recipients.
func To(name Name, payload any, ids ...string) Delivery {
	return Delivery{To: ids, Name: name, Payload: payload}
}

// ToAll builds a Delivery for every connection.
func ToAll(name Name, payload any) Delivery {
	return Delivery{Broadcast: true, Name: name, Payload: payload}
}

// ConnectedPayload tells a fresh connection its id.
type ConnectedPayload struct {
	ID string `json:"id"`
}

// MessagePayload is a chat line.
type MessagePayload struct {
	From string `json:"from"`
	Text string `json:"text"`
}

// ChatInvitationPayload is sent to the invitee.
type ChatInvitationPayload struct {
	InviteID string `json:"inviteId"`
	From     string `json:"from"`
	FromName string `json:"fromName"`
}

// InvitationSentPayload confirms an invitation to its sender.
type InvitationSentPayload struct {
	InviteID string `json:"inviteId"`
	To       string `json:"to"`
	ToName   string `json:"toName"`
}

// InvitationRejectedPayload tells the sender the invitee declined.
type InvitationRejectedPayload struct {
	InviteID string `json:"inviteId"`
	By       string `json:"by"`
	ByName   string `json:"byName"`
}

// InvitationExpiredPayload tells the sender an invitation lapsed unanswered.
type InvitationExpiredPayload struct {
	InviteID string `json:"inviteId"`
	To       string `json:"to"`
	ToName   string `json:"toName"`
}

// PlayerJoinedGroupPayload is sent to every member when someone joins an existing group.
type PlayerJoinedGroupPayload struct {
	GroupID    string   `json:"groupId"`
	PlayerID   string   `json:"playerId"`
	PlayerName string   `json:"playerName"`
	Members    []string `json:"members"`
}

// PlayerLeftGroupPayload is sent to the remaining members when someone leaves.
type PlayerLeftGroupPayload struct {
	GroupID    string   `json:"groupId"`
	PlayerID   string   `json:"playerId"`
	PlayerName string   `json:"playerName"`
	Members    []string `json:"members"`
}

// GroupCreatedPayload is sent to both founding members of a new group.
type GroupCreatedPayload struct {
	GroupID     string   `json:"groupId"`
	Members     []string `json:"members"`
	MemberNames []string `json:"memberNames"`
}
