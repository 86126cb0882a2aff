package channel

import "strings"

// AccessPolicy decides whether a sender may use a session's bot.
//
// Both lists empty means an open bot. Otherwise a sender is allowed when the
// chat id is in AllowedChatIDs or the username is in AllowedUsernames.
type AccessPolicy struct {
	chatIDs   map[string]struct{}
	usernames map[string]struct{}
}

// NewAccessPolicy builds a policy from the session allow-lists.
func NewAccessPolicy(session Session) AccessPolicy {
	policy := AccessPolicy{
		chatIDs:   map[string]struct{}{},
		usernames: map[string]struct{}{},
	}
	for _, id := range session.AllowedChatIDs {
		id = strings.TrimSpace(id)
		if id != "" {
			policy.chatIDs[id] = struct{}{}
		}
	}
	for _, name := range session.AllowedUsernames {
		name = normalizeUsername(name)
		if name != "" {
			policy.usernames[name] = struct{}{}
		}
	}
	return policy
}

// Open reports whether the policy imposes no restriction.
func (p AccessPolicy) Open() bool {
	return len(p.chatIDs) == 0 && len(p.usernames) == 0
}

// Allows reports whether the sender of chatID/username passes the policy.
func (p AccessPolicy) Allows(chatID, username string) bool {
	if p.Open() {
		return true
	}
	if _, ok := p.chatIDs[strings.TrimSpace(chatID)]; ok {
		return true
	}
	if name := normalizeUsername(username); name != "" {
		if _, ok := p.usernames[name]; ok {
			return true
		}
	}
	return false
}

func normalizeUsername(raw string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(raw), "@"))
}
