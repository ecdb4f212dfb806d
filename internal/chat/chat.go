// Package chat provides PostgreSQL-backed storage for two-party chat
// records. A chat pairs exactly two marketplace users, optionally
// anchored to the task that originated it, and carries one typing
// timestamp slot per participant from which the typing indicator is
// derived.
package chat

import "time"

// TypingWindow is how long a recorded typing timestamp counts as
// "currently typing". Matched to the UI refresh cadence.
const TypingWindow = 5 * time.Second

// Chat is a persistent two-party conversation container.
type Chat struct {
	ID        int64
	TaskID    *int64 // originating task, set once at creation
	User1ID   int64
	User2ID   int64
	CreatedAt time.Time

	// One typing timestamp slot per participant. Nil until the user
	// signals typing for the first time.
	User1LastTypingAt *time.Time
	User2LastTypingAt *time.Time
}

// IsParticipant reports whether the user is one of the two parties.
func (c *Chat) IsParticipant(userID int64) bool {
	return userID == c.User1ID || userID == c.User2ID
}

// Partner returns the other participant's user id, or 0 if userID is
// not a participant.
func (c *Chat) Partner(userID int64) int64 {
	switch userID {
	case c.User1ID:
		return c.User2ID
	case c.User2ID:
		return c.User1ID
	}
	return 0
}

// TypingAt returns the typing timestamp slot belonging to userID, or
// nil if the user is not a participant or has never signalled typing.
func (c *Chat) TypingAt(userID int64) *time.Time {
	switch userID {
	case c.User1ID:
		return c.User1LastTypingAt
	case c.User2ID:
		return c.User2LastTypingAt
	}
	return nil
}

// PartnerTyping reports whether userID's partner has signalled typing
// within TypingWindow of now. It is a pure predicate over the stored
// timestamp; nothing expires state in the background.
func (c *Chat) PartnerTyping(userID int64, now time.Time) bool {
	return Typing(c.TypingAt(c.Partner(userID)), now)
}

// Typing is the window predicate shared by PartnerTyping and tests:
// true iff ts is set and less than TypingWindow old.
func Typing(ts *time.Time, now time.Time) bool {
	return ts != nil && now.Sub(*ts) >= 0 && now.Sub(*ts) < TypingWindow
}
