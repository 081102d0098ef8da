package database

import "time"

// Interaction is a user's latest directional action toward another user.
//
// Composite PK: (ActorID, TargetID)
//   - A later interaction overwrites the earlier one.
//
// Indexes:
//   - idx_interactions_target_kind_updated(target_id, kind, updated_at DESC)
//     serves the "who likes me" list.
type Interaction struct {
	ActorID   string    `gorm:"primaryKey;size:64"`
	TargetID  string    `gorm:"primaryKey;size:64;index:idx_interactions_target_kind_updated,priority:1"`
	Kind      string    `gorm:"size:16;not null;index:idx_interactions_target_kind_updated,priority:2"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime;index:idx_interactions_target_kind_updated,priority:3,sort:desc"`
}

// Match is a mutual like between two users, stored once per unordered pair
// with UserAID < UserBID.
//
// LastSeq is the per-match message sequence counter. It is only ever
// incremented inside the message insert transaction.
type Match struct {
	ID             string     `gorm:"primaryKey;size:36"`
	UserAID        string     `gorm:"column:user_a_id;size:64;not null;uniqueIndex:idx_matches_pair,priority:1;index:idx_matches_user_a_active,priority:1"`
	UserBID        string     `gorm:"column:user_b_id;size:64;not null;uniqueIndex:idx_matches_pair,priority:2;index:idx_matches_user_b_active,priority:1"`
	IsActive       bool       `gorm:"not null;index:idx_matches_user_a_active,priority:2;index:idx_matches_user_b_active,priority:2"`
	LastSeq        uint64     `gorm:"not null"`
	LastActivityAt time.Time  `gorm:"not null"`
	UnmatchedBy    *string    `gorm:"size:64"`
	UnmatchedAt    *time.Time
	CreatedAt      time.Time `gorm:"autoCreateTime"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime"`
}

// HasUser reports whether userID is one of the two participants.
func (m *Match) HasUser(userID string) bool {
	return userID != "" && (m.UserAID == userID || m.UserBID == userID)
}

// OtherUser returns the participant that is not userID.
func (m *Match) OtherUser(userID string) string {
	if m.UserAID == userID {
		return m.UserBID
	}
	return m.UserAID
}

// Message is one entry of a match's conversation. (MatchID, Seq) is the
// total order of the conversation.
type Message struct {
	ID          uint64     `gorm:"primaryKey;autoIncrement"`
	MatchID     string     `gorm:"size:36;not null;uniqueIndex:idx_messages_match_seq,priority:1;index:idx_messages_match_sender,priority:1"`
	Seq         uint64     `gorm:"not null;uniqueIndex:idx_messages_match_seq,priority:2"`
	SenderID    string     `gorm:"size:64;not null;index:idx_messages_match_sender,priority:2"`
	Body        string     `gorm:"type:text;not null"`
	CreatedAt   time.Time  `gorm:"not null"`
	DeliveredAt *time.Time
	ReadAt      *time.Time
}

// Models lists every table managed by AutoMigrate.
func Models() []any {
	return []any{&Interaction{}, &Match{}, &Message{}}
}
