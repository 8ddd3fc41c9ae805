package model

import "time"

// ReplyRecord is one reply the bot sent, kept for the operator's audit
// trail.
type ReplyRecord struct {
	ID              string    `json:"id" db:"id"`
	ConversationKey string    `json:"conversation_key" db:"conversation_key"`
	TargetID        string    `json:"target_id" db:"target_id"`
	ReplyMessageID  string    `json:"reply_message_id" db:"reply_message_id"`
	Recipient       string    `json:"recipient" db:"recipient"`
	Subject         string    `json:"subject" db:"subject"`
	Folder          string    `json:"folder" db:"folder"`
	SentAt          time.Time `json:"sent_at" db:"sent_at"`
}
