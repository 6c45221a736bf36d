package pipeline

import "codeguard/pkg/models"

// ReplyWriter writes result messages for routed requests.
type ReplyWriter interface {
	WriteReplies(replies []models.AgentMessage) error
	Close() error
}
