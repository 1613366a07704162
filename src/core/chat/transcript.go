package chat

import (
	"time"

	"imagechat-server-go/src/core/types"

	"github.com/google/uuid"
)

// 消息发送方
const (
	SenderUser = "user"
	SenderAI   = "ai"
)

// Message 会话消息结构。会话记录只增不改：消息创建后内容和ID不再变化，
// 显示顺序即插入顺序。
type Message struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Sender    string `json:"sender"`
	Timestamp int64  `json:"timestamp"` // epoch毫秒
}

// NewMessage 创建一条带唯一ID和当前时间戳的消息
func NewMessage(sender, content string) Message {
	return Message{
		ID:        NewMessageID(),
		Content:   content,
		Sender:    sender,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewMessageID 生成防碰撞的消息ID。
// 同一毫秒内创建多条消息时时间戳拼接会重复，所以用UUID。
func NewMessageID() string {
	return uuid.New().String()
}

// RoleForSender 把消息发送方映射为补全API的角色
func RoleForSender(sender string) string {
	if sender == SenderUser {
		return types.RoleUser
	}
	return types.RoleAssistant
}

// BuildDialogue 把会话记录组装成补全API的消息序列：
// 系统上下文在最前，历史消息按原顺序回放，新消息作为最后一条用户消息。
func BuildDialogue(systemPrompt string, transcript []Message, newMessage string) []types.Message {
	dialogue := make([]types.Message, 0, len(transcript)+2)

	dialogue = append(dialogue, types.Message{
		Role:    types.RoleSystem,
		Content: systemPrompt,
	})

	for _, msg := range transcript {
		dialogue = append(dialogue, types.Message{
			Role:    RoleForSender(msg.Sender),
			Content: msg.Content,
		})
	}

	dialogue = append(dialogue, types.Message{
		Role:    types.RoleUser,
		Content: newMessage,
	})

	return dialogue
}
