package bridge

import (
	"context"
	"strings"

	"github.com/mattjoyce/smsbridge/internal/address"
	"github.com/mattjoyce/smsbridge/internal/delivery"
	"github.com/mattjoyce/smsbridge/internal/events"
	"github.com/mattjoyce/smsbridge/internal/log"
	"github.com/mattjoyce/smsbridge/internal/protocol"
)

// handle serves commands initiated by the bridge. It runs on the stdout
// reader, so replies are queued and never awaited here.
func (s *Service) handle(ctx context.Context, in *protocol.Incoming) {
	logger := log.WithCommand(s.logger, in.Command, in.ID)
	logger.Debug("bridge command received")
	s.events.Publish(events.CommandReceived, map[string]any{"command": in.Command, "id": in.ID})

	switch p := in.Payload.(type) {
	case *protocol.SendMessage:
		s.send(ctx, in.ID, p.ChatGUID, delivery.Request{Text: p.Text})
	case *protocol.SendMedia:
		s.send(ctx, in.ID, p.ChatGUID, delivery.Request{
			Text: p.Text,
			Attachments: []protocol.Attachment{{
				MimeType:   p.MimeType,
				FileName:   p.FileName,
				PathOnDisk: p.PathOnDisk,
			}},
		})
	case *protocol.GetChats:
		chats, err := s.store.ChatsSince(ctx, p.MinTimestamp)
		if err != nil {
			s.fail(ctx, in.ID, protocol.ErrCodeInternal, err.Error())
			return
		}
		if chats == nil {
			chats = []string{}
		}
		s.engine.Reply(ctx, in.ID, chats)
	case *protocol.GetChat:
		numbers, group, err := address.ParseChatGUID(p.ChatGUID)
		if err != nil {
			s.fail(ctx, in.ID, protocol.ErrCodeNotFound, err.Error())
			return
		}
		info := protocol.ChatInfo{Members: numbers}
		if group {
			info.Title = strings.Join(numbers, ", ")
		}
		s.engine.Reply(ctx, in.ID, info)
	case *protocol.GetMessagesAfter:
		msgs, err := s.store.MessagesAfter(ctx, p.ChatGUID, p.Timestamp)
		s.replyMessages(ctx, in.ID, msgs, err)
	case *protocol.GetRecentMessages:
		msgs, err := s.store.RecentMessages(ctx, p.ChatGUID, p.Limit)
		s.replyMessages(ctx, in.ID, msgs, err)
	default:
		if in.Command == protocol.CommandPing {
			s.engine.Reply(ctx, in.ID, nil)
			return
		}
		logger.Warn("unknown bridge command")
		s.fail(ctx, in.ID, protocol.ErrCodeUnknownCommand, in.Command)
	}
}

// send hands a send request to the sender. The reply to id is sent later,
// when the sender raises the delivery outcome.
func (s *Service) send(ctx context.Context, id int64, chatGUID string, req delivery.Request) {
	numbers, _, err := address.ParseChatGUID(chatGUID)
	if err != nil {
		s.fail(ctx, id, protocol.ErrCodeUnsupported, err.Error())
		return
	}
	req.CommandID = id
	req.ChatGUID = chatGUID
	req.Recipients = make([]string, len(numbers))
	for i, n := range numbers {
		req.Recipients[i] = s.addresses.Normalize(n)
	}
	if err := s.sender.Send(ctx, req); err != nil {
		s.logger.Error("failed to hand message to sender", "command_id", id, "error", err)
		s.fail(ctx, id, protocol.ErrCodeNetworkError, err.Error())
	}
}

func (s *Service) replyMessages(ctx context.Context, id int64, msgs []*protocol.Message, err error) {
	if err != nil {
		s.fail(ctx, id, protocol.ErrCodeInternal, err.Error())
		return
	}
	if msgs == nil {
		msgs = []*protocol.Message{}
	}
	s.engine.Reply(ctx, id, msgs)
}

func (s *Service) fail(ctx context.Context, id int64, code, message string) {
	s.engine.ReplyError(ctx, id, code, message)
}
