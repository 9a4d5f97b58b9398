package router

import (
	"context"

	"courier/internal/notify"
	"courier/internal/rooms"
	"courier/internal/websocket"
	"courier/pkg/types"
)

func (r *Router) handleAuth(ctx context.Context, conn *websocket.Connection, data []byte) {
	p, ok := decode[types.AuthPayload](r, ctx, conn, data, types.EventAuthError, types.EventAuth)
	if !ok {
		return
	}
	if p.Token == "" {
		r.sendError(ctx, conn, types.EventAuthError, types.CodeInvalidPayload, "token required", types.EventAuth)
		return
	}
	r.authenticate(ctx, conn, p.Token)
}

// roomPayload validates a join or leave request. Personal rooms belong to
// their owner only.
func (r *Router) roomPayload(ctx context.Context, conn *websocket.Connection, data []byte, event string) (string, bool) {
	p, ok := decode[types.RoomPayload](r, ctx, conn, data, types.EventRoomError, event)
	if !ok {
		return "", false
	}
	if !types.IsValidRoom(p.Room) {
		r.sendError(ctx, conn, types.EventRoomError, types.CodeInvalidPayload, types.ErrInvalidRoom.Error(), event)
		return "", false
	}
	if owner, personal := types.PersonalRoomOwner(p.Room); personal && owner != conn.UserID() {
		r.sendError(ctx, conn, types.EventRoomError, types.CodeForbidden, "personal rooms are private", event)
		return "", false
	}
	return p.Room, true
}

func (r *Router) handleJoin(ctx context.Context, conn *websocket.Connection, data []byte) {
	room, ok := r.roomPayload(ctx, conn, data, types.EventJoin)
	if !ok {
		return
	}
	if r.rooms.Join(conn, room) {
		conn.Logger().Debug("joined room", "room", room)
	}
	_ = conn.Send(types.EventRoomJoined, types.RoomPayload{Room: room})
}

func (r *Router) handleLeave(ctx context.Context, conn *websocket.Connection, data []byte) {
	room, ok := r.roomPayload(ctx, conn, data, types.EventLeave)
	if !ok {
		return
	}
	if r.rooms.Leave(conn, room) {
		conn.Logger().Debug("left room", "room", room)
	}
	_ = conn.Send(types.EventRoomLeft, types.RoomPayload{Room: room})
}

// handleMessageSend persists the message, acks the sending connection and
// delivers message:received to every other participant's personal room.
// Offline recipients get a notification.
func (r *Router) handleMessageSend(ctx context.Context, conn *websocket.Connection, data []byte) {
	const event = types.EventMessageSend
	p, ok := decode[types.MessageSendPayload](r, ctx, conn, data, types.EventMessageError, event)
	if !ok {
		return
	}
	if err := p.Validate(); err != nil {
		r.sendError(ctx, conn, types.EventMessageError, types.CodeInvalidPayload, err.Error(), event)
		return
	}

	senderID := conn.UserID()
	if !r.limiter.Allow(senderID) {
		r.sendError(ctx, conn, types.EventMessageError, types.CodeRateLimited, ErrRateLimitExceeded.Error(), event)
		return
	}

	thread, err := r.store.GetThread(ctx, p.ConversationID)
	if err != nil {
		r.storeError(ctx, conn, types.EventMessageError, event, err)
		return
	}
	if !thread.HasParticipant(senderID) {
		r.storeError(ctx, conn, types.EventMessageError, event, ErrNotParticipant)
		return
	}

	recipients := make([]string, 0, len(thread.ParticipantIDs))
	for _, id := range thread.ParticipantIDs {
		if id != senderID {
			recipients = append(recipients, id)
		}
	}

	msg, err := r.store.SendMessage(ctx, &types.NewMessage{
		ThreadID:     thread.ID,
		SenderID:     senderID,
		RecipientIDs: recipients,
		Content:      p.Content,
		Attachments:  p.Attachments,
	})
	if err != nil {
		r.storeError(ctx, conn, types.EventMessageError, event, err)
		return
	}

	_ = conn.Send(types.EventMessageSent, types.MessageSentPayload{Message: msg, ClientMessageID: p.ClientMessageID})

	received := types.MessageReceivedPayload{Message: msg}
	// The sender's other tabs converge on the same message.
	r.emitToUser(ctx, senderID, types.EventMessageReceived, received, rooms.ExceptConn(conn.ID()))
	for _, recipientID := range recipients {
		r.emitToUser(ctx, recipientID, types.EventMessageReceived, received)
		r.notifyIfOffline(ctx, recipientID, msg)
	}
}

func (r *Router) notifyIfOffline(ctx context.Context, userID string, msg *types.Message) {
	if r.notifier == nil {
		return
	}
	online, err := r.presence.IsOnline(ctx, userID)
	if err != nil {
		r.logger.Warn("presence lookup failed, skipping notification", "userID", userID, "error", err)
		return
	}
	if online {
		return
	}
	if err := r.notifier.Enqueue(userID, notify.NewMessageNotification(msg, r.preview)); err != nil {
		r.logger.Warn("notification dropped", "userID", userID, "messageID", msg.ID, "error", err)
	}
}

func (r *Router) typingPayload(ctx context.Context, conn *websocket.Connection, data []byte, event string) (string, bool) {
	p, ok := decode[types.TypingPayload](r, ctx, conn, data, types.EventTypingError, event)
	if !ok {
		return "", false
	}
	if !types.IsValidID(p.ConversationID) {
		r.sendError(ctx, conn, types.EventTypingError, types.CodeInvalidPayload, types.ErrInvalidConversationID.Error(), event)
		return "", false
	}
	return p.ConversationID, true
}

// handleTypingStart broadcasts typing:started once per typing burst. Every
// connection of the typist is excluded.
func (r *Router) handleTypingStart(ctx context.Context, conn *websocket.Connection, data []byte) {
	conversationID, ok := r.typingPayload(ctx, conn, data, types.EventTypingStart)
	if !ok {
		return
	}
	userID := conn.UserID()
	if !r.typing.Start(conversationID, userID) {
		return
	}
	r.emitToRoom(ctx, types.ConversationRoom(conversationID), types.EventTypingStarted,
		types.TypingEventPayload{ConversationID: conversationID, UserID: userID},
		rooms.ExceptUser(userID))
}

// handleTypingStop always broadcasts, so a stop sent from another tab or node
// than the start still clears the indicator.
func (r *Router) handleTypingStop(ctx context.Context, conn *websocket.Connection, data []byte) {
	conversationID, ok := r.typingPayload(ctx, conn, data, types.EventTypingStop)
	if !ok {
		return
	}
	userID := conn.UserID()
	r.typing.Stop(conversationID, userID)
	r.emitTypingStopped(ctx, conversationID, userID)
}

func (r *Router) typingExpired(conversationID, userID string) {
	r.emitTypingStopped(context.Background(), conversationID, userID)
}

func (r *Router) emitTypingStopped(ctx context.Context, conversationID, userID string) {
	r.emitToRoom(ctx, types.ConversationRoom(conversationID), types.EventTypingStopped,
		types.TypingEventPayload{ConversationID: conversationID, UserID: userID},
		rooms.ExceptUser(userID))
}

// handleMessageRead records a receipt and tells the message's sender.
func (r *Router) handleMessageRead(ctx context.Context, conn *websocket.Connection, data []byte) {
	const event = types.EventMessageRead
	p, ok := decode[types.MessageReadPayload](r, ctx, conn, data, types.EventReadError, event)
	if !ok {
		return
	}
	if !types.IsValidID(p.MessageID) {
		r.sendError(ctx, conn, types.EventReadError, types.CodeInvalidPayload, types.ErrInvalidMessageID.Error(), event)
		return
	}

	userID := conn.UserID()
	msg, err := r.store.GetMessage(ctx, p.MessageID)
	if err != nil {
		r.storeError(ctx, conn, types.EventReadError, event, err)
		return
	}
	if err := r.requireParticipant(ctx, msg.ThreadID, userID); err != nil {
		r.storeError(ctx, conn, types.EventReadError, event, err)
		return
	}
	if err := r.store.MarkMessageAsRead(ctx, msg.ID, userID); err != nil {
		r.storeError(ctx, conn, types.EventReadError, event, err)
		return
	}

	if msg.SenderID != userID {
		r.emitToUser(ctx, msg.SenderID, types.EventMessageRead, types.ReadReceiptPayload{
			ConversationID: msg.ThreadID,
			MessageID:      msg.ID,
			UserID:         userID,
			ReadAt:         r.now().UTC(),
		})
	}
	r.emitThreadUpdated(ctx, msg.ThreadID, userID)
}

// handleThreadRead marks the whole thread read and sends a receipt without a
// message ID to every other participant.
func (r *Router) handleThreadRead(ctx context.Context, conn *websocket.Connection, data []byte) {
	const event = types.EventThreadRead
	p, ok := decode[types.ThreadReadPayload](r, ctx, conn, data, types.EventReadError, event)
	if !ok {
		return
	}
	if !types.IsValidID(p.ConversationID) {
		r.sendError(ctx, conn, types.EventReadError, types.CodeInvalidPayload, types.ErrInvalidConversationID.Error(), event)
		return
	}

	userID := conn.UserID()
	thread, err := r.store.GetThread(ctx, p.ConversationID)
	if err != nil {
		r.storeError(ctx, conn, types.EventReadError, event, err)
		return
	}
	if !thread.HasParticipant(userID) {
		r.storeError(ctx, conn, types.EventReadError, event, ErrNotParticipant)
		return
	}
	if err := r.store.MarkThreadAsRead(ctx, thread.ID, userID); err != nil {
		r.storeError(ctx, conn, types.EventReadError, event, err)
		return
	}

	receipt := types.ReadReceiptPayload{ConversationID: thread.ID, UserID: userID, ReadAt: r.now().UTC()}
	for _, id := range thread.ParticipantIDs {
		if id != userID {
			r.emitToUser(ctx, id, types.EventMessageRead, receipt)
		}
	}
	r.emitThreadUpdated(ctx, thread.ID, userID)
}

// handleReactionSend stores the reaction and broadcasts the message's full
// reaction set to the conversation room.
func (r *Router) handleReactionSend(ctx context.Context, conn *websocket.Connection, data []byte) {
	const event = types.EventReactionSend
	p, ok := decode[types.ReactionSendPayload](r, ctx, conn, data, types.EventReactionError, event)
	if !ok {
		return
	}
	if err := p.Validate(); err != nil {
		r.sendError(ctx, conn, types.EventReactionError, types.CodeInvalidPayload, err.Error(), event)
		return
	}

	userID := conn.UserID()
	msg, err := r.store.GetMessage(ctx, p.MessageID)
	if err != nil {
		r.storeError(ctx, conn, types.EventReactionError, event, err)
		return
	}
	if err := r.requireParticipant(ctx, msg.ThreadID, userID); err != nil {
		r.storeError(ctx, conn, types.EventReactionError, event, err)
		return
	}
	reactions, err := r.store.AddReaction(ctx, msg.ID, userID, p.Emoji)
	if err != nil {
		r.storeError(ctx, conn, types.EventReactionError, event, err)
		return
	}

	r.emitToRoom(ctx, types.ConversationRoom(msg.ThreadID), types.EventReactionReceived, types.ReactionReceivedPayload{
		ConversationID: msg.ThreadID,
		MessageID:      msg.ID,
		UserID:         userID,
		Emoji:          p.Emoji,
		Reactions:      reactions,
	})
}

func (r *Router) handlePresenceUpdate(ctx context.Context, conn *websocket.Connection, _ []byte) {
	if err := r.presence.Heartbeat(ctx, conn.UserID()); err != nil {
		r.internalError(ctx, conn, types.EventPresenceError, types.EventPresenceUpdate, err)
	}
}

func (r *Router) handlePresenceSync(ctx context.Context, conn *websocket.Connection, data []byte) {
	const event = types.EventPresenceSync
	p, ok := decode[types.PresenceSyncPayload](r, ctx, conn, data, types.EventPresenceError, event)
	if !ok {
		return
	}
	if err := p.Validate(); err != nil {
		r.sendError(ctx, conn, types.EventPresenceError, types.CodeInvalidPayload, err.Error(), event)
		return
	}

	entries, err := r.presence.GetBulkPresence(ctx, p.UserIDs)
	if err != nil {
		r.internalError(ctx, conn, types.EventPresenceError, event, err)
		return
	}
	_ = conn.Send(types.EventPresenceSynced, types.PresenceSyncedPayload{Presence: entries})
}

func (r *Router) requireParticipant(ctx context.Context, threadID, userID string) error {
	thread, err := r.store.GetThread(ctx, threadID)
	if err != nil {
		return err
	}
	if !thread.HasParticipant(userID) {
		return ErrNotParticipant
	}
	return nil
}

// emitThreadUpdated pushes the user's authoritative thread state to all of
// their connections so optimistic client state can reconcile.
func (r *Router) emitThreadUpdated(ctx context.Context, threadID, userID string) {
	state, err := r.store.GetParticipantState(ctx, threadID, userID)
	if err != nil {
		r.logger.Warn("participant state lookup failed", "conversationID", threadID, "userID", userID, "error", err)
		return
	}
	r.emitToUser(ctx, userID, types.EventThreadUpdated, ThreadUpdated(state))
}

// ThreadUpdated converts participant state into its wire payload.
func ThreadUpdated(state *types.ParticipantState) types.ThreadUpdatedPayload {
	return types.ThreadUpdatedPayload{
		ConversationID: state.ThreadID,
		UnreadCount:    state.UnreadCount,
		Pinned:         state.Pinned,
		Archived:       state.Archived,
	}
}
