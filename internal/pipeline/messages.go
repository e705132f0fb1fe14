package pipeline

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/pbxvault/pbxvault/internal/config"
	"github.com/pbxvault/pbxvault/internal/models"
	"github.com/pbxvault/pbxvault/internal/repository"
)

// MessagesPipeline pulls chat messages page by page, threads them into
// conversations and ships their attachments to the blob store.
type MessagesPipeline struct {
	base
	messages repository.MessageRepository
	up       *Uploader
}

func NewMessagesPipeline(checkpoints repository.CheckpointRepository, messages repository.MessageRepository, up *Uploader, cfg config.SyncConfig, logger zerolog.Logger) *MessagesPipeline {
	return &MessagesPipeline{
		base: base{
			entity:      models.EntityMessages,
			checkpoints: checkpoints,
			logger:      logger.With().Str("component", "pipeline.messages").Logger(),
			pageSize:    cfg.PageSize,
		},
		messages: messages,
		up:       up,
	}
}

func (p *MessagesPipeline) EntityType() models.EntityType { return models.EntityMessages }

func (p *MessagesPipeline) Run(ctx context.Context, tenant *models.Tenant, rc RunContext) (models.EntityResult, error) {
	return p.run(ctx, tenant.ID, rc.Full, func(ctx context.Context, since time.Time, limit int) (int, time.Time, models.EntityResult, error) {
		var pageRes models.EntityResult

		msgs, err := rc.Source.MessagesSince(ctx, since, limit)
		if err != nil {
			return 0, time.Time{}, pageRes, err
		}

		var lastTS time.Time
		for _, m := range msgs {
			if err := p.syncOne(ctx, tenant, rc, m, &pageRes); err != nil {
				return len(msgs), lastTS, pageRes, err
			}
			lastTS = m.SentAt
		}
		return len(msgs), lastTS, pageRes, nil
	})
}

// syncOne writes a single message. A destination write failure aborts the
// page so the checkpoint stays behind the unwritten record; only a vanished
// attachment payload is contained per item, because a file deleted on the
// source would otherwise stall the checkpoint behind its message forever.
func (p *MessagesPipeline) syncOne(ctx context.Context, tenant *models.Tenant, rc RunContext, m models.SourceMessage, res *models.EntityResult) error {
	convID, err := p.messages.EnsureConversation(tenant.ID, m.ConversationSource, m.Subject)
	if err != nil {
		return errors.Wrapf(err, "conversation for message %s", m.SourceID)
	}

	for _, addr := range append([]string{m.Sender}, m.Recipients...) {
		if err := p.messages.EnsureParticipant(tenant.ID, convID, addr); err != nil {
			return errors.Wrapf(err, "participant %s", addr)
		}
	}

	inserted, err := p.messages.UpsertMessage(models.Message{
		TenantID:       tenant.ID,
		SourceID:       m.SourceID,
		ConversationID: convID,
		Sender:         m.Sender,
		Direction:      messageDirection(m),
		Body:           m.Body,
		AttachmentPath: m.AttachmentPath,
		SentAt:         m.SentAt,
	})
	if err != nil {
		return errors.Wrapf(err, "message %s", m.SourceID)
	}
	if inserted {
		res.Synced++
		if err := p.messages.BumpActivity(convID, m.SentAt); err != nil {
			return errors.Wrapf(err, "activity for conversation %s", convID)
		}
	} else {
		res.Skipped++
	}

	// The attachment is attempted even for a skipped message: a run aborted
	// after the message row landed still owes the payload.
	if m.AttachmentPath != nil && rc.Files != nil {
		file, err := rc.Files.Stat(*m.AttachmentPath)
		if err != nil {
			itemErr(res, m.SourceID, err)
			return nil
		}
		// Attachment counts ride on the media result fields; the message
		// itself is already tallied above.
		var attRes models.EntityResult
		if err := p.up.upload(ctx, rc.Files, tenant.ID, models.MediaAttachment, file, &attRes); err != nil {
			return errors.Wrapf(err, "attachment for message %s", m.SourceID)
		}
		res.TooLarge += attRes.TooLarge
	}
	return nil
}
