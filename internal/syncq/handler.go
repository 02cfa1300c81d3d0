package syncq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/pinbridge/vault/internal/domain"
	"github.com/pinbridge/vault/internal/logging"
	"github.com/pinbridge/vault/internal/remote"
)

// AttachmentUploader pushes a locally stored attachment to the remote store
type AttachmentUploader interface {
	EnsureRemoteAvailable(ctx context.Context, uid, hash string, force bool) error
}

// RemoteHandler delivers tasks to a remote.Store
type RemoteHandler struct {
	remote      remote.Store
	attachments AttachmentUploader
	log         *logrus.Entry
}

// NewRemoteHandler returns a handler writing to rs. attachments may be nil when
// attachment sync is not wired; PUSH_ATTACHMENT tasks then stay queued.
func NewRemoteHandler(rs remote.Store, attachments AttachmentUploader, logger *logrus.Logger) *RemoteHandler {
	return &RemoteHandler{
		remote:      rs,
		attachments: attachments,
		log:         logging.Component(logger, "syncq.handler"),
	}
}

// SetAttachments wires the uploader after construction
func (h *RemoteHandler) SetAttachments(attachments AttachmentUploader) {
	h.attachments = attachments
}

// Handle performs the remote write for task
func (h *RemoteHandler) Handle(ctx context.Context, task domain.SyncTask) error {
	if task.UID == "" {
		return errors.New("task has no owner uid")
	}

	switch task.Type {
	case domain.TaskPushVault:
		return h.set(ctx, task, remote.PathVault)
	case domain.TaskPushMeta:
		return h.set(ctx, task, remote.PathMeta)
	case domain.TaskRecoveryRequest:
		return h.set(ctx, task, remote.PathRecoveryRequest)
	case domain.TaskPushAttachment:
		if h.attachments == nil {
			return errors.New("attachment sync is not available")
		}
		var push domain.AttachmentPush
		if err := json.Unmarshal(task.Payload, &push); err != nil || push.Hash == "" {
			return fmt.Errorf("malformed attachment task payload")
		}
		return h.attachments.EnsureRemoteAvailable(ctx, task.UID, push.Hash, false)
	default:
		return fmt.Errorf("unknown task type %q", task.Type)
	}
}

func (h *RemoteHandler) set(ctx context.Context, task domain.SyncTask, path string) error {
	if err := h.remote.Set(ctx, task.UID, path, task.Payload, true); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	h.log.WithFields(logrus.Fields{"task": task.Type, "path": path}).Debug("remote document written")
	return nil
}
