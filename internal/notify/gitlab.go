package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	gitlab "gitlab.com/gitlab-org/api/client-go"

	"mrpilot.dev/pipeline/core/config"
	"mrpilot.dev/pipeline/internal/model"
	"mrpilot.dev/pipeline/internal/worker"
)

// eventMarker embeds the outbox event ID in posted notes. Delivery is
// at-least-once, so a redelivered event finds its own marker and skips the
// duplicate note.
func eventMarker(eventID int64) string {
	return fmt.Sprintf("<!-- pipeline-event:%d -->", eventID)
}

// GitLabSink posts task lifecycle updates as notes on the merge request or
// issue the task is about.
type GitLabSink struct {
	client *gitlab.Client
}

func NewGitLabSink(cfg config.GitLabConfig) (*GitLabSink, error) {
	var opts []gitlab.ClientOptionFunc
	if cfg.BaseURL != "" {
		apiURL := strings.TrimSuffix(cfg.BaseURL, "/") + "/api/v4"
		opts = append(opts, gitlab.WithBaseURL(apiURL))
	}

	client, err := gitlab.NewClient(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating gitlab client: %w", err)
	}
	return &GitLabSink{client: client}, nil
}

func (s *GitLabSink) Deliver(ctx context.Context, event model.OutboxEvent) error {
	var payload model.TaskEventPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshaling event payload: %w", err)
	}

	body := noteBody(event, payload)

	switch {
	case payload.MergeRequestIID != nil:
		return s.postMergeRequestNote(ctx, event.ID, payload.ProjectID, *payload.MergeRequestIID, body)
	case payload.IssueIID != nil:
		return s.postIssueNote(ctx, event.ID, payload.ProjectID, *payload.IssueIID, body)
	default:
		// Nothing to annotate. Dropping here is fine: the event stays
		// recorded as dispatched, and the task row holds the outcome.
		slog.InfoContext(ctx, "event has no merge request or issue target, skipping note",
			"event_id", event.ID,
			"event_type", event.EventType,
			"task_id", payload.TaskID)
		return nil
	}
}

func (s *GitLabSink) postMergeRequestNote(ctx context.Context, eventID, projectID, mrIID int64, body string) error {
	posted, err := s.mergeRequestNotePosted(ctx, eventID, projectID, mrIID)
	if err != nil {
		return err
	}
	if posted {
		slog.InfoContext(ctx, "note for event already posted, skipping",
			"event_id", eventID,
			"merge_request_iid", mrIID)
		return nil
	}

	_, _, err = s.client.Notes.CreateMergeRequestNote(
		projectID,
		mrIID,
		&gitlab.CreateMergeRequestNoteOptions{Body: &body},
		gitlab.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("posting merge request note: %w", err)
	}
	return nil
}

func (s *GitLabSink) postIssueNote(ctx context.Context, eventID, projectID, issueIID int64, body string) error {
	posted, err := s.issueNotePosted(ctx, eventID, projectID, issueIID)
	if err != nil {
		return err
	}
	if posted {
		slog.InfoContext(ctx, "note for event already posted, skipping",
			"event_id", eventID,
			"issue_iid", issueIID)
		return nil
	}

	_, _, err = s.client.Notes.CreateIssueNote(
		projectID,
		issueIID,
		&gitlab.CreateIssueNoteOptions{Body: &body},
		gitlab.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("posting issue note: %w", err)
	}
	return nil
}

// mergeRequestNotePosted scans recent notes for this event's marker.
func (s *GitLabSink) mergeRequestNotePosted(ctx context.Context, eventID, projectID, mrIID int64) (bool, error) {
	notes, _, err := s.client.Notes.ListMergeRequestNotes(
		projectID,
		mrIID,
		&gitlab.ListMergeRequestNotesOptions{
			OrderBy:     gitlab.Ptr("created_at"),
			Sort:        gitlab.Ptr("desc"),
			ListOptions: gitlab.ListOptions{PerPage: 20},
		},
		gitlab.WithContext(ctx),
	)
	if err != nil {
		return false, fmt.Errorf("listing merge request notes: %w", err)
	}
	return containsMarker(notes, eventID), nil
}

func (s *GitLabSink) issueNotePosted(ctx context.Context, eventID, projectID, issueIID int64) (bool, error) {
	notes, _, err := s.client.Notes.ListIssueNotes(
		projectID,
		issueIID,
		&gitlab.ListIssueNotesOptions{
			OrderBy:     gitlab.Ptr("created_at"),
			Sort:        gitlab.Ptr("desc"),
			ListOptions: gitlab.ListOptions{PerPage: 20},
		},
		gitlab.WithContext(ctx),
	)
	if err != nil {
		return false, fmt.Errorf("listing issue notes: %w", err)
	}
	return containsMarker(notes, eventID), nil
}

func containsMarker(notes []*gitlab.Note, eventID int64) bool {
	marker := eventMarker(eventID)
	for _, note := range notes {
		if note != nil && strings.Contains(note.Body, marker) {
			return true
		}
	}
	return false
}

func noteBody(event model.OutboxEvent, payload model.TaskEventPayload) string {
	var b strings.Builder

	switch event.EventType {
	case model.OutboxEventTaskCompleted:
		fmt.Fprintf(&b, "**Task `%d` (%s) completed.**\n", payload.TaskID, payload.TaskType)
	case model.OutboxEventTaskFailed:
		fmt.Fprintf(&b, "**Task `%d` (%s) failed.**\n", payload.TaskID, payload.TaskType)
		if payload.ErrorReason != nil {
			fmt.Fprintf(&b, "\nReason: %s\n", *payload.ErrorReason)
		}
	case model.OutboxEventTaskSuperseded:
		fmt.Fprintf(&b, "**Task `%d` (%s) was superseded by a newer trigger.**\n", payload.TaskID, payload.TaskType)
		if payload.SupersededBy != nil {
			fmt.Fprintf(&b, "\nReplaced by task `%d`.\n", *payload.SupersededBy)
		}
	case model.OutboxEventTaskDeadLetter:
		fmt.Fprintf(&b, "**Task `%d` (%s) was moved to the dead-letter queue.**\n", payload.TaskID, payload.TaskType)
		if payload.ErrorReason != nil {
			fmt.Fprintf(&b, "\nReason: %s\n", *payload.ErrorReason)
		}
		fmt.Fprintf(&b, "\nAn operator can retry or dismiss it.\n")
	default:
		fmt.Fprintf(&b, "**Task `%d` (%s): %s.**\n", payload.TaskID, payload.TaskType, event.EventType)
	}

	b.WriteString("\n")
	b.WriteString(eventMarker(event.ID))
	return b.String()
}

// LogSink logs deliveries instead of posting them. Used in development when
// no GitLab token is configured.
type LogSink struct{}

func (LogSink) Deliver(ctx context.Context, event model.OutboxEvent) error {
	slog.InfoContext(ctx, "event delivered (log sink)",
		"event_id", event.ID,
		"event_type", event.EventType,
		"aggregate_id", event.AggregateID,
		"payload", string(event.Payload))
	return nil
}

var _ worker.EventSink = (*GitLabSink)(nil)
var _ worker.EventSink = LogSink{}
