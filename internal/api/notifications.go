package api

import (
	"net/http"
	"strconv"

	"github.com/good-yellow-bee/blazeguard/internal/models"
)

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := &models.NotificationFilter{ChannelName: q.Get("channel")}

	switch v := q.Get("status"); v {
	case "":
	case string(models.NotificationPending), string(models.NotificationSent),
		string(models.NotificationFailed), string(models.NotificationRetry):
		filter.Status = models.NotificationStatus(v)
	default:
		JSONError(w, NewBadRequest("invalid status"))
		return
	}
	if v := q.Get("issue_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			JSONError(w, NewBadRequest("invalid issue_id"))
			return
		}
		filter.IssueID = id
	}

	var apiErr *Error
	if filter.Limit, apiErr = queryInt(q, "limit", 100); apiErr != nil {
		JSONError(w, apiErr)
		return
	}
	if filter.Offset, apiErr = queryInt(q, "offset", 0); apiErr != nil {
		JSONError(w, apiErr)
		return
	}

	rows, total, err := s.deps.Queue.List(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if rows == nil {
		rows = []*models.Notification{}
	}
	OK(w, ListResponse{Items: rows, Total: total})
}

func (s *Server) notificationStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Queue.Stats(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	OK(w, stats)
}

func (s *Server) requeueNotification(w http.ResponseWriter, r *http.Request) {
	id, apiErr := pathID(r)
	if apiErr != nil {
		JSONError(w, apiErr)
		return
	}
	n, err := s.deps.Queue.Requeue(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.record(r, models.AuditNotificationRequeued, map[string]any{"notification_id": id, "channel": n.ChannelName})
	OK(w, n)
}
