package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/fuomag9/pulsebox/internal/apperr"
	"github.com/fuomag9/pulsebox/internal/models"
	"github.com/fuomag9/pulsebox/internal/store"
)

// NotificationListResponse is the body of GET /api/notifications
type NotificationListResponse struct {
	Notifications []models.Notification `json:"notifications"`
	UnreadCount   int64                 `json:"unread_count"`
}

// HandleGetNotifications returns the caller's feed, newest first
func HandleGetNotifications(notifications store.NotificationStore, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner := OwnerFromContext(r.Context())
		query := r.URL.Query()

		var filter models.NotificationFilter
		if v := query.Get("unread"); v != "" {
			unread, err := strconv.ParseBool(v)
			if err != nil {
				writeError(w, logger, apperr.Validation("unread must be a boolean"))
				return
			}
			filter.UnreadOnly = unread
		}
		if v := query.Get("source"); v != "" {
			source, ok := models.ParseProviderType(v)
			if !ok {
				writeError(w, logger, apperr.Validation("unknown source %q", v))
				return
			}
			filter.Source = source
		}
		if v := query.Get("limit"); v != "" {
			limit, err := strconv.Atoi(v)
			if err != nil || limit < 1 {
				writeError(w, logger, apperr.Validation("limit must be a positive integer"))
				return
			}
			filter.Limit = limit
		}

		list, err := notifications.List(r.Context(), owner, filter)
		if err != nil {
			writeError(w, logger, apperr.Wrap(apperr.KindPersistenceFailed, "list notifications", err))
			return
		}
		unread, err := notifications.CountUnread(r.Context(), owner)
		if err != nil {
			writeError(w, logger, apperr.Wrap(apperr.KindPersistenceFailed, "count unread notifications", err))
			return
		}

		if list == nil {
			list = []models.Notification{}
		}
		writeJSON(w, http.StatusOK, NotificationListResponse{Notifications: list, UnreadCount: unread})
	}
}

// HandleUpdateNotification marks one notification read or unread
func HandleUpdateNotification(notifications store.NotificationStore, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Read *bool `json:"read"`
		}
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, logger, err)
			return
		}
		if req.Read == nil {
			writeError(w, logger, apperr.Validation("read is required"))
			return
		}

		id := chi.URLParam(r, "id")
		if err := notifications.MarkRead(r.Context(), OwnerFromContext(r.Context()), id, *req.Read); err != nil {
			writeError(w, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}

// HandleMarkAllRead marks every unread notification of the caller as read
func HandleMarkAllRead(notifications store.NotificationStore, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		updated, err := notifications.MarkAllRead(r.Context(), OwnerFromContext(r.Context()))
		if err != nil {
			writeError(w, logger, apperr.Wrap(apperr.KindPersistenceFailed, "mark notifications read", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"updated": updated})
	}
}

// HandleDeleteNotification deletes one notification
func HandleDeleteNotification(notifications store.NotificationStore, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := notifications.Delete(r.Context(), OwnerFromContext(r.Context()), id); err != nil {
			writeError(w, logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
