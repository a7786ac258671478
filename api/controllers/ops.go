package controllers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/angelmondragon/stockflow/api/responses"
	"github.com/angelmondragon/stockflow/api/validators"
	"github.com/angelmondragon/stockflow/pkg/db/models"
	pkgerrors "github.com/angelmondragon/stockflow/pkg/errors"
	"github.com/angelmondragon/stockflow/pkg/logger"
	"github.com/angelmondragon/stockflow/pkg/pagination"
)

type deadLetterLister interface {
	List(ctx context.Context, params pagination.Params) ([]models.TxMessageDLQ, string, error)
}

type stockLogReader interface {
	Get(ctx context.Context, id string) (*models.StockLog, error)
}

type deadLetterView struct {
	ID           string    `json:"id"`
	MessageID    string    `json:"messageId"`
	Topic        string    `json:"topic"`
	Tag          string    `json:"tag"`
	Key          string    `json:"key"`
	Reason       string    `json:"reason"`
	Error        string    `json:"error,omitempty"`
	AttemptCount int       `json:"attemptCount"`
	CheckCount   int       `json:"checkCount"`
	FailedAt     time.Time `json:"failedAt"`
}

type deadLetterPage struct {
	Items      []deadLetterView `json:"items"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

type stockLogView struct {
	ID        string    `json:"id"`
	ItemID    int64     `json:"itemId"`
	Amount    int       `json:"amount"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// DeadLetters pages through the messages the relay gave up on, newest first.
func DeadLetters(logg *logger.Logger, repo deadLetterLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		cursor := strings.TrimSpace(r.URL.Query().Get("cursor"))
		if _, err := pagination.ParseCursor(cursor); err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor").
				WithDetails(map[string]any{"field": "cursor"}))
			return
		}
		rows, next, err := repo.List(ctx, pagination.Params{Limit: limit, Cursor: cursor})
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list dead letters"))
			return
		}
		views := make([]deadLetterView, 0, len(rows))
		for _, row := range rows {
			view := deadLetterView{
				ID:           row.ID.String(),
				MessageID:    row.MessageID.String(),
				Topic:        row.Topic,
				Tag:          row.Tag,
				Key:          row.MessageKey,
				Reason:       string(row.ErrorReason),
				AttemptCount: row.AttemptCount,
				CheckCount:   row.CheckCount,
				FailedAt:     row.FailedAt,
			}
			if row.ErrorMessage != nil {
				view.Error = *row.ErrorMessage
			}
			views = append(views, view)
		}
		responses.WriteSuccess(w, deadLetterPage{Items: views, NextCursor: next})
	}
}

// StockLog shows the committed ledger state for one stock log.
func StockLog(logg *logger.Logger, ledger stockLogReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id, err := validators.ParseIdentifier(r, "stockLogID")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		entry, err := ledger.Get(ctx, id)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, stockLogView{
			ID:        entry.ID,
			ItemID:    entry.ItemID,
			Amount:    entry.Amount,
			Status:    entry.Status.String(),
			CreatedAt: entry.CreatedAt,
			UpdatedAt: entry.UpdatedAt,
		})
	}
}
