package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/blowfish/enigma/internal/server/db"
	"github.com/blowfish/enigma/internal/shared/changes"
)

var (
	errUnknownAction  = errors.New("unknown action")
	errActionConflict = errors.New("action not allowed in current state")
)

// action mutates rec.Data in place and returns the change type to publish.
type action func(rec *db.Record, params map[string]any, now time.Time) (string, error)

var actions = map[string]map[string]action{
	db.ResourceTransactions: {
		"reverse": reverseTransaction,
	},
	db.ResourceCallbackHistory: {
		"resend": resendCallback,
	},
}

func reverseTransaction(rec *db.Record, params map[string]any, now time.Time) (string, error) {
	if status, _ := rec.Data["status"].(string); status == "reversed" {
		return "", fmt.Errorf("%w: transaction %s already reversed", errActionConflict, rec.ID)
	}
	rec.Data["previous_status"] = rec.Data["status"]
	rec.Data["status"] = "reversed"
	rec.Data["reversed_at"] = now.UTC().Format(time.RFC3339)
	if reason, ok := params["reason"].(string); ok && reason != "" {
		rec.Data["reversal_reason"] = reason
	}
	return changes.TypeTransactionReversed, nil
}

func resendCallback(rec *db.Record, params map[string]any, now time.Time) (string, error) {
	attempts, _ := rec.Data["attempts"].(float64)
	rec.Data["attempts"] = attempts + 1
	rec.Data["last_attempt_at"] = now.UTC().Format(time.RFC3339)
	rec.Data["status"] = "queued"
	return changes.TypeCallbackResent, nil
}

func (api *apiServer) runAction(c *gin.Context) {
	resource, id, name := c.Param("resource"), c.Param("id"), c.Param("action")
	run, ok := actions[resource][name]
	if !ok {
		api.fail(c, fmt.Errorf("%w %q for %s", errUnknownAction, name, resource))
		return
	}

	params := map[string]any{}
	if err := json.NewDecoder(c.Request.Body).Decode(&params); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be a JSON object"})
		return
	}

	ctx := c.Request.Context()
	var (
		result    *db.Record
		eventType string
	)
	err := api.store.WithTx(ctx, func(q db.Queries) error {
		rec, err := q.Records().Get(ctx, resource, id)
		if err != nil {
			return err
		}
		if eventType, err = run(rec, params, api.now()); err != nil {
			return err
		}
		if err := q.Records().Replace(ctx, rec); err != nil {
			return err
		}
		result = rec
		return nil
	})
	if err != nil {
		api.fail(c, err)
		return
	}
	api.logger.Info("record action", "resource", resource, "id", id, "action", name, "user", c.GetString(usernameKey))
	api.publish(ctx, eventType, *result)
	c.JSON(http.StatusOK, recordJSON(*result))
}
