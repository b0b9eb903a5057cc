package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/blowfish/enigma/internal/server/db"
	"github.com/blowfish/enigma/internal/shared/changes"
	"github.com/blowfish/enigma/internal/shared/listquery"
)

var errBadRequest = errors.New("bad request")

func recordJSON(rec db.Record) map[string]any {
	out := make(map[string]any, len(rec.Data)+1)
	for k, v := range rec.Data {
		out[k] = v
	}
	out["id"] = rec.ID
	if _, ok := out["created_at"]; !ok && !rec.CreatedAt.IsZero() {
		out["created_at"] = rec.CreatedAt.UTC().Format(time.RFC3339)
	}
	return out
}

func bindObject(c *gin.Context) (map[string]any, error) {
	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		return nil, fmt.Errorf("%w: body must be a JSON object", errBadRequest)
	}
	if body == nil {
		body = map[string]any{}
	}
	return body, nil
}

func queryIDs(c *gin.Context) []string {
	var ids []string
	for _, id := range c.QueryArray("id") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func (api *apiServer) publish(ctx context.Context, eventType string, rec db.Record) {
	if api.bus == nil {
		return
	}
	event := changes.Event{
		Type:      eventType,
		Resource:  rec.Resource,
		ID:        rec.ID,
		Timestamp: api.now().UTC(),
		Record:    recordJSON(rec),
	}
	if err := api.bus.Publish(ctx, changes.TopicChanges, event); err != nil {
		api.logger.Warn("publish change", "type", eventType, "resource", rec.Resource, "id", rec.ID, "error", err)
	}
}

func (api *apiServer) listRecords(c *gin.Context) {
	q, err := listquery.FromValues(c.Request.URL.Query())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ids := queryIDs(c)
	recs, total, err := api.store.Queries().Records().List(c.Request.Context(), c.Param("resource"), db.ListOptions{Query: q, IDs: ids})
	if err != nil {
		api.fail(c, err)
		return
	}
	data := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		data = append(data, recordJSON(rec))
	}
	c.JSON(http.StatusOK, gin.H{"data": data, "total": total})
}

func (api *apiServer) getRecord(c *gin.Context) {
	rec, err := api.store.Queries().Records().Get(c.Request.Context(), c.Param("resource"), c.Param("id"))
	if err != nil {
		api.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, recordJSON(*rec))
}

func (api *apiServer) createRecord(c *gin.Context) {
	body, err := bindObject(c)
	if err != nil {
		api.fail(c, err)
		return
	}
	id, _ := body["id"].(string)
	if id = strings.TrimSpace(id); id == "" {
		id = uuid.NewString()
	}
	body["id"] = id

	rec := &db.Record{Resource: c.Param("resource"), ID: id, Data: body}
	if err := api.store.Queries().Records().Create(c.Request.Context(), rec); err != nil {
		api.fail(c, err)
		return
	}
	api.publish(c.Request.Context(), changes.TypeRecordCreated, *rec)
	c.JSON(http.StatusCreated, recordJSON(*rec))
}

func (api *apiServer) replaceRecord(c *gin.Context) {
	body, err := bindObject(c)
	if err != nil {
		api.fail(c, err)
		return
	}
	rec := &db.Record{Resource: c.Param("resource"), ID: c.Param("id"), Data: body}
	body["id"] = rec.ID
	if err := api.store.Queries().Records().Replace(c.Request.Context(), rec); err != nil {
		api.fail(c, err)
		return
	}
	api.publish(c.Request.Context(), changes.TypeRecordUpdated, *rec)
	c.JSON(http.StatusOK, recordJSON(*rec))
}

// updateMany shallow-merges the body into every selected record. Missing ids
// are skipped; the response lists the ids that were updated.
func (api *apiServer) updateMany(c *gin.Context) {
	ids := queryIDs(c)
	if len(ids) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id parameter required"})
		return
	}
	patch, err := bindObject(c)
	if err != nil {
		api.fail(c, err)
		return
	}
	delete(patch, "id")

	ctx := c.Request.Context()
	resource := c.Param("resource")
	var updated []db.Record
	err = api.store.WithTx(ctx, func(q db.Queries) error {
		for _, id := range ids {
			rec, err := q.Records().Get(ctx, resource, id)
			if errors.Is(err, db.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			for k, v := range patch {
				rec.Data[k] = v
			}
			if err := q.Records().Replace(ctx, rec); err != nil {
				return err
			}
			updated = append(updated, *rec)
		}
		return nil
	})
	if err != nil {
		api.fail(c, err)
		return
	}
	out := make([]string, 0, len(updated))
	for _, rec := range updated {
		api.publish(ctx, changes.TypeRecordUpdated, rec)
		out = append(out, rec.ID)
	}
	c.JSON(http.StatusOK, gin.H{"data": out})
}

func (api *apiServer) deleteRecord(c *gin.Context) {
	ctx := c.Request.Context()
	resource, id := c.Param("resource"), c.Param("id")
	var deleted *db.Record
	err := api.store.WithTx(ctx, func(q db.Queries) error {
		rec, err := q.Records().Get(ctx, resource, id)
		if err != nil {
			return err
		}
		if err := q.Records().Delete(ctx, resource, id); err != nil {
			return err
		}
		deleted = rec
		return nil
	})
	if err != nil {
		api.fail(c, err)
		return
	}
	api.publish(ctx, changes.TypeRecordDeleted, *deleted)
	c.JSON(http.StatusOK, recordJSON(*deleted))
}

func (api *apiServer) deleteMany(c *gin.Context) {
	ids := queryIDs(c)
	if len(ids) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id parameter required"})
		return
	}
	ctx := c.Request.Context()
	resource := c.Param("resource")
	var deleted []db.Record
	err := api.store.WithTx(ctx, func(q db.Queries) error {
		for _, id := range ids {
			rec, err := q.Records().Get(ctx, resource, id)
			if errors.Is(err, db.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if err := q.Records().Delete(ctx, resource, id); err != nil {
				return err
			}
			deleted = append(deleted, *rec)
		}
		return nil
	})
	if err != nil {
		api.fail(c, err)
		return
	}
	out := make([]string, 0, len(deleted))
	for _, rec := range deleted {
		api.publish(ctx, changes.TypeRecordDeleted, rec)
		out = append(out, rec.ID)
	}
	c.JSON(http.StatusOK, gin.H{"data": out})
}
