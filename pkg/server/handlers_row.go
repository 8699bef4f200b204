package server

import (
	"context"
	"encoding/json"

	"github.com/roseybot/rosey/pkg/bus"
	"github.com/roseybot/rosey/pkg/models"
	"github.com/roseybot/rosey/pkg/rows"
	"github.com/roseybot/rosey/pkg/schema"
)

// Response shapes for the row operations. These stay local: the row engine
// returns plain values and the subject handlers decide the wire form.
type (
	schemaListResponse struct {
		Tables []schema.TableInfo `json:"tables"`
		Count  int                `json:"count"`
	}

	schemaDeleteResponse struct {
		Deleted bool `json:"deleted"`
	}

	rowInsertResponse struct {
		ID      int64 `json:"id"`
		Created bool  `json:"created"`
	}

	rowInsertBulkResponse struct {
		IDs     []int64 `json:"ids"`
		Created int     `json:"created"`
	}

	rowSelectResponse struct {
		Exists bool           `json:"exists"`
		Data   map[string]any `json:"data,omitempty"`
	}

	rowUpdateResponse struct {
		Updated int64 `json:"updated"`
		ID      int64 `json:"id,omitempty"`
	}

	rowMissResponse struct {
		Exists bool `json:"exists"`
	}

	rowDeleteResponse struct {
		Deleted bool `json:"deleted"`
	}

	rowSearchResponse struct {
		Rows      []map[string]any `json:"rows"`
		Count     int              `json:"count"`
		Truncated bool             `json:"truncated"`
	}
)

func (s *Server) handleSchemaRegister(ctx context.Context, msg *bus.Msg) (any, error) {
	plugin, err := pluginOf(msg)
	if err != nil {
		return nil, err
	}
	var req models.SchemaRegisterRequest
	if err := decodeRequest(msg.Data, &req); err != nil {
		return nil, err
	}
	if req.Table == "" {
		return nil, models.MissingFieldError("table")
	}
	if len(req.Schema) == 0 {
		return nil, models.MissingFieldError("schema")
	}

	created, err := s.registry.Register(ctx, plugin, req.Table, req.Schema)
	if err != nil {
		return nil, err
	}
	if created {
		s.logger.Info().Str("plugin", plugin).Str("table", req.Table).Msg("Registered plugin table")
	}
	return models.SchemaRegisterResponse{AlreadyExists: !created}, nil
}

func (s *Server) handleSchemaList(ctx context.Context, msg *bus.Msg) (any, error) {
	plugin, err := pluginOf(msg)
	if err != nil {
		return nil, err
	}
	if err := schema.ValidatePluginName(plugin); err != nil {
		return nil, err
	}
	tables := s.registry.List(plugin)
	return schemaListResponse{Tables: tables, Count: len(tables)}, nil
}

func (s *Server) handleSchemaDelete(ctx context.Context, msg *bus.Msg) (any, error) {
	plugin, err := pluginOf(msg)
	if err != nil {
		return nil, err
	}
	var req models.SchemaDeleteRequest
	if err := decodeRequest(msg.Data, &req); err != nil {
		return nil, err
	}
	if req.Table == "" {
		return nil, models.MissingFieldError("table")
	}

	deleted, err := s.registry.Delete(ctx, plugin, req.Table)
	if err != nil {
		return nil, err
	}
	if deleted {
		s.logger.Info().Str("plugin", plugin).Str("table", req.Table).Msg("Dropped plugin table")
	}
	return schemaDeleteResponse{Deleted: deleted}, nil
}

func (s *Server) handleRowInsert(ctx context.Context, msg *bus.Msg) (any, error) {
	plugin, err := pluginOf(msg)
	if err != nil {
		return nil, err
	}
	var req models.RowInsertRequest
	if err := decodeRequest(msg.Data, &req); err != nil {
		return nil, err
	}
	if req.Table == "" {
		return nil, models.MissingFieldError("table")
	}
	if len(req.Data) == 0 {
		return nil, models.MissingFieldError("data")
	}

	result, err := s.rows.Insert(ctx, plugin, req.Table, req.Data)
	if err != nil {
		return nil, err
	}
	if result.Bulk {
		return rowInsertBulkResponse{IDs: result.IDs, Created: len(result.IDs)}, nil
	}
	return rowInsertResponse{ID: result.IDs[0], Created: true}, nil
}

func (s *Server) handleRowSelect(ctx context.Context, msg *bus.Msg) (any, error) {
	plugin, err := pluginOf(msg)
	if err != nil {
		return nil, err
	}
	var req models.RowSelectRequest
	if err := decodeRequest(msg.Data, &req); err != nil {
		return nil, err
	}
	if req.Table == "" {
		return nil, models.MissingFieldError("table")
	}
	if req.ID == nil {
		return nil, models.MissingFieldError("id")
	}

	row, exists, err := s.rows.Select(ctx, plugin, req.Table, *req.ID)
	if err != nil {
		return nil, err
	}
	return rowSelectResponse{Exists: exists, Data: row}, nil
}

// handleRowUpdate serves both update forms. With an id the patch targets one
// row and a miss answers exists:false; without one a filter is required and
// the response carries the match count.
func (s *Server) handleRowUpdate(ctx context.Context, msg *bus.Msg) (any, error) {
	plugin, err := pluginOf(msg)
	if err != nil {
		return nil, err
	}
	var req models.RowUpdateRequest
	if err := decodeRequest(msg.Data, &req); err != nil {
		return nil, err
	}
	if req.Table == "" {
		return nil, models.MissingFieldError("table")
	}

	if req.ID != nil {
		patch := req.Data
		if len(patch) == 0 {
			patch = req.Patch
		}
		if len(patch) == 0 {
			return nil, models.MissingFieldError("data")
		}
		updated, err := s.rows.UpdateByID(ctx, plugin, req.Table, *req.ID, patch)
		if err != nil {
			return nil, err
		}
		if updated == 0 {
			return rowMissResponse{Exists: false}, nil
		}
		return rowUpdateResponse{Updated: updated, ID: *req.ID}, nil
	}

	if len(req.Filter) == 0 {
		return nil, models.MissingFieldError("filter")
	}
	patch := req.Patch
	if len(patch) == 0 {
		patch = req.Data
	}
	if len(patch) == 0 {
		return nil, models.MissingFieldError("patch")
	}
	updated, err := s.rows.Update(ctx, plugin, req.Table, req.Filter, patch)
	if err != nil {
		return nil, err
	}
	return rowUpdateResponse{Updated: updated}, nil
}

func (s *Server) handleRowDelete(ctx context.Context, msg *bus.Msg) (any, error) {
	plugin, err := pluginOf(msg)
	if err != nil {
		return nil, err
	}
	var req models.RowDeleteRequest
	if err := decodeRequest(msg.Data, &req); err != nil {
		return nil, err
	}
	if req.Table == "" {
		return nil, models.MissingFieldError("table")
	}
	if req.ID == nil {
		return nil, models.MissingFieldError("id")
	}

	deleted, err := s.rows.Delete(ctx, plugin, req.Table, *req.ID)
	if err != nil {
		return nil, err
	}
	return rowDeleteResponse{Deleted: deleted}, nil
}

func (s *Server) handleRowSearch(ctx context.Context, msg *bus.Msg) (any, error) {
	plugin, err := pluginOf(msg)
	if err != nil {
		return nil, err
	}
	var req models.RowSearchRequest
	if err := decodeRequest(msg.Data, &req); err != nil {
		return nil, err
	}
	if req.Table == "" {
		return nil, models.MissingFieldError("table")
	}

	params := rows.SearchParams{
		Filters: req.Filters,
		Limit:   req.Limit,
		Offset:  req.Offset,
	}
	if len(req.Sort) > 0 {
		var sort rows.SortSpec
		if err := json.Unmarshal(req.Sort, &sort); err != nil {
			return nil, models.ValidationErrorf("sort must be an object with field and order")
		}
		params.Sort = &sort
	}

	results, truncated, err := s.rows.Search(ctx, plugin, req.Table, params)
	if err != nil {
		return nil, err
	}
	return rowSearchResponse{Rows: results, Count: len(results), Truncated: truncated}, nil
}
