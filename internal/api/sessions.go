// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

package api

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/3dem/emhub/internal/content"
	"github.com/3dem/emhub/internal/model"
	"github.com/3dem/emhub/internal/sessiondata"
	"github.com/3dem/emhub/internal/sessions"
)

// dataRequest addresses a set or an item inside a session data file. The
// ids may be given at the top level or inside attrs, next to the item
// attributes.
type dataRequest struct {
	SessionID int            `json:"session_id"`
	SetID     int            `json:"set_id"`
	ItemID    int            `json:"item_id"`
	Attrs     map[string]any `json:"attrs"`
	AttrList  []string       `json:"attr_list"`
}

// binaryAttrs are the item attributes holding images. Clients send them
// base64 encoded; they are stored as raw bytes and encoded again on the way
// out by the JSON encoder.
var binaryAttrs = []string{"micThumbData", "psdData", "shiftPlotData"}

func bindDataRequest(c *gin.Context) (*dataRequest, error) {
	req := &dataRequest{SetID: 1}
	if err := bindBody(c, req); err != nil {
		return nil, err
	}
	if req.Attrs == nil {
		req.Attrs = map[string]any{}
	}
	if err := req.takeNestedIDs(); err != nil {
		return nil, err
	}
	if err := decodeBinaryAttrs(req.Attrs); err != nil {
		return nil, err
	}
	return req, nil
}

func (r *dataRequest) takeNestedIDs() error {
	for key, dst := range map[string]*int{"session_id": &r.SessionID, "set_id": &r.SetID, "item_id": &r.ItemID} {
		if _, ok := r.Attrs[key]; !ok {
			continue
		}
		id, err := attrID(r.Attrs, key)
		if err != nil {
			return err
		}
		*dst = id
		delete(r.Attrs, key)
	}
	list, ok := r.Attrs["attr_list"]
	if !ok {
		return nil
	}
	delete(r.Attrs, "attr_list")
	values, ok := list.([]any)
	if !ok {
		return fmt.Errorf("%w: 'attr_list' must be a list of names", errBadRequest)
	}
	r.AttrList = r.AttrList[:0]
	for _, v := range values {
		name, ok := v.(string)
		if !ok {
			return fmt.Errorf("%w: 'attr_list' must be a list of names", errBadRequest)
		}
		r.AttrList = append(r.AttrList, name)
	}
	return nil
}

func decodeBinaryAttrs(attrs map[string]any) error {
	for _, key := range binaryAttrs {
		str, ok := attrs[key].(string)
		if !ok {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(str)
		if err != nil {
			return fmt.Errorf("%w: '%s' is not base64 data: %v", errBadRequest, key, err)
		}
		attrs[key] = raw
	}
	return nil
}

func (s *Server) sessionRoutes(g *gin.RouterGroup) {
	st := s.store
	entries := entity[model.Session]{
		name:   "session",
		plural: "sessions",
		id:     func(m *model.Session) int { return m.ID },
		get:    st.GetSession,
		list:   st.ListSessions,
	}
	register(s, g, entries)

	g.POST("/create_session", s.wrap(func(c *gin.Context, u *model.User) (any, error) {
		if err := requireManager(u); err != nil {
			return nil, err
		}
		attrs, err := bindAttrs(c)
		if err != nil {
			return nil, err
		}
		createData := boolAttr(attrs, "create_data", true)
		delete(attrs, "create_data")
		delete(attrs, "id")
		m := &model.Session{}
		if err := decodeAttrs(attrs, m); err != nil {
			return nil, err
		}
		if err := s.sessions.Create(c.Request.Context(), m, createData); err != nil {
			return nil, err
		}
		return gin.H{"session": m}, nil
	}))

	g.POST("/update_session", s.wrap(func(c *gin.Context, u *model.User) (any, error) {
		if err := requireManager(u); err != nil {
			return nil, err
		}
		attrs, err := bindAttrs(c)
		if err != nil {
			return nil, err
		}
		m, err := loadAndMerge(c.Request.Context(), entries, attrs)
		if err != nil {
			return nil, err
		}
		if err := s.sessions.Update(c.Request.Context(), m); err != nil {
			return nil, err
		}
		return gin.H{"session": m}, nil
	}))

	g.POST("/delete_session", s.wrap(func(c *gin.Context, u *model.User) (any, error) {
		if err := requireManager(u); err != nil {
			return nil, err
		}
		attrs, err := bindAttrs(c)
		if err != nil {
			return nil, err
		}
		id, err := attrID(attrs, "id")
		if err != nil {
			return nil, err
		}
		m, err := s.sessions.Delete(c.Request.Context(), id)
		if err != nil {
			return nil, err
		}
		return gin.H{"session": m}, nil
	}))

	g.POST("/load_session", s.wrap(func(c *gin.Context, u *model.User) (any, error) {
		req, err := bindDataRequest(c)
		if err != nil {
			return nil, err
		}
		m, f, err := s.sessions.Load(c.Request.Context(), req.SessionID, sessiondata.ModeRead)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return gin.H{"session": m, "sets": f.GetSets()}, nil
	}))

	g.POST("/create_session_set", s.wrap(func(c *gin.Context, u *model.User) (any, error) {
		if err := requireManager(u); err != nil {
			return nil, err
		}
		req, err := bindDataRequest(c)
		if err != nil {
			return nil, err
		}
		err = s.sessions.Write(c.Request.Context(), req.SessionID, func(f *sessiondata.File) error {
			return f.CreateSet(req.SetID, req.Attrs)
		})
		if err != nil {
			return nil, err
		}
		return gin.H{"session_set": gin.H{}}, nil
	}))

	g.POST("/add_session_item", s.wrap(func(c *gin.Context, u *model.User) (any, error) {
		if err := requireManager(u); err != nil {
			return nil, err
		}
		req, err := bindDataRequest(c)
		if err != nil {
			return nil, err
		}
		err = s.sessions.Write(c.Request.Context(), req.SessionID, func(f *sessiondata.File) error {
			return f.AddSetItem(req.SetID, req.ItemID, req.Attrs)
		})
		if err != nil {
			return nil, err
		}
		return gin.H{"item": gin.H{}}, nil
	}))

	g.POST("/update_session_item", s.wrap(func(c *gin.Context, u *model.User) (any, error) {
		if err := requireManager(u); err != nil {
			return nil, err
		}
		req, err := bindDataRequest(c)
		if err != nil {
			return nil, err
		}
		err = s.sessions.Write(c.Request.Context(), req.SessionID, func(f *sessiondata.File) error {
			return f.UpdateItem(req.SetID, req.ItemID, req.Attrs)
		})
		if err != nil {
			return nil, err
		}
		return gin.H{"item": gin.H{}}, nil
	}))

	g.POST("/get_session_items", s.wrap(func(c *gin.Context, u *model.User) (any, error) {
		req, err := bindDataRequest(c)
		if err != nil {
			return nil, err
		}
		_, f, err := s.sessions.Load(c.Request.Context(), req.SessionID, sessiondata.ModeRead)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return f.GetSetItems(req.SetID, req.AttrList)
	}))

	g.POST("/get_session_data", s.wrap(func(c *gin.Context, u *model.User) (any, error) {
		req, err := bindDataRequest(c)
		if err != nil {
			return nil, err
		}
		m, f, err := s.sessions.Load(c.Request.Context(), req.SessionID, sessiondata.ModeRead)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return content.SessionData(m, f)
	}))

	// poll_sessions blocks until a session is pending or the poll times out.
	g.POST("/poll_sessions", s.wrap(func(c *gin.Context, u *model.User) (any, error) {
		if err := requireManager(u); err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.opts.PollTimeout)
		defer cancel()
		return s.pollPending(ctx, u)
	}))
}

func (s *Server) pollPending(ctx context.Context, u *model.User) ([]sessions.PendingSession, error) {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		pending, err := s.sessions.Pending(ctx, u)
		if err != nil {
			if ctx.Err() != nil {
				return []sessions.PendingSession{}, nil
			}
			return nil, err
		}
		if len(pending) > 0 {
			return pending[:1], nil
		}
		select {
		case <-ctx.Done():
			return []sessions.PendingSession{}, nil
		case <-ticker.C:
		}
	}
}
