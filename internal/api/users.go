// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

package api

import (
	"encoding/json"
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/3dem/emhub/internal/applications"
	"github.com/3dem/emhub/internal/model"
)

// Keys only managers may set on a user.
var managedUserKeys = []string{"username", "roles", "status", "pi_id"}

func takePassword(attrs map[string]any, u *model.User) error {
	v, ok := attrs["password"]
	if !ok {
		return nil
	}
	delete(attrs, "password")
	p, _ := v.(string)
	if p == "" {
		return nil
	}
	if err := u.SetPassword(p); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func (s *Server) userRoutes(g *gin.RouterGroup) {
	st := s.store
	users := entity[model.User]{
		name:    "user",
		plural:  "users",
		id:      func(u *model.User) int { return u.ID },
		get:     st.GetUser,
		list:    st.ListUsers,
		create:  st.CreateUser,
		remove:  st.DeleteUser,
		prepare: takePassword,
	}
	register(s, g, users)

	// Users may update their own profile; managers anyone's.
	g.POST("/update_user", s.wrap(func(c *gin.Context, u *model.User) (any, error) {
		attrs, err := bindAttrs(c)
		if err != nil {
			return nil, err
		}
		id, err := attrID(attrs, "id")
		if err != nil {
			return nil, err
		}
		if !u.IsManager() {
			if id != u.ID {
				return nil, fmt.Errorf("%w: You can only update your own profile", errForbidden)
			}
			for _, k := range managedUserKeys {
				if _, ok := attrs[k]; ok {
					return nil, fmt.Errorf("%w: Only managers can change '%s'", errForbidden, k)
				}
			}
		}
		target, err := loadAndMerge(c.Request.Context(), users, attrs)
		if err != nil {
			return nil, err
		}
		if err := st.UpdateUser(c.Request.Context(), target); err != nil {
			return nil, err
		}
		return gin.H{"user": target}, nil
	}))
}

func (s *Server) applicationRoutes(g *gin.RouterGroup) {
	st := s.store
	apps := entity[model.Application]{
		name:   "application",
		plural: "applications",
		id:     func(a *model.Application) int { return a.ID },
		get:    st.GetApplication,
		list:   st.ListApplications,
		remove: st.DeleteApplication,
	}
	register(s, g, apps)

	g.POST("/create_application", s.wrap(func(c *gin.Context, u *model.User) (any, error) {
		if err := requireManager(u); err != nil {
			return nil, err
		}
		attrs, err := bindAttrs(c)
		if err != nil {
			return nil, err
		}
		add, remove, err := piChanges(attrs)
		if err != nil {
			return nil, err
		}
		delete(attrs, "id")
		app := &model.Application{}
		if err := decodeAttrs(attrs, app); err != nil {
			return nil, err
		}
		if err := s.apps.UpdatePIs(c.Request.Context(), app, add, remove); err != nil {
			return nil, err
		}
		if err := st.CreateApplication(c.Request.Context(), app); err != nil {
			return nil, err
		}
		return gin.H{"application": app}, nil
	}))

	// The creator PI of an application may update it too.
	g.POST("/update_application", s.wrap(func(c *gin.Context, u *model.User) (any, error) {
		attrs, err := bindAttrs(c)
		if err != nil {
			return nil, err
		}
		add, remove, err := piChanges(attrs)
		if err != nil {
			return nil, err
		}
		app, err := loadAndMerge(c.Request.Context(), apps, attrs)
		if err != nil {
			return nil, err
		}
		if !u.IsManager() && app.CreatorID != u.ID {
			return nil, fmt.Errorf("%w: You can not modify this application", errForbidden)
		}
		if err := s.apps.Update(c.Request.Context(), app, add, remove); err != nil {
			return nil, err
		}
		return gin.H{"application": app}, nil
	}))

	g.POST("/import_application", s.wrap(func(c *gin.Context, u *model.User) (any, error) {
		if err := requireManager(u); err != nil {
			return nil, err
		}
		var req struct {
			Order json.RawMessage `json:"order"`
		}
		if err := bindBody(c, &req); err != nil {
			return nil, err
		}
		if len(req.Order) == 0 {
			return nil, fmt.Errorf("%w: Expecting 'order' in the request", errBadRequest)
		}
		order, err := applications.ParseOrder(req.Order)
		if err != nil {
			return nil, err
		}
		app, err := s.apps.Import(c.Request.Context(), order)
		if err != nil {
			return nil, err
		}
		return gin.H{"application": app}, nil
	}))
}

// piChanges takes the pi_to_add and pi_to_remove lists out of attrs.
func piChanges(attrs map[string]any) (add, remove []int, err error) {
	if add, err = intList(attrs["pi_to_add"]); err != nil {
		return nil, nil, err
	}
	if remove, err = intList(attrs["pi_to_remove"]); err != nil {
		return nil, nil, err
	}
	delete(attrs, "pi_to_add")
	delete(attrs, "pi_to_remove")
	return add, remove, nil
}
