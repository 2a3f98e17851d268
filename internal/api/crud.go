// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

package api

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/3dem/emhub/internal/db"
	"github.com/3dem/emhub/internal/forms"
	"github.com/3dem/emhub/internal/model"
)

// entity describes the store operations behind the generic routes
// get_<plural>, create_<name>, update_<name> and delete_<name>. Nil
// operations are not routed.
type entity[T any] struct {
	name   string
	plural string
	id     func(*T) int
	get    func(context.Context, int) (*T, error)
	list   func(context.Context, db.Query) ([]T, error)
	create func(context.Context, *T) error
	update func(context.Context, *T) error
	remove func(context.Context, int) error
	// prepare runs before attrs are decoded into obj. It may consume keys
	// that need special handling by deleting them from attrs.
	prepare func(attrs map[string]any, obj *T) error
}

func register[T any](s *Server, g *gin.RouterGroup, e entity[T]) {
	g.POST("/get_"+e.plural, s.wrap(func(c *gin.Context, u *model.User) (any, error) {
		var req listRequest
		if err := bindBody(c, &req); err != nil {
			return nil, err
		}
		q, err := req.query()
		if err != nil {
			return nil, err
		}
		items, err := e.list(c.Request.Context(), q)
		if err != nil {
			return nil, err
		}
		return project(items, req.Attrs)
	}))

	if e.create != nil {
		g.POST("/create_"+e.name, s.wrap(func(c *gin.Context, u *model.User) (any, error) {
			if err := requireManager(u); err != nil {
				return nil, err
			}
			attrs, err := bindAttrs(c)
			if err != nil {
				return nil, err
			}
			delete(attrs, "id")
			obj := new(T)
			if e.prepare != nil {
				if err := e.prepare(attrs, obj); err != nil {
					return nil, err
				}
			}
			if err := decodeAttrs(attrs, obj); err != nil {
				return nil, err
			}
			if err := e.create(c.Request.Context(), obj); err != nil {
				return nil, err
			}
			return gin.H{e.name: obj}, nil
		}))
	}

	if e.update != nil {
		g.POST("/update_"+e.name, s.wrap(func(c *gin.Context, u *model.User) (any, error) {
			if err := requireManager(u); err != nil {
				return nil, err
			}
			attrs, err := bindAttrs(c)
			if err != nil {
				return nil, err
			}
			obj, err := loadAndMerge(c.Request.Context(), e, attrs)
			if err != nil {
				return nil, err
			}
			if err := e.update(c.Request.Context(), obj); err != nil {
				return nil, err
			}
			return gin.H{e.name: obj}, nil
		}))
	}

	if e.remove != nil {
		g.POST("/delete_"+e.name, s.wrap(func(c *gin.Context, u *model.User) (any, error) {
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
			obj, err := e.get(c.Request.Context(), id)
			if err != nil {
				return nil, err
			}
			if err := e.remove(c.Request.Context(), id); err != nil {
				return nil, err
			}
			return gin.H{e.name: obj}, nil
		}))
	}
}

// loadAndMerge fetches the object named by attrs["id"] and overlays attrs.
func loadAndMerge[T any](ctx context.Context, e entity[T], attrs map[string]any) (*T, error) {
	id, err := attrID(attrs, "id")
	if err != nil {
		return nil, err
	}
	obj, err := e.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.prepare != nil {
		if err := e.prepare(attrs, obj); err != nil {
			return nil, err
		}
	}
	if err := decodeAttrs(attrs, obj); err != nil {
		return nil, err
	}
	if e.id(obj) != id {
		return nil, fmt.Errorf("%w: the id can not be changed", errBadRequest)
	}
	return obj, nil
}

func (s *Server) crudRoutes(g *gin.RouterGroup) {
	st := s.store
	register(s, g, entity[model.Template]{
		name:   "template",
		plural: "templates",
		id:     func(t *model.Template) int { return t.ID },
		get:    st.GetTemplate,
		list:   st.ListTemplates,
		create: st.CreateTemplate,
		update: st.UpdateTemplate,
		remove: st.DeleteTemplate,
	})
	register(s, g, entity[model.Resource]{
		name:   "resource",
		plural: "resources",
		id:     func(r *model.Resource) int { return r.ID },
		get:    st.GetResource,
		list:   st.ListResources,
		create: st.CreateResource,
		update: st.UpdateResource,
		remove: st.DeleteResource,
	})
	register(s, g, entity[model.InvoicePeriod]{
		name:   "invoice_period",
		plural: "invoice_periods",
		id:     func(p *model.InvoicePeriod) int { return p.ID },
		get:    st.GetInvoicePeriod,
		list:   st.ListInvoicePeriods,
		create: st.CreateInvoicePeriod,
		update: st.UpdateInvoicePeriod,
		remove: st.DeleteInvoicePeriod,
	})
	register(s, g, entity[model.Transaction]{
		name:   "transaction",
		plural: "transactions",
		id:     func(t *model.Transaction) int { return t.ID },
		get:    st.GetTransaction,
		list:   st.ListTransactions,
		create: st.CreateTransaction,
		update: st.UpdateTransaction,
		remove: st.DeleteTransaction,
	})
	register(s, g, entity[model.Form]{
		name:    "form",
		plural:  "forms",
		id:      func(f *model.Form) int { return f.ID },
		get:     st.GetForm,
		list:    st.ListForms,
		create:  st.CreateForm,
		update:  st.UpdateForm,
		remove:  st.DeleteForm,
		prepare: prepareForm,
	})
}

// prepareForm accepts the definition as a JSON object or as JSONC text.
func prepareForm(attrs map[string]any, f *model.Form) error {
	text, ok := attrs["definition"].(string)
	if !ok {
		return nil
	}
	delete(attrs, "definition")
	def, err := forms.Parse([]byte(text))
	if err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	f.Definition, err = def.Extra()
	return err
}
